// cmd/library/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"booklibrary/internal/config"
	"booklibrary/internal/membership"
	"booklibrary/internal/observability"
	"booklibrary/internal/server"
	"booklibrary/internal/storage"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "library",
		Short:         "Library borrowing service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before the environment")

	load := func() (*config.Config, error) {
		return config.Load(envFile)
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newSeedCmd(load),
		newCreateAdminCmd(load),
		newVerifyCmd(load),
	)
	root.AddCommand(newClientCmds(load)...)
	return root
}

type loader func() (*config.Config, error)

func openApp(ctx context.Context, load loader) (*server.App, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(os.Stderr, cfg.LogLevel)
	return server.NewApp(ctx, cfg, logger)
}

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := observability.NewLogger(os.Stderr, cfg.LogLevel)
			for _, name := range cfg.InsecureDefaults() {
				logger.Warn("using development default, set it before exposing the server", "setting", name)
			}

			shutdown, err := observability.Setup(ctx, cfg.OTLPEndpoint, version)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer shutdown(context.Background())

			app, err := server.NewApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.Seed(ctx); errors.Is(err, membership.ErrInvalidRole) {
				logger.Warn("serving without seed data", "error", err)
			} else if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			return server.ListenAndServe(ctx, cfg.Addr, server.NewRouter(app), logger)
		},
	}
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := storage.Open(cmd.Context(), cfg.DBDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newSeedCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the admin account, default categories and sample books",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Seed(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newCreateAdminCmd(load loader) *cobra.Command {
	var username, email string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account, prompting for the password",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd, "Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			app, err := openApp(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer app.Close()

			user, created, err := app.Members.EnsureAdmin(cmd.Context(), membership.RegisterRequest{
				Username: username,
				Email:    email,
				Password: password,
			})
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("user %q already exists", user.Username)
			}
			return printJSON(cmd, user)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "admin username")
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newVerifyCmd(load loader) *cobra.Command {
	var race server.RaceOptions

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stock and borrow records for inconsistencies",
		Long: "Check stock and borrow records for inconsistencies. With --race N, also run a borrow race\n" +
			"of N members against one book in a scratch SQLite database and report whether the invariants held.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer app.Close()

			ok, violations := app.Verify(cmd.Context())
			for _, v := range violations {
				fmt.Fprintln(cmd.OutOrStdout(), v.String())
			}
			if !ok {
				return fmt.Errorf("%d invariant violation(s)", len(violations))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all invariants hold")

			if race.Borrowers == 0 {
				return nil
			}
			return runBorrowRace(cmd, app.Config, app.Logger, race)
		},
	}
	cmd.Flags().IntVar(&race.Borrowers, "race", 0, "run a borrow race with this many concurrent borrowers")
	cmd.Flags().IntVar(&race.Stock, "race-stock", 1, "copies of the contested book")
	cmd.Flags().IntVar(&race.Samples, "race-samples", 3, "times to measure the invariants after the race")
	cmd.Flags().DurationVar(&race.Interval, "race-interval", 200*time.Millisecond, "pause between samples")
	return cmd
}

func runBorrowRace(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, opts server.RaceOptions) error {
	ctx := cmd.Context()

	dir, err := os.MkdirTemp("", "library-race-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(dir, "race.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate scratch database: %w", err)
	}

	scratch := *cfg
	scratch.AuthRate = float64(rate.Inf)
	scratch.AuthBurst = opts.Borrowers
	app, err := server.Wire(db, &scratch, logger)
	if err != nil {
		return err
	}

	result, err := app.BorrowRace(ctx, opts)
	if err != nil {
		return fmt.Errorf("borrow race: %w", err)
	}
	if err := printJSON(cmd, app.Consistency.Results()); err != nil {
		return err
	}
	if !result.HypothesisHeld {
		return fmt.Errorf("borrow race: hypothesis did not hold: %v", result.FailedAssertions)
	}
	return nil
}

// readPassword reads a password without echo when stdin is a terminal.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &line); err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
