package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"booklibrary/internal/clients"
)

// newClientCmds returns the commands that talk to a running server.
func newClientCmds(load loader) []*cobra.Command {
	var token string

	lending := func() (*clients.LendingClient, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		if token == "" {
			token = os.Getenv("LIBRARY_TOKEN")
		}
		if token == "" {
			return nil, errors.New("no token: run login and set LIBRARY_TOKEN or pass --token")
		}
		return clients.NewLendingClient(cfg.APIURL, token, nil), nil
	}

	login := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and print a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			password, err := readPassword(cmd, "Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			resp, err := clients.NewMembershipClient(cfg.APIURL, nil).Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			return nil
		},
	}

	var due string
	borrow := &cobra.Command{
		Use:   "borrow <book-id>",
		Short: "Borrow a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid book id: %w", err)
			}
			var dueDate time.Time
			if due != "" {
				if dueDate, err = time.Parse(time.DateOnly, due); err != nil {
					return fmt.Errorf("invalid due date: %w", err)
				}
			}
			c, err := lending()
			if err != nil {
				return err
			}
			record, err := c.Borrow(cmd.Context(), bookID, dueDate)
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}
	borrow.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD), defaults to the loan period")

	ret := &cobra.Command{
		Use:   "return <record-id>",
		Short: "Return a borrowed book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid record id: %w", err)
			}
			c, err := lending()
			if err != nil {
				return err
			}
			record, err := c.Return(cmd.Context(), recordID)
			if err != nil {
				return err
			}
			return printJSON(cmd, record)
		},
	}

	myBooks := &cobra.Command{
		Use:   "my-books",
		Short: "List your borrow history",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := lending()
			if err != nil {
				return err
			}
			records, err := c.MyBooks(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}

	cmds := []*cobra.Command{login, borrow, ret, myBooks}
	for _, c := range cmds[1:] {
		c.Flags().StringVar(&token, "token", "", "bearer token (defaults to $LIBRARY_TOKEN)")
	}
	return cmds
}
