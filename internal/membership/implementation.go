// internal/membership/implementation.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"booklibrary/internal/eventlog"
	"booklibrary/internal/storage"
)

const (
	minUsernameLen = 4
	maxUsernameLen = 50
	maxEmailLen    = 120
	minPasswordLen = 6
	maxPasswordLen = 100
)

var userColumns = []interface{}{"id", "username", "email", "password_hash", "salt", "role", "created_at"}

// service implements the Service interface.
type service struct {
	db          *storage.DB
	events      *eventlog.Store
	rateLimiter *rate.Limiter
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures the membership service.
type Option func(*service)

// WithRateLimiter replaces the limiter guarding registration and login.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(s *service) { s.rateLimiter = l }
}

// WithClock sets the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a new membership service instance.
func NewService(db *storage.DB, events *eventlog.Store, opts ...Option) Service {
	s := &service{
		db:          db,
		events:      events,
		rateLimiter: rate.NewLimiter(rate.Every(1*time.Minute), 5), // 5 requests per minute
		tracer:      otel.Tracer("booklibrary/membership"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new member account.
func (s *service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	ctx, span := s.tracer.Start(ctx, "membership.register",
		trace.WithAttributes(attribute.String("user.username", req.Username)),
	)
	defer span.End()

	user, err := s.createUser(ctx, req, RoleMember)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return user, nil
}

// EnsureAdmin creates the admin account when it does not exist yet. A
// non-admin user holding the username is an ErrInvalidRole.
func (s *service) EnsureAdmin(ctx context.Context, req RegisterRequest) (*User, bool, error) {
	existing, err := s.GetUserByUsername(ctx, req.Username)
	switch {
	case err == nil:
		if existing.Role != RoleAdmin {
			return nil, false, fmt.Errorf("%w: %q exists with role %s", ErrInvalidRole, existing.Username, existing.Role)
		}
		return existing, false, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, false, err
	}

	user, err := s.createUser(ctx, req, RoleAdmin)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

func (s *service) createUser(ctx context.Context, req RegisterRequest, role Role) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	passwordHash, salt, err := hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Salt:         salt,
		Role:         role,
		CreatedAt:    s.now().UTC(),
	}

	event, err := eventlog.NewEvent("UserRegistered", UserRegisteredEvent{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	})
	if err != nil {
		return nil, err
	}

	err = s.db.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		if err := s.checkAvailable(ctx, q, user); err != nil {
			return err
		}
		if err := s.insertUser(ctx, q, user); err != nil {
			return err
		}
		return s.events.Append(ctx, q, user.ID, "user", 0, event)
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (s *service) checkAvailable(ctx context.Context, q storage.Querier, user *User) error {
	if _, err := s.getUser(ctx, q, goqu.C("username").Eq(user.Username)); err == nil {
		return ErrDuplicateUsername
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	if _, err := s.getUser(ctx, q, goqu.C("email").Eq(user.Email)); err == nil {
		return ErrDuplicateEmail
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	return nil
}

func (s *service) insertUser(ctx context.Context, q storage.Querier, user *User) error {
	stmt := s.db.Dialect().Insert("users").Rows(goqu.Record{
		"id":            user.ID,
		"username":      user.Username,
		"email":         user.Email,
		"password_hash": user.PasswordHash,
		"salt":          user.Salt,
		"role":          string(user.Role),
		"created_at":    user.CreatedAt,
	}).Prepared(true)

	if _, err := storage.Exec(ctx, q, stmt); err != nil {
		if detail, ok := storage.UniqueViolation(err); ok {
			if strings.Contains(detail, "email") {
				return ErrDuplicateEmail
			}
			return ErrDuplicateUsername
		}
		return storage.Wrap("insert user", err)
	}
	return nil
}

func validateRegistration(req RegisterRequest) error {
	if n := len(req.Username); n < minUsernameLen || n > maxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidRegistration, minUsernameLen, maxUsernameLen)
	}
	if len(req.Email) == 0 || len(req.Email) > maxEmailLen {
		return fmt.Errorf("%w: email must be 1-%d characters", ErrInvalidRegistration, maxEmailLen)
	}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		return fmt.Errorf("%w: invalid email address", ErrInvalidRegistration)
	}
	if n := len(req.Password); n < minPasswordLen || n > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrInvalidRegistration, minPasswordLen, maxPasswordLen)
	}
	return nil
}

// VerifyCredentials checks a username and password and returns the user if they match.
func (s *service) VerifyCredentials(ctx context.Context, username, password string) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	ctx, span := s.tracer.Start(ctx, "membership.verify_credentials",
		trace.WithAttributes(attribute.String("user.username", username)),
	)
	defer span.End()

	user, err := s.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	ok, err := verifyPassword(password, user.Salt, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("auth.rejected", true))
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// GetUser retrieves a user by ID.
func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.getUser(ctx, s.db, goqu.C("id").Eq(id))
}

// GetUserByUsername retrieves a user by username.
func (s *service) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, s.db, goqu.C("username").Eq(username))
}

// Role returns the role of a user.
func (s *service) Role(ctx context.Context, id uuid.UUID) (Role, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

// ListUsers returns every account ordered by username.
func (s *service) ListUsers(ctx context.Context) ([]*User, error) {
	stmt := s.db.Dialect().From("users").
		Select(userColumns...).
		Order(goqu.C("username").Asc()).
		Prepared(true)

	var users []*User
	if err := storage.Select(ctx, s.db, &users, stmt); err != nil {
		return nil, storage.Wrap("list users", err)
	}
	return users, nil
}

func (s *service) getUser(ctx context.Context, q storage.Querier, where goqu.Expression) (*User, error) {
	stmt := s.db.Dialect().From("users").Select(userColumns...).Where(where).Prepared(true)

	user := &User{}
	if err := storage.Get(ctx, q, user, stmt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, storage.Wrap("get user", err)
	}
	return user, nil
}
