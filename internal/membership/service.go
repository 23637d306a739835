// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the membership service.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (*User, error)
	VerifyCredentials(ctx context.Context, username, password string) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	Role(ctx context.Context, id uuid.UUID) (Role, error)
	ListUsers(ctx context.Context) ([]*User, error)
	// EnsureAdmin creates the admin account unless the username already
	// exists. It reports whether a new account was created.
	EnsureAdmin(ctx context.Context, req RegisterRequest) (*User, bool, error)
}
