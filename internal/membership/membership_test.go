package membership_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"booklibrary/internal/eventlog"
	"booklibrary/internal/membership"
	"booklibrary/internal/storage"
	"booklibrary/internal/storage/storagetest"
)

type fixture struct {
	db     *storage.DB
	events *eventlog.Store
	svc    membership.Service
}

func setup(t *testing.T, opts ...membership.Option) *fixture {
	t.Helper()
	db := storagetest.NewSQLite(t)
	events := eventlog.NewStore(db.Dialect())
	opts = append([]membership.Option{membership.WithRateLimiter(rate.NewLimiter(rate.Inf, 0))}, opts...)
	return &fixture{db: db, events: events, svc: membership.NewService(db, events, opts...)}
}

func TestRegisterAndVerify(t *testing.T) {
	ctx := context.Background()
	svc := setup(t).svc

	user, err := svc.Register(ctx, membership.RegisterRequest{
		Username: "alice", Email: "alice@example.com", Password: "wonderland",
	})
	require.NoError(t, err)
	assert.Equal(t, membership.RoleMember, user.Role)
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEqual(t, "wonderland", user.PasswordHash)

	got, err := svc.VerifyCredentials(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.VerifyCredentials(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, membership.ErrInvalidCredentials)

	_, err = svc.VerifyCredentials(ctx, "nobody", "wonderland")
	assert.ErrorIs(t, err, membership.ErrInvalidCredentials)

	role, err := svc.Role(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.RoleMember, role)

	_, err = svc.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, membership.ErrUserNotFound)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := setup(t).svc

	_, err := svc.Register(ctx, membership.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, membership.RegisterRequest{Username: "alice", Email: "other@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, membership.ErrDuplicateUsername)

	_, err = svc.Register(ctx, membership.RegisterRequest{Username: "alice2", Email: "alice@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, membership.ErrDuplicateEmail)
}

func TestRegisterValidation(t *testing.T) {
	svc := setup(t).svc

	tests := []struct {
		name string
		req  membership.RegisterRequest
	}{
		{"short username", membership.RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "secret1"}},
		{"long username", membership.RegisterRequest{Username: strings.Repeat("b", 51), Email: "bob@example.com", Password: "secret1"}},
		{"bad email", membership.RegisterRequest{Username: "bobby", Email: "not-an-email", Password: "secret1"}},
		{"long email", membership.RegisterRequest{Username: "bobby", Email: strings.Repeat("b", 115) + "@x.com", Password: "secret1"}},
		{"short password", membership.RegisterRequest{Username: "bobby", Email: "bob@example.com", Password: "12345"}},
		{"long password", membership.RegisterRequest{Username: "bobby", Email: "bob@example.com", Password: strings.Repeat("p", 101)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.req)
			assert.ErrorIs(t, err, membership.ErrInvalidRegistration)
		})
	}
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	svc := f.svc
	req := membership.RegisterRequest{Username: "admin", Email: "admin@library.local", Password: "admin123"}

	admin, created, err := svc.EnsureAdmin(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, membership.RoleAdmin, admin.Role)

	again, created, err := svc.EnsureAdmin(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, admin.ID, again.ID)

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)

	history, err := f.events.Load(ctx, f.db, admin.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "UserRegistered", history[0].EventType)
}

func TestEnsureAdminRejectsMemberWithSameUsername(t *testing.T) {
	ctx := context.Background()
	svc := setup(t).svc

	member, err := svc.Register(ctx, membership.RegisterRequest{Username: "admin", Email: "someone@example.com", Password: "secret123"})
	require.NoError(t, err)
	require.Equal(t, membership.RoleMember, member.Role)

	user, created, err := svc.EnsureAdmin(ctx, membership.RegisterRequest{Username: "admin", Email: "admin@library.local", Password: "admin123"})
	assert.ErrorIs(t, err, membership.ErrInvalidRole)
	assert.Nil(t, user)
	assert.False(t, created)

	role, err := svc.Role(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, membership.RoleMember, role)
}

func TestRateLimitedLogin(t *testing.T) {
	ctx := context.Background()
	svc := setup(t, membership.WithRateLimiter(rate.NewLimiter(rate.Every(time.Hour), 1))).svc

	_, err := svc.VerifyCredentials(ctx, "alice", "whatever")
	assert.ErrorIs(t, err, membership.ErrInvalidCredentials)

	_, err = svc.VerifyCredentials(ctx, "alice", "whatever")
	assert.ErrorIs(t, err, membership.ErrRateLimited)
}

func TestRoleCapabilities(t *testing.T) {
	assert.False(t, membership.RoleMember.Capabilities().CanManageCatalog())
	assert.False(t, membership.RoleMember.Capabilities().CanViewAdminOverview())
	assert.True(t, membership.RoleAdmin.Capabilities().CanManageCatalog())
	assert.True(t, membership.RoleAdmin.Capabilities().CanViewAdminOverview())
	assert.False(t, membership.Role("librarian").Capabilities().CanManageCatalog())

	_, err := membership.ParseRole("librarian")
	assert.ErrorIs(t, err, membership.ErrInvalidRole)
	role, err := membership.ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, membership.RoleAdmin, role)
}
