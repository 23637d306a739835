// internal/membership/handler.go
package membership

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"booklibrary/internal/httpx"
)

// TokenIssuer signs a session token for an authenticated user.
type TokenIssuer interface {
	Issue(user *User) (string, time.Time, error)
}

// LoginRequest is the login form.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token for subsequent requests.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

type Handler struct {
	service Service
	tokens  TokenIssuer
	logger  *slog.Logger
}

func NewHandler(service Service, tokens TokenIssuer, logger *slog.Logger) *Handler {
	return &Handler{service: service, tokens: tokens, logger: logger}
}

// Routes mounts registration and login.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "user registered", "user_id", user.ID, "username", user.Username)
	httpx.JSON(w, http.StatusCreated, user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.service.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	token, expiresAt, err := h.tokens.Issue(user)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httpx.JSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "membership request failed", "path", r.URL.Path, "error", err)
		httpx.Error(w, status, "internal error")
		return
	}
	httpx.Error(w, status, err.Error())
}

// StatusFor maps membership errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateUsername), errors.Is(err, ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRegistration), errors.Is(err, ErrInvalidRole), errors.Is(err, httpx.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
