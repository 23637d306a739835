// internal/circulation/handler.go
package circulation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"booklibrary/internal/auth"
	"booklibrary/internal/catalog"
	"booklibrary/internal/httpx"
	"booklibrary/internal/membership"
)

// BorrowRequest is the borrow form. DueDate is YYYY-MM-DD and optional.
type BorrowRequest struct {
	BookID  uuid.UUID `json:"book_id"`
	DueDate string    `json:"due_date,omitempty"`
}

// ActiveBorrowResponse answers whether the caller currently holds a book.
type ActiveBorrowResponse struct {
	BookID uuid.UUID `json:"book_id"`
	Active bool      `json:"active"`
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the lending endpoints. They expect auth.Authenticate upstream.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/borrow", h.handleBorrow)
	r.Post("/return/{id}", h.handleReturn)
	r.Get("/my-books", h.handleMyBooks)
	r.Get("/books/{id}/active", h.handleActive)
	r.Post("/books", h.handleAddBook)
	r.Get("/admin", h.handleAdmin)
	r.Get("/admin/events", h.handleAuditTrail)
}

func (h *Handler) handleBorrow(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req BorrowRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var due time.Time
	if req.DueDate != "" {
		var err error
		due, err = time.Parse(time.DateOnly, req.DueDate)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "due_date must be YYYY-MM-DD")
			return
		}
	}

	record, err := h.service.Borrow(r.Context(), p.UserID, req.BookID, due)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, record)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.service.ReturnBook(r.Context(), id, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) handleMyBooks(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	records, err := h.service.BorrowHistory(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	bookID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	active, err := h.service.HasActiveBorrow(r.Context(), p.UserID, bookID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ActiveBorrowResponse{BookID: bookID, Active: active})
}

func (h *Handler) handleAddBook(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req catalog.NewBook
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.service.AddBook(r.Context(), p, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, book)
}

func (h *Handler) handleAdmin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	overview, err := h.service.AdminOverview(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overview)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	var fromID int64
	if raw := query.Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			httpx.Error(w, http.StatusBadRequest, "invalid from")
			return
		}
		fromID = v
	}
	var limit uint64
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	events, err := h.service.AuditTrail(r.Context(), p, fromID, uint(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return p, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "lending request failed", "path", r.URL.Path, "error", err)
		httpx.Error(w, status, "internal error")
		return
	}
	httpx.Error(w, status, err.Error())
}

// StatusFor maps lending errors, including catalog and membership ones
// surfaced through the lending service, to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOutOfStock), errors.Is(err, ErrDuplicateBorrow), errors.Is(err, ErrAlreadyReturned):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidDueDate):
		return http.StatusBadRequest
	}
	if status := catalog.StatusFor(err); status != http.StatusInternalServerError {
		return status
	}
	return membership.StatusFor(err)
}
