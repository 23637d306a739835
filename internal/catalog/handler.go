// internal/catalog/handler.go
package catalog

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"booklibrary/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the public catalog endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/books", h.handleListBooks)
	r.Get("/books/{id}", h.handleGetBook)
	r.Get("/categories", h.handleListCategories)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var preds []Predicate
	available, err := httpx.QueryBool(r, "available")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if available {
		preds = append(preds, Available())
	}

	if raw := query.Get("category"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid category")
			return
		}
		preds = append(preds, InCategory(id))
	}

	if keyword := query.Get("q"); keyword != "" {
		field := SearchField(query.Get("field"))
		if field == "" {
			field = FieldTitle
		}
		pred, err := field.Predicate(keyword)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		preds = append(preds, pred)
	}

	books, err := h.service.ListBooks(r.Context(), preds...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, books)
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, book)
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.ListCategories(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, categories)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "catalog request failed", "path", r.URL.Path, "error", err)
		httpx.Error(w, status, "internal error")
		return
	}
	httpx.Error(w, status, err.Error())
}

// StatusFor maps catalog errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrCategoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateISBN), errors.Is(err, ErrDuplicateCategory):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidBook), errors.Is(err, ErrInvalidSearch),
		errors.Is(err, ErrInsufficientStock), errors.Is(err, httpx.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
