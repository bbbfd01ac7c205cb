// internal/catalog/handler.go
package catalog

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"bookloans/internal/access"
	"bookloans/internal/common"
	"bookloans/internal/httpx"
)

type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// ReadRoutes mounts the public catalog endpoints.
func (h *Handler) ReadRoutes(r chi.Router) {
	r.Get("/", h.HandleListBooks)
	r.Get("/search", h.HandleSearchBooks)
	r.Get("/filter", h.HandleFilterBooks)
	r.Get("/{bookId}", h.HandleGetBook)
}

// WriteRoutes mounts the catalog mutations. They require an Admin identity in
// the request context.
func (h *Handler) WriteRoutes(r chi.Router) {
	r.Post("/", h.HandleAddBook)
	r.Patch("/{bookId}", h.HandleUpdateBook)
	r.Delete("/{bookId}", h.HandleDeleteBook)
	r.Patch("/{bookId}/stock", h.HandleAddStock)
}

func (h *Handler) HandleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		httpx.Fail(w, r, h.logger, err, "An error occurred while retrieving books.")
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Books retrieved successfully.", books)
}

func (h *Handler) HandleGetBook(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while retrieving book."

	id, err := httpx.PathID(r, "bookId", "BookId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Book retrieved successfully.", book)
}

func (h *Handler) HandleAddBook(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while adding book."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}

	var req NewBook
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusCreated, "Book added successfully.", book)
}

func (h *Handler) HandleAddStock(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while updating stock."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}

	id, err := httpx.PathID(r, "bookId", "BookId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	book, err := h.service.AddStock(r.Context(), id, req.Quantity)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Stock updated successfully.", book)
}

func (h *Handler) HandleUpdateBook(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while updating book."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}
	id, err := httpx.PathID(r, "bookId", "BookId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	var req BookUpdate
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	book, err := h.service.UpdateBook(r.Context(), id, req)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Book updated successfully.", book)
}

func (h *Handler) HandleDeleteBook(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while deleting book."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}
	id, err := httpx.PathID(r, "bookId", "BookId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Book deleted successfully.", nil)
}

// HandleSearchBooks reads the search text from q.
func (h *Handler) HandleSearchBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.SearchBooks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httpx.Fail(w, r, h.logger, err, "An error occurred while searching books.")
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Books retrieved successfully.", books)
}

// HandleFilterBooks accepts authorId, categoryId and available.
func (h *Handler) HandleFilterBooks(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while filtering books."

	var (
		q   Query
		err error
	)
	if q.AuthorID, err = httpx.QueryID(r, "authorId"); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	if q.CategoryID, err = httpx.QueryID(r, "categoryId"); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("available")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Fail(w, r, h.logger, common.Validation("available", "Invalid available"), fallback)
			return
		}
		q.Available = &v
	}

	books, err := h.service.FilterBooks(r.Context(), q)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Books retrieved successfully.", books)
}

func requireAdmin(w http.ResponseWriter, r *http.Request, logger *slog.Logger, fallback string) bool {
	id, err := httpx.Identity(r)
	if err == nil {
		err = access.Authorize(id, access.ManageCatalog, 0)
	}
	if err != nil {
		httpx.Fail(w, r, logger, err, fallback)
		return false
	}
	return true
}
