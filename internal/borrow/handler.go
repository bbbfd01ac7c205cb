// internal/borrow/handler.go
package borrow

import (
	"log/slog"
	"net/http"

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

// Routes mounts the borrow endpoints. Every route expects an authenticated
// identity in the request context.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/{bookId}", h.HandleBorrow)
	r.Patch("/return/{borrowId}", h.HandleReturn)
	r.Get("/borrowed", h.HandleListBorrowed)
	r.Get("/borrowed/{borrowId}", h.HandleGetBorrowed)
	r.Get("/borrowed/{borrowId}/history", h.HandleHistory)
	r.Get("/filter", h.HandleFilter)
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while borrowing book"

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	bookID, err := httpx.PathID(r, "bookId", "BookId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	rec, err := h.service.BorrowBook(r.Context(), bookID, id.UserID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	httpx.JSON(w, r, http.StatusOK, "Book borrowed successfully.", rec)
}

// returnResult is the body of a successful return.
type returnResult struct {
	FineAmount common.Money `json:"FineAmount"`
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while returning the book"

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	borrowID, err := httpx.PathID(r, "borrowId", "BorrowId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	fine, err := h.service.ReturnBook(r.Context(), borrowID, id)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	httpx.JSON(w, r, http.StatusOK, "Book returned successfully.", returnResult{FineAmount: fine})
}

// HandleListBorrowed lists the caller's records, or any user's records for an
// Admin. An empty result is reported as 404.
func (h *Handler) HandleListBorrowed(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while retrieving borrowed books."

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	requested, err := httpx.QueryID(r, "userId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	userID, err := access.ScopeBorrowedList(id, requested)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	records, err := h.service.GetBorrowedBooks(r.Context(), userID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	if len(records) == 0 {
		httpx.JSON(w, r, http.StatusNotFound, "No borrowed books found.", nil)
		return
	}

	httpx.JSON(w, r, http.StatusOK, "Borrowed books retrieved successfully.", records)
}

func (h *Handler) HandleGetBorrowed(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while retrieving borrowed book."

	rec, ok := h.ownedRecord(w, r, fallback)
	if !ok {
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Borrowed book retrieved successfully.", rec)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while retrieving borrow history."

	rec, ok := h.ownedRecord(w, r, fallback)
	if !ok {
		return
	}

	events, err := h.service.BorrowHistory(r.Context(), rec.ID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Borrow history retrieved successfully.", events)
}

func (h *Handler) HandleFilter(w http.ResponseWriter, r *http.Request) {
	const fallback = "An error occurred while filtering borrowed books."

	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	if err := access.Authorize(id, access.FilterRecords, 0); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	userID, err := httpx.QueryID(r, "userId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	bookID, err := httpx.QueryID(r, "bookId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	records, err := h.service.FilterBorrowedBooks(r.Context(), userID, bookID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	if len(records) == 0 {
		httpx.JSON(w, r, http.StatusNotFound, "No borrowed books found matching the filter criteria.", nil)
		return
	}

	httpx.JSON(w, r, http.StatusOK, "Borrowed books retrieved successfully.", records)
}

// ownedRecord loads the record named in the path and checks that the caller
// owns it or is an Admin. It writes the failure response itself.
func (h *Handler) ownedRecord(w http.ResponseWriter, r *http.Request, fallback string) (*BorrowRecord, bool) {
	id, err := httpx.Identity(r)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return nil, false
	}
	borrowID, err := httpx.PathID(r, "borrowId", "BorrowId")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return nil, false
	}

	rec, err := h.service.GetBorrowedBookByID(r.Context(), borrowID)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return nil, false
	}
	if err := access.Authorize(id, access.ViewRecord, rec.UserID); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return nil, false
	}
	return rec, true
}
