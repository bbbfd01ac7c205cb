// internal/catalog/facet_handler.go
package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bookloans/internal/httpx"
)

// FacetHandler serves the author or category list.
type FacetHandler struct {
	service Service
	logger  *slog.Logger
	kind    FacetKind
}

func NewFacetHandler(service Service, kind FacetKind, logger *slog.Logger) *FacetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FacetHandler{service: service, logger: logger, kind: kind}
}

func (h *FacetHandler) ReadRoutes(r chi.Router) {
	r.Get("/", h.HandleList)
}

// WriteRoutes mounts create, rename and delete. They require an Admin.
func (h *FacetHandler) WriteRoutes(r chi.Router) {
	r.Post("/", h.HandleAdd)
	r.Put("/{id}", h.HandleRename)
	r.Delete("/{id}", h.HandleDelete)
}

func (h *FacetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListFacets(r.Context(), h.kind)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, "An error occurred while retrieving "+h.kind.plural()+".")
		return
	}
	httpx.JSON(w, r, http.StatusOK, "Retrieved "+h.kind.plural()+" successfully.", list)
}

func (h *FacetHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	fallback := "An error occurred while adding " + string(h.kind) + "."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	f, err := h.service.AddFacet(r.Context(), h.kind, req.Name)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusCreated, h.kind.Label()+" added successfully.", f)
}

func (h *FacetHandler) HandleRename(w http.ResponseWriter, r *http.Request) {
	fallback := "An error occurred while updating " + string(h.kind) + "."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}
	id, err := httpx.PathID(r, "id", h.kind.Label()+"Id")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	f, err := h.service.RenameFacet(r.Context(), h.kind, id, req.Name)
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, h.kind.Label()+" updated successfully.", f)
}

func (h *FacetHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	fallback := "An error occurred while deleting " + string(h.kind) + "."

	if !requireAdmin(w, r, h.logger, fallback) {
		return
	}
	id, err := httpx.PathID(r, "id", h.kind.Label()+"Id")
	if err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}

	if err := h.service.DeleteFacet(r.Context(), h.kind, id); err != nil {
		httpx.Fail(w, r, h.logger, err, fallback)
		return
	}
	httpx.JSON(w, r, http.StatusOK, h.kind.Label()+" deleted successfully.", nil)
}
