package catalog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/shared"
)

// Handler serves the read-only catalog endpoints.
type Handler struct {
	repo *Repository
}

// NewHandler constructs Handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// Mount registers routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/parts", h.list)
	r.Get("/parts/{partID}", h.get)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	parts, total, err := h.repo.ListParts(r.Context(), perPage, (page-1)*perPage)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       parts,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	partID, err := strconv.ParseInt(chi.URLParam(r, "partID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid part id")
		return
	}
	part, err := h.repo.GetPart(r.Context(), partID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, part)
}
