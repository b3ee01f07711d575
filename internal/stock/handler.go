package stock

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/shared"
)

// Handler exposes the ledger over HTTP. Mutating routes are wrapped with the
// warehouse guard so only central staff and admins can move stock.
type Handler struct {
	ledger         *Ledger
	overview       *OverviewCache
	warehouseGuard func(http.Handler) http.Handler
	validate       *validator.Validate
}

// NewHandler constructs Handler. overview may be nil when Redis is disabled.
func NewHandler(ledger *Ledger, overview *OverviewCache, warehouseGuard func(http.Handler) http.Handler) *Handler {
	return &Handler{ledger: ledger, overview: overview, warehouseGuard: warehouseGuard, validate: validator.New()}
}

// Mount registers routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/stock", h.list)
	r.Get("/stock/overview", h.getOverview)
	r.Get("/stock/{partID}", h.get)
	r.With(h.warehouseGuard).Patch("/stock/{partID}/adjust", h.adjust)
	r.With(h.warehouseGuard).Put("/stock/{partID}/thresholds", h.setThresholds)
	r.Get("/stock/{partID}/adjustments", h.listPartAdjustments)
	r.Get("/adjustments", h.listAdjustments)
}

type entryResponse struct {
	StockEntry
	Status Status `json:"status"`
}

func toEntryResponse(e StockEntry) entryResponse {
	return entryResponse{StockEntry: e, Status: e.Status()}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, perPage := pageParams(r)
	entries, total, err := h.ledger.List(r.Context(), EntryFilter{
		Status: Status(r.URL.Query().Get("status")),
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	data := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		data = append(data, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       data,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	partID, ok := partIDParam(w, r)
	if !ok {
		return
	}
	entry, err := h.ledger.Get(r.Context(), partID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) getOverview(w http.ResponseWriter, r *http.Request) {
	if h.overview == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "overview cache disabled")
		return
	}
	overview, err := h.overview.Get(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overview)
}

type adjustRequest struct {
	Kind      AdjustmentKind `json:"kind" validate:"required,oneof=ADD REMOVE ADJUST"`
	Quantity  int            `json:"quantity" validate:"gte=0"`
	Reason    string         `json:"reason" validate:"required"`
	RefNumber string         `json:"refNumber"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	partID, ok := partIDParam(w, r)
	if !ok {
		return
	}
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}

	adj, err := h.ledger.Apply(r.Context(), AdjustInput{
		PartID:    partID,
		Kind:      req.Kind,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		RefNumber: req.RefNumber,
		ActorID:   actor.ID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.overview != nil {
		_ = h.overview.Invalidate(r.Context())
	}
	httpx.JSON(w, http.StatusCreated, adj)
}

type thresholdsRequest struct {
	MinThreshold int `json:"minThreshold" validate:"gte=0"`
	MaxThreshold int `json:"maxThreshold" validate:"gte=0"`
}

func (h *Handler) setThresholds(w http.ResponseWriter, r *http.Request) {
	partID, ok := partIDParam(w, r)
	if !ok {
		return
	}
	var req thresholdsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	if err := h.ledger.SetThresholds(r.Context(), partID, req.MinThreshold, req.MaxThreshold); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.overview != nil {
		_ = h.overview.Invalidate(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPartAdjustments(w http.ResponseWriter, r *http.Request) {
	partID, ok := partIDParam(w, r)
	if !ok {
		return
	}
	h.respondAdjustments(w, r, partID)
}

func (h *Handler) listAdjustments(w http.ResponseWriter, r *http.Request) {
	h.respondAdjustments(w, r, 0)
}

func (h *Handler) respondAdjustments(w http.ResponseWriter, r *http.Request, partID int64) {
	page, perPage := pageParams(r)
	adjustments, total, err := h.ledger.Adjustments(r.Context(), AdjustmentFilter{
		PartID:    partID,
		Kind:      AdjustmentKind(r.URL.Query().Get("kind")),
		RefNumber: r.URL.Query().Get("ref"),
		Limit:     perPage,
		Offset:    (page - 1) * perPage,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       adjustments,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func partIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	partID, err := strconv.ParseInt(chi.URLParam(r, "partID"), 10, 64)
	if err != nil || partID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid part id")
		return 0, false
	}
	return partID, true
}

func pageParams(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}
