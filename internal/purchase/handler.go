package purchase

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/partshub/partshub/internal/approval"
	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/shared"
)

// Handler exposes purchase orders over HTTP.
type Handler struct {
	svc      *Service
	history  *approval.Recorder
	validate *validator.Validate
}

// NewHandler constructs Handler. history may be nil.
func NewHandler(svc *Service, history *approval.Recorder) *Handler {
	return &Handler{svc: svc, history: history, validate: validator.New()}
}

// Mount registers routes on the router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/purchase-orders", h.create)
	r.Get("/purchase-orders", h.list)
	r.Get("/purchase-orders/{orderID}", h.get)
	r.Patch("/purchase-orders/{orderID}/approve", h.approve)
	r.Patch("/purchase-orders/{orderID}/reject", h.reject)
	r.Get("/purchase-orders/{orderID}/approvals", h.approvals)
}

type createRequest struct {
	Priority string              `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT"`
	Notes    string              `json:"notes"`
	Items    []createItemRequest `json:"items" validate:"required,min=1,dive"`
}

type createItemRequest struct {
	PartID   int64 `json:"partId" validate:"required,gt=0"`
	Quantity int   `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}

	in := CreateInput{Priority: Priority(req.Priority), Notes: req.Notes}
	for _, item := range req.Items {
		in.Items = append(in.Items, CreateItem{PartID: item.PartID, Quantity: item.Quantity})
	}
	po, err := h.svc.Create(r.Context(), actor, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	page, perPage := pageParams(r)
	centerID, _ := strconv.ParseInt(r.URL.Query().Get("service_center_id"), 10, 64)
	orders, total, err := h.svc.List(r.Context(), actor, Filter{
		ServiceCenterID: centerID,
		Status:          Status(r.URL.Query().Get("status")),
		Limit:           perPage,
		Offset:          (page - 1) * perPage,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":       orders,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	po, err := h.svc.Get(r.Context(), actor, orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type approveRequest struct {
	Items []approveItemRequest `json:"items" validate:"dive"`
}

type approveItemRequest struct {
	PartID      int64 `json:"partId" validate:"required,gt=0"`
	ApprovedQty int   `json:"approvedQty" validate:"gte=0"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req approveRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
			return
		}
		if err := h.validate.Struct(req); err != nil {
			httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
			return
		}
	}

	items := make([]ApproveItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, ApproveItem{PartID: item.PartID, ApprovedQty: item.ApprovedQty})
	}
	po, err := h.svc.Approve(r.Context(), actor, orderID, items)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	po, err := h.svc.Reject(r.Context(), actor, orderID, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, po)
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		httpx.JSON(w, http.StatusOK, []approval.Record{})
		return
	}
	records, err := h.history.History(r.Context(), approvalEntity, orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if records == nil {
		records = []approval.Record{}
	}
	httpx.JSON(w, http.StatusOK, records)
}

func requireActor(w http.ResponseWriter, r *http.Request) (identity.Actor, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return identity.Actor{}, false
	}
	return actor, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid purchase order id")
		return 0, false
	}
	return id, true
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
