package issues

import (
	"context"
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

// Handler exposes parts issues over HTTP.
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
	r.Post("/parts-issues", h.create)
	r.Get("/parts-issues", h.list)
	r.Get("/parts-issues/{issueID}", h.get)
	r.Patch("/parts-issues/{issueID}/submit", h.submit)
	r.Patch("/parts-issues/{issueID}/approve", h.approve)
	r.Patch("/parts-issues/{issueID}/reject", h.reject)
	r.Patch("/parts-issues/{issueID}/dispatch", h.dispatch)
	r.Patch("/parts-issues/{issueID}/receive", h.receive)
	r.Patch("/parts-issues/{issueID}/cancel", h.cancel)
	r.Get("/parts-issues/{issueID}/approvals", h.approvals)
}

type createRequest struct {
	PurchaseOrderID int64               `json:"purchaseOrderId" validate:"omitempty,gt=0"`
	ServiceCenterID int64               `json:"serviceCenterId" validate:"omitempty,gt=0"`
	Notes           string              `json:"notes"`
	Items           []createItemRequest `json:"items" validate:"required,min=1,dive"`
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

	in := CreateInput{PurchaseOrderID: req.PurchaseOrderID, ServiceCenterID: req.ServiceCenterID, Notes: req.Notes}
	for _, item := range req.Items {
		in.Items = append(in.Items, Line{PartID: item.PartID, Quantity: item.Quantity})
	}
	pi, err := h.svc.Create(r.Context(), actor, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pi)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	page, perPage := pageParams(r)
	poID, _ := strconv.ParseInt(r.URL.Query().Get("purchase_order_id"), 10, 64)
	centerID, _ := strconv.ParseInt(r.URL.Query().Get("service_center_id"), 10, 64)
	issues, total, err := h.svc.List(r.Context(), actor, Filter{
		PurchaseOrderID: poID,
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
		"data":       issues,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	issueID, ok := issueIDParam(w, r)
	if !ok {
		return
	}
	pi, err := h.svc.Get(r.Context(), actor, issueID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pi)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	issueID, ok := issueIDParam(w, r)
	if !ok {
		return
	}
	pi, err := h.svc.Submit(r.Context(), actor, issueID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pi)
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
	issueID, ok := issueIDParam(w, r)
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
	pi, err := h.svc.Approve(r.Context(), actor, issueID, items)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pi)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.svc.Reject)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.svc.Cancel)
}

func (h *Handler) withReason(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, actor identity.Actor, issueID int64, reason string) (PartsIssue, error)) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	issueID, ok := issueIDParam(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, httpx.ErrValidation))
		return
	}
	pi, err := fn(r.Context(), actor, issueID, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pi)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	issueID, ok := issueIDParam(w, r)
	if !ok {
		return
	}
	key := r.Header.Get("Idempotency-Key")
	pi, err := h.svc.Dispatch(r.Context(), actor, issueID, key)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pi)
}

type receiveRequest struct {
	Items []receiveItemRequest `json:"items" validate:"dive"`
}

type receiveItemRequest struct {
	PartID      int64 `json:"partId" validate:"required,gt=0"`
	ReceivedQty int   `json:"receivedQty" validate:"gte=0"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	issueID, ok := issueIDParam(w, r)
	if !ok {
		return
	}

	var req receiveRequest
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

	receipts := make([]ReceiptLine, 0, len(req.Items))
	for _, item := range req.Items {
		receipts = append(receipts, ReceiptLine{PartID: item.PartID, ReceivedQty: item.ReceivedQty})
	}
	pi, err := h.svc.Receive(r.Context(), actor, issueID, receipts)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pi)
}

func (h *Handler) approvals(w http.ResponseWriter, r *http.Request) {
	issueID, ok := issueIDParam(w, r)
	if !ok {
		return
	}
	if h.history == nil {
		httpx.JSON(w, http.StatusOK, []approval.Record{})
		return
	}
	records, err := h.history.History(r.Context(), approvalEntity, issueID)
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

func issueIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "issueID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid parts issue id")
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
