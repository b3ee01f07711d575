package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/partshub/partshub/internal/approval"
	"github.com/partshub/partshub/internal/catalog"
	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/observability"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/shared"
)

// PartReader resolves catalog parts for order lines.
type PartReader interface {
	GetParts(ctx context.Context, partIDs []int64) (map[int64]catalog.Part, error)
}

// DecisionRecorder stores approval decisions durably.
type DecisionRecorder interface {
	Record(ctx context.Context, entity string, entityID int64, decision approval.Decision, actorID int64, reason string) (approval.Record, error)
}

// Service implements the purchase order operations.
type Service struct {
	repo     RepositoryPort
	parts    PartReader
	recorder DecisionRecorder
	audit    *shared.AuditLogger
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewService constructs Service. audit and metrics may be nil.
func NewService(repo RepositoryPort, parts PartReader, recorder DecisionRecorder,
	audit *shared.AuditLogger, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, parts: parts, recorder: recorder, audit: audit, logger: logger, metrics: metrics, now: time.Now}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   approvalEntity,
		EntityID: strconv.FormatInt(orderID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "write audit log", slog.Any("error", err))
	}
}

const approvalEntity = "purchase_order"

// CreateInput describes a new purchase order.
type CreateInput struct {
	Priority Priority // empty defaults to NORMAL
	Notes    string
	Items    []CreateItem
}

// CreateItem is one requested line.
type CreateItem struct {
	PartID   int64
	Quantity int
}

// Create validates the request against the catalog, prices every line and
// stores the order as PENDING with a fresh per-month number.
func (s *Service) Create(ctx context.Context, actor identity.Actor, in CreateInput) (PurchaseOrder, error) {
	if err := approval.Authorize(actor, approval.ActionCreatePurchaseOrder); err != nil {
		return PurchaseOrder{}, err
	}
	if len(in.Items) == 0 {
		return PurchaseOrder{}, fmt.Errorf("purchase order needs at least one item: %w", httpx.ErrValidation)
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.IsValid() {
		return PurchaseOrder{}, fmt.Errorf("priority %q: %w", in.Priority, httpx.ErrValidation)
	}

	partIDs := make([]int64, 0, len(in.Items))
	seen := make(map[int64]bool, len(in.Items))
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			return PurchaseOrder{}, fmt.Errorf("part %d: quantity must be positive: %w", item.PartID, httpx.ErrValidation)
		}
		if seen[item.PartID] {
			return PurchaseOrder{}, fmt.Errorf("part %d listed twice: %w", item.PartID, httpx.ErrValidation)
		}
		seen[item.PartID] = true
		partIDs = append(partIDs, item.PartID)
	}

	parts, err := s.parts.GetParts(ctx, partIDs)
	if err != nil {
		return PurchaseOrder{}, err
	}

	po := PurchaseOrder{
		ServiceCenterID: actor.ID,
		RequestedBy:     actor.ID,
		Priority:        in.Priority,
		Status:          StatusPending,
		Notes:           in.Notes,
	}
	for _, item := range in.Items {
		part, ok := parts[item.PartID]
		if !ok {
			return PurchaseOrder{}, catalog.ErrPartNotFound(item.PartID)
		}
		po.Items = append(po.Items, Item{
			PartID:       part.ID,
			PartNumber:   part.Number,
			PartName:     part.Name,
			RequestedQty: item.Quantity,
			UnitPrice:    part.UnitPrice,
		})
	}
	po.Recompute()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period := s.now().UTC().Format("2006-01")
		seq, err := tx.NextNumber(ctx, period)
		if err != nil {
			return err
		}
		po.Number = fmt.Sprintf("PO-%s-%04d", period, seq)
		return tx.Insert(ctx, &po)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	s.recordAudit(ctx, actor.ID, "purchase_order.created", po.ID, map[string]any{
		"po_number": po.Number,
		"items":     len(po.Items),
		"total":     po.TotalAmount,
	})
	s.logger.InfoContext(ctx, "purchase order created",
		slog.String("po_number", po.Number),
		slog.Int64("service_center_id", actor.ID),
		slog.Int("items", len(po.Items)))
	return po, nil
}

// ApproveItem carries a per-line approved quantity. Lines omitted from an
// approval default to their full requested quantity.
type ApproveItem struct {
	PartID      int64
	ApprovedQty int
}

// Approve moves a PENDING order to APPROVED, fixing approved quantities per
// line. Approving more than was requested is rejected.
func (s *Service) Approve(ctx context.Context, actor identity.Actor, orderID int64, items []ApproveItem) (PurchaseOrder, error) {
	if err := approval.Authorize(actor, approval.ActionApprovePurchaseOrder); err != nil {
		return PurchaseOrder{}, err
	}

	overrides := make(map[int64]int, len(items))
	for _, item := range items {
		overrides[item.PartID] = item.ApprovedQty
	}

	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !po.Status.CanDecide() {
			return errNotPending(orderID, po.Status)
		}

		for partID := range overrides {
			if !orderHasPart(po, partID) {
				return fmt.Errorf("part %d is not on purchase order %d: %w", partID, orderID, httpx.ErrValidation)
			}
		}

		for i := range po.Items {
			item := &po.Items[i]
			approved, overridden := overrides[item.PartID]
			if !overridden {
				approved = item.RequestedQty
			}
			if approved < 0 || approved > item.RequestedQty {
				return fmt.Errorf("part %d: approved %d of requested %d: %w",
					item.PartID, approved, item.RequestedQty, httpx.ErrQuantityExceeds)
			}
			item.ApprovedQty = approved
			if err := tx.SaveItemQuantities(ctx, *item); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, orderID, StatusPending, StatusApproved, "", actor.ID)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	if _, err := s.recorder.Record(ctx, approvalEntity, orderID, approval.DecisionApproved, actor.ID, ""); err != nil {
		s.logger.ErrorContext(ctx, "record approval", slog.Any("error", err))
	}
	s.decided("approved")
	s.recordAudit(ctx, actor.ID, "purchase_order.approved", orderID, nil)
	decidedAt := s.now().UTC()
	po.Status = StatusApproved
	po.ApprovedBy = actor.ID
	po.ApprovedAt = &decidedAt
	po.Recompute()
	return po, nil
}

// Reject moves a PENDING order to REJECTED. A reason is mandatory.
func (s *Service) Reject(ctx context.Context, actor identity.Actor, orderID int64, reason string) (PurchaseOrder, error) {
	if err := approval.Authorize(actor, approval.ActionRejectPurchaseOrder); err != nil {
		return PurchaseOrder{}, err
	}
	if reason == "" {
		return PurchaseOrder{}, fmt.Errorf("rejection reason required: %w", httpx.ErrValidation)
	}

	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !po.Status.CanDecide() {
			return errNotPending(orderID, po.Status)
		}
		return tx.UpdateStatus(ctx, orderID, StatusPending, StatusRejected, reason, actor.ID)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}

	if _, err := s.recorder.Record(ctx, approvalEntity, orderID, approval.DecisionRejected, actor.ID, reason); err != nil {
		s.logger.ErrorContext(ctx, "record rejection", slog.Any("error", err))
	}
	s.decided("rejected")
	s.recordAudit(ctx, actor.ID, "purchase_order.rejected", orderID, map[string]any{"reason": reason})
	decidedAt := s.now().UTC()
	po.Status = StatusRejected
	po.RejectReason = reason
	po.RejectedBy = actor.ID
	po.RejectedAt = &decidedAt
	return po, nil
}

// MarkFulfillment records quantities issued against the order and derives the
// fulfillment status from the per-line totals. issuedByPart holds the total
// dispatched quantity per part across all of the order's issues.
func (s *Service) MarkFulfillment(ctx context.Context, orderID int64, issuedByPart map[int64]int) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		switch po.Status {
		case StatusApproved, StatusPartiallyFulfilled, StatusFulfilled:
		default:
			return fmt.Errorf("purchase order %d is %s: %w", orderID, po.Status, httpx.ErrInvalidTransition)
		}

		allFulfilled := true
		anyIssued := false
		for i := range po.Items {
			item := &po.Items[i]
			issued := issuedByPart[item.PartID]
			if issued > item.ApprovedQty {
				return fmt.Errorf("part %d: issued %d of approved %d: %w",
					item.PartID, issued, item.ApprovedQty, httpx.ErrQuantityExceeds)
			}
			item.IssuedQty = issued
			if err := tx.SaveItemQuantities(ctx, *item); err != nil {
				return err
			}
			if issued > 0 {
				anyIssued = true
			}
			if issued < item.ApprovedQty {
				allFulfilled = false
			}
		}

		var next Status
		switch {
		case allFulfilled:
			next = StatusFulfilled
		case anyIssued:
			next = StatusPartiallyFulfilled
		default:
			// Everything previously issued was cancelled.
			next = StatusApproved
		}
		if next != po.Status {
			if err := tx.UpdateStatus(ctx, orderID, po.Status, next, "", 0); err != nil {
				return err
			}
			po.Status = next
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Recompute()
	return po, nil
}

// Get returns one order. Service centers can only see their own.
func (s *Service) Get(ctx context.Context, actor identity.Actor, orderID int64) (PurchaseOrder, error) {
	po, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if actor.Role == identity.RoleServiceCenter && po.ServiceCenterID != actor.ID {
		return PurchaseOrder{}, errOrderNotFound(orderID)
	}
	return po, nil
}

// List returns orders visible to the actor.
func (s *Service) List(ctx context.Context, actor identity.Actor, f Filter) ([]PurchaseOrder, int, error) {
	if actor.Role == identity.RoleServiceCenter {
		f.ServiceCenterID = actor.ID
	}
	return s.repo.List(ctx, f)
}

func (s *Service) decided(decision string) {
	if s.metrics != nil {
		s.metrics.ApprovalDecisions.WithLabelValues(approvalEntity, decision).Inc()
	}
}

func orderHasPart(po PurchaseOrder, partID int64) bool {
	for _, item := range po.Items {
		if item.PartID == partID {
			return true
		}
	}
	return false
}
