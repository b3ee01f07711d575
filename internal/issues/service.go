package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/partshub/partshub/internal/approval"
	"github.com/partshub/partshub/internal/catalog"
	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/observability"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/purchase"
	"github.com/partshub/partshub/internal/shared"
	"github.com/partshub/partshub/internal/stock"
)

// PurchaseOrders is the slice of the purchase service the issue flow needs.
type PurchaseOrders interface {
	Get(ctx context.Context, actor identity.Actor, orderID int64) (purchase.PurchaseOrder, error)
	MarkFulfillment(ctx context.Context, orderID int64, issuedByPart map[int64]int) (purchase.PurchaseOrder, error)
}

// PartReader resolves catalog parts for issues without a purchase order.
type PartReader interface {
	GetParts(ctx context.Context, partIDs []int64) (map[int64]catalog.Part, error)
}

// StockLedger is the slice of the stock service the issue flow needs.
type StockLedger interface {
	ApplyDebits(ctx context.Context, refNumber string, actorID int64, debits []stock.Debit) error
	RecordDiscrepancy(ctx context.Context, partID int64, issued, received int, actorID int64, refNumber string) error
}

// IdempotencyKeys guards dispatch against duplicate delivery.
type IdempotencyKeys interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// DecisionRecorder stores approval decisions durably.
type DecisionRecorder interface {
	Record(ctx context.Context, entity string, entityID int64, decision approval.Decision, actorID int64, reason string) (approval.Record, error)
}

// Service implements the parts issue operations.
type Service struct {
	repo        RepositoryPort
	orders      PurchaseOrders
	parts       PartReader
	ledger      StockLedger
	idempotency IdempotencyKeys
	recorder    DecisionRecorder
	audit       *shared.AuditLogger
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewService constructs Service. audit and metrics may be nil.
func NewService(repo RepositoryPort, orders PurchaseOrders, parts PartReader, ledger StockLedger,
	idempotency IdempotencyKeys, recorder DecisionRecorder, audit *shared.AuditLogger,
	logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		repo:        repo,
		orders:      orders,
		parts:       parts,
		ledger:      ledger,
		idempotency: idempotency,
		recorder:    recorder,
		audit:       audit,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, issueID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   approvalEntity,
		EntityID: strconv.FormatInt(issueID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "write audit log", slog.Any("error", err))
	}
}

const (
	approvalEntity    = "parts_issue"
	idempotencyModule = "issue_dispatch"
)

// CreateInput describes a new parts issue. The purchase order link is
// optional: a linked issue draws on the order's remaining approved quantities
// and goes to the order's service center, an unlinked one names the service
// center directly and prices its lines from the catalog.
type CreateInput struct {
	PurchaseOrderID int64
	ServiceCenterID int64
	Notes           string
	Items           []Line
}

// Create validates the lines and stores the issue as a PENDING draft. Linked
// issues may not request more than the order's remaining approved quantities.
func (s *Service) Create(ctx context.Context, actor identity.Actor, in CreateInput) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionCreateIssue); err != nil {
		return PartsIssue{}, err
	}
	if len(in.Items) == 0 {
		return PartsIssue{}, fmt.Errorf("parts issue needs at least one item: %w", httpx.ErrValidation)
	}

	partIDs := make([]int64, 0, len(in.Items))
	seen := make(map[int64]bool, len(in.Items))
	for _, line := range in.Items {
		if line.Quantity <= 0 {
			return PartsIssue{}, fmt.Errorf("part %d: quantity must be positive: %w", line.PartID, httpx.ErrValidation)
		}
		if seen[line.PartID] {
			return PartsIssue{}, fmt.Errorf("part %d listed twice: %w", line.PartID, httpx.ErrValidation)
		}
		seen[line.PartID] = true
		partIDs = append(partIDs, line.PartID)
	}

	pi := PartsIssue{Status: StatusPending, Notes: in.Notes}
	var poNumber string
	if in.PurchaseOrderID != 0 {
		po, err := s.orders.Get(ctx, actor, in.PurchaseOrderID)
		if err != nil {
			return PartsIssue{}, err
		}
		switch po.Status {
		case purchase.StatusApproved, purchase.StatusPartiallyFulfilled:
		default:
			return PartsIssue{}, fmt.Errorf("purchase order %s is %s: %w", po.Number, po.Status, httpx.ErrInvalidTransition)
		}
		if in.ServiceCenterID != 0 && in.ServiceCenterID != po.ServiceCenterID {
			return PartsIssue{}, fmt.Errorf("service center %d does not own purchase order %s: %w",
				in.ServiceCenterID, po.Number, httpx.ErrValidation)
		}
		pi.PurchaseOrderID = po.ID
		pi.ServiceCenterID = po.ServiceCenterID
		poNumber = po.Number

		for _, line := range in.Items {
			orderItem, ok := orderItemFor(po, line.PartID)
			if !ok {
				return PartsIssue{}, fmt.Errorf("part %d is not on purchase order %s: %w", line.PartID, po.Number, httpx.ErrValidation)
			}
			if remaining := po.RemainingApproved(line.PartID); line.Quantity > remaining {
				return PartsIssue{}, fmt.Errorf("part %d: %d requested, %d approved units remain on %s: %w",
					line.PartID, line.Quantity, remaining, po.Number, httpx.ErrQuantityExceeds)
			}
			pi.Items = append(pi.Items, Item{
				PartID:     orderItem.PartID,
				PartNumber: orderItem.PartNumber,
				PartName:   orderItem.PartName,
				Quantity:   line.Quantity,
				UnitPrice:  orderItem.UnitPrice,
			})
		}
	} else {
		if in.ServiceCenterID <= 0 {
			return PartsIssue{}, fmt.Errorf("service center required without a purchase order: %w", httpx.ErrValidation)
		}
		pi.ServiceCenterID = in.ServiceCenterID

		parts, err := s.parts.GetParts(ctx, partIDs)
		if err != nil {
			return PartsIssue{}, err
		}
		for _, line := range in.Items {
			part, ok := parts[line.PartID]
			if !ok {
				return PartsIssue{}, catalog.ErrPartNotFound(line.PartID)
			}
			pi.Items = append(pi.Items, Item{
				PartID:     part.ID,
				PartNumber: part.Number,
				PartName:   part.Name,
				Quantity:   line.Quantity,
				UnitPrice:  part.UnitPrice,
			})
		}
	}
	pi.Recompute()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		period := s.now().UTC().Format("2006-01")
		seq, err := tx.NextNumber(ctx, period)
		if err != nil {
			return err
		}
		pi.Number = fmt.Sprintf("PI-%s-%04d", period, seq)
		return tx.Insert(ctx, &pi)
	})
	if err != nil {
		return PartsIssue{}, err
	}

	s.logger.InfoContext(ctx, "parts issue created",
		slog.String("issue_number", pi.Number),
		slog.String("po_number", poNumber),
		slog.Int("items", len(pi.Items)))
	return pi, nil
}

// Submit hands a draft over for an admin decision.
func (s *Service) Submit(ctx context.Context, actor identity.Actor, issueID int64) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionCreateIssue); err != nil {
		return PartsIssue{}, err
	}
	return s.transition(ctx, issueID, StatusPending, StatusPendingAdminApproval, "", actor.ID)
}

// ApproveItem carries a per-line approved quantity. Omitted lines default to
// their full requested quantity.
type ApproveItem struct {
	PartID      int64
	ApprovedQty int
}

// Approve fixes the approved quantities and moves the issue to ADMIN_APPROVED.
func (s *Service) Approve(ctx context.Context, actor identity.Actor, issueID int64, items []ApproveItem) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionApproveIssue); err != nil {
		return PartsIssue{}, err
	}

	overrides := make(map[int64]int, len(items))
	for _, item := range items {
		overrides[item.PartID] = item.ApprovedQty
	}

	var pi PartsIssue
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		pi, err = tx.GetForUpdate(ctx, issueID)
		if err != nil {
			return err
		}
		if !pi.Status.CanTransition(StatusAdminApproved) {
			return errTransition(issueID, pi.Status, StatusAdminApproved)
		}

		for partID := range overrides {
			if _, ok := issueItemFor(pi, partID); !ok {
				return fmt.Errorf("part %d is not on parts issue %s: %w", partID, pi.Number, httpx.ErrValidation)
			}
		}

		for i := range pi.Items {
			item := &pi.Items[i]
			approved, overridden := overrides[item.PartID]
			if !overridden {
				approved = item.Quantity
			}
			if approved < 0 || approved > item.Quantity {
				return fmt.Errorf("part %d: approved %d of requested %d: %w",
					item.PartID, approved, item.Quantity, httpx.ErrQuantityExceeds)
			}
			item.ApprovedQty = approved
			if err := tx.SaveItemQuantities(ctx, *item); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, issueID, pi.Status, StatusAdminApproved, "", actor.ID)
	})
	if err != nil {
		return PartsIssue{}, err
	}

	if _, err := s.recorder.Record(ctx, approvalEntity, issueID, approval.DecisionApproved, actor.ID, ""); err != nil {
		s.logger.ErrorContext(ctx, "record approval", slog.Any("error", err))
	}
	s.decided("approved")
	decidedAt := s.now().UTC()
	pi.Status = StatusAdminApproved
	pi.ApprovedBy = actor.ID
	pi.ApprovedAt = &decidedAt
	pi.Recompute()
	return pi, nil
}

// Reject moves the issue to ADMIN_REJECTED. A reason is mandatory.
func (s *Service) Reject(ctx context.Context, actor identity.Actor, issueID int64, reason string) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionRejectIssue); err != nil {
		return PartsIssue{}, err
	}
	if reason == "" {
		return PartsIssue{}, fmt.Errorf("rejection reason required: %w", httpx.ErrValidation)
	}

	pi, err := s.transition(ctx, issueID, StatusPendingAdminApproval, StatusAdminRejected, reason, actor.ID)
	if err != nil {
		return PartsIssue{}, err
	}
	if _, err := s.recorder.Record(ctx, approvalEntity, issueID, approval.DecisionRejected, actor.ID, reason); err != nil {
		s.logger.ErrorContext(ctx, "record rejection", slog.Any("error", err))
	}
	s.decided("rejected")
	return pi, nil
}

// Dispatch debits every approved line from central stock and marks the issue
// ISSUED. The whole movement is all-or-nothing: when any part is short the
// issue stays ADMIN_APPROVED and no stock moves. The idempotency key makes
// retries safe; a repeated key returns the already dispatched issue.
func (s *Service) Dispatch(ctx context.Context, actor identity.Actor, issueID int64, idempotencyKey string) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionDispatchIssue); err != nil {
		return PartsIssue{}, err
	}
	if idempotencyKey == "" {
		return PartsIssue{}, fmt.Errorf("idempotency key required: %w", httpx.ErrValidation)
	}

	if err := s.idempotency.CheckAndInsert(ctx, idempotencyKey, idempotencyModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			pi, getErr := s.repo.Get(ctx, issueID)
			if getErr != nil {
				return PartsIssue{}, getErr
			}
			if pi.Status == StatusIssued || pi.Status == StatusReceived {
				return pi, nil
			}
			return PartsIssue{}, fmt.Errorf("dispatch key %q already used: %w", idempotencyKey, httpx.ErrDuplicate)
		}
		return PartsIssue{}, err
	}

	var pi PartsIssue
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		pi, err = tx.GetForUpdate(ctx, issueID)
		if err != nil {
			return err
		}
		if !pi.Status.CanTransition(StatusIssued) {
			return errTransition(issueID, pi.Status, StatusIssued)
		}

		lines := pi.DispatchLines()
		if len(lines) == 0 {
			return fmt.Errorf("parts issue %s has no approved quantities: %w", pi.Number, httpx.ErrValidation)
		}
		// Re-check the order ceiling here, not just at creation: another
		// issue against the same lines may have dispatched in the meantime.
		if pi.PurchaseOrderID != 0 {
			po, err := s.orders.Get(ctx, actor, pi.PurchaseOrderID)
			if err != nil {
				return err
			}
			dispatched, err := tx.SumDispatchedByPart(ctx, pi.PurchaseOrderID)
			if err != nil {
				return err
			}
			for _, line := range lines {
				orderItem, ok := orderItemFor(po, line.PartID)
				if !ok {
					return fmt.Errorf("part %d is not on purchase order %s: %w", line.PartID, po.Number, httpx.ErrValidation)
				}
				if dispatched[line.PartID]+line.Quantity > orderItem.ApprovedQty {
					return fmt.Errorf("part %d: dispatching %d would exceed %d approved on %s (%d already dispatched): %w",
						line.PartID, line.Quantity, orderItem.ApprovedQty, po.Number, dispatched[line.PartID], httpx.ErrQuantityExceeds)
				}
			}
		}

		if err := tx.UpdateStatus(ctx, issueID, pi.Status, StatusIssued, "", actor.ID); err != nil {
			return err
		}
		debits := make([]stock.Debit, 0, len(lines))
		for _, line := range lines {
			debits = append(debits, stock.Debit{PartID: line.PartID, Quantity: line.Quantity})
		}
		// The ledger commits its own transaction; a failure here rolls the
		// status change back with this one.
		return s.ledger.ApplyDebits(ctx, pi.Number, actor.ID, debits)
	})
	if err != nil {
		// Free the key so the caller can retry once the cause is fixed.
		if delErr := s.idempotency.Delete(ctx, idempotencyKey); delErr != nil {
			s.logger.ErrorContext(ctx, "release dispatch key", slog.Any("error", delErr))
		}
		s.dispatched("failed")
		return PartsIssue{}, err
	}
	dispatchedAt := s.now().UTC()
	pi.Status = StatusIssued
	pi.DispatchedBy = actor.ID
	pi.DispatchedAt = &dispatchedAt
	pi.Recompute()

	if pi.PurchaseOrderID != 0 {
		s.refreshFulfillment(ctx, pi.PurchaseOrderID)
	}
	s.dispatched("succeeded")
	s.recordAudit(ctx, actor.ID, "parts_issue.dispatched", pi.ID, map[string]any{
		"issue_number": pi.Number,
		"lines":        len(pi.Items),
	})
	s.logger.InfoContext(ctx, "parts issue dispatched",
		slog.String("issue_number", pi.Number),
		slog.Int64("actor_id", actor.ID))
	return pi, nil
}

// ReceiptLine reports how many units of a part actually arrived.
type ReceiptLine struct {
	PartID      int64
	ReceivedQty int
}

// Receive confirms arrival at the service center. Receiving less than was
// issued is not an error: the shortfall is recorded on the stock ledger as a
// zero-movement adjustment for investigation. Receiving more is rejected.
func (s *Service) Receive(ctx context.Context, actor identity.Actor, issueID int64, receipts []ReceiptLine) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionReceiveIssue); err != nil {
		return PartsIssue{}, err
	}

	reported := make(map[int64]int, len(receipts))
	for _, line := range receipts {
		reported[line.PartID] = line.ReceivedQty
	}

	var pi PartsIssue
	var shortfalls []Item
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		pi, err = tx.GetForUpdate(ctx, issueID)
		if err != nil {
			return err
		}
		if actor.Role == identity.RoleServiceCenter && pi.ServiceCenterID != actor.ID {
			return errIssueNotFound(issueID)
		}
		if !pi.Status.CanTransition(StatusReceived) {
			return errTransition(issueID, pi.Status, StatusReceived)
		}

		for partID := range reported {
			if _, ok := issueItemFor(pi, partID); !ok {
				return fmt.Errorf("part %d is not on parts issue %s: %w", partID, pi.Number, httpx.ErrValidation)
			}
		}

		shortfalls = shortfalls[:0]
		for i := range pi.Items {
			item := &pi.Items[i]
			received, overridden := reported[item.PartID]
			if !overridden {
				received = item.ApprovedQty
			}
			if received < 0 || received > item.ApprovedQty {
				return fmt.Errorf("part %d: received %d of issued %d: %w",
					item.PartID, received, item.ApprovedQty, httpx.ErrQuantityExceeds)
			}
			item.ReceivedQty = received
			if err := tx.SaveItemQuantities(ctx, *item); err != nil {
				return err
			}
			if received < item.ApprovedQty {
				shortfalls = append(shortfalls, *item)
			}
		}
		return tx.UpdateStatus(ctx, issueID, pi.Status, StatusReceived, "", actor.ID)
	})
	if err != nil {
		return PartsIssue{}, err
	}
	receivedAt := s.now().UTC()
	pi.Status = StatusReceived
	pi.ReceivedBy = actor.ID
	pi.ReceivedAt = &receivedAt
	pi.Recompute()

	for _, item := range shortfalls {
		if err := s.ledger.RecordDiscrepancy(ctx, item.PartID, item.ApprovedQty, item.ReceivedQty, actor.ID, pi.Number); err != nil {
			s.logger.ErrorContext(ctx, "record receipt discrepancy",
				slog.Int64("part_id", item.PartID), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actor.ID, "parts_issue.received", pi.ID, map[string]any{
		"issue_number": pi.Number,
		"shortfalls":   len(shortfalls),
	})
	return pi, nil
}

// Cancel aborts an issue from any non-terminal state. The stock ledger is
// never touched: units already dispatched stay debited. Cancelling after
// dispatch frees the order's remaining approved quantities for a new issue.
func (s *Service) Cancel(ctx context.Context, actor identity.Actor, issueID int64, reason string) (PartsIssue, error) {
	if err := approval.Authorize(actor, approval.ActionCancelIssue); err != nil {
		return PartsIssue{}, err
	}
	if reason == "" {
		return PartsIssue{}, fmt.Errorf("cancellation reason required: %w", httpx.ErrValidation)
	}

	var pi PartsIssue
	var wasIssued bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		pi, err = tx.GetForUpdate(ctx, issueID)
		if err != nil {
			return err
		}
		if !pi.Status.CanTransition(StatusCancelled) {
			return errTransition(issueID, pi.Status, StatusCancelled)
		}
		wasIssued = pi.Status == StatusIssued
		return tx.UpdateStatus(ctx, issueID, pi.Status, StatusCancelled, reason, actor.ID)
	})
	if err != nil {
		return PartsIssue{}, err
	}
	pi.Status = StatusCancelled
	pi.CancelReason = reason

	if wasIssued && pi.PurchaseOrderID != 0 {
		s.refreshFulfillment(ctx, pi.PurchaseOrderID)
	}
	s.recordAudit(ctx, actor.ID, "parts_issue.cancelled", pi.ID, map[string]any{
		"reason":         reason,
		"was_dispatched": wasIssued,
	})
	s.logger.InfoContext(ctx, "parts issue cancelled",
		slog.String("issue_number", pi.Number),
		slog.String("reason", reason))
	return pi, nil
}

// Get returns one issue. Service centers only see their own.
func (s *Service) Get(ctx context.Context, actor identity.Actor, issueID int64) (PartsIssue, error) {
	pi, err := s.repo.Get(ctx, issueID)
	if err != nil {
		return PartsIssue{}, err
	}
	if actor.Role == identity.RoleServiceCenter && pi.ServiceCenterID != actor.ID {
		return PartsIssue{}, errIssueNotFound(issueID)
	}
	return pi, nil
}

// List returns issues visible to the actor.
func (s *Service) List(ctx context.Context, actor identity.Actor, f Filter) ([]PartsIssue, int, error) {
	if actor.Role == identity.RoleServiceCenter {
		f.ServiceCenterID = actor.ID
	}
	return s.repo.List(ctx, f)
}

func (s *Service) transition(ctx context.Context, issueID int64, from, to Status, reason string, actorID int64) (PartsIssue, error) {
	var pi PartsIssue
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		pi, err = tx.GetForUpdate(ctx, issueID)
		if err != nil {
			return err
		}
		if pi.Status != from || !pi.Status.CanTransition(to) {
			return errTransition(issueID, pi.Status, to)
		}
		return tx.UpdateStatus(ctx, issueID, from, to, reason, actorID)
	})
	if err != nil {
		return PartsIssue{}, err
	}
	pi.Status = to
	if to == StatusAdminRejected {
		pi.RejectReason = reason
	}
	return pi, nil
}

// refreshFulfillment recomputes the order's issued quantities from every
// dispatched issue, so fulfillment status survives retries and cancellations.
func (s *Service) refreshFulfillment(ctx context.Context, orderID int64) {
	sums, err := s.repo.SumDispatchedByPart(ctx, orderID)
	if err != nil {
		s.logger.ErrorContext(ctx, "sum dispatched quantities", slog.Any("error", err))
		return
	}
	if _, err := s.orders.MarkFulfillment(ctx, orderID, sums); err != nil {
		s.logger.ErrorContext(ctx, "mark fulfillment",
			slog.Int64("po_id", orderID), slog.Any("error", err))
	}
}

func (s *Service) decided(decision string) {
	if s.metrics != nil {
		s.metrics.ApprovalDecisions.WithLabelValues(approvalEntity, decision).Inc()
	}
}

func (s *Service) dispatched(outcome string) {
	if s.metrics != nil {
		s.metrics.DispatchOutcomes.WithLabelValues(outcome).Inc()
	}
}

func orderItemFor(po purchase.PurchaseOrder, partID int64) (purchase.Item, bool) {
	for _, item := range po.Items {
		if item.PartID == partID {
			return item, true
		}
	}
	return purchase.Item{}, false
}

func issueItemFor(pi PartsIssue, partID int64) (Item, bool) {
	for _, item := range pi.Items {
		if item.PartID == partID {
			return item, true
		}
	}
	return Item{}, false
}
