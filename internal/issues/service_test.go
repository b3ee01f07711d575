package issues

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partshub/partshub/internal/approval"
	"github.com/partshub/partshub/internal/catalog"
	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/purchase"
	"github.com/partshub/partshub/internal/shared"
	"github.com/partshub/partshub/internal/stock"
)

type memoryRepo struct {
	issues   map[int64]PartsIssue
	counters map[string]int
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{issues: make(map[int64]PartsIssue), counters: make(map[string]int)}
}

func cloneIssue(pi PartsIssue) PartsIssue {
	items := make([]Item, len(pi.Items))
	copy(items, pi.Items)
	pi.Items = items
	return pi
}

func (m *memoryRepo) Get(_ context.Context, id int64) (PartsIssue, error) {
	pi, ok := m.issues[id]
	if !ok {
		return PartsIssue{}, errIssueNotFound(id)
	}
	pi = cloneIssue(pi)
	pi.Recompute()
	return pi, nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]PartsIssue, int, error) {
	var out []PartsIssue
	for _, pi := range m.issues {
		if f.PurchaseOrderID != 0 && pi.PurchaseOrderID != f.PurchaseOrderID {
			continue
		}
		if f.ServiceCenterID != 0 && pi.ServiceCenterID != f.ServiceCenterID {
			continue
		}
		if f.Status != "" && pi.Status != f.Status {
			continue
		}
		out = append(out, cloneIssue(pi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (m *memoryRepo) SumDispatchedByPart(_ context.Context, poID int64) (map[int64]int, error) {
	sums := make(map[int64]int)
	for _, pi := range m.issues {
		if pi.PurchaseOrderID != poID {
			continue
		}
		if pi.Status != StatusIssued && pi.Status != StatusReceived {
			continue
		}
		for _, item := range pi.Items {
			sums[item.PartID] += item.ApprovedQty
		}
	}
	return sums, nil
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	snapshot := make(map[int64]PartsIssue, len(m.issues))
	for k, v := range m.issues {
		snapshot[k] = cloneIssue(v)
	}
	counters := make(map[string]int, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	if err := fn(ctx, m); err != nil {
		m.issues = snapshot
		m.counters = counters
		return err
	}
	return nil
}

func (m *memoryRepo) GetForUpdate(ctx context.Context, id int64) (PartsIssue, error) {
	return m.Get(ctx, id)
}

func (m *memoryRepo) Insert(_ context.Context, pi *PartsIssue) error {
	m.nextID++
	pi.ID = m.nextID
	pi.CreatedAt = time.Now()
	pi.UpdatedAt = pi.CreatedAt
	for i := range pi.Items {
		pi.Items[i].ID = m.nextID*100 + int64(i)
	}
	m.issues[pi.ID] = cloneIssue(*pi)
	return nil
}

func (m *memoryRepo) UpdateStatus(_ context.Context, id int64, from, to Status, reason string, actorID int64) error {
	pi, ok := m.issues[id]
	if !ok {
		return errIssueNotFound(id)
	}
	if pi.Status != from {
		return errTransition(id, pi.Status, to)
	}
	pi.Status = to
	now := time.Now()
	switch to {
	case StatusCancelled:
		pi.CancelReason = reason
	case StatusAdminRejected:
		pi.RejectReason = reason
	case StatusAdminApproved:
		pi.ApprovedBy = actorID
		pi.ApprovedAt = &now
	case StatusIssued:
		pi.DispatchedBy = actorID
		pi.DispatchedAt = &now
	case StatusReceived:
		pi.ReceivedBy = actorID
		pi.ReceivedAt = &now
	}
	pi.UpdatedAt = now
	m.issues[id] = pi
	return nil
}

func (m *memoryRepo) SaveItemQuantities(_ context.Context, item Item) error {
	for id, pi := range m.issues {
		for i := range pi.Items {
			if pi.Items[i].ID == item.ID {
				pi.Items[i].ApprovedQty = item.ApprovedQty
				pi.Items[i].ReceivedQty = item.ReceivedQty
				m.issues[id] = pi
				return nil
			}
		}
	}
	return errIssueNotFound(item.ID)
}

func (m *memoryRepo) NextNumber(_ context.Context, period string) (int, error) {
	m.counters[period]++
	return m.counters[period], nil
}

type fakeOrders struct {
	orders map[int64]purchase.PurchaseOrder
}

func (f *fakeOrders) Get(_ context.Context, actor identity.Actor, orderID int64) (purchase.PurchaseOrder, error) {
	po, ok := f.orders[orderID]
	if !ok {
		return purchase.PurchaseOrder{}, fmt.Errorf("purchase order %d: %w", orderID, httpx.ErrNotFound)
	}
	if actor.Role == identity.RoleServiceCenter && po.ServiceCenterID != actor.ID {
		return purchase.PurchaseOrder{}, fmt.Errorf("purchase order %d: %w", orderID, httpx.ErrNotFound)
	}
	items := make([]purchase.Item, len(po.Items))
	copy(items, po.Items)
	po.Items = items
	return po, nil
}

func (f *fakeOrders) MarkFulfillment(_ context.Context, orderID int64, issuedByPart map[int64]int) (purchase.PurchaseOrder, error) {
	po, ok := f.orders[orderID]
	if !ok {
		return purchase.PurchaseOrder{}, fmt.Errorf("purchase order %d: %w", orderID, httpx.ErrNotFound)
	}
	allFulfilled, anyIssued := true, false
	for i := range po.Items {
		issued := issuedByPart[po.Items[i].PartID]
		po.Items[i].IssuedQty = issued
		if issued > 0 {
			anyIssued = true
		}
		if issued < po.Items[i].ApprovedQty {
			allFulfilled = false
		}
	}
	switch {
	case allFulfilled:
		po.Status = purchase.StatusFulfilled
	case anyIssued:
		po.Status = purchase.StatusPartiallyFulfilled
	default:
		po.Status = purchase.StatusApproved
	}
	f.orders[orderID] = po
	return po, nil
}

type fakeParts struct {
	parts map[int64]catalog.Part
}

func (f *fakeParts) GetParts(_ context.Context, partIDs []int64) (map[int64]catalog.Part, error) {
	out := make(map[int64]catalog.Part, len(partIDs))
	for _, id := range partIDs {
		if part, ok := f.parts[id]; ok {
			out[id] = part
		}
	}
	return out, nil
}

type discrepancy struct {
	partID           int64
	issued, received int
	ref              string
}

type fakeLedger struct {
	quantities    map[int64]int
	discrepancies []discrepancy
	debitCalls    int
}

func (f *fakeLedger) ApplyDebits(_ context.Context, _ string, _ int64, debits []stock.Debit) error {
	f.debitCalls++
	for _, d := range debits {
		if f.quantities[d.PartID] < d.Quantity {
			return fmt.Errorf("part %d short: %w", d.PartID, httpx.ErrInsufficientStock)
		}
	}
	for _, d := range debits {
		f.quantities[d.PartID] -= d.Quantity
	}
	return nil
}

func (f *fakeLedger) RecordDiscrepancy(_ context.Context, partID int64, issued, received int, _ int64, ref string) error {
	f.discrepancies = append(f.discrepancies, discrepancy{partID: partID, issued: issued, received: received, ref: ref})
	return nil
}

type fakeIdempotency struct {
	keys map[string]bool
}

func (f *fakeIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdempotency) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

type fakeRecorder struct {
	records []approval.Record
}

func (f *fakeRecorder) Record(_ context.Context, entity string, entityID int64, decision approval.Decision, actorID int64, reason string) (approval.Record, error) {
	rec := approval.Record{Entity: entity, EntityID: entityID, Decision: decision, ActorID: actorID, Reason: reason}
	f.records = append(f.records, rec)
	return rec, nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

var (
	admin  = identity.Actor{ID: 1, Role: identity.RoleAdmin}
	staff  = identity.Actor{ID: 5, Role: identity.RoleCentralStaff}
	center = identity.Actor{ID: 10, Role: identity.RoleServiceCenter}
)

type fixture struct {
	svc    *Service
	repo   *memoryRepo
	orders *fakeOrders
	ledger *fakeLedger
	idem   *fakeIdempotency
	rec    *fakeRecorder
}

func newFixture() *fixture {
	repo := newMemoryRepo()
	orders := &fakeOrders{orders: map[int64]purchase.PurchaseOrder{
		1: {
			ID:              1,
			Number:          "PO-2026-08-0001",
			ServiceCenterID: center.ID,
			Status:          purchase.StatusApproved,
			Items: []purchase.Item{
				{ID: 11, PartID: 1, PartNumber: "BRK-100", PartName: "Brake Pad", RequestedQty: 4, ApprovedQty: 4, UnitPrice: 25.5},
				{ID: 12, PartID: 2, PartNumber: "FLT-200", PartName: "Oil Filter", RequestedQty: 10, ApprovedQty: 8, UnitPrice: 8},
			},
		},
	}}
	parts := &fakeParts{parts: map[int64]catalog.Part{
		1: {ID: 1, Number: "BRK-100", Name: "Brake Pad", UnitPrice: 25.5},
		2: {ID: 2, Number: "FLT-200", Name: "Oil Filter", UnitPrice: 8},
		3: {ID: 3, Number: "SPK-300", Name: "Spark Plug", UnitPrice: 4.2},
	}}
	ledger := &fakeLedger{quantities: map[int64]int{1: 100, 2: 100, 3: 100}}
	idem := &fakeIdempotency{keys: make(map[string]bool)}
	rec := &fakeRecorder{}
	logger := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	svc := NewService(repo, orders, parts, ledger, idem, rec, nil, logger, nil)
	return &fixture{svc: svc, repo: repo, orders: orders, ledger: ledger, idem: idem, rec: rec}
}

func (f *fixture) createIssue(t *testing.T, items ...Line) PartsIssue {
	t.Helper()
	if len(items) == 0 {
		items = []Line{{PartID: 1, Quantity: 4}, {PartID: 2, Quantity: 8}}
	}
	pi, err := f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1, Items: items})
	require.NoError(t, err)
	return pi
}

func (f *fixture) approvedIssue(t *testing.T, items ...Line) PartsIssue {
	t.Helper()
	pi := f.createIssue(t, items...)
	_, err := f.svc.Submit(context.Background(), staff, pi.ID)
	require.NoError(t, err)
	approved, err := f.svc.Approve(context.Background(), admin, pi.ID, nil)
	require.NoError(t, err)
	return approved
}

func TestCreateIssue(t *testing.T) {
	f := newFixture()
	pi := f.createIssue(t)

	require.Equal(t, StatusPending, pi.Status)
	require.Regexp(t, `^PI-\d{4}-\d{2}-0001$`, pi.Number)
	require.Equal(t, center.ID, pi.ServiceCenterID, "the issue belongs to the order's service center")
	require.InDelta(t, 4*25.5+8*8, pi.TotalAmount, 1e-9)
}

func TestCreateIssueValidation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1})
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1, Items: []Line{{PartID: 9, Quantity: 1}}})
	require.ErrorIs(t, err, httpx.ErrValidation, "part must be on the order")

	_, err = f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1, Items: []Line{{PartID: 2, Quantity: 9}}})
	require.ErrorIs(t, err, httpx.ErrQuantityExceeds, "only 8 approved units remain")

	_, err = f.svc.Create(context.Background(), center, CreateInput{PurchaseOrderID: 1, Items: []Line{{PartID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, httpx.ErrForbidden, "service centers do not create issues")
}

func TestCreateIssueRequiresDecidedOrder(t *testing.T) {
	f := newFixture()
	po := f.orders.orders[1]
	po.Status = purchase.StatusPending
	f.orders.orders[1] = po

	_, err := f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1, Items: []Line{{PartID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestApproveFlow(t *testing.T) {
	f := newFixture()
	pi := f.createIssue(t)

	// Approving a draft that was never submitted is illegal.
	_, err := f.svc.Approve(context.Background(), admin, pi.ID, nil)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)

	_, err = f.svc.Submit(context.Background(), staff, pi.ID)
	require.NoError(t, err)

	approved, err := f.svc.Approve(context.Background(), admin, pi.ID, []ApproveItem{{PartID: 1, ApprovedQty: 2}})
	require.NoError(t, err)
	require.Equal(t, StatusAdminApproved, approved.Status)
	require.Equal(t, admin.ID, approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, 2, approved.Items[0].ApprovedQty)
	require.Equal(t, 8, approved.Items[1].ApprovedQty, "omitted lines default to requested")
	require.InDelta(t, 2*25.5+8*8, approved.TotalAmount, 1e-9, "totals follow approved quantities")

	// Double approval loses on the status re-check.
	_, err = f.svc.Approve(context.Background(), admin, pi.ID, nil)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
	require.Len(t, f.rec.records, 1)
}

func TestApproveOverRequested(t *testing.T) {
	f := newFixture()
	pi := f.createIssue(t)
	_, err := f.svc.Submit(context.Background(), staff, pi.ID)
	require.NoError(t, err)

	_, err = f.svc.Approve(context.Background(), admin, pi.ID, []ApproveItem{{PartID: 1, ApprovedQty: 5}})
	require.ErrorIs(t, err, httpx.ErrQuantityExceeds)

	stored, _ := f.repo.Get(context.Background(), pi.ID)
	require.Equal(t, StatusPendingAdminApproval, stored.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture()
	pi := f.createIssue(t)
	_, err := f.svc.Submit(context.Background(), staff, pi.ID)
	require.NoError(t, err)

	_, err = f.svc.Reject(context.Background(), admin, pi.ID, "")
	require.ErrorIs(t, err, httpx.ErrValidation)

	rejected, err := f.svc.Reject(context.Background(), admin, pi.ID, "duplicate request")
	require.NoError(t, err)
	require.Equal(t, StatusAdminRejected, rejected.Status)
	require.Equal(t, "duplicate request", rejected.RejectReason)

	// Rejected is terminal.
	_, err = f.svc.Cancel(context.Background(), admin, pi.ID, "cleanup")
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestDispatchHappyPath(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)

	dispatched, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, StatusIssued, dispatched.Status)
	require.Equal(t, staff.ID, dispatched.DispatchedBy)
	require.NotNil(t, dispatched.DispatchedAt)
	require.Equal(t, 96, f.ledger.quantities[1], "4 brake pads left the warehouse")
	require.Equal(t, 92, f.ledger.quantities[2])

	po := f.orders.orders[1]
	require.Equal(t, purchase.StatusFulfilled, po.Status, "every approved unit on the order was issued")
	require.Equal(t, 4, po.Items[0].IssuedQty)
	require.Equal(t, 8, po.Items[1].IssuedQty)
}

func TestDispatchInsufficientStockRollsBack(t *testing.T) {
	f := newFixture()
	f.ledger.quantities[2] = 3
	pi := f.approvedIssue(t)

	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.ErrorIs(t, err, httpx.ErrInsufficientStock)

	stored, _ := f.repo.Get(context.Background(), pi.ID)
	require.Equal(t, StatusAdminApproved, stored.Status, "status change rolls back with the failed debit")
	require.Equal(t, 100, f.ledger.quantities[1], "no line is debited when any line is short")
	require.False(t, f.idem.keys["key-1"], "the key is released so the caller can retry")

	// Retry after restocking succeeds with the same key.
	f.ledger.quantities[2] = 50
	dispatched, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, StatusIssued, dispatched.Status)
}

func TestDispatchIdempotent(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)

	first, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)

	again, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, first.Status, again.Status)
	require.Equal(t, 1, f.ledger.debitCalls, "stock is debited exactly once")

	// A fresh key against an already dispatched issue fails the transition.
	_, err = f.svc.Dispatch(context.Background(), staff, pi.ID, "key-2")
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestDispatchRequiresKey(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)

	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "")
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = f.svc.Dispatch(context.Background(), center, pi.ID, "key-1")
	require.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestReceiveFull(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)
	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)

	received, err := f.svc.Receive(context.Background(), center, pi.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, received.Status)
	require.Equal(t, center.ID, received.ReceivedBy)
	require.NotNil(t, received.ReceivedAt)
	require.Empty(t, f.ledger.discrepancies)
	for _, item := range received.Items {
		require.Equal(t, item.ApprovedQty, item.ReceivedQty)
	}
}

func TestReceiveShortLogsDiscrepancy(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)
	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)

	before := f.ledger.quantities[1]
	received, err := f.svc.Receive(context.Background(), center, pi.ID, []ReceiptLine{{PartID: 1, ReceivedQty: 3}})
	require.NoError(t, err, "a short receipt is not an error")
	require.Equal(t, StatusReceived, received.Status)

	require.Len(t, f.ledger.discrepancies, 1)
	d := f.ledger.discrepancies[0]
	require.Equal(t, int64(1), d.partID)
	require.Equal(t, 4, d.issued)
	require.Equal(t, 3, d.received)
	require.Equal(t, pi.Number, d.ref)
	require.Equal(t, before, f.ledger.quantities[1], "central stock does not move on receipt")
}

func TestReceiveOverIssuedRejected(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)
	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)

	_, err = f.svc.Receive(context.Background(), center, pi.ID, []ReceiptLine{{PartID: 1, ReceivedQty: 5}})
	require.ErrorIs(t, err, httpx.ErrQuantityExceeds)
}

func TestReceiveScopedToOwnCenter(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)
	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)

	other := identity.Actor{ID: 99, Role: identity.RoleServiceCenter}
	_, err = f.svc.Receive(context.Background(), other, pi.ID, nil)
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestCancelBeforeDispatch(t *testing.T) {
	f := newFixture()
	pi := f.createIssue(t)

	cancelled, err := f.svc.Cancel(context.Background(), staff, pi.ID, "raised in error")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "raised in error", cancelled.CancelReason)
	require.Equal(t, 100, f.ledger.quantities[1], "pending issues never touched the ledger")
}

func TestCancelAfterDispatchLeavesLedgerAlone(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)
	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, 96, f.ledger.quantities[1])

	cancelled, err := f.svc.Cancel(context.Background(), staff, pi.ID, "truck never left")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, 96, f.ledger.quantities[1], "cancellation never moves stock")
	require.Equal(t, 92, f.ledger.quantities[2])

	po := f.orders.orders[1]
	require.Equal(t, purchase.StatusApproved, po.Status, "cancelled quantities no longer count toward fulfillment")
}

func TestCancelTerminalRejected(t *testing.T) {
	f := newFixture()
	pi := f.approvedIssue(t)
	_, err := f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)
	_, err = f.svc.Receive(context.Background(), center, pi.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), staff, pi.ID, "too late")
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestVisibilityScoping(t *testing.T) {
	f := newFixture()
	pi := f.createIssue(t)

	other := identity.Actor{ID: 99, Role: identity.RoleServiceCenter}
	_, err := f.svc.Get(context.Background(), other, pi.ID)
	require.ErrorIs(t, err, httpx.ErrNotFound)

	issues, total, err := f.svc.List(context.Background(), center, Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, issues, 1)

	issues, _, err = f.svc.List(context.Background(), other, Filter{})
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestDispatchCeilingAcrossIssues(t *testing.T) {
	f := newFixture()
	// Both issues fit the 8 approved filter units on their own; together they
	// do not. Both pass creation since nothing has dispatched yet.
	first := f.approvedIssue(t, Line{PartID: 2, Quantity: 5})
	second := f.approvedIssue(t, Line{PartID: 2, Quantity: 5})

	_, err := f.svc.Dispatch(context.Background(), staff, first.ID, "key-1")
	require.NoError(t, err)

	_, err = f.svc.Dispatch(context.Background(), staff, second.ID, "key-2")
	require.ErrorIs(t, err, httpx.ErrQuantityExceeds, "5 already dispatched leaves only 3 of 8")

	stored, _ := f.repo.Get(context.Background(), second.ID)
	require.Equal(t, StatusAdminApproved, stored.Status)
	require.Equal(t, 95, f.ledger.quantities[2], "stock is debited for the first issue only")
	require.Equal(t, 1, f.ledger.debitCalls)
	require.False(t, f.idem.keys["key-2"], "the failed dispatch releases its key")

	// A corrected issue within the remainder goes through.
	third := f.approvedIssue(t, Line{PartID: 2, Quantity: 3})
	_, err = f.svc.Dispatch(context.Background(), staff, third.ID, "key-3")
	require.NoError(t, err)
	require.Equal(t, 92, f.ledger.quantities[2])
}

func TestCreateUnlinkedIssue(t *testing.T) {
	f := newFixture()
	pi, err := f.svc.Create(context.Background(), staff, CreateInput{
		ServiceCenterID: center.ID,
		Items:           []Line{{PartID: 3, Quantity: 6}},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, pi.Status)
	require.Zero(t, pi.PurchaseOrderID)
	require.Equal(t, center.ID, pi.ServiceCenterID)
	require.Equal(t, "SPK-300", pi.Items[0].PartNumber, "lines resolve against the catalog")
	require.InDelta(t, 6*4.2, pi.TotalAmount, 1e-9, "unlinked lines are priced from the catalog")
}

func TestCreateUnlinkedIssueValidation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), staff, CreateInput{Items: []Line{{PartID: 3, Quantity: 1}}})
	require.ErrorIs(t, err, httpx.ErrValidation, "a service center is required without an order")

	_, err = f.svc.Create(context.Background(), staff, CreateInput{
		ServiceCenterID: center.ID,
		Items:           []Line{{PartID: 42, Quantity: 1}},
	})
	require.ErrorIs(t, err, httpx.ErrNotFound, "unknown parts are rejected")

	_, err = f.svc.Create(context.Background(), staff, CreateInput{
		PurchaseOrderID: 1,
		ServiceCenterID: 99,
		Items:           []Line{{PartID: 1, Quantity: 1}},
	})
	require.ErrorIs(t, err, httpx.ErrValidation, "a named center must own the linked order")
}

func TestDispatchUnlinkedIssueLeavesOrdersAlone(t *testing.T) {
	f := newFixture()
	pi, err := f.svc.Create(context.Background(), staff, CreateInput{
		ServiceCenterID: center.ID,
		Items:           []Line{{PartID: 3, Quantity: 6}},
	})
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), staff, pi.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), admin, pi.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Dispatch(context.Background(), staff, pi.ID, "key-1")
	require.NoError(t, err)
	require.Equal(t, 94, f.ledger.quantities[3])
	require.Equal(t, purchase.StatusApproved, f.orders.orders[1].Status, "no purchase order is touched")
}

func TestRemainingApprovedShrinksAcrossIssues(t *testing.T) {
	f := newFixture()
	first := f.approvedIssue(t, Line{PartID: 2, Quantity: 5})
	_, err := f.svc.Dispatch(context.Background(), staff, first.ID, "key-1")
	require.NoError(t, err)

	// 8 approved minus 5 issued leaves 3.
	_, err = f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1, Items: []Line{{PartID: 2, Quantity: 4}}})
	require.ErrorIs(t, err, httpx.ErrQuantityExceeds)

	_, err = f.svc.Create(context.Background(), staff, CreateInput{PurchaseOrderID: 1, Items: []Line{{PartID: 2, Quantity: 3}}})
	require.NoError(t, err)
}
