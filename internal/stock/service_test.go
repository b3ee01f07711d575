package stock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partshub/partshub/internal/platform/httpx"
)

type memoryRepo struct {
	entries     map[int64]StockEntry
	adjustments []Adjustment
	nextID      int64
	lockOrder   []int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{entries: make(map[int64]StockEntry)}
}

func (m *memoryRepo) seed(partID int64, qty, minT int) {
	m.entries[partID] = StockEntry{PartID: partID, Quantity: qty, Location: "MAIN", MinThreshold: minT, UpdatedAt: time.Now()}
}

func (m *memoryRepo) GetEntry(_ context.Context, partID int64) (StockEntry, error) {
	e, ok := m.entries[partID]
	if !ok {
		return StockEntry{}, errEntryNotFound(partID)
	}
	return e, nil
}

func (m *memoryRepo) ListEntries(_ context.Context, f EntryFilter) ([]StockEntry, int, error) {
	var out []StockEntry
	for _, e := range m.entries {
		if f.Status == "" || e.Status() == f.Status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartID < out[j].PartID })
	return out, len(out), nil
}

func (m *memoryRepo) ListAdjustments(_ context.Context, f AdjustmentFilter) ([]Adjustment, int, error) {
	var out []Adjustment
	for _, a := range m.adjustments {
		if f.PartID != 0 && a.PartID != f.PartID {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.RefNumber != "" && a.RefNumber != f.RefNumber {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (m *memoryRepo) SetThresholds(_ context.Context, partID int64, minT, maxT int) error {
	e := m.entries[partID]
	e.PartID = partID
	e.MinThreshold = minT
	e.MaxThreshold = maxT
	m.entries[partID] = e
	return nil
}

// WithTx snapshots state so a failing fn leaves the repo untouched, mirroring
// a database rollback.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	snapshot := make(map[int64]StockEntry, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	adjLen := len(m.adjustments)

	if err := fn(ctx, m); err != nil {
		m.entries = snapshot
		m.adjustments = m.adjustments[:adjLen]
		return err
	}
	return nil
}

func (m *memoryRepo) GetEntryForUpdate(_ context.Context, partID int64) (StockEntry, error) {
	m.lockOrder = append(m.lockOrder, partID)
	e, ok := m.entries[partID]
	if !ok {
		return StockEntry{}, errEntryNotFound(partID)
	}
	return e, nil
}

func (m *memoryRepo) SaveQuantity(_ context.Context, partID int64, qty int) error {
	e, ok := m.entries[partID]
	if !ok {
		return errEntryNotFound(partID)
	}
	e.Quantity = qty
	e.UpdatedAt = time.Now()
	m.entries[partID] = e
	return nil
}

func (m *memoryRepo) InsertAdjustment(_ context.Context, adj Adjustment) (int64, error) {
	m.nextID++
	adj.ID = m.nextID
	adj.CreatedAt = time.Now()
	m.adjustments = append(m.adjustments, adj)
	return adj.ID, nil
}

func newTestLedger(repo RepositoryPort) *Ledger {
	return NewLedger(repo, slog.New(slog.NewTextHandler(testWriter{}, nil)), nil)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestStatusDerivation(t *testing.T) {
	cases := []struct {
		name  string
		entry StockEntry
		want  Status
	}{
		{"zero quantity", StockEntry{Quantity: 0, MinThreshold: 5}, StatusOutOfStock},
		{"at threshold", StockEntry{Quantity: 5, MinThreshold: 5}, StatusLowStock},
		{"below threshold", StockEntry{Quantity: 3, MinThreshold: 5}, StatusLowStock},
		{"above threshold", StockEntry{Quantity: 6, MinThreshold: 5}, StatusInStock},
		{"no threshold", StockEntry{Quantity: 1, MinThreshold: 0}, StatusInStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.entry.Status())
		})
	}
}

func TestApplyAddAndRemove(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, 3)
	ledger := newTestLedger(repo)

	adj, err := ledger.Apply(context.Background(), AdjustInput{
		PartID: 1, Kind: KindAdd, Quantity: 5, Reason: "goods receipt", ActorID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, 10, adj.Before)
	require.Equal(t, 15, adj.After)
	require.Equal(t, 5, adj.Delta)

	adj, err = ledger.Apply(context.Background(), AdjustInput{
		PartID: 1, Kind: KindRemove, Quantity: 15, Reason: "scrapped", ActorID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, 0, adj.After)

	entry, err := ledger.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, StatusOutOfStock, entry.Status())
	require.Equal(t, "MAIN", entry.Location, "the warehouse slot survives adjustments")
}

func TestApplyRemoveInsufficient(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 4, 0)
	ledger := newTestLedger(repo)

	_, err := ledger.Apply(context.Background(), AdjustInput{
		PartID: 1, Kind: KindRemove, Quantity: 5, Reason: "scrapped", ActorID: 7,
	})
	require.ErrorIs(t, err, httpx.ErrInsufficientStock)

	entry, err := ledger.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 4, entry.Quantity, "failed removal must not change stock")
	require.Empty(t, repo.adjustments, "failed removal must not leave an audit record")
}

func TestApplyAdjustAbsolute(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, 0)
	ledger := newTestLedger(repo)

	adj, err := ledger.Apply(context.Background(), AdjustInput{
		PartID: 1, Kind: KindAdjust, Quantity: 2, Reason: "cycle count", ActorID: 7,
	})
	require.NoError(t, err)
	require.Equal(t, -8, adj.Delta)
	require.Equal(t, 2, adj.After)
}

func TestApplyValidation(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, 0)
	ledger := newTestLedger(repo)

	_, err := ledger.Apply(context.Background(), AdjustInput{PartID: 1, Kind: KindAdd, Quantity: 1, ActorID: 7})
	require.ErrorIs(t, err, httpx.ErrValidation, "reason is mandatory")

	_, err = ledger.Apply(context.Background(), AdjustInput{PartID: 1, Kind: KindTransfer, Quantity: 1, Reason: "x", ActorID: 7})
	require.ErrorIs(t, err, httpx.ErrValidation, "transfers only happen through dispatch")

	_, err = ledger.Apply(context.Background(), AdjustInput{PartID: 99, Kind: KindAdd, Quantity: 1, Reason: "x", ActorID: 7})
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestApplyDebitsAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, 0)
	repo.seed(2, 1, 0)
	ledger := newTestLedger(repo)

	err := ledger.ApplyDebits(context.Background(), "PI-2026-001", 7, []Debit{
		{PartID: 1, Quantity: 5},
		{PartID: 2, Quantity: 3},
	})
	require.ErrorIs(t, err, httpx.ErrInsufficientStock)

	one, _ := ledger.Get(context.Background(), 1)
	two, _ := ledger.Get(context.Background(), 2)
	require.Equal(t, 10, one.Quantity, "part 1 must not be debited when part 2 fails")
	require.Equal(t, 1, two.Quantity)
	require.Empty(t, repo.adjustments)
}

func TestApplyDebitsSuccess(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(5, 4, 0)
	repo.seed(2, 10, 0)
	ledger := newTestLedger(repo)

	err := ledger.ApplyDebits(context.Background(), "PI-2026-002", 7, []Debit{
		{PartID: 5, Quantity: 4},
		{PartID: 2, Quantity: 1},
	})
	require.NoError(t, err)

	require.Equal(t, []int64{2, 5}, repo.lockOrder, "rows are locked in part id order")

	five, _ := ledger.Get(context.Background(), 5)
	require.Equal(t, 0, five.Quantity)

	adjs, _, err := ledger.Adjustments(context.Background(), AdjustmentFilter{RefNumber: "PI-2026-002"})
	require.NoError(t, err)
	require.Len(t, adjs, 2)
	for _, a := range adjs {
		require.Equal(t, KindTransfer, a.Kind)
		require.Negative(t, a.Delta)
	}
}

func TestRecordDiscrepancy(t *testing.T) {
	repo := newMemoryRepo()
	repo.seed(1, 10, 0)
	ledger := newTestLedger(repo)

	err := ledger.RecordDiscrepancy(context.Background(), 1, 5, 3, 7, "PI-2026-003")
	require.NoError(t, err)

	entry, _ := ledger.Get(context.Background(), 1)
	require.Equal(t, 10, entry.Quantity, "discrepancies never move central stock")

	adjs, _, err := ledger.Adjustments(context.Background(), AdjustmentFilter{PartID: 1})
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	require.Equal(t, KindAdjust, adjs[0].Kind)
	require.Zero(t, adjs[0].Delta)
	require.Equal(t, adjs[0].Before, adjs[0].After)
	require.Contains(t, adjs[0].Reason, "issued 5, received 3")

	err = ledger.RecordDiscrepancy(context.Background(), 1, 5, 5, 7, "PI-2026-003")
	require.Error(t, err)
}

func TestSetThresholdsValidation(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newTestLedger(repo)

	require.NoError(t, ledger.SetThresholds(context.Background(), 1, 5, 50))
	require.NoError(t, ledger.SetThresholds(context.Background(), 1, 5, 0), "zero max means unset")

	err := ledger.SetThresholds(context.Background(), 1, 10, 5)
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.True(t, errors.Is(err, httpx.ErrValidation))
}
