package stock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/partshub/partshub/internal/observability"
	"github.com/partshub/partshub/internal/platform/httpx"
)

// Ledger is the stock service. All mutations run inside a single transaction
// with the affected rows locked, and every mutation appends an Adjustment.
type Ledger struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLedger constructs Ledger. metrics may be nil.
func NewLedger(repo RepositoryPort, logger *slog.Logger, metrics *observability.Metrics) *Ledger {
	return &Ledger{repo: repo, logger: logger, metrics: metrics}
}

// AdjustInput is a manual ledger correction.
type AdjustInput struct {
	PartID    int64
	Kind      AdjustmentKind
	Quantity  int // delta for ADD/REMOVE, absolute target for ADJUST
	Reason    string
	RefNumber string
	ActorID   int64
}

// Get returns the ledger entry for one part.
func (l *Ledger) Get(ctx context.Context, partID int64) (StockEntry, error) {
	return l.repo.GetEntry(ctx, partID)
}

// List returns ledger entries matching the filter.
func (l *Ledger) List(ctx context.Context, f EntryFilter) ([]StockEntry, int, error) {
	return l.repo.ListEntries(ctx, f)
}

// Adjustments returns the audit trail matching the filter.
func (l *Ledger) Adjustments(ctx context.Context, f AdjustmentFilter) ([]Adjustment, int, error) {
	return l.repo.ListAdjustments(ctx, f)
}

// SetThresholds updates the min/max watermarks for a part.
func (l *Ledger) SetThresholds(ctx context.Context, partID int64, minThreshold, maxThreshold int) error {
	if minThreshold < 0 || (maxThreshold != 0 && maxThreshold < minThreshold) {
		return fmt.Errorf("thresholds min=%d max=%d: %w", minThreshold, maxThreshold, httpx.ErrValidation)
	}
	return l.repo.SetThresholds(ctx, partID, minThreshold, maxThreshold)
}

// Apply performs a manual adjustment and records it. ADD credits by Quantity,
// REMOVE debits by Quantity, ADJUST sets the absolute quantity.
func (l *Ledger) Apply(ctx context.Context, in AdjustInput) (Adjustment, error) {
	if !in.Kind.IsValid() || in.Kind == KindTransfer {
		return Adjustment{}, fmt.Errorf("adjustment kind %q: %w", in.Kind, httpx.ErrValidation)
	}
	if in.Reason == "" {
		return Adjustment{}, fmt.Errorf("adjustment reason required: %w", httpx.ErrValidation)
	}
	if in.Quantity < 0 {
		return Adjustment{}, fmt.Errorf("adjustment quantity must not be negative: %w", httpx.ErrValidation)
	}

	var out Adjustment
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, in.PartID)
		if err != nil {
			return err
		}

		after := entry.Quantity
		switch in.Kind {
		case KindAdd:
			after += in.Quantity
		case KindRemove:
			after -= in.Quantity
			if after < 0 {
				return errInsufficient(in.PartID, entry.Quantity, in.Quantity)
			}
		case KindAdjust:
			after = in.Quantity
		}

		if after != entry.Quantity {
			if err := tx.SaveQuantity(ctx, in.PartID, after); err != nil {
				return err
			}
		}

		out = Adjustment{
			PartID:    in.PartID,
			Kind:      in.Kind,
			Delta:     after - entry.Quantity,
			Before:    entry.Quantity,
			After:     after,
			ActorID:   in.ActorID,
			Reason:    in.Reason,
			RefNumber: in.RefNumber,
		}
		out.ID, err = tx.InsertAdjustment(ctx, out)
		return err
	})
	if err != nil {
		return Adjustment{}, err
	}

	l.recorded(out)
	return out, nil
}

// ApplyDebits removes stock for every line in one transaction. Either every
// part has enough on hand and all rows are debited, or nothing changes. Rows
// are locked in part id order so concurrent dispatches cannot deadlock.
func (l *Ledger) ApplyDebits(ctx context.Context, refNumber string, actorID int64, debits []Debit) error {
	if len(debits) == 0 {
		return fmt.Errorf("no debit lines: %w", httpx.ErrValidation)
	}
	lines := make([]Debit, len(debits))
	copy(lines, debits)
	sort.Slice(lines, func(i, j int) bool { return lines[i].PartID < lines[j].PartID })

	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, d := range lines {
			if d.Quantity <= 0 {
				return fmt.Errorf("debit for part %d must be positive: %w", d.PartID, httpx.ErrValidation)
			}
			entry, err := tx.GetEntryForUpdate(ctx, d.PartID)
			if err != nil {
				return err
			}
			after := entry.Quantity - d.Quantity
			if after < 0 {
				return errInsufficient(d.PartID, entry.Quantity, d.Quantity)
			}
			if err := tx.SaveQuantity(ctx, d.PartID, after); err != nil {
				return err
			}
			adj := Adjustment{
				PartID:    d.PartID,
				Kind:      KindTransfer,
				Delta:     -d.Quantity,
				Before:    entry.Quantity,
				After:     after,
				ActorID:   actorID,
				Reason:    "dispatched to service center",
				RefNumber: refNumber,
			}
			if _, err := tx.InsertAdjustment(ctx, adj); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if l.metrics != nil {
		l.metrics.StockAdjustments.WithLabelValues(string(KindTransfer)).Add(float64(len(lines)))
	}
	l.logger.InfoContext(ctx, "stock debited",
		slog.String("ref_number", refNumber),
		slog.Int("lines", len(lines)))
	return nil
}

// RecordDiscrepancy appends a zero-movement adjustment noting that a service
// center received less than was issued. Central quantities are unchanged; the
// stock already left the warehouse when the issue was dispatched.
func (l *Ledger) RecordDiscrepancy(ctx context.Context, partID int64, issued, received int, actorID int64, refNumber string) error {
	if received >= issued {
		return fmt.Errorf("received %d is not short of issued %d: %w", received, issued, httpx.ErrValidation)
	}

	var out Adjustment
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, partID)
		if err != nil {
			return err
		}
		out = Adjustment{
			PartID:    partID,
			Kind:      KindAdjust,
			Delta:     0,
			Before:    entry.Quantity,
			After:     entry.Quantity,
			ActorID:   actorID,
			Reason:    fmt.Sprintf("receipt discrepancy: issued %d, received %d", issued, received),
			RefNumber: refNumber,
		}
		out.ID, err = tx.InsertAdjustment(ctx, out)
		return err
	})
	if err != nil {
		return err
	}

	l.recorded(out)
	l.logger.WarnContext(ctx, "receipt discrepancy recorded",
		slog.Int64("part_id", partID),
		slog.Int("issued", issued),
		slog.Int("received", received),
		slog.String("ref_number", refNumber))
	return nil
}

func (l *Ledger) recorded(adj Adjustment) {
	if l.metrics != nil {
		l.metrics.StockAdjustments.WithLabelValues(string(adj.Kind)).Inc()
	}
}
