package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/partshub/partshub/internal/observability"
	"github.com/partshub/partshub/internal/shared"
	"github.com/partshub/partshub/internal/stock"
)

// StockLister reads ledger entries for the scan.
type StockLister interface {
	List(ctx context.Context, f stock.EntryFilter) ([]stock.StockEntry, int, error)
}

// LowStockScanner flags parts that need replenishment.
type LowStockScanner struct {
	Ledger  StockLister
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Handle processes TaskLowStockScan tasks.
func (s *LowStockScanner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	entries, _, err := s.Ledger.List(ctx, stock.EntryFilter{})
	if err != nil {
		return err
	}

	flagged := 0
	for _, entry := range entries {
		status := entry.Status()
		if status == stock.StatusInStock {
			continue
		}
		flagged++
		if payload.Limit > 0 && flagged > payload.Limit {
			continue
		}
		s.Logger.WarnContext(ctx, "part needs replenishment",
			slog.Int64("part_id", entry.PartID),
			slog.Int("quantity", entry.Quantity),
			slog.Int("min_threshold", entry.MinThreshold),
			slog.String("status", string(status)))
	}
	if s.Metrics != nil {
		s.Metrics.LowStockParts.Set(float64(flagged))
	}
	s.Logger.InfoContext(ctx, "low stock scan finished",
		slog.Int("scanned", len(entries)),
		slog.Int("flagged", flagged))
	return nil
}

// IdempotencyCleaner prunes expired dispatch keys.
type IdempotencyCleaner struct {
	Store     *shared.IdempotencyStore
	Logger    *slog.Logger
	Retention time.Duration
}

// Handle processes TaskIdempotencyCleanup tasks.
func (c *IdempotencyCleaner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = c.Retention
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := c.Store.Cleanup(ctx, retention); err != nil {
		return err
	}
	c.Logger.InfoContext(ctx, "idempotency keys pruned",
		slog.Duration("retention", retention))
	return nil
}
