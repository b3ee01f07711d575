package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/partshub/partshub/internal/stock"
)

type fakeLister struct {
	entries []stock.StockEntry
}

func (f *fakeLister) List(_ context.Context, _ stock.EntryFilter) ([]stock.StockEntry, int, error) {
	return f.entries, len(f.entries), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLowStockScan(t *testing.T) {
	scanner := &LowStockScanner{
		Ledger: &fakeLister{entries: []stock.StockEntry{
			{PartID: 1, Quantity: 50, MinThreshold: 10},
			{PartID: 2, Quantity: 10, MinThreshold: 10},
			{PartID: 3, Quantity: 0, MinThreshold: 10},
		}},
		Logger: discardLogger(),
	}

	task, err := NewLowStockScanTask(LowStockScanPayload{})
	require.NoError(t, err)
	require.NoError(t, scanner.Handle(context.Background(), task))
}

func TestLowStockScanBadPayload(t *testing.T) {
	scanner := &LowStockScanner{Ledger: &fakeLister{}, Logger: discardLogger()}

	task := asynq.NewTask(TaskLowStockScan, []byte("{not json"))
	err := scanner.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}
