// Package catalog holds the read model for the parts master data.
package catalog

import (
	"fmt"

	"github.com/partshub/partshub/internal/platform/httpx"
)

// Part is a catalog entry referenced by orders, issues and the stock ledger.
type Part struct {
	ID        int64   `json:"id"`
	Number    string  `json:"number"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unitPrice"`
}

// ErrPartNotFound wraps the shared not-found sentinel for catalog lookups.
func ErrPartNotFound(partID int64) error {
	return fmt.Errorf("part %d: %w", partID, httpx.ErrNotFound)
}
