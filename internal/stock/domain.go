// Package stock implements the central stock ledger: per-part quantities,
// derived availability status and the append-only adjustment trail.
package stock

import (
	"fmt"
	"time"

	"github.com/partshub/partshub/internal/platform/httpx"
)

// Status is the derived availability of a part. It is never stored; callers
// recompute it from the entry on every read.
type Status string

const (
	StatusInStock    Status = "IN_STOCK"
	StatusLowStock   Status = "LOW_STOCK"
	StatusOutOfStock Status = "OUT_OF_STOCK"
)

// AdjustmentKind classifies a ledger movement.
type AdjustmentKind string

const (
	// KindAdd credits stock, e.g. goods receipt from a supplier.
	KindAdd AdjustmentKind = "ADD"
	// KindRemove debits stock, e.g. scrapping or a manual correction down.
	KindRemove AdjustmentKind = "REMOVE"
	// KindAdjust sets an absolute quantity, e.g. after a physical count. It is
	// also used with a zero net change to record receipt discrepancies.
	KindAdjust AdjustmentKind = "ADJUST"
	// KindTransfer debits stock dispatched to a service center.
	KindTransfer AdjustmentKind = "TRANSFER"
)

// IsValid reports whether the kind is known.
func (k AdjustmentKind) IsValid() bool {
	switch k {
	case KindAdd, KindRemove, KindAdjust, KindTransfer:
		return true
	default:
		return false
	}
}

// StockEntry is the ledger row for one part.
type StockEntry struct {
	PartID       int64     `json:"partId"`
	Quantity     int       `json:"quantity"`
	Location     string    `json:"location"`
	MinThreshold int       `json:"minThreshold"`
	MaxThreshold int       `json:"maxThreshold"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Status derives the availability from quantity and the minimum threshold.
func (e StockEntry) Status() Status {
	switch {
	case e.Quantity <= 0:
		return StatusOutOfStock
	case e.Quantity <= e.MinThreshold:
		return StatusLowStock
	default:
		return StatusInStock
	}
}

// Adjustment is one append-only audit record of a ledger movement.
type Adjustment struct {
	ID        int64          `json:"id"`
	PartID    int64          `json:"partId"`
	Kind      AdjustmentKind `json:"kind"`
	Delta     int            `json:"delta"`
	Before    int            `json:"before"`
	After     int            `json:"after"`
	ActorID   int64          `json:"actorId"`
	Reason    string         `json:"reason"`
	RefNumber string         `json:"refNumber,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Debit is one line of a multi-part stock removal.
type Debit struct {
	PartID   int64
	Quantity int
}

func errEntryNotFound(partID int64) error {
	return fmt.Errorf("stock entry for part %d: %w", partID, httpx.ErrNotFound)
}

func errInsufficient(partID int64, have, want int) error {
	return fmt.Errorf("part %d has %d on hand, need %d: %w", partID, have, want, httpx.ErrInsufficientStock)
}
