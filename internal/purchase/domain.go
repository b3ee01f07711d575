// Package purchase implements purchase orders raised by service centers and
// their approval and fulfillment lifecycle.
package purchase

import (
	"fmt"
	"time"

	"github.com/partshub/partshub/internal/platform/httpx"
)

// Status is the lifecycle state of a purchase order.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusApproved           Status = "APPROVED"
	StatusRejected           Status = "REJECTED"
	StatusPartiallyFulfilled Status = "PARTIALLY_FULFILLED"
	StatusFulfilled          Status = "FULFILLED"
)

// CanDecide reports whether an approve/reject decision is still possible.
func (s Status) CanDecide() bool {
	return s == StatusPending
}

// Priority orders the central warehouse's processing queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// IsValid reports whether the priority is known.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Item is one requested part on a purchase order.
type Item struct {
	ID           int64   `json:"id"`
	PartID       int64   `json:"partId"`
	PartNumber   string  `json:"partNumber"`
	PartName     string  `json:"partName"`
	RequestedQty int     `json:"requestedQty"`
	ApprovedQty  int     `json:"approvedQty"`
	IssuedQty    int     `json:"issuedQty"`
	UnitPrice    float64 `json:"unitPrice"`
	Total        float64 `json:"total"`
}

// PurchaseOrder is a service center's request for parts from central stock.
type PurchaseOrder struct {
	ID              int64      `json:"id"`
	Number          string     `json:"number"`
	ServiceCenterID int64      `json:"serviceCenterId"`
	RequestedBy     int64      `json:"requestedBy"`
	Priority        Priority   `json:"priority"`
	Status          Status     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	RejectReason    string     `json:"rejectReason,omitempty"`
	ApprovedBy      int64      `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	RejectedBy      int64      `json:"rejectedBy,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	TotalAmount     float64    `json:"totalAmount"`
	Items           []Item     `json:"items"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Recompute refreshes every derived amount from the line items. Stored totals
// are never trusted; this runs after every load and before every save.
func (po *PurchaseOrder) Recompute() {
	po.TotalAmount = 0
	for i := range po.Items {
		po.Items[i].Total = po.Items[i].UnitPrice * float64(po.Items[i].RequestedQty)
		po.TotalAmount += po.Items[i].Total
	}
}

// RemainingApproved returns how many approved units of a part have not been
// issued yet. Zero when the part is not on the order.
func (po *PurchaseOrder) RemainingApproved(partID int64) int {
	for _, item := range po.Items {
		if item.PartID == partID {
			remaining := item.ApprovedQty - item.IssuedQty
			if remaining < 0 {
				return 0
			}
			return remaining
		}
	}
	return 0
}

func errOrderNotFound(id int64) error {
	return fmt.Errorf("purchase order %d: %w", id, httpx.ErrNotFound)
}

func errNotPending(id int64, status Status) error {
	return fmt.Errorf("purchase order %d is %s: %w", id, status, httpx.ErrInvalidTransition)
}

func errStatusChanged(id int64, expected Status) error {
	return fmt.Errorf("purchase order %d is no longer %s: %w", id, expected, httpx.ErrInvalidTransition)
}
