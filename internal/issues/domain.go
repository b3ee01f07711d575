// Package issues implements parts issues: the dispatch of approved purchase
// order lines from central stock to a service center.
package issues

import (
	"fmt"
	"time"

	"github.com/partshub/partshub/internal/platform/httpx"
)

// Status is the lifecycle state of a parts issue.
type Status string

const (
	// StatusPending is a draft visible only to warehouse staff.
	StatusPending Status = "PENDING"
	// StatusPendingAdminApproval means the issue was submitted for a decision.
	StatusPendingAdminApproval Status = "PENDING_ADMIN_APPROVAL"
	StatusAdminApproved        Status = "ADMIN_APPROVED"
	StatusAdminRejected        Status = "ADMIN_REJECTED"
	// StatusIssued means stock has left the warehouse.
	StatusIssued    Status = "ISSUED"
	StatusReceived  Status = "RECEIVED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAdminRejected, StatusReceived, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions lists the legal next states per status. Cancellation is handled
// separately since it applies to every non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:              {StatusPendingAdminApproval},
	StatusPendingAdminApproval: {StatusAdminApproved, StatusAdminRejected},
	StatusAdminApproved:        {StatusIssued},
	StatusIssued:               {StatusReceived},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if next == StatusCancelled {
		return !s.Terminal()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Item is one part line on an issue.
type Item struct {
	ID          int64   `json:"id"`
	PartID      int64   `json:"partId"`
	PartNumber  string  `json:"partNumber"`
	PartName    string  `json:"partName"`
	Quantity    int     `json:"quantity"`
	ApprovedQty int     `json:"approvedQty"`
	ReceivedQty int     `json:"receivedQty"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

// PartsIssue moves parts out of central stock to a service center, usually
// against approved purchase order lines. PurchaseOrderID is zero for an
// unlinked issue.
type PartsIssue struct {
	ID              int64      `json:"id"`
	Number          string     `json:"number"`
	PurchaseOrderID int64      `json:"purchaseOrderId,omitempty"`
	ServiceCenterID int64      `json:"serviceCenterId"`
	Status          Status     `json:"status"`
	Notes           string     `json:"notes,omitempty"`
	RejectReason    string     `json:"rejectReason,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	ApprovedBy      int64      `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	DispatchedBy    int64      `json:"dispatchedBy,omitempty"`
	DispatchedAt    *time.Time `json:"dispatchedAt,omitempty"`
	ReceivedBy      int64      `json:"receivedBy,omitempty"`
	ReceivedAt      *time.Time `json:"receivedAt,omitempty"`
	TotalAmount     float64    `json:"totalAmount"`
	Items           []Item     `json:"items"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Recompute refreshes derived amounts from the line items. Line totals follow
// the quantity that currently matters: approved when a decision was taken,
// requested before that.
func (pi *PartsIssue) Recompute() {
	pi.TotalAmount = 0
	for i := range pi.Items {
		qty := pi.Items[i].Quantity
		if pi.Items[i].ApprovedQty > 0 || pi.decided() {
			qty = pi.Items[i].ApprovedQty
		}
		pi.Items[i].Total = pi.Items[i].UnitPrice * float64(qty)
		pi.TotalAmount += pi.Items[i].Total
	}
}

func (pi *PartsIssue) decided() bool {
	switch pi.Status {
	case StatusAdminApproved, StatusIssued, StatusReceived:
		return true
	default:
		return false
	}
}

// DispatchLines returns the approved quantities to debit from stock.
func (pi *PartsIssue) DispatchLines() []Line {
	var lines []Line
	for _, item := range pi.Items {
		if item.ApprovedQty > 0 {
			lines = append(lines, Line{PartID: item.PartID, Quantity: item.ApprovedQty})
		}
	}
	return lines
}

// Line is a part and quantity pair.
type Line struct {
	PartID   int64
	Quantity int
}

func errIssueNotFound(id int64) error {
	return fmt.Errorf("parts issue %d: %w", id, httpx.ErrNotFound)
}

func errTransition(id int64, from, to Status) error {
	return fmt.Errorf("parts issue %d cannot move from %s to %s: %w", id, from, to, httpx.ErrInvalidTransition)
}
