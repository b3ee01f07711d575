// Package upstream translates between the canonical status vocabulary and the
// one used by the dealer management system this service syncs with. Amounts
// on inbound payloads are never trusted; they are recomputed from the lines.
package upstream

import (
	"fmt"

	"github.com/partshub/partshub/internal/issues"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/purchase"
)

var orderStatusOut = map[purchase.Status]string{
	purchase.StatusPending:            "PENDING",
	purchase.StatusApproved:           "APPROVED",
	purchase.StatusRejected:           "REJECTED",
	purchase.StatusPartiallyFulfilled: "PARTIAL",
	purchase.StatusFulfilled:          "COMPLETED",
}

var issueStatusOut = map[issues.Status]string{
	issues.StatusPending:              "DRAFT",
	issues.StatusPendingAdminApproval: "PENDING_APPROVAL",
	issues.StatusAdminApproved:        "APPROVED",
	issues.StatusAdminRejected:        "REJECTED",
	issues.StatusIssued:               "DISPATCHED",
	issues.StatusReceived:             "COMPLETED",
	issues.StatusCancelled:            "CANCELLED",
}

var orderStatusIn = invert(orderStatusOut)
var issueStatusIn = invert(issueStatusOut)

func invert[K comparable](m map[K]string) map[string]K {
	out := make(map[string]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func errUnmapped(kind, value string) error {
	return fmt.Errorf("unmapped upstream %s status %q: %w", kind, value, httpx.ErrValidation)
}

// OrderStatus translates a canonical purchase order status outbound.
func OrderStatus(s purchase.Status) (string, error) {
	v, ok := orderStatusOut[s]
	if !ok {
		return "", fmt.Errorf("unknown purchase order status %q: %w", s, httpx.ErrValidation)
	}
	return v, nil
}

// IssueStatus translates a canonical parts issue status outbound.
func IssueStatus(s issues.Status) (string, error) {
	v, ok := issueStatusOut[s]
	if !ok {
		return "", fmt.Errorf("unknown parts issue status %q: %w", s, httpx.ErrValidation)
	}
	return v, nil
}

// OrderPayload is a purchase order in the partner's wire format.
type OrderPayload struct {
	Number          string        `json:"number"`
	Status          string        `json:"status"`
	ServiceCenterID int64         `json:"serviceCenterId"`
	Notes           string        `json:"notes,omitempty"`
	TotalAmount     float64       `json:"totalAmount"`
	Items           []ItemPayload `json:"items"`
}

// ItemPayload is one order or issue line in the partner's wire format.
type ItemPayload struct {
	PartID       int64   `json:"partId"`
	RequestedQty int     `json:"requestedQty"`
	ApprovedQty  int     `json:"approvedQty"`
	IssuedQty    int     `json:"issuedQty"`
	UnitPrice    float64 `json:"unitPrice"`
	Total        float64 `json:"total"`
}

// EncodeOrder renders a purchase order in the partner vocabulary.
func EncodeOrder(po purchase.PurchaseOrder) (OrderPayload, error) {
	status, err := OrderStatus(po.Status)
	if err != nil {
		return OrderPayload{}, err
	}
	po.Recompute()
	payload := OrderPayload{
		Number:          po.Number,
		Status:          status,
		ServiceCenterID: po.ServiceCenterID,
		Notes:           po.Notes,
		TotalAmount:     po.TotalAmount,
	}
	for _, item := range po.Items {
		payload.Items = append(payload.Items, ItemPayload{
			PartID:       item.PartID,
			RequestedQty: item.RequestedQty,
			ApprovedQty:  item.ApprovedQty,
			IssuedQty:    item.IssuedQty,
			UnitPrice:    item.UnitPrice,
			Total:        item.Total,
		})
	}
	return payload, nil
}

// DecodeOrder parses a partner payload into the canonical model. Line and
// order totals in the payload are ignored and recomputed.
func DecodeOrder(p OrderPayload) (purchase.PurchaseOrder, error) {
	status, ok := orderStatusIn[p.Status]
	if !ok {
		return purchase.PurchaseOrder{}, errUnmapped("purchase order", p.Status)
	}
	po := purchase.PurchaseOrder{
		Number:          p.Number,
		Status:          status,
		ServiceCenterID: p.ServiceCenterID,
		Notes:           p.Notes,
	}
	for _, item := range p.Items {
		po.Items = append(po.Items, purchase.Item{
			PartID:       item.PartID,
			RequestedQty: item.RequestedQty,
			ApprovedQty:  item.ApprovedQty,
			IssuedQty:    item.IssuedQty,
			UnitPrice:    item.UnitPrice,
		})
	}
	po.Recompute()
	return po, nil
}

// IssuePayload is a parts issue in the partner's wire format.
type IssuePayload struct {
	Number          string             `json:"number"`
	OrderNumber     string             `json:"orderNumber"`
	Status          string             `json:"status"`
	ServiceCenterID int64              `json:"serviceCenterId"`
	TotalAmount     float64            `json:"totalAmount"`
	Items           []IssueItemPayload `json:"items"`
}

// IssueItemPayload is one issue line in the partner's wire format.
type IssueItemPayload struct {
	PartID      int64   `json:"partId"`
	Quantity    int     `json:"quantity"`
	ApprovedQty int     `json:"approvedQty"`
	ReceivedQty int     `json:"receivedQty"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

// EncodeIssue renders a parts issue in the partner vocabulary.
func EncodeIssue(pi issues.PartsIssue, orderNumber string) (IssuePayload, error) {
	status, err := IssueStatus(pi.Status)
	if err != nil {
		return IssuePayload{}, err
	}
	pi.Recompute()
	payload := IssuePayload{
		Number:          pi.Number,
		OrderNumber:     orderNumber,
		Status:          status,
		ServiceCenterID: pi.ServiceCenterID,
		TotalAmount:     pi.TotalAmount,
	}
	for _, item := range pi.Items {
		payload.Items = append(payload.Items, IssueItemPayload{
			PartID:      item.PartID,
			Quantity:    item.Quantity,
			ApprovedQty: item.ApprovedQty,
			ReceivedQty: item.ReceivedQty,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
		})
	}
	return payload, nil
}

// DecodeIssue parses a partner payload into the canonical model, recomputing
// every amount from the lines.
func DecodeIssue(p IssuePayload) (issues.PartsIssue, error) {
	status, ok := issueStatusIn[p.Status]
	if !ok {
		return issues.PartsIssue{}, errUnmapped("parts issue", p.Status)
	}
	pi := issues.PartsIssue{
		Number:          p.Number,
		Status:          status,
		ServiceCenterID: p.ServiceCenterID,
	}
	for _, item := range p.Items {
		pi.Items = append(pi.Items, issues.Item{
			PartID:      item.PartID,
			Quantity:    item.Quantity,
			ApprovedQty: item.ApprovedQty,
			ReceivedQty: item.ReceivedQty,
			UnitPrice:   item.UnitPrice,
		})
	}
	pi.Recompute()
	return pi, nil
}
