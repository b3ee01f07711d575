// Package approval holds the authority rules for supply chain decisions and
// the durable record of every decision taken.
package approval

import (
	"fmt"

	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/platform/httpx"
)

// Action is a decision point that requires authority.
type Action string

const (
	ActionApprovePurchaseOrder Action = "purchase_order.approve"
	ActionRejectPurchaseOrder  Action = "purchase_order.reject"
	ActionApproveIssue         Action = "parts_issue.approve"
	ActionRejectIssue          Action = "parts_issue.reject"
	ActionDispatchIssue        Action = "parts_issue.dispatch"
	ActionReceiveIssue         Action = "parts_issue.receive"
	ActionCancelIssue          Action = "parts_issue.cancel"
	ActionCreatePurchaseOrder  Action = "purchase_order.create"
	ActionCreateIssue          Action = "parts_issue.create"
	ActionAdjustStock          Action = "stock.adjust"
)

// allowed maps each action to the roles holding that authority.
var allowed = map[Action][]identity.Role{
	ActionApprovePurchaseOrder: {identity.RoleAdmin},
	ActionRejectPurchaseOrder:  {identity.RoleAdmin},
	ActionApproveIssue:         {identity.RoleAdmin},
	ActionRejectIssue:          {identity.RoleAdmin},
	ActionDispatchIssue:        {identity.RoleCentralStaff, identity.RoleAdmin},
	ActionReceiveIssue:         {identity.RoleServiceCenter, identity.RoleAdmin},
	ActionCancelIssue:          {identity.RoleCentralStaff, identity.RoleAdmin},
	ActionCreatePurchaseOrder:  {identity.RoleServiceCenter, identity.RoleAdmin},
	ActionCreateIssue:          {identity.RoleCentralStaff, identity.RoleAdmin},
	ActionAdjustStock:          {identity.RoleCentralStaff, identity.RoleAdmin},
}

// Authorize returns nil when the actor's role carries authority for the
// action, and a forbidden error otherwise.
func Authorize(actor identity.Actor, action Action) error {
	for _, role := range allowed[action] {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("role %s cannot perform %s: %w", actor.Role, action, httpx.ErrForbidden)
}
