// Package identity resolves the acting user for each request and exposes
// role-based authorization helpers.
package identity

import "errors"

// Role classifies what an actor may do in the supply chain.
type Role string

const (
	// RoleServiceCenter raises purchase orders and receives issues.
	RoleServiceCenter Role = "SERVICE_CENTER"
	// RoleCentralStaff creates and dispatches parts issues from the warehouse.
	RoleCentralStaff Role = "CENTRAL_STAFF"
	// RoleAdmin approves or rejects purchase orders and parts issues.
	RoleAdmin Role = "ADMIN"
)

// IsValid reports whether the role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleServiceCenter, RoleCentralStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanApprove reports whether the role holds approval authority.
func (r Role) CanApprove() bool {
	return r == RoleAdmin
}

// CanDispatch reports whether the role may dispatch stock from the warehouse.
func (r Role) CanDispatch() bool {
	return r == RoleCentralStaff || r == RoleAdmin
}

// Actor describes the authenticated caller.
type Actor struct {
	ID   int64
	Name string
	Role Role
}

// ErrInvalidToken indicates a malformed or unknown API token.
var ErrInvalidToken = errors.New("identity: invalid token")
