package approval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/platform/httpx"
)

func TestAuthorize(t *testing.T) {
	admin := identity.Actor{ID: 1, Role: identity.RoleAdmin}
	staff := identity.Actor{ID: 2, Role: identity.RoleCentralStaff}
	center := identity.Actor{ID: 3, Role: identity.RoleServiceCenter}

	require.NoError(t, Authorize(admin, ActionApprovePurchaseOrder))
	require.NoError(t, Authorize(admin, ActionDispatchIssue))
	require.NoError(t, Authorize(staff, ActionDispatchIssue))
	require.NoError(t, Authorize(center, ActionCreatePurchaseOrder))
	require.NoError(t, Authorize(center, ActionReceiveIssue))

	require.ErrorIs(t, Authorize(staff, ActionApproveIssue), httpx.ErrForbidden)
	require.ErrorIs(t, Authorize(center, ActionDispatchIssue), httpx.ErrForbidden)
	require.ErrorIs(t, Authorize(center, ActionAdjustStock), httpx.ErrForbidden)
}

func TestAuthorizeUnknownAction(t *testing.T) {
	err := Authorize(identity.Actor{Role: identity.RoleAdmin}, Action("made.up"))
	require.ErrorIs(t, err, httpx.ErrForbidden)
}
