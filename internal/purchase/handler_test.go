package purchase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/partshub/partshub/internal/identity"
)

func listOrders(t *testing.T, h *Handler, actor identity.Actor, query string) []PurchaseOrder {
	t.Helper()
	r := chi.NewRouter()
	h.Mount(r)
	req := httptest.NewRequest(http.MethodGet, "/purchase-orders"+query, nil)
	req = req.WithContext(identity.ContextWithActor(req.Context(), actor))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Data []PurchaseOrder `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Data
}

func TestListFiltersByServiceCenterParam(t *testing.T) {
	svc, _, _ := newFixture()
	other := identity.Actor{ID: 99, Role: identity.RoleServiceCenter}
	createOrder(t, svc)
	_, err := svc.Create(context.Background(), other, CreateInput{Items: []CreateItem{{PartID: 1, Quantity: 1}}})
	require.NoError(t, err)

	h := NewHandler(svc, nil)

	all := listOrders(t, h, admin, "")
	require.Len(t, all, 2)

	scoped := listOrders(t, h, admin, "?service_center_id=99")
	require.Len(t, scoped, 1)
	require.Equal(t, other.ID, scoped[0].ServiceCenterID)

	// Service centers are pinned to their own orders whatever they ask for.
	own := listOrders(t, h, center, "?service_center_id=99")
	require.Len(t, own, 1)
	require.Equal(t, center.ID, own[0].ServiceCenterID)
}
