package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/partshub/partshub/internal/catalog"
	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/issues"
	"github.com/partshub/partshub/internal/observability"
	"github.com/partshub/partshub/internal/platform/httpx"
	"github.com/partshub/partshub/internal/purchase"
	"github.com/partshub/partshub/internal/stock"
	"github.com/partshub/partshub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Identity        identity.Middleware
	CatalogHandler  *catalog.Handler
	StockHandler    *stock.Handler
	PurchaseHandler *purchase.Handler
	IssueHandler    *issues.Handler
	JobsClient      *jobs.Client
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router serving the JSON API.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(params.Identity.Authenticate)
		params.CatalogHandler.Mount(api)
		params.StockHandler.Mount(api)
		params.PurchaseHandler.Mount(api)
		params.IssueHandler.Mount(api)

		if params.JobsClient != nil {
			adminOnly := params.Identity.RequireRole(identity.RoleAdmin)
			api.With(adminOnly).Post("/stock/scan", func(w http.ResponseWriter, r *http.Request) {
				info, err := params.JobsClient.EnqueueLowStockScan(r.Context(), jobs.LowStockScanPayload{})
				if err != nil {
					params.Logger.Error("enqueue low stock scan", slog.Any("error", err))
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
					return
				}
				httpx.JSON(w, http.StatusAccepted, map[string]string{"taskId": info.ID})
			})
		}
	})

	return r
}
