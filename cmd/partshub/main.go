package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/partshub/partshub/internal/app"
	"github.com/partshub/partshub/internal/approval"
	"github.com/partshub/partshub/internal/catalog"
	"github.com/partshub/partshub/internal/identity"
	"github.com/partshub/partshub/internal/issues"
	"github.com/partshub/partshub/internal/observability"
	"github.com/partshub/partshub/internal/platform/db"
	"github.com/partshub/partshub/internal/purchase"
	"github.com/partshub/partshub/internal/shared"
	"github.com/partshub/partshub/internal/stock"
	"github.com/partshub/partshub/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	approvalRecorder := approval.NewRecorder(pool)

	identityRepo := identity.NewRepository(pool)
	identityMW := identity.Middleware{Resolver: identityRepo, Logger: logger}
	warehouseGuard := identityMW.RequireRole(identity.RoleCentralStaff, identity.RoleAdmin)

	catalogRepo := catalog.NewRepository(pool)
	catalogHandler := catalog.NewHandler(catalogRepo)

	stockRepo := stock.NewRepository(pool)
	ledger := stock.NewLedger(stockRepo, logger, metrics)
	overviewCache := stock.NewOverviewCache(ledger, redisClient, cfg.OverviewCacheTTL)
	stockHandler := stock.NewHandler(ledger, overviewCache, warehouseGuard)

	purchaseRepo := purchase.NewRepository(pool)
	purchaseService := purchase.NewService(purchaseRepo, catalogRepo, approvalRecorder, auditLogger, logger, metrics)
	purchaseHandler := purchase.NewHandler(purchaseService, approvalRecorder)

	issueRepo := issues.NewRepository(pool)
	issueService := issues.NewService(issueRepo, purchaseService, catalogRepo, ledger, idempotencyStore, approvalRecorder, auditLogger, logger, metrics)
	issueHandler := issues.NewHandler(issueService, approvalRecorder)

	jobsClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Identity:        identityMW,
		CatalogHandler:  catalogHandler,
		StockHandler:    stockHandler,
		PurchaseHandler: purchaseHandler,
		IssueHandler:    issueHandler,
		JobsClient:      jobsClient,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
	logger.Info("server stopped")
}
