package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/gateway"
	"permagate/internal/handlers"
	"permagate/internal/middleware"
	"permagate/internal/pricing"
	"permagate/internal/queue"
	"permagate/internal/settlement"
	"permagate/internal/x402"
)

// PaymentServer is the credit ledger and x402 settlement service.
type PaymentServer struct {
	app      *fiber.App
	config   *config.Config
	log      *slog.Logger
	database *db.DB
	pricer   *pricing.Service
	engine   *x402.Engine
	worker   *settlement.Worker
}

// NewPayment builds the payment service: database, pricing, x402 engine,
// background workers and HTTP app.
func NewPayment(ctx context.Context, cfg *config.Config, log *slog.Logger) (*PaymentServer, error) {
	if log == nil {
		log = slog.Default()
	}

	database, err := db.New(cfg.PaymentDB.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to payment database: %w", err)
	}
	if err := database.Migrate(ctx, db.PaymentMigrations); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run payment migrations: %w", err)
	}

	gw := gateway.New(gateway.Config{
		URL:        cfg.Gateway.URL,
		MirrorURLs: cfg.Gateway.MirrorURLs,
		Timeout:    cfg.Gateway.Timeout,
	})
	oracle := pricing.NewOracle(cfg.Pricing.OracleURL, cfg.Pricing.CacheTTL)
	pricer := pricing.New(gw, oracle, pricing.Config{
		BufferPercent:     cfg.X402.PricingBufferPercent,
		SubsidyPercent:    cfg.Pricing.SubsidyPercent,
		MinimumUSDCAmount: cfg.X402.MinimumUSDCAmount,
		FreeUploadLimit:   cfg.Upload.FreeUploadLimit,
	})

	engine := x402.New(database, pricer, cfg.X402)
	worker := settlement.New(cfg, database, queue.New(database.Pool()), engine, pricer, log)

	if len(cfg.EnabledNetworks()) == 0 {
		log.Warn("x402 payments disabled: no networks enabled",
			"environment", cfg.Environment)
	}

	app := newApp(cfg, "Permagate Payment Service", false)

	s := &PaymentServer{
		app:      app,
		config:   cfg,
		log:      log,
		database: database,
		pricer:   pricer,
		engine:   engine,
		worker:   worker,
	}
	s.setupRoutes()

	return s, nil
}

// setupRoutes wires the handlers. Ledger mutations sit behind the shared
// internal secret; the x402 routes stay public.
func (s *PaymentServer) setupRoutes() {
	auth := middleware.NewInternalAuth(s.config.Payment.InternalSecret)

	handlers.NewHealthHandler(s.database, nil, s.config).RegisterRoutes(s.app)
	handlers.NewDocsHandler().RegisterRoutes(s.app)
	handlers.NewBalanceHandler(s.config, s.database, s.pricer, auth, s.log).RegisterRoutes(s.app)
	handlers.NewX402Handler(s.config, s.database, s.engine, s.log).RegisterRoutes(s.app)
	registerNotFound(s.app)
}

// Start launches the background workers and serves HTTP. It blocks until
// the listener stops.
func (s *PaymentServer) Start(ctx context.Context) error {
	s.worker.Start(ctx)

	addr := listenAddr(s.config)
	s.log.Info("starting payment service", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains HTTP first, then stops the workers and closes the
// database.
func (s *PaymentServer) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down payment service")

	err := s.app.ShutdownWithContext(ctx)

	s.worker.Stop()
	s.database.Close()

	return err
}
