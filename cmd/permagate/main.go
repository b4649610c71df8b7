package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "permagate/docs"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// service is the common shape of the two servers.
type service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "permagate",
		Short: "Permagate - permanent storage bundler gateway",
		Long: `Permagate accepts signed data items over HTTP, charges for them in
winston credits or USDC over x402, packs them into ANS-104 bundles and
posts the bundles to Arweave, following each one until it is verifiably
permanent.

The gateway runs as two services:

  permagate upload      Data item ingress and the bundling pipeline
  permagate payment     Credit ledger and x402 settlement

Both read the same environment configuration and an optional YAML overlay
named by PERMAGATE_CONFIG.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Run the upload service",
		Long: `Run the data item ingress and bundling service.

Serves the /v1/tx upload surface, stores raw data items in the object
store with the filesystem mirror and hot cache, and drives the bundle
pipeline: plan, prepare, post, seed, verify.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(func(ctx context.Context, cfg *config.Config, log *slog.Logger) (service, error) {
				return server.NewUpload(ctx, cfg, log)
			})
		},
	}

	paymentCmd := &cobra.Command{
		Use:   "payment",
		Short: "Run the payment service",
		Long: `Run the credit ledger and x402 settlement service.

Serves balances, reservations and the x402 quote/payment/finalize
surface, and runs the reservation sweeper, the pending transaction
poller and the admin credit applier.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(func(ctx context.Context, cfg *config.Config, log *slog.Logger) (service, error) {
				return server.NewPayment(ctx, cfg, log)
			})
		},
	}

	migrateCmd := &cobra.Command{
		Use:       "migrate [upload|payment|all]",
		Short:     "Run database migrations and exit",
		Long:      `Apply pending schema migrations for one or both databases, then exit.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"upload", "payment", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}
			return runMigrations(cmd.Context(), target)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("permagate %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}

	rootCmd.AddCommand(uploadCmd, paymentCmd, migrateCmd, versionCmd)
	return rootCmd
}

// runService loads config, builds the service and serves until SIGINT or
// SIGTERM, then shuts down within the configured timeout.
func runService(build func(ctx context.Context, cfg *config.Config, log *slog.Logger) (service, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info("signal received, shutting down", "signal", sig.String())
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// runMigrations applies schema migrations without starting a service.
func runMigrations(ctx context.Context, target string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	type schema struct {
		dsn string
		set db.MigrationSet
	}
	var schemas []schema
	switch target {
	case "upload":
		schemas = []schema{{cfg.UploadDB.DSN(), db.UploadMigrations}}
	case "payment":
		schemas = []schema{{cfg.PaymentDB.DSN(), db.PaymentMigrations}}
	case "all":
		schemas = []schema{
			{cfg.UploadDB.DSN(), db.UploadMigrations},
			{cfg.PaymentDB.DSN(), db.PaymentMigrations},
		}
	default:
		return fmt.Errorf("unknown migration target %q", target)
	}

	for _, s := range schemas {
		database, err := db.New(s.dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to %s database: %w", s.set.Name, err)
		}
		err = database.Migrate(ctx, s.set)
		database.Close()
		if err != nil {
			return fmt.Errorf("failed to migrate %s database: %w", s.set.Name, err)
		}
		slog.Info("migrations applied", "set", s.set.Name)
	}
	return nil
}

// newLogger builds the process logger: JSON in production for aggregators,
// text with debug level in development.
func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
