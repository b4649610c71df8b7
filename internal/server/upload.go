package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"permagate/internal/arweave"
	"permagate/internal/bundler"
	"permagate/internal/cache"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/fsbackup"
	"permagate/internal/gateway"
	"permagate/internal/handlers"
	"permagate/internal/kms"
	"permagate/internal/objectstore"
	"permagate/internal/payclient"
	"permagate/internal/queue"
)

// UploadServer is the data item ingress and bundling service.
type UploadServer struct {
	app      *fiber.App
	config   *config.Config
	log      *slog.Logger
	database *db.DB
	store    objectstore.Store
	cache    *cache.Cache
	engine   *bundler.Engine
	payment  *payclient.Client
}

// NewUpload builds the upload service: database, object store, bundler
// engine and HTTP app. Migrations run before anything else touches the
// schema.
func NewUpload(ctx context.Context, cfg *config.Config, log *slog.Logger) (*UploadServer, error) {
	if log == nil {
		log = slog.Default()
	}

	database, err := db.New(cfg.UploadDB.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to upload database: %w", err)
	}
	if err := database.Migrate(ctx, db.UploadMigrations); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run upload migrations: %w", err)
	}

	store, err := objectstore.NewS3(ctx, objectstore.S3Config{
		Bucket:          cfg.ObjectStore.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        cfg.ObjectStore.Endpoint,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretKey,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}

	backup, err := fsbackup.New(fsbackup.Config{
		Enabled:   cfg.FSBackup.Enabled,
		Dir:       cfg.FSBackup.Dir,
		Retention: cfg.FSBackup.Retention,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create filesystem backup: %w", err)
	}

	var itemCache *cache.Cache
	if cfg.Cache.Enabled {
		itemCache, err = cache.New(cache.Config{
			Dir:         cfg.Cache.Dir,
			MaxItemSize: cfg.Cache.MaxItemSize,
			TTL:         cfg.Cache.TTL,
		})
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
	}

	serviceWallet, err := loadWallet(ctx, cfg)
	if err != nil {
		database.Close()
		return nil, err
	}
	log.Info("service wallet loaded", "address", serviceWallet.Address())

	payment := payclient.New(cfg.Payment)
	engine := bundler.New(bundler.Deps{
		Config:  cfg,
		DB:      database,
		Queue:   queue.New(database.Pool()),
		Store:   store,
		Backup:  backup,
		Cache:   itemCache,
		Gateway: gateway.New(gateway.Config{
			URL:        cfg.Gateway.URL,
			MirrorURLs: cfg.Gateway.MirrorURLs,
			Timeout:    cfg.Gateway.Timeout,
		}),
		Wallet:  serviceWallet,
		Payment: payment,
		Logger:  log,
	})

	app := newApp(cfg, "Permagate Upload Service", true)

	s := &UploadServer{
		app:      app,
		config:   cfg,
		log:      log,
		database: database,
		store:    store,
		cache:    itemCache,
		engine:   engine,
		payment:  payment,
	}
	s.setupRoutes()

	return s, nil
}

// setupRoutes wires the handlers. The multipart handler registers before
// the upload handler so its literal routes win over POST /v1/tx/:token.
func (s *UploadServer) setupRoutes() {
	handlers.NewHealthHandler(s.database, s.store, s.config).RegisterRoutes(s.app)
	handlers.NewDocsHandler().RegisterRoutes(s.app)
	handlers.NewPriceHandler(s.config, s.payment, s.log).RegisterRoutes(s.app)
	handlers.NewMultipartHandler(s.config, s.database, s.store, s.engine, s.log).RegisterRoutes(s.app)
	handlers.NewUploadHandler(s.config, s.engine, s.log).RegisterRoutes(s.app)
	handlers.NewStatusHandler(s.database, s.log).RegisterRoutes(s.app)
	registerNotFound(s.app)
}

// Start launches the pipeline workers and serves HTTP. It blocks until the
// listener stops.
func (s *UploadServer) Start(ctx context.Context) error {
	s.engine.Start(ctx)

	addr := listenAddr(s.config)
	s.log.Info("starting upload service", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains HTTP first so no new work arrives, then stops the
// workers and closes storage.
func (s *UploadServer) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down upload service")

	err := s.app.ShutdownWithContext(ctx)

	s.engine.Stop()
	if s.cache != nil {
		if cerr := s.cache.Close(); cerr != nil {
			s.log.Error("error closing cache", "error", cerr)
		}
	}
	s.database.Close()

	return err
}

// loadWallet resolves the service's Arweave wallet from whichever source
// is configured. KMS ciphertext is decrypted in memory only.
func loadWallet(ctx context.Context, cfg *config.Config) (*arweave.Wallet, error) {
	switch {
	case cfg.Wallet.JWK != "":
		w, err := arweave.LoadWallet([]byte(cfg.Wallet.JWK))
		if err != nil {
			return nil, fmt.Errorf("failed to parse WALLET_JWK: %w", err)
		}
		return w, nil

	case cfg.Wallet.File != "":
		w, err := arweave.LoadWalletFile(cfg.Wallet.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load wallet file: %w", err)
		}
		return w, nil

	case cfg.Wallet.EncryptedJWK != "":
		kmsClient, err := kms.New(ctx, kms.Config{
			Region: cfg.KMS.Region,
			KeyID:  cfg.KMS.KeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize KMS client: %w", err)
		}
		raw, err := kmsClient.Decrypt(ctx, cfg.Wallet.EncryptedJWK)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt wallet: %w", err)
		}
		w, err := arweave.LoadWallet(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse decrypted wallet: %w", err)
		}
		return w, nil
	}

	return nil, fmt.Errorf("no wallet configured: set WALLET_FILE, WALLET_JWK or WALLET_JWK_ENCRYPTED")
}
