package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the runtime environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all service configuration. Both services load the same
// struct; each reads the sections it needs.
type Config struct {
	Environment Environment
	Server      ServerConfig
	UploadDB    DatabaseConfig
	PaymentDB   DatabaseConfig
	ObjectStore ObjectStoreConfig
	FSBackup    FSBackupConfig
	Cache       CacheConfig
	Gateway     GatewayConfig
	Wallet      WalletConfig
	KMS         KMSConfig
	Upload      UploadConfig
	Bundling    BundlingConfig
	Optical     OpticalConfig
	Queue       QueueConfig
	Pricing     PricingConfig
	X402        X402Config
	Payment     PaymentConfig
	Receipt     ReceiptConfig
	RateLimit   RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL configuration for one logical database
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ObjectStoreConfig holds S3-compatible object store configuration.
// Endpoint is empty for AWS S3 proper and set for MinIO.
type ObjectStoreConfig struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKeyID    string
	SecretKey      string
	ForcePathStyle bool
}

// FSBackupConfig holds the best-effort filesystem mirror configuration
type FSBackupConfig struct {
	Enabled   bool
	Dir       string
	Retention time.Duration
}

// CacheConfig holds the hot cache configuration
type CacheConfig struct {
	Enabled     bool
	Dir         string // empty means in-memory
	MaxItemSize int64
	TTL         time.Duration
}

// GatewayConfig holds the chain gateway client configuration
type GatewayConfig struct {
	URL        string
	MirrorURLs []string
	Timeout    time.Duration
}

// WalletConfig holds the service Arweave wallet source. Exactly one of
// File, JWK or EncryptedJWK should be set; EncryptedJWK is base64 KMS
// ciphertext decrypted at boot.
type WalletConfig struct {
	File         string
	JWK          string
	EncryptedJWK string
}

// KMSConfig holds AWS KMS configuration for wallet decryption
type KMSConfig struct {
	Region string
	KeyID  string
}

// UploadConfig holds ingress limits and policies
type UploadConfig struct {
	MaxDataItemSize      int64
	FreeUploadLimit      int64
	AllowListedAddresses []string
	BlockListedAddresses []string
	VerifySignatures     bool
	MultipartChunkSize   int64
	MultipartMinPartSize int64
	MultipartMaxPartSize int64
	MultipartExpiry      time.Duration
	RequestTimeout       time.Duration
}

// BundlingConfig holds packing limits and chain thresholds
type BundlingConfig struct {
	MaxBundleSize           int64
	MaxDataItemsPerBundle   int
	TxPermanentThreshold    int64
	TxConfirmationThreshold int64
	DropBundleTxThreshold   int64
	RePostDataItemThreshold int64
	RetryLimit              int
	PlanInterval            time.Duration
	VerifyInterval          time.Duration
	DedicatedOwners         map[string][]string
}

// OpticalConfig holds optical-bridge forwarding. Each URL receives signed
// data item headers ahead of bundle settlement.
type OpticalConfig struct {
	Enabled bool
	URLs    []string
	Timeout time.Duration
}

// QueueConfig holds durable queue tuning
type QueueConfig struct {
	PollInterval       time.Duration
	InitialErrorDelay  time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
}

// PricingConfig holds oracle and subsidy configuration
type PricingConfig struct {
	OracleURL      string
	CacheTTL       time.Duration
	SubsidyPercent int64
}

// X402NetworkConfig holds one EVM network's payment parameters
type X402NetworkConfig struct {
	Name             string
	Enabled          bool
	RPCURL           string
	ChainID          int64
	USDCAddress      string
	USDCName         string
	USDCVersion      string
	MinConfirmations int
	FacilitatorURL   string
}

// X402Config holds the x402 payment engine configuration
type X402Config struct {
	PayTo                 string
	Networks              []X402NetworkConfig
	PricingBufferPercent  int64
	FraudTolerancePercent int64
	PaymentTimeout        time.Duration
	MinimumUSDCAmount     int64
	ReservationTTL        time.Duration
	CDPAPIKeyID           string
	CDPAPIKeySecret       string
}

// PaymentConfig holds the upload-to-payment internal channel
type PaymentConfig struct {
	BaseURL        string
	InternalSecret string
	Timeout        time.Duration
}

// ReceiptConfig holds signed-receipt parameters
type ReceiptConfig struct {
	DataCaches              []string
	FastFinalityIndexes     []string
	DeadlineHeightIncrement int64
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled       bool
	WindowSeconds int
	MaxRequests   int
}

// Known x402 networks with their canonical USDC deployments. Env vars can
// override any field; unknown networks can be added via <NET>_ENABLED.
var defaultNetworks = []X402NetworkConfig{
	{
		Name:        "base",
		ChainID:     8453,
		RPCURL:      "https://mainnet.base.org",
		USDCAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		USDCName:    "USD Coin",
		USDCVersion: "2",
	},
	{
		Name:        "base-sepolia",
		ChainID:     84532,
		RPCURL:      "https://sepolia.base.org",
		USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		USDCName:    "USDC",
		USDCVersion: "2",
	},
}

// DedicatedBundleFeatures are the premium feature classes that route into
// exclusive bundles.
var DedicatedBundleFeatures = []string{"warp", "redstone-oracle", "first-batch", "ao", "kyve", "ardrive", "ario"}

// Load loads configuration from environment variables, then applies the
// optional YAML overlay named by PERMAGATE_CONFIG.
func Load() (*Config, error) {
	// Default to production for safety - explicit opt-in to development mode
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 120*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:     getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
		},
		UploadDB: DatabaseConfig{
			Host:     getEnv("UPLOAD_DB_HOST", "localhost"),
			Port:     getEnv("UPLOAD_DB_PORT", "5432"),
			User:     getEnv("UPLOAD_DB_USER", "permagate"),
			Password: getEnv("UPLOAD_DB_PASSWORD", ""),
			Name:     getEnv("UPLOAD_DB_NAME", "upload_service"),
			SSLMode:  getEnv("UPLOAD_DB_SSLMODE", "require"),
		},
		PaymentDB: DatabaseConfig{
			Host:     getEnv("PAYMENT_DB_HOST", "localhost"),
			Port:     getEnv("PAYMENT_DB_PORT", "5432"),
			User:     getEnv("PAYMENT_DB_USER", "permagate"),
			Password: getEnv("PAYMENT_DB_PASSWORD", ""),
			Name:     getEnv("PAYMENT_DB_NAME", "payment_service"),
			SSLMode:  getEnv("PAYMENT_DB_SSLMODE", "require"),
		},
		ObjectStore: ObjectStoreConfig{
			Bucket:         getEnv("S3_BUCKET", "raw-data-items"),
			Region:         getEnv("S3_REGION", "us-east-1"),
			Endpoint:       getEnv("S3_ENDPOINT", ""),
			AccessKeyID:    getEnv("S3_ACCESS_KEY_ID", ""),
			SecretKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle: getBool("S3_FORCE_PATH_STYLE", os.Getenv("S3_ENDPOINT") != ""),
		},
		FSBackup: FSBackupConfig{
			Enabled:   getBool("FS_BACKUP_ENABLED", env == EnvDevelopment),
			Dir:       getEnv("FS_BACKUP_DIR", "./data/backup"),
			Retention: getDuration("FS_BACKUP_RETENTION", 7*24*time.Hour),
		},
		Cache: CacheConfig{
			Enabled:     getBool("CACHE_ENABLED", env == EnvDevelopment),
			Dir:         getEnv("CACHE_DIR", ""),
			MaxItemSize: getInt64("CACHE_MAX_ITEM_SIZE", 256*1024),
			TTL:         getDuration("CACHE_TTL", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			URL:        getEnv("GATEWAY_URL", "https://arweave.net"),
			MirrorURLs: getEnvSlice("MIRROR_GATEWAY_URLS", nil),
			Timeout:    getDuration("GATEWAY_TIMEOUT", 30*time.Second),
		},
		Wallet: WalletConfig{
			File:         getEnv("WALLET_FILE", ""),
			JWK:          getEnv("WALLET_JWK", ""),
			EncryptedJWK: getEnv("WALLET_JWK_ENCRYPTED", ""),
		},
		KMS: KMSConfig{
			Region: getEnv("KMS_REGION", ""),
			KeyID:  getEnv("KMS_KEY_ID", ""),
		},
		Upload: UploadConfig{
			MaxDataItemSize:      getInt64("MAX_DATA_ITEM_SIZE", 4*1024*1024*1024),
			FreeUploadLimit:      getInt64("FREE_UPLOAD_LIMIT", 505*1024),
			AllowListedAddresses: getEnvSlice("ALLOW_LISTED_ADDRESSES", nil),
			BlockListedAddresses: getEnvSlice("BLOCKLISTED_ADDRESSES", nil),
			VerifySignatures:     getBool("VERIFY_SIGNATURES", true),
			MultipartChunkSize:   getInt64("MULTIPART_CHUNK_SIZE", 25_000_000),
			MultipartMinPartSize: getInt64("MULTIPART_MIN_PART_SIZE", 5*1024*1024),
			MultipartMaxPartSize: getInt64("MULTIPART_MAX_PART_SIZE", 500*1024*1024),
			MultipartExpiry:      getDuration("MULTIPART_EXPIRY", 48*time.Hour),
			RequestTimeout:       getDuration("UPLOAD_REQUEST_TIMEOUT", 120*time.Second),
		},
		Bundling: BundlingConfig{
			MaxBundleSize:           getInt64("MAX_BUNDLE_SIZE", 2*1024*1024*1024),
			MaxDataItemsPerBundle:   getInt("MAX_DATA_ITEM_LIMIT", 10_000),
			TxPermanentThreshold:    getInt64("TX_PERMANENT_THRESHOLD", 18),
			TxConfirmationThreshold: getInt64("TX_CONFIRMATION_THRESHOLD", 1),
			DropBundleTxThreshold:   getInt64("DROP_BUNDLE_TX_THRESHOLD", 50),
			RePostDataItemThreshold: getInt64("RE_POST_DATA_ITEM_THRESHOLD", 125),
			RetryLimit:              getInt("RETRY_LIMIT_FOR_FAILED_DATA_ITEMS", 10),
			PlanInterval:            getDuration("PLAN_BUNDLE_INTERVAL", 60*time.Second),
			VerifyInterval:          getDuration("VERIFY_BUNDLE_INTERVAL", 60*time.Second),
			DedicatedOwners:         loadDedicatedOwners(),
		},
		Optical: OpticalConfig{
			Enabled: getBool("OPTICAL_BRIDGING_ENABLED", false),
			URLs:    getEnvSlice("OPTICAL_BRIDGE_URLS", nil),
			Timeout: getDuration("OPTICAL_BRIDGE_TIMEOUT", 10*time.Second),
		},
		Queue: QueueConfig{
			PollInterval:       getDuration("QUEUE_POLL_INTERVAL", time.Second),
			InitialErrorDelay:  getDuration("INITIAL_ERROR_DELAY", 500*time.Millisecond),
			CompletedRetention: getDuration("COMPLETED_JOB_RETENTION", 7*24*time.Hour),
			FailedRetention:    getDuration("FAILED_JOB_RETENTION", 14*24*time.Hour),
		},
		Pricing: PricingConfig{
			OracleURL:      getEnv("PRICE_ORACLE_URL", "https://api.coingecko.com/api/v3/simple/price?ids=arweave&vs_currencies=usd"),
			CacheTTL:       getDuration("PRICE_CACHE_TTL", 5*time.Minute),
			SubsidyPercent: getInt64("SUBSIDY_PERCENT", 0),
		},
		X402: X402Config{
			PayTo:                 getEnv("X402_WALLET_ADDRESS", ""),
			Networks:              loadNetworks(),
			PricingBufferPercent:  getInt64("X402_PRICING_BUFFER_PERCENT", 15),
			FraudTolerancePercent: getInt64("X402_FRAUD_TOLERANCE_PERCENT", 5),
			PaymentTimeout:        getDuration("X402_PAYMENT_TIMEOUT_MS", 300*time.Second),
			MinimumUSDCAmount:     getInt64("X402_MINIMUM_USDC_AMOUNT", 1000),
			ReservationTTL:        getDuration("X402_RESERVATION_TTL", time.Hour),
			CDPAPIKeyID:           getEnv("CDP_API_KEY_ID", ""),
			CDPAPIKeySecret:       getEnv("CDP_API_KEY_SECRET", ""),
		},
		Payment: PaymentConfig{
			BaseURL:        getEnv("PAYMENT_SERVICE_BASE_URL", "http://localhost:8081"),
			InternalSecret: getEnv("INTERNAL_API_SECRET", ""),
			Timeout:        getDuration("PAYMENT_SERVICE_TIMEOUT", 30*time.Second),
		},
		Receipt: ReceiptConfig{
			DataCaches:              getEnvSlice("DATA_CACHES", []string{"arweave.net"}),
			FastFinalityIndexes:     getEnvSlice("FAST_FINALITY_INDEXES", []string{"arweave.net"}),
			DeadlineHeightIncrement: getInt64("DEADLINE_HEIGHT_INCREMENT", 200),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getBool("RATE_LIMIT_ENABLED", true),
			WindowSeconds: getInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			MaxRequests:   getInt("RATE_LIMIT_MAX_REQUESTS", 600),
		},
	}

	if path := os.Getenv("PERMAGATE_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func loadNetworks() []X402NetworkConfig {
	networks := make([]X402NetworkConfig, 0, len(defaultNetworks))
	for _, def := range defaultNetworks {
		prefix := strings.ToUpper(strings.ReplaceAll(def.Name, "-", "_"))
		networks = append(networks, X402NetworkConfig{
			Name:             def.Name,
			Enabled:          getBool(prefix+"_ENABLED", false),
			RPCURL:           getEnv(prefix+"_RPC_URL", def.RPCURL),
			ChainID:          getInt64(prefix+"_CHAIN_ID", def.ChainID),
			USDCAddress:      getEnv(prefix+"_USDC_ADDRESS", def.USDCAddress),
			USDCName:         getEnv(prefix+"_USDC_NAME", def.USDCName),
			USDCVersion:      getEnv(prefix+"_USDC_VERSION", def.USDCVersion),
			MinConfirmations: getInt(prefix+"_MIN_CONFIRMATIONS", 1),
			FacilitatorURL:   getEnv(prefix+"_FACILITATOR_URL", ""),
		})
	}
	return networks
}

func loadDedicatedOwners() map[string][]string {
	owners := make(map[string][]string)
	for _, feature := range DedicatedBundleFeatures {
		prefix := strings.ToUpper(strings.ReplaceAll(feature, "-", "_"))
		if addrs := getEnvSlice("DEDICATED_"+prefix+"_ADDRESSES", nil); len(addrs) > 0 {
			owners[feature] = addrs
		}
	}
	return owners
}

// EnabledNetworks returns the x402 networks accepting payment.
func (c *Config) EnabledNetworks() []X402NetworkConfig {
	var out []X402NetworkConfig
	for _, n := range c.X402.Networks {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

// Network returns the named x402 network config, enabled or not.
func (c *Config) Network(name string) (X402NetworkConfig, bool) {
	for _, n := range c.X402.Networks {
		if n.Name == name {
			return n, true
		}
	}
	return X402NetworkConfig{}, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Millisecond env values like X402_PAYMENT_TIMEOUT_MS arrive as
		// bare integers.
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}

// Validate checks that all required configuration is present.
// In production, missing critical values will return an error.
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == EnvProduction {
		if c.UploadDB.Password == "" && c.PaymentDB.Password == "" {
			errs = append(errs, "UPLOAD_DB_PASSWORD or PAYMENT_DB_PASSWORD is required in production")
		}
		if c.Payment.InternalSecret == "" {
			errs = append(errs, "INTERNAL_API_SECRET is required in production")
		} else if len(c.Payment.InternalSecret) < 32 {
			errs = append(errs, "INTERNAL_API_SECRET must be at least 32 characters in production")
		}
		if c.Wallet.File == "" && c.Wallet.JWK == "" && c.Wallet.EncryptedJWK == "" {
			errs = append(errs, "one of WALLET_FILE, WALLET_JWK or WALLET_JWK_ENCRYPTED is required in production")
		}
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, "S3_BUCKET is required in production")
		}
	}

	if c.Wallet.EncryptedJWK != "" && (c.KMS.Region == "" || c.KMS.KeyID == "") {
		errs = append(errs, "KMS_REGION and KMS_KEY_ID are required when WALLET_JWK_ENCRYPTED is set")
	}

	if c.X402.PricingBufferPercent < 0 {
		errs = append(errs, "X402_PRICING_BUFFER_PERCENT cannot be negative")
	}
	if c.X402.FraudTolerancePercent < 0 || c.X402.FraudTolerancePercent > 100 {
		errs = append(errs, "X402_FRAUD_TOLERANCE_PERCENT must be between 0 and 100")
	}
	if len(c.EnabledNetworks()) > 0 && c.X402.PayTo == "" {
		errs = append(errs, "X402_WALLET_ADDRESS is required when a payment network is enabled")
	}

	if c.Bundling.MaxBundleSize <= 0 || c.Bundling.MaxDataItemsPerBundle <= 0 {
		errs = append(errs, "MAX_BUNDLE_SIZE and MAX_DATA_ITEM_LIMIT must be positive")
	}
	if c.Upload.FreeUploadLimit < 0 {
		errs = append(errs, "FREE_UPLOAD_LIMIT cannot be negative")
	}
	if c.Upload.MultipartMinPartSize > c.Upload.MultipartMaxPartSize {
		errs = append(errs, "MULTIPART_MIN_PART_SIZE cannot exceed MULTIPART_MAX_PART_SIZE")
	}
	if c.Optical.Enabled && len(c.Optical.URLs) == 0 {
		errs = append(errs, "OPTICAL_BRIDGE_URLS is required when OPTICAL_BRIDGING_ENABLED is set")
	}

	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" && c.Environment == EnvProduction {
			errs = append(errs, "ALLOWED_ORIGINS cannot contain wildcard '*' in production")
			break
		}
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// DSN builds a pgx connection string for one database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}
