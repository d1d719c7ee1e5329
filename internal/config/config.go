package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	d "github.com/fjod/orderflow/internal/domain"
	"github.com/fjod/orderflow/internal/pricing"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPPort        string
	GRPCHealthPort  string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	MigrationsPath string

	GiftCardDatabaseURL string

	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration

	MongoURI    string
	MongoDBName string

	KafkaBrokers []string

	CatalogDBPath         string
	CatalogMigrationsPath string

	DeliveryAPIURL string
	DeliveryAPIKey string
	PaymentAPIURL  string
	PaymentAPIKey  string
	UseSimulators  bool
	// InMemoryStores replaces Postgres, Redis, MongoDB and Kafka with
	// process-local stores for local runs.
	InMemoryStores bool

	QuoteTimeout   time.Duration
	PaymentTimeout time.Duration
	CommitTimeout  time.Duration
	LedgerTimeout  time.Duration
	CleanupTimeout time.Duration

	Pricing pricing.Config
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		GRPCHealthPort:  getEnv("GRPC_HEALTH_PORT", "50060"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "orderflow"),
		MigrationsPath:  getEnv("MIGRATIONS_PATH", "internal/repository/migrations"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		MongoURI:        getEnv("MONGO_URI", ""),
		MongoDBName:     getEnv("MONGO_DB_NAME", "orderflow"),
		CatalogDBPath:   getEnv("CATALOG_DB_PATH", "catalog.db"),
		DeliveryAPIURL:  getEnv("DELIVERY_API_URL", ""),
		DeliveryAPIKey:  getEnv("DELIVERY_API_KEY", ""),
		PaymentAPIURL:   getEnv("PAYMENT_API_URL", ""),
		PaymentAPIKey:   getEnv("PAYMENT_API_KEY", ""),
		ShutdownTimeout: 10 * time.Second,

		GiftCardDatabaseURL:   getEnv("GIFTCARD_DATABASE_URL", ""),
		CatalogMigrationsPath: getEnv("CATALOG_MIGRATIONS_PATH", "internal/catalog/migrations"),
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.UseSimulators, err = getBool("USE_SIMULATORS", true); err != nil {
		return nil, err
	}
	if cfg.InMemoryStores, err = getBool("IN_MEMORY_STORES", false); err != nil {
		return nil, err
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"REQUEST_TIMEOUT", 60 * time.Second, &cfg.RequestTimeout},
		{"SESSION_TTL", 2 * time.Hour, &cfg.SessionTTL},
		{"QUOTE_TIMEOUT", 10 * time.Second, &cfg.QuoteTimeout},
		{"PAYMENT_TIMEOUT", 15 * time.Second, &cfg.PaymentTimeout},
		{"COMMIT_TIMEOUT", 5 * time.Second, &cfg.CommitTimeout},
		{"LEDGER_TIMEOUT", 5 * time.Second, &cfg.LedgerTimeout},
		{"CLEANUP_TIMEOUT", 5 * time.Second, &cfg.CleanupTimeout},
	}
	for _, dur := range durations {
		if *dur.dest, err = getDuration(dur.key, dur.def); err != nil {
			return nil, err
		}
	}

	def := pricing.DefaultConfig()
	if cfg.Pricing.TaxRate, err = getRate("TAX_RATE", def.TaxRate); err != nil {
		return nil, err
	}
	if cfg.Pricing.ProcessorFeeRate, err = getRate("PROCESSOR_FEE_RATE", def.ProcessorFeeRate); err != nil {
		return nil, err
	}
	if cfg.Pricing.MerchantDeliveryFee, err = getCents("MERCHANT_DELIVERY_FEE_CENTS", def.MerchantDeliveryFee); err != nil {
		return nil, err
	}
	if cfg.Pricing.ProcessorFeeFixed, err = getCents("PROCESSOR_FEE_FIXED_CENTS", def.ProcessorFeeFixed); err != nil {
		return nil, err
	}

	if !cfg.UseSimulators && (cfg.DeliveryAPIURL == "" || cfg.PaymentAPIURL == "") {
		return nil, fmt.Errorf("DELIVERY_API_URL and PAYMENT_API_URL are required when USE_SIMULATORS=false")
	}
	if _, err := strconv.Atoi(cfg.DBPort); err != nil {
		return nil, fmt.Errorf("invalid DB_PORT %q: %w", cfg.DBPort, err)
	}
	if budget := cfg.CompleteBudget(); cfg.RequestTimeout < budget {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT %s: completing a checkout may take up to %s", cfg.RequestTimeout, budget)
	}
	return cfg, nil
}

// OrdersDSN is the Postgres URL for the orders database, built from the DB_*
// keys.
func (c *Config) OrdersDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// CompleteBudget is the longest a Complete call can spend on providers: a
// quote refresh and the acceptance, intent creation and confirmation, and a
// commit preceded by a lookup of an earlier attempt.
func (c *Config) CompleteBudget() time.Duration {
	return 2*c.QuoteTimeout + 2*c.PaymentTimeout + 2*c.CommitTimeout
}

// LockTTL outlives a request plus the cleanup that runs after its deadline
// (a delivery cancel, a reconciliation record and the final save).
func (c *Config) LockTTL() time.Duration {
	return c.RequestTimeout + 3*c.CleanupTimeout
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return v, nil
}

func getRate(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v.IsNegative() || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must be in [0, 1)", key, raw)
	}
	return v, nil
}

func getCents(key string, defaultValue d.Cents) (d.Cents, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return d.Cents(v), nil
}
