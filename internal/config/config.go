package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config aggregates runtime configuration, injected through environment
// variables so nothing is hardcoded at call sites.
type Config struct {
	HTTPAddr string

	DBHost string
	DBPort string
	DBUser string
	DBPass string
	DBName string

	RedisAddr string
	RedisDB   int

	KafkaBrokers        []string
	OrderEventTopic     string
	ReconciliationTopic string

	ProductServiceURL string

	GatewayURL           string
	GatewayAPIKey        string
	GatewayWebhookSecret string

	JWTSecret string

	// Snapshot cache TTL and webhook event dedup TTL.
	CacheTTL        time.Duration
	WebhookDedupTTL time.Duration

	// Reconciliation sweep cadence.
	ReconcileInterval time.Duration

	Pricing PricingConfig
}

// PricingConfig holds the tiered pricing policy. These are configurable
// constants, not business law: a simple flat tax rate and a two-tier
// shipping fee, matching what checkout currently charges.
type PricingConfig struct {
	TaxRate               decimal.Decimal // 0.08 = 8%
	FreeShippingThreshold decimal.Decimal
	ShippingBaseFee       decimal.Decimal
	ShippingPerExtraItem  decimal.Decimal
}

// Load reads and validates configuration, falling back to defaults
// where a variable is unset.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:             getEnv("HTTP_ADDR", ":8082"),
		DBHost:               getEnv("DB_HOST", "localhost"),
		DBPort:               getEnv("DB_PORT", "3306"),
		DBUser:               getEnv("DB_USER", "root"),
		DBPass:               getEnv("DB_PASS", ""),
		DBName:               getEnv("DB_NAME", "checkout"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:         splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		OrderEventTopic:      getEnv("ORDER_EVENT_TOPIC", "order-events"),
		ReconciliationTopic:  getEnv("RECONCILIATION_TOPIC", "reconciliation-needed"),
		ProductServiceURL:    getEnv("PRODUCT_SERVICE_URL", "http://localhost:8081"),
		GatewayURL:           getEnv("GATEWAY_URL", ""),
		GatewayAPIKey:        getEnv("GATEWAY_API_KEY", ""),
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", "whsec_dev"),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		CacheTTL:             30 * time.Minute,
		WebhookDedupTTL:      24 * time.Hour,
		ReconcileInterval:    time.Minute,
		Pricing: PricingConfig{
			TaxRate:               decimal.NewFromFloat(0.08),
			FreeShippingThreshold: decimal.NewFromFloat(100.00),
			ShippingBaseFee:       decimal.NewFromFloat(9.99),
			ShippingPerExtraItem:  decimal.NewFromFloat(2.99),
		},
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	cacheTTLMin, err := getEnvInt("CACHE_TTL_MIN", int(cfg.CacheTTL.Minutes()))
	if err != nil {
		return Config{}, fmt.Errorf("invalid CACHE_TTL_MIN: %w", err)
	}
	if cacheTTLMin <= 0 {
		return Config{}, fmt.Errorf("CACHE_TTL_MIN must be > 0")
	}
	cfg.CacheTTL = time.Duration(cacheTTLMin) * time.Minute

	reconcileSec, err := getEnvInt("RECONCILE_INTERVAL_SEC", int(cfg.ReconcileInterval.Seconds()))
	if err != nil {
		return Config{}, fmt.Errorf("invalid RECONCILE_INTERVAL_SEC: %w", err)
	}
	if reconcileSec <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_INTERVAL_SEC must be > 0")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSec) * time.Second

	if len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.GatewayWebhookSecret == "" {
		return Config{}, fmt.Errorf("GATEWAY_WEBHOOK_SECRET must not be empty")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must not be empty")
	}

	return cfg, nil
}

// DSN renders the MySQL connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
