package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-poster/internal/pricing"
)

const (
	ProviderRazorpay = "razorpay"
	ProviderSandbox  = "sandbox"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	JWTClockSkew       time.Duration
	AccessCookieName   string
	CORSAllowedOrigins []string

	Pricing                pricing.Config
	PriceMismatchTolerance int64

	PaymentProvider   string
	RazorpayKeyID     string
	RazorpayKeySecret string
	RazorpayBaseURL   string
	GatewayTimeout    time.Duration
	IntentTTL         time.Duration
	Currency          string

	IdempotencyTTL    time.Duration
	LockTTL           time.Duration
	LockRetryBackoff  time.Duration
	RateLimitCheckout string

	KafkaBrokers    []string
	KafkaAlertTopic string

	QueueEnabled      bool
	WorkerConcurrency int

	NotifyEmailEnabled  bool
	NotifyEmailFrom     string
	NotifyOperatorEmail string
	NotifyTimeout       time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	pc, err := loadPricing(k)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience:        strings.TrimSpace(k.String("JWT_AUDIENCE")),
		JWTClockSkew:       parseDuration(k.String("JWT_CLOCK_SKEW"), "30s"),
		AccessCookieName:   valueOrDefault(k.String("ACCESS_COOKIE_NAME"), "access_token"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		Pricing:                pc,
		PriceMismatchTolerance: parseInt(k.String("PRICE_MISMATCH_TOLERANCE"), 1),

		PaymentProvider:   strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), ProviderSandbox)),
		RazorpayKeyID:     strings.TrimSpace(k.String("RAZORPAY_KEY_ID")),
		RazorpayKeySecret: k.String("RAZORPAY_KEY_SECRET"),
		RazorpayBaseURL:   strings.TrimRight(valueOrDefault(k.String("RAZORPAY_BASE_URL"), "https://api.razorpay.com"), "/"),
		GatewayTimeout:    parseDuration(k.String("PAYMENT_GATEWAY_TIMEOUT"), "5s"),
		IntentTTL:         parseDuration(k.String("PAYMENT_INTENT_TTL"), "24h"),
		Currency:          strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "INR")),

		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		LockTTL:           parseDuration(k.String("LOCK_TTL"), "15s"),
		LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		RateLimitCheckout: valueOrDefault(k.String("RATE_LIMIT_CHECKOUT"), "20-M"),

		KafkaBrokers:    splitAndTrim(k.String("KAFKA_BROKERS")),
		KafkaAlertTopic: valueOrDefault(k.String("KAFKA_ALERT_TOPIC"), "poster.operator-alerts"),

		QueueEnabled:      parseBool(valueOrDefault(k.String("QUEUE_ENABLED"), "true")),
		WorkerConcurrency: int(parseInt(k.String("WORKER_CONCURRENCY"), 10)),

		NotifyEmailEnabled:  parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:     valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "orders@poster.local"),
		NotifyOperatorEmail: strings.TrimSpace(k.String("NOTIFY_OPERATOR_EMAIL")),
		NotifyTimeout:       parseDuration(k.String("NOTIFY_TIMEOUT"), "10s"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.PaymentProvider {
	case ProviderRazorpay:
		if cfg.RazorpayKeyID == "" || cfg.RazorpayKeySecret == "" {
			return nil, errors.New("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required for the razorpay provider")
		}
	case ProviderSandbox:
		if cfg.RazorpayKeySecret == "" {
			cfg.RazorpayKeySecret = cfg.JWTSecret
		}
	default:
		return nil, fmt.Errorf("unsupported PAYMENT_PROVIDER %q", cfg.PaymentProvider)
	}
	if cfg.PriceMismatchTolerance < 0 {
		return nil, errors.New("PRICE_MISMATCH_TOLERANCE must be non-negative")
	}

	return cfg, nil
}

func loadPricing(k *koanf.Koanf) (pricing.Config, error) {
	pc := pricing.DefaultConfig()
	if raw, ok := lookup(k, "PRICING_OVERRIDE_CODE"); ok {
		pc.OverrideCode = strings.TrimSpace(raw)
	}
	pc.OverrideAmount = parseInt(k.String("PRICING_OVERRIDE_AMOUNT"), pc.OverrideAmount)
	pc.FreeShippingThreshold = parseInt(k.String("PRICING_FREE_SHIPPING_THRESHOLD"), pc.FreeShippingThreshold)
	pc.ShippingFee = parseInt(k.String("PRICING_SHIPPING_FEE"), pc.ShippingFee)
	pc.UnitPrice = parseInt(k.String("PRICING_UNIT_PRICE"), pc.UnitPrice)
	pc.BundleSize = int(parseInt(k.String("PRICING_BUNDLE_SIZE"), int64(pc.BundleSize)))
	pc.BundlePrice = parseInt(k.String("PRICING_BUNDLE_PRICE"), pc.BundlePrice)

	if raw := strings.TrimSpace(k.String("PRICING_AFFILIATE_DISCOUNT_RATE")); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return pc, fmt.Errorf("PRICING_AFFILIATE_DISCOUNT_RATE: %w", err)
		}
		pc.AffiliateDiscountRate = rate
	}
	if raw := strings.TrimSpace(k.String("PRICING_FIRST_ORDER_TIERS")); raw != "" {
		parts := splitAndTrim(raw)
		tiers := make([]pricing.Money, 0, len(parts))
		for _, part := range parts {
			v, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return pc, fmt.Errorf("PRICING_FIRST_ORDER_TIERS: %w", err)
			}
			tiers = append(tiers, v)
		}
		pc.FirstOrderTiers = tiers
	}
	if err := pc.Validate(); err != nil {
		return pc, fmt.Errorf("pricing config: %w", err)
	}
	return pc, nil
}

// lookup distinguishes an unset variable from one explicitly set to empty.
func lookup(k *koanf.Koanf, key string) (string, bool) {
	if !k.Exists(key) {
		return "", false
	}
	return k.String(key), true
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int64) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]*string, len(env))
	for key := range env {
		if prev, ok := os.LookupEnv(key); ok {
			original[key] = &prev
		} else {
			original[key] = nil
		}
		if err := os.Setenv(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func restoreEnv(values map[string]*string) error {
	var errs []string
	for key, value := range values {
		var err error
		if value == nil {
			err = os.Unsetenv(key)
		} else {
			err = os.Setenv(key, *value)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
