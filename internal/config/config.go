// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/tradesafe/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment processor
	StripeAPIKey     string
	ProcessorTimeout time.Duration // per-call timeout for processor I/O

	// Fee rates
	MarginRate        money.Rate
	ProtectionFeeRate money.Rate
	VATRate           money.Rate
	MinCommission     money.Amount
	MaxCommission     money.Amount

	// Protection windows
	AutoReleaseDays     int // grace period between payment and payout
	PaymentDeadlineDays int // deferred payment: contact -> deadline
	DisputeResponseDays int // dispute opened -> respondent must reply
	SellerRefundDays    int // refund required after payout -> seller must transfer
	SweepInterval       time.Duration

	// Shipping cost table (delivery selection -> cost)
	ShippingStandard money.Amount
	ShippingExpress  money.Amount

	// Listing catalogue service (optional, uses in-memory fixtures if not set)
	ListingServiceURL string

	// Admin
	AdminUserIDs []string // comma-separated in env

	// Notifications
	WebhookSecret string

	// Tracing
	OTLPEndpoint string

	// Rate limiting
	RateLimitRPS int
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	marginRate, err := money.ParseRate(getEnv("MARGIN_RATE", "0.10"))
	if err != nil {
		return nil, fmt.Errorf("MARGIN_RATE: %w", err)
	}
	protectionRate, err := money.ParseRate(getEnv("PROTECTION_FEE_RATE", "0.02"))
	if err != nil {
		return nil, fmt.Errorf("PROTECTION_FEE_RATE: %w", err)
	}
	vatRate, err := money.ParseRate(getEnv("VAT_RATE", "0.081"))
	if err != nil {
		return nil, fmt.Errorf("VAT_RATE: %w", err)
	}
	minCommission, err := money.Parse(getEnv("MIN_COMMISSION", "0"))
	if err != nil {
		return nil, fmt.Errorf("MIN_COMMISSION: %w", err)
	}
	maxCommission, err := money.Parse(getEnv("MAX_COMMISSION", "220"))
	if err != nil {
		return nil, fmt.Errorf("MAX_COMMISSION: %w", err)
	}
	shippingStandard, err := money.Parse(getEnv("SHIPPING_STANDARD", "7.00"))
	if err != nil {
		return nil, fmt.Errorf("SHIPPING_STANDARD: %w", err)
	}
	shippingExpress, err := money.Parse(getEnv("SHIPPING_EXPRESS", "15.00"))
	if err != nil {
		return nil, fmt.Errorf("SHIPPING_EXPRESS: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		StripeAPIKey:     os.Getenv("STRIPE_API_KEY"),
		ProcessorTimeout: time.Duration(getEnvInt64("PROCESSOR_TIMEOUT_SECONDS", 15)) * time.Second,

		MarginRate:        marginRate,
		ProtectionFeeRate: protectionRate,
		VATRate:           vatRate,
		MinCommission:     minCommission,
		MaxCommission:     maxCommission,

		AutoReleaseDays:     int(getEnvInt64("AUTO_RELEASE_DAYS", 7)),
		PaymentDeadlineDays: int(getEnvInt64("PAYMENT_DEADLINE_DAYS", 14)),
		DisputeResponseDays: int(getEnvInt64("DISPUTE_RESPONSE_DAYS", 5)),
		SellerRefundDays:    int(getEnvInt64("SELLER_REFUND_DAYS", 10)),
		SweepInterval:       time.Duration(getEnvInt64("SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,

		ShippingStandard: shippingStandard,
		ShippingExpress:  shippingExpress,

		ListingServiceURL: os.Getenv("LISTING_SERVICE_URL"),

		AdminUserIDs:  splitList(os.Getenv("ADMIN_USER_IDS")),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:  int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MinCommission > c.MaxCommission {
		return fmt.Errorf("MIN_COMMISSION must not exceed MAX_COMMISSION")
	}
	if c.AutoReleaseDays <= 0 {
		return fmt.Errorf("AUTO_RELEASE_DAYS must be positive")
	}
	if c.DisputeResponseDays <= 0 {
		return fmt.Errorf("DISPUTE_RESPONSE_DAYS must be positive")
	}
	if c.SellerRefundDays <= 0 {
		return fmt.Errorf("SELLER_REFUND_DAYS must be positive")
	}
	if c.PaymentDeadlineDays <= 0 {
		return fmt.Errorf("PAYMENT_DEADLINE_DAYS must be positive")
	}
	// Without a Stripe key the server runs against the in-memory fake
	// processor, which is fine for development but never for production.
	if c.IsProduction() && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
