package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	postgres "github.com/AnthonyGillesRudolfo/donation-checkout/internal/storage/postgres"
)

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Restate     RestateConfig
	Kafka       KafkaConfig
	Database    postgres.DatabaseConfig
	Redis       RedisConfig
	Checkout    CheckoutConfig
	Xendit      XenditConfig
	SMTP        SMTPConfig
}

type HTTPConfig struct {
	Addr string
}

type RestateConfig struct {
	ListenAddr     string
	RuntimeURL     string
	IngressTimeout time.Duration
}

type KafkaConfig struct {
	Brokers        []string
	PaymentsTopic  string
	DonationsTopic string
	PaymentsGroup  string
	ReceiptsGroup  string
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// RedisConfig selects the shared attempt store. An empty URL keeps attempt
// views in process memory.
type RedisConfig struct {
	URL        string
	AttemptTTL time.Duration
}

type CheckoutConfig struct {
	AppOrigin          string
	ProductionOrigin   string
	PopupPollInterval  time.Duration
	StatusPollInterval time.Duration
	StatusPollAttempts int
	Ceiling            time.Duration
	AmbiguousOutcome   checkout.OutcomeStatus
	WindowOpenTimeout  time.Duration
	WindowHeartbeatTTL time.Duration
	WindowFeatures     string
}

// AllowedOrigins returns the non-empty message origins.
func (c CheckoutConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range []string{c.AppOrigin, c.ProductionOrigin} {
		if strings.TrimSpace(o) != "" {
			out = append(out, o)
		}
	}
	return out
}

// Coordinator converts the settings into checkout.Config.
func (c CheckoutConfig) Coordinator() checkout.Config {
	return checkout.Config{
		PopupPollInterval:  c.PopupPollInterval,
		StatusPollInterval: c.StatusPollInterval,
		StatusPollAttempts: c.StatusPollAttempts,
		Ceiling:            c.Ceiling,
		AmbiguousOutcome:   c.AmbiguousOutcome,
		AllowedOrigins:     c.AllowedOrigins(),
		WindowFeatures:     c.WindowFeatures,
	}
}

type XenditConfig struct {
	SecretKey     string
	CallbackToken string
	SuccessURL    string
	FailureURL    string
	FallbackURL   string
}

type SMTPConfig struct {
	Host string
	Port string
	From string
}

// Load reads configuration from environment variables, applying sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "donation-checkout"),
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_LISTEN_ADDR", ":3000"),
		},
		Restate: RestateConfig{
			ListenAddr: getEnv("RESTATE_LISTEN_ADDR", ":9081"),
			RuntimeURL: getEnv("RESTATE_RUNTIME_URL", "http://127.0.0.1:8080"),
		},
		Kafka: KafkaConfig{
			Brokers:        splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			PaymentsTopic:  getEnv("KAFKA_PAYMENTS_TOPIC", "payments.v1"),
			DonationsTopic: getEnv("KAFKA_DONATIONS_TOPIC", "donations.v1"),
			PaymentsGroup:  getEnv("KAFKA_PAYMENTS_GROUP_ID", "payment-workers"),
			ReceiptsGroup:  getEnv("KAFKA_RECEIPTS_GROUP_ID", "receipt-workers"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Checkout: CheckoutConfig{
			AppOrigin:        getEnv("APP_ORIGIN", "http://localhost:5173"),
			ProductionOrigin: getEnv("PRODUCTION_FRONTEND_ORIGIN", ""),
			WindowFeatures:   getEnv("CHECKOUT_WINDOW_FEATURES", checkout.DefaultWindowFeatures),
		},
		Xendit: XenditConfig{
			SecretKey:     getEnv("XENDIT_SECRET_KEY", ""),
			CallbackToken: getEnv("XENDIT_CALLBACK_TOKEN", ""),
			SuccessURL:    getEnv("XENDIT_SUCCESS_URL", "http://localhost:5173/donate/success"),
			FailureURL:    getEnv("XENDIT_FAILURE_URL", "http://localhost:5173/donate/failed"),
			FallbackURL:   getEnv("CHECKOUT_FALLBACK_BASE_URL", "http://localhost:3000"),
		},
		SMTP: SMTPConfig{
			Host: getEnv("SMTP_HOST", "localhost"),
			Port: getEnv("SMTP_PORT", "1025"),
			From: getEnv("SMTP_FROM", "receipts@donations.local"),
		},
	}

	var err error
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"RESTATE_INGRESS_TIMEOUT", 10 * time.Second, &cfg.Restate.IngressTimeout},
		{"KAFKA_RETRY_BACKOFF", time.Second, &cfg.Kafka.RetryBackoff},
		{"REDIS_ATTEMPT_TTL", time.Hour, &cfg.Redis.AttemptTTL},
		{"CHECKOUT_POPUP_POLL_INTERVAL", checkout.DefaultPopupPollInterval, &cfg.Checkout.PopupPollInterval},
		{"CHECKOUT_STATUS_POLL_INTERVAL", checkout.DefaultStatusPollInterval, &cfg.Checkout.StatusPollInterval},
		{"CHECKOUT_CEILING", checkout.DefaultCeiling, &cfg.Checkout.Ceiling},
		{"CHECKOUT_WINDOW_OPEN_TIMEOUT", 5 * time.Second, &cfg.Checkout.WindowOpenTimeout},
		{"CHECKOUT_WINDOW_HEARTBEAT_TTL", 15 * time.Second, &cfg.Checkout.WindowHeartbeatTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.Kafka.MaxAttempts, err = getInt("KAFKA_MAX_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.Checkout.StatusPollAttempts, err = getInt("CHECKOUT_STATUS_POLL_ATTEMPTS", checkout.DefaultStatusPollAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Checkout.AmbiguousOutcome, err = checkout.ParseOutcomeStatus(getEnv("CHECKOUT_AMBIGUOUS_OUTCOME", string(checkout.OutcomeCompleted))); err != nil {
		return Config{}, fmt.Errorf("parse CHECKOUT_AMBIGUOUS_OUTCOME: %w", err)
	}
	if cfg.Checkout.AmbiguousOutcome != checkout.OutcomeCompleted && cfg.Checkout.AmbiguousOutcome != checkout.OutcomeExpired {
		return Config{}, fmt.Errorf("CHECKOUT_AMBIGUOUS_OUTCOME must be completed or expired, got %s", cfg.Checkout.AmbiguousOutcome)
	}

	port, err := getInt("DONATION_DB_PORT", 5432)
	if err != nil {
		return Config{}, err
	}
	cfg.Database = postgres.DatabaseConfig{
		Host:     getEnv("DONATION_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("DONATION_DB_NAME", "donations"),
		User:     getEnv("DONATION_DB_USER", "donationsadmin"),
		Password: getEnv("DONATION_DB_PASSWORD", ""),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
