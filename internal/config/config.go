/**
 * @description
 * This package handles the configuration management for the ledger service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parses the major-unit transaction ceiling.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultServerPort          = "8080"
	defaultCurrency            = "NGN"
	defaultMaxTransactionMinor = int64(100_000_000)
	defaultStoreDriver         = "postgres"
	defaultEventsExchange      = "ledger.events"
	defaultInboundExchange     = "transfa.events"
	defaultGatewayEventQueue   = "ledger_service.gateway_events"
	defaultAccountEventQueue   = "ledger_service.account_lifecycle"
	defaultSweepSchedule       = "@every 2m"
	defaultRedisPrefix         = "transfa:ledger"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32  `mapstructure:"DB_MIN_CONNS"`
	AutoMigrate        bool   `mapstructure:"AUTO_MIGRATE"`
	LedgerTxIsolation  string `mapstructure:"LEDGER_TX_ISOLATION"`
	StoreDriver        string `mapstructure:"STORE_DRIVER"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	EventsExchange     string `mapstructure:"LEDGER_EVENTS_EXCHANGE"`
	InboundExchange    string `mapstructure:"INBOUND_EVENTS_EXCHANGE"`
	GatewayEventQueue  string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	AccountEventQueue  string `mapstructure:"ACCOUNT_EVENT_QUEUE"`
	ClerkJWKSURL       string `mapstructure:"CLERK_JWKS_URL"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	LedgerCurrency       string `mapstructure:"LEDGER_CURRENCY"`
	MaxTransactionAmount string `mapstructure:"MAX_TRANSACTION_AMOUNT"`
	// MaxTransactionMinor is MaxTransactionAmount converted to minor units.
	MaxTransactionMinor int64 `mapstructure:"-"`

	GatewayBaseURL           string `mapstructure:"GATEWAY_BASE_URL"`
	GatewaySecretKey         string `mapstructure:"GATEWAY_SECRET_KEY"`
	GatewayTimeoutSeconds    int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	GatewayCallbackURL       string `mapstructure:"GATEWAY_CALLBACK_URL"`
	GatewayWebhookSecret     string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewaySignatureHeader   string `mapstructure:"GATEWAY_WEBHOOK_SIGNATURE_HEADER"`
	WebhookProcessingMode    string `mapstructure:"WEBHOOK_PROCESSING_MODE"`
	WebhookDedupeTTLSeconds  int    `mapstructure:"WEBHOOK_DEDUPE_TTL_SECONDS"`
	PaymentMethodDirections  string `mapstructure:"PAYMENT_METHOD_DIRECTIONS"`
	PendingSweepSchedule     string `mapstructure:"PENDING_PAYMENT_SWEEP_SCHEDULE"`
	PendingMinAgeSeconds     int    `mapstructure:"PENDING_PAYMENT_MIN_AGE_SECONDS"`
	PendingSweepBatch        int    `mapstructure:"PENDING_PAYMENT_SWEEP_BATCH"`
	OutboxPollIntervalMillis int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize          int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxStaleAfterSeconds  int    `mapstructure:"OUTBOX_STALE_AFTER_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("DB_MIN_CONNS", 1)
	viper.SetDefault("AUTO_MIGRATE", true)
	viper.SetDefault("LEDGER_TX_ISOLATION", "read_committed")
	viper.SetDefault("STORE_DRIVER", defaultStoreDriver)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisPrefix)
	viper.SetDefault("LEDGER_EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("INBOUND_EVENTS_EXCHANGE", defaultInboundExchange)
	viper.SetDefault("GATEWAY_EVENT_QUEUE", defaultGatewayEventQueue)
	viper.SetDefault("ACCOUNT_EVENT_QUEUE", defaultAccountEventQueue)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LEDGER_CURRENCY", defaultCurrency)
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("GATEWAY_WEBHOOK_SIGNATURE_HEADER", "x-gateway-signature")
	viper.SetDefault("WEBHOOK_PROCESSING_MODE", "sync")
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_SECONDS", 86400)
	viper.SetDefault("PENDING_PAYMENT_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("PENDING_PAYMENT_MIN_AGE_SECONDS", 300)
	viper.SetDefault("PENDING_PAYMENT_SWEEP_BATCH", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_STALE_AFTER_SECONDS", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "AUTO_MIGRATE",
		"LEDGER_TX_ISOLATION", "STORE_DRIVER", "REDIS_KEY_PREFIX", "RABBITMQ_URL",
		"LEDGER_EVENTS_EXCHANGE", "INBOUND_EVENTS_EXCHANGE", "GATEWAY_EVENT_QUEUE", "ACCOUNT_EVENT_QUEUE",
		"CLERK_JWKS_URL", "CORS_ALLOWED_ORIGINS", "LEDGER_CURRENCY", "MAX_TRANSACTION_AMOUNT",
		"GATEWAY_BASE_URL", "GATEWAY_SECRET_KEY", "GATEWAY_TIMEOUT_SECONDS", "GATEWAY_CALLBACK_URL",
		"GATEWAY_WEBHOOK_SECRET", "GATEWAY_WEBHOOK_SIGNATURE_HEADER", "WEBHOOK_PROCESSING_MODE",
		"WEBHOOK_DEDUPE_TTL_SECONDS", "PAYMENT_METHOD_DIRECTIONS", "PENDING_PAYMENT_SWEEP_SCHEDULE",
		"PENDING_PAYMENT_MIN_AGE_SECONDS", "PENDING_PAYMENT_SWEEP_BATCH", "OUTBOX_POLL_INTERVAL_MS",
		"OUTBOX_BATCH_SIZE", "OUTBOX_STALE_AFTER_SECONDS",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", c.StoreDriver)
		c.StoreDriver = defaultStoreDriver
	}

	c.LedgerCurrency = strings.ToUpper(strings.TrimSpace(c.LedgerCurrency))
	if len(c.LedgerCurrency) != 3 {
		log.Printf("level=warn component=config msg=\"invalid LEDGER_CURRENCY; using default\" value=%q", c.LedgerCurrency)
		c.LedgerCurrency = defaultCurrency
	}

	c.MaxTransactionMinor = defaultMaxTransactionMinor
	if raw := strings.TrimSpace(c.MaxTransactionAmount); raw != "" {
		amount, parseErr := decimal.NewFromString(raw)
		switch {
		case parseErr != nil:
			log.Printf("level=warn component=config msg=\"invalid MAX_TRANSACTION_AMOUNT\" value=%q err=%v", raw, parseErr)
		case !amount.IsPositive():
			log.Printf("level=warn component=config msg=\"non-positive MAX_TRANSACTION_AMOUNT; using default\" value=%q", raw)
		default:
			c.MaxTransactionMinor = amount.Shift(2).IntPart()
		}
	}

	if c.DBMaxConns <= 0 {
		c.DBMaxConns = 10
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		log.Printf("level=warn component=config msg=\"DB_MIN_CONNS out of range; coercing\" min=%d max=%d", c.DBMinConns, c.DBMaxConns)
		c.DBMinConns = 1
	}

	c.WebhookProcessingMode = strings.ToLower(strings.TrimSpace(c.WebhookProcessingMode))
	if c.WebhookProcessingMode != "sync" && c.WebhookProcessingMode != "queue" {
		log.Printf("level=warn component=config msg=\"unknown WEBHOOK_PROCESSING_MODE; using sync\" value=%q", c.WebhookProcessingMode)
		c.WebhookProcessingMode = "sync"
	}
	if strings.TrimSpace(c.GatewaySignatureHeader) == "" {
		c.GatewaySignatureHeader = "x-gateway-signature"
	}
	if strings.TrimSpace(c.PendingSweepSchedule) == "" {
		c.PendingSweepSchedule = defaultSweepSchedule
	}
	if strings.TrimSpace(c.RedisKeyPrefix) == "" {
		c.RedisKeyPrefix = defaultRedisPrefix
	}

	coercePositive("GATEWAY_TIMEOUT_SECONDS", &c.GatewayTimeoutSeconds, 15)
	coercePositive("WEBHOOK_DEDUPE_TTL_SECONDS", &c.WebhookDedupeTTLSeconds, 86400)
	coercePositive("PENDING_PAYMENT_MIN_AGE_SECONDS", &c.PendingMinAgeSeconds, 300)
	coercePositive("PENDING_PAYMENT_SWEEP_BATCH", &c.PendingSweepBatch, 50)
	coercePositive("OUTBOX_POLL_INTERVAL_MS", &c.OutboxPollIntervalMillis, 1200)
	coercePositive("OUTBOX_BATCH_SIZE", &c.OutboxBatchSize, 50)
	coercePositive("OUTBOX_STALE_AFTER_SECONDS", &c.OutboxStaleAfterSeconds, 120)
}

func coercePositive(key string, value *int, fallback int) {
	if *value > 0 {
		return
	}
	log.Printf("level=warn component=config msg=\"non-positive value; using default\" key=%s value=%d default=%d", key, *value, fallback)
	*value = fallback
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
