// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Server          ServerConfig
	Store           string
	Database        DatabaseConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	Mpesa           MpesaConfig
	CardWallet      CardWalletConfig
	Reconcile       ReconcileConfig
	Breaker         BreakerConfig
	BaseCallbackURL string
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
}

type MpesaConfig struct {
	Environment     string
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	Passkey         string
	ShortCode       string
	TransactionType string
	Timeout         time.Duration
}

// Enabled reports whether enough credentials are present to call Daraja.
func (m MpesaConfig) Enabled() bool {
	return m.ConsumerKey != "" && m.ConsumerSecret != "" && m.ShortCode != "" && m.Passkey != ""
}

type CardWalletConfig struct {
	Environment  string
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	BrandName    string
	Timeout      time.Duration
}

func (c CardWalletConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type ReconcileConfig struct {
	ActivePull     bool
	PullTimeout    time.Duration
	OrphanGrace    time.Duration
	OrphanCapacity int
}

type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// Load reads .env when present, then the process environment.
func Load(logger *zap.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnv("SERVER_PORT", "8027"),
			Env:      getEnv("ENVIRONMENT", "development"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Store: strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "payments"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getEnv("KAFKA_BROKERS", "")),
			StatusTopic: getEnv("KAFKA_STATUS_TOPIC", "payments.status_changed"),
		},
		Mpesa: MpesaConfig{
			Environment:     getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:         getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
			Passkey:         getEnv("MPESA_PASSKEY", ""),
			ShortCode:       getEnv("MPESA_SHORT_CODE", ""),
			TransactionType: getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			Timeout:         getEnvDuration("MPESA_TIMEOUT", 30*time.Second),
		},
		CardWallet: CardWalletConfig{
			Environment:  getEnv("CARD_WALLET_ENVIRONMENT", "sandbox"),
			BaseURL:      getEnv("CARD_WALLET_BASE_URL", ""),
			ClientID:     getEnv("CARD_WALLET_CLIENT_ID", ""),
			ClientSecret: getEnv("CARD_WALLET_CLIENT_SECRET", ""),
			ReturnURL:    getEnv("CARD_WALLET_RETURN_URL", ""),
			CancelURL:    getEnv("CARD_WALLET_CANCEL_URL", ""),
			BrandName:    getEnv("CARD_WALLET_BRAND_NAME", ""),
			Timeout:      getEnvDuration("CARD_WALLET_TIMEOUT", 30*time.Second),
		},
		Reconcile: ReconcileConfig{
			ActivePull:     getEnvBool("RECONCILE_ACTIVE_PULL", true),
			PullTimeout:    getEnvDuration("RECONCILE_PULL_TIMEOUT", 15*time.Second),
			OrphanGrace:    getEnvDuration("RECONCILE_ORPHAN_GRACE", 0),
			OrphanCapacity: getEnvInt("RECONCILE_ORPHAN_CAPACITY", 1024),
		},
		Breaker: BreakerConfig{
			MaxRequests:      uint32(getEnvInt("BREAKER_MAX_REQUESTS", 1)),
			Interval:         getEnvDuration("BREAKER_INTERVAL", time.Minute),
			Timeout:          getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
			FailureThreshold: uint32(getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)),
		},
		BaseCallbackURL: getEnv("CALLBACK_BASE_URL", "http://localhost:8027"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if !cfg.Mpesa.Enabled() {
		logger.Warn("mobile money credentials missing, initiation disabled for MOBILE_MONEY")
	}
	if !cfg.CardWallet.Enabled() {
		logger.Warn("card/wallet credentials missing, initiation disabled for CARD_WALLET")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want memory, postgres or redis", c.Store)
	}
	if !strings.HasPrefix(c.BaseCallbackURL, "http://") && !strings.HasPrefix(c.BaseCallbackURL, "https://") {
		return fmt.Errorf("invalid CALLBACK_BASE_URL %q", c.BaseCallbackURL)
	}
	if c.Reconcile.OrphanGrace < 0 {
		return fmt.Errorf("RECONCILE_ORPHAN_GRACE must not be negative")
	}
	if c.Reconcile.OrphanCapacity <= 0 {
		return fmt.Errorf("RECONCILE_ORPHAN_CAPACITY must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
