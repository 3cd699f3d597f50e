// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/navid-fn/tickhouse/internal/logger"
	"github.com/navid-fn/tickhouse/internal/models"
)

// DefaultBrokerURL is the sandbox REST endpoint of the brokerage OpenAPI.
const DefaultBrokerURL = "https://api-invest.tinkoff.ru/openapi/sandbox"

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	Broker   BrokerConfig
	Store    StoreConfig
	Pipeline PipelineConfig
	Kafka    KafkaConfig
	Server   ServerConfig
	Log      logger.Config
}

// BrokerConfig holds brokerage API settings.
type BrokerConfig struct {
	// Token is the sandbox API key.
	Token string

	BaseURL string

	// Timeout bounds every HTTP request.
	Timeout time.Duration

	// InstrumentInterval is the token-bucket period between two instrument
	// fetches. The default of 2s matches the historical fixed sleep.
	InstrumentInterval time.Duration

	// RequestsPerSecond caps individual HTTP calls. Zero means no cap.
	RequestsPerSecond float64

	// Workers is the number of instruments fetched concurrently.
	Workers int

	// ContinueOnError keeps fetching the rest of an asset class after one
	// instrument fails.
	ContinueOnError bool

	SandboxCurrency string
	SandboxBalance  float64
}

// StoreConfig holds ClickHouse settings.
type StoreConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string

	// Table is the target time-series table.
	Table string

	// KeepStaging leaves the staging table in place after a write.
	KeepStaging bool
}

// Address returns host:port of the native protocol endpoint.
func (s StoreConfig) Address() string {
	return s.Host + ":" + s.Port
}

// DSN builds the ClickHouse connection string.
func (s StoreConfig) DSN() string {
	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		url.QueryEscape(s.User), url.QueryEscape(s.Password), s.Host, s.Port, s.Database,
	)
}

// PipelineConfig holds settings for one ingestion run.
type PipelineConfig struct {
	// DaysSpan is the size of the fetch window ending now.
	DaysSpan int

	AssetClasses []models.AssetClass
}

// KafkaConfig holds the optional candle sink settings. An empty Broker disables it.
type KafkaConfig struct {
	Broker string
	Topic  string

	// Consumer side: the group reading Topic, its batch limits and the
	// table the consumed records are upserted into.
	GroupID      string
	BatchSize    int
	BatchTimeout time.Duration
	SinkTable    string
}

// Enabled reports whether records should be published.
func (k KafkaConfig) Enabled() bool { return k.Broker != "" }

// ServerConfig holds the query API settings.
type ServerConfig struct {
	Port    string
	GinMode string

	// RedisAddr selects the Redis cache. Empty means an in-process cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CacheTTL time.Duration
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // Ignore error - .env is optional

	classes, err := parseAssetClasses(getEnv("ASSET_CLASSES", "Etf,Bond,Stock"))
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Broker: BrokerConfig{
			Token:              getEnv("APIKEY_SANDBOX", ""),
			BaseURL:            getEnv("BROKER_BASE_URL", DefaultBrokerURL),
			Timeout:            getEnvDuration("BROKER_TIMEOUT", 10*time.Second),
			InstrumentInterval: getEnvDuration("BROKER_INSTRUMENT_INTERVAL", 2*time.Second),
			RequestsPerSecond:  getEnvFloat("BROKER_REQUESTS_PER_SECOND", 0),
			Workers:            getEnvInt("BROKER_WORKERS", 1),
			ContinueOnError:    getEnvBool("BROKER_CONTINUE_ON_ERROR", true),
			SandboxCurrency:    getEnv("BROKER_SANDBOX_CURRENCY", "USD"),
			SandboxBalance:     getEnvFloat("BROKER_SANDBOX_BALANCE", 1000),
		},
		Store: StoreConfig{
			User:        getEnv("CLICKHOUSE_USER", "default"),
			Password:    getEnv("CLICKHOUSE_PASSWORD", getEnv("CLICKHOUSE_PWD", "")),
			Host:        getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:        getEnv("CLICKHOUSE_TCP_PORT", "9000"),
			Database:    getEnv("CLICKHOUSE_DB", "default"),
			Table:       getEnv("CLICKHOUSE_TABLE", "minutes"),
			KeepStaging: getEnvBool("CLICKHOUSE_KEEP_STAGING", false),
		},
		Pipeline: PipelineConfig{
			DaysSpan:     getEnvInt("DAYS_SPAN", 10),
			AssetClasses: classes,
		},
		Kafka: KafkaConfig{
			Broker: getEnv("KAFKA_BROKER", ""),
			Topic:  getEnv("KAFKA_CANDLE_TOPIC", "tickhouse_candles"),

			GroupID:      getEnv("KAFKA_GROUP_ID", "tickhouse_consumer"),
			BatchSize:    getEnvInt("CONSUMER_BATCH_SIZE", 5000),
			BatchTimeout: getEnvDuration("CONSUMER_BATCH_TIMEOUT", 5*time.Second),
			SinkTable:    getEnv("CONSUMER_TABLE", "minutes"),
		},
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8080"),
			GinMode:       getEnv("GIN_MODE", "release"),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			CacheTTL:      getEnvDuration("CACHE_TTL", time.Minute),
		},
		Log: logger.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "text"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		},
	}

	if cfg.Pipeline.DaysSpan <= 0 {
		return nil, fmt.Errorf("DAYS_SPAN must be positive, got %d", cfg.Pipeline.DaysSpan)
	}
	if cfg.Kafka.BatchSize < 1 {
		cfg.Kafka.BatchSize = 1
	}
	if cfg.Broker.Workers < 1 {
		cfg.Broker.Workers = 1
	}
	return cfg, nil
}

// parseAssetClasses splits a comma-separated list and validates each entry.
func parseAssetClasses(raw string) ([]models.AssetClass, error) {
	var classes []models.AssetClass
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, ok := models.ParseAssetClass(part)
		if !ok {
			return nil, fmt.Errorf("ASSET_CLASSES: unknown asset class %q", part)
		}
		classes = append(classes, c)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("ASSET_CLASSES: empty")
	}
	return classes, nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}
