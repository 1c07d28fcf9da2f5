package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP      HTTPConfig
	Store     StoreConfig
	Graph     GraphConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Cache     CacheConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MetricsEnabled    bool
	AllowedOriginsCSV string
}

// StoreConfig selects the user/code store backend.
type StoreConfig struct {
	Driver string // memory|postgres|sqlite|neo4j
	DSN    string
}

// GraphConfig describes connectivity to the Neo4j graph database.
type GraphConfig struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// RedisConfig points at the snapshot history store. Empty Addr keeps snapshots in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig configures promotion event publishing. Empty BrokersCSV logs events instead.
type KafkaConfig struct {
	BrokersCSV string
	Topic      string
}

// CacheConfig controls the statistics cache.
type CacheConfig struct {
	TTL time.Duration
}

// EngineConfig holds tunables of the referral engine.
type EngineConfig struct {
	ChainMaxDepth   int
	BatchWorkers    int
	StoreMaxRetries int
	CodeMaxAttempts int
	LadderFile      string
}

// SchedulerConfig controls background jobs.
type SchedulerConfig struct {
	Enabled       bool
	RecomputeSpec string
	CleanupSpec   string
}

// RateLimitConfig bounds per-client request rates. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	Colored       bool
	IncludeCaller bool
}

const (
	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 15 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultLoggingLevel     = "info"
	defaultLoggingFormat    = "text"
	defaultGraphMaxSessions = 10
	defaultStoreDriver      = "memory"
	defaultKafkaTopic       = "refnet.promotions"
	defaultCacheTTL         = 5 * time.Minute
	defaultChainMaxDepth    = 100
	defaultBatchWorkers     = 4
	defaultStoreMaxRetries  = 3
	defaultCodeMaxAttempts  = 5
	defaultRecomputeSpec    = "@daily"
	defaultCleanupSpec      = "@every 5m"
	defaultRateLimitBurst   = 20
)

var supportedDrivers = []string{"memory", "postgres", "sqlite", "neo4j"}

// LoadEnvFile loads ENV_FILE (default .env) into the process environment.
// A missing file is not an error; existing variables are not overridden.
func LoadEnvFile() error {
	path := valueOrDefault("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	if err := LoadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Host:            valueOrDefault("SERVER_HOST", defaultHost),
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			IdleTimeout:     defaultIdleTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Store: StoreConfig{
			Driver: strings.ToLower(valueOrDefault("STORE_DRIVER", defaultStoreDriver)),
			DSN:    os.Getenv("STORE_DSN"),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			Colored:       parseBoolWithDefault("LOG_COLOR", false),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Graph: GraphConfig{
			URI:            os.Getenv("GRAPH_URI"),
			Database:       valueOrDefault("GRAPH_DATABASE", ""),
			Username:       os.Getenv("GRAPH_USERNAME"),
			Password:       os.Getenv("GRAPH_PASSWORD"),
			MaxConnections: parseIntWithDefault("GRAPH_MAX_CONNECTIONS", defaultGraphMaxSessions),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseIntWithDefault("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			BrokersCSV: os.Getenv("KAFKA_BROKERS"),
			Topic:      valueOrDefault("KAFKA_TOPIC", defaultKafkaTopic),
		},
		Cache: CacheConfig{TTL: defaultCacheTTL},
		Engine: EngineConfig{
			ChainMaxDepth:   parseIntWithDefault("CHAIN_MAX_DEPTH", defaultChainMaxDepth),
			BatchWorkers:    parseIntWithDefault("BATCH_WORKERS", defaultBatchWorkers),
			StoreMaxRetries: parseIntWithDefault("STORE_MAX_RETRIES", defaultStoreMaxRetries),
			CodeMaxAttempts: parseIntWithDefault("CODE_MAX_ATTEMPTS", defaultCodeMaxAttempts),
			LadderFile:      os.Getenv("LADDER_FILE"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       parseBoolWithDefault("SCHEDULER_ENABLED", true),
			RecomputeSpec: valueOrDefault("SCHEDULE_RECOMPUTE", defaultRecomputeSpec),
			CleanupSpec:   valueOrDefault("SCHEDULE_CLEANUP", defaultCleanupSpec),
		},
		RateLimit: RateLimitConfig{
			RPS:   parseFloatWithDefault("RATE_LIMIT_RPS", 0),
			Burst: parseIntWithDefault("RATE_LIMIT_BURST", defaultRateLimitBurst),
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"CACHE_TTL", &cfg.Cache.TTL},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTP.MetricsEnabled = parseBoolWithDefault("SERVER_METRICS_ENABLED", true)
	cfg.HTTP.AllowedOriginsCSV = os.Getenv("SERVER_ALLOWED_ORIGINS")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	known := false
	for _, d := range supportedDrivers {
		if c.Store.Driver == d {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unsupported STORE_DRIVER %q (want one of %s)", c.Store.Driver, strings.Join(supportedDrivers, ", "))
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "sqlite") && c.Store.DSN == "" {
		return fmt.Errorf("STORE_DSN is required for driver %s", c.Store.Driver)
	}
	if c.Store.Driver == "neo4j" && c.Graph.URI == "" {
		return errors.New("GRAPH_URI is required for driver neo4j")
	}
	if c.Engine.ChainMaxDepth <= 0 {
		return fmt.Errorf("CHAIN_MAX_DEPTH must be positive, got %d", c.Engine.ChainMaxDepth)
	}
	if c.Engine.BatchWorkers <= 0 {
		return fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.Engine.BatchWorkers)
	}
	if c.Engine.CodeMaxAttempts <= 0 {
		return fmt.Errorf("CODE_MAX_ATTEMPTS must be positive, got %d", c.Engine.CodeMaxAttempts)
	}
	if c.Engine.StoreMaxRetries < 0 {
		return fmt.Errorf("STORE_MAX_RETRIES must not be negative, got %d", c.Engine.StoreMaxRetries)
	}
	return nil
}

// KafkaBrokers splits BrokersCSV into trimmed, non-empty addresses.
func (k KafkaConfig) KafkaBrokers() []string {
	return SplitCSV(k.BrokersCSV)
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseFloatWithDefault(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			return val
		}
	}
	return fallback
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
