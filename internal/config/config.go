package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from environment variables (optionally a config.yaml next to
// the binary) with defaults so the binary can run locally without any
// external services: no PG_DSN means the in-memory store, no REDIS_ADDR
// means in-process locks, no KAFKA_BROKERS means events stay local.
type ServerConfig struct {
	Env string

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration
	LockWait      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string

	// DirectorySeed is a JSON file loaded into the in-memory directory when
	// no PG_DSN is set.
	DirectorySeed string

	LogLevel string
}

// ConsumerConfig configures the stats reconciler process.
type ConsumerConfig struct {
	MetricsAddr string

	PGDSN string

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration
	LockWait      time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("MIGRATE", "false")
	v.SetDefault("LOCK_TTL", "5s")
	v.SetDefault("LOCK_WAIT", "3s")
	v.SetDefault("KAFKA_TOPIC", "carpool-events")
	v.SetDefault("KAFKA_GROUP", "carpool-stats-reconciler")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("RECONCILE_ATTEMPTS", "3")
	v.SetDefault("RECONCILE_DELAY", "200ms")
	v.SetDefault("LOG_LEVEL", "info")
	return v
}

// readConfigFile loads config.yaml when present. A missing file is not an
// error; a malformed one is.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	v := newViper()
	var errs []error
	if err := readConfigFile(v); err != nil {
		errs = append(errs, err)
	}

	cfg := ServerConfig{
		Env:           strings.ToLower(v.GetString("ENV")),
		HTTPAddr:      strings.TrimSpace(v.GetString("HTTP_ADDR")),
		PGDSN:         v.GetString("PG_DSN"),
		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    strings.TrimSpace(v.GetString("KAFKA_TOPIC")),
		JWTSecret:     v.GetString("JWT_SECRET"),
		DirectorySeed: strings.TrimSpace(v.GetString("DIRECTORY_SEED")),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
	}
	cfg.RunMigrations = parseBool(v, "MIGRATE", &errs)
	cfg.ReadTimeout = parseDuration(v, "HTTP_READ_TIMEOUT", &errs)
	cfg.WriteTimeout = parseDuration(v, "HTTP_WRITE_TIMEOUT", &errs)
	cfg.IdleTimeout = parseDuration(v, "HTTP_IDLE_TIMEOUT", &errs)
	cfg.ShutdownTimeout = parseDuration(v, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	cfg.LockTTL = parseDuration(v, "LOCK_TTL", &errs)
	cfg.LockWait = parseDuration(v, "LOCK_WAIT", &errs)

	if cfg.HTTPAddr == "" {
		errs = append(errs, fmt.Errorf("HTTP_ADDR must not be empty"))
	}
	if cfg.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TTL must be > 0"))
	}
	if cfg.LockWait <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_WAIT must be > 0"))
	}
	if cfg.Env == "production" && cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required in production"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v := newViper()
	var errs []error
	if err := readConfigFile(v); err != nil {
		errs = append(errs, err)
	}

	cfg := ConsumerConfig{
		MetricsAddr:   strings.TrimSpace(v.GetString("METRICS_ADDR")),
		PGDSN:         v.GetString("PG_DSN"),
		RedisAddr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		KafkaBrokers:  splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:    strings.TrimSpace(v.GetString("KAFKA_TOPIC")),
		KafkaGroup:    strings.TrimSpace(v.GetString("KAFKA_GROUP")),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
	}
	cfg.LockTTL = parseDuration(v, "LOCK_TTL", &errs)
	cfg.LockWait = parseDuration(v, "LOCK_WAIT", &errs)
	cfg.RetryAttempts = parseInt(v, "RECONCILE_ATTEMPTS", &errs)
	cfg.RetryDelay = parseDuration(v, "RECONCILE_DELAY", &errs)

	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func parseDuration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func parseInt(v *viper.Viper, key string, errs *[]error) int {
	raw := strings.TrimSpace(v.GetString(key))
	i, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return i
}

func parseBool(v *viper.Viper, key string, errs *[]error) bool {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	return b
}

func splitAndTrim(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
