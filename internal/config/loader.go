package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "slotkeeper.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// LoadWithCLI applies the full hierarchy defaults < YAML < ENV < CLI flags.
// It returns the resolved YAML path alongside the config.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SLOTKEEPER_PORT")
	setString(&cfg.Server.CORSOrigin, "SLOTKEEPER_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "SLOTKEEPER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SLOTKEEPER_SHUTDOWN_TIMEOUT")
	setString(&cfg.Store.Backend, "SLOTKEEPER_STORE")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SLOTKEEPER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SLOTKEEPER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SLOTKEEPER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SLOTKEEPER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SLOTKEEPER_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "SLOTKEEPER_NATS_STREAM")

	setString(&cfg.Logging.Level, "SLOTKEEPER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SLOTKEEPER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SLOTKEEPER_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "SLOTKEEPER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SLOTKEEPER_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "SLOTKEEPER_RATE_RPS")
	setInt(&cfg.Rate.Burst, "SLOTKEEPER_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "SLOTKEEPER_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "SLOTKEEPER_RATE_MAX_IDLE_TIME")

	// Auth
	setString(&cfg.Auth.JWTSecret, "SLOTKEEPER_JWT_SECRET")
	setString(&cfg.Auth.SecretFile, "SLOTKEEPER_JWT_SECRET_FILE")
	setString(&cfg.Auth.Issuer, "SLOTKEEPER_JWT_ISSUER")
	setString(&cfg.Auth.Audience, "SLOTKEEPER_JWT_AUDIENCE")
	setDuration(&cfg.Auth.Leeway, "SLOTKEEPER_JWT_LEEWAY")
	setDuration(&cfg.Auth.TokenTTL, "SLOTKEEPER_JWT_TOKEN_TTL")

	// Idempotency
	setString(&cfg.Idempotency.Backend, "SLOTKEEPER_IDEMPOTENCY_BACKEND")
	setString(&cfg.Idempotency.Bucket, "SLOTKEEPER_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "SLOTKEEPER_IDEMPOTENCY_TTL")
	setDuration(&cfg.Idempotency.Lease, "SLOTKEEPER_IDEMPOTENCY_LEASE")
	setDuration(&cfg.Idempotency.WaitTimeout, "SLOTKEEPER_IDEMPOTENCY_WAIT_TIMEOUT")
	setDuration(&cfg.Idempotency.PollInterval, "SLOTKEEPER_IDEMPOTENCY_POLL_INTERVAL")
	setDuration(&cfg.Idempotency.SweepInterval, "SLOTKEEPER_IDEMPOTENCY_SWEEP_INTERVAL")
	setString(&cfg.Idempotency.HashKey, "SLOTKEEPER_IDEMPOTENCY_HASH_KEY")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "SLOTKEEPER_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "SLOTKEEPER_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "SLOTKEEPER_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "SLOTKEEPER_CACHE_L2_TTL")

	// Notifier
	setDuration(&cfg.Notifier.PollInterval, "SLOTKEEPER_NOTIFIER_POLL_INTERVAL")
	setInt(&cfg.Notifier.BatchSize, "SLOTKEEPER_NOTIFIER_BATCH_SIZE")
	setInt64(&cfg.Notifier.MaxInFlight, "SLOTKEEPER_NOTIFIER_MAX_IN_FLIGHT")
	setDuration(&cfg.Notifier.Retention, "SLOTKEEPER_NOTIFIER_RETENTION")

	// Booking
	setDuration(&cfg.Booking.Grid, "SLOTKEEPER_BOOKING_GRID")
	setDurations(&cfg.Booking.AlternativeOffsets, "SLOTKEEPER_BOOKING_ALTERNATIVE_OFFSETS")
	setInt(&cfg.Booking.MaxAlternatives, "SLOTKEEPER_BOOKING_MAX_ALTERNATIVES")
	setDuration(&cfg.Booking.MaxWindow, "SLOTKEEPER_BOOKING_MAX_WINDOW")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "SLOTKEEPER_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "SLOTKEEPER_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "SLOTKEEPER_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "SLOTKEEPER_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "SLOTKEEPER_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend %q is not supported", cfg.Store.Backend)
	}
	switch cfg.Idempotency.Backend {
	case "postgres":
		if cfg.Store.Backend != "postgres" {
			return errors.New("idempotency.backend postgres requires store.backend postgres")
		}
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("idempotency.backend nats requires nats.url")
		}
	case "memory":
	default:
		return fmt.Errorf("idempotency.backend %q is not supported", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.TTL <= 0 {
		return errors.New("idempotency.ttl must be > 0")
	}
	if cfg.Idempotency.Lease <= 0 {
		return errors.New("idempotency.lease must be > 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Booking.Grid <= 0 || time.Hour%cfg.Booking.Grid != 0 {
		return errors.New("booking.grid must divide one hour")
	}
	if cfg.Notifier.BatchSize < 1 {
		return errors.New("notifier.batch_size must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setDurations parses a comma-separated list; any malformed entry discards the value.
func setDurations(dst *[]time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return
		}
		out = append(out, d)
	}
	*dst = out
}
