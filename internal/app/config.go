package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hiveops/hive/internal/secrets"
)

type Config struct {
	Port     int
	Host     string // external hostname used in rendered docs/links
	Env      string // development | production
	LogLevel string

	DatabaseURL string // Timescale/Postgres DSN for the event tiers
	DocstoreURL string // mongodb:// URI or sqlite path; empty = hive.db
	RedisURL    string // optional cross-process fan-out bus
	JWTSecret   string
	UserDBType  string // jwt | none

	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	// Ingest batching knobs.
	FlushInterval time.Duration
	MaxBuffer     int
	MaxPerFlush   int

	// Alerting.
	AlertCooldown time.Duration
	SMTPHost      string
	SMTPPort      int
	SMTPFrom      string
	SMTPUsername  string
	SMTPPassword  string
	WebhookSecret string // HMAC signing secret for webhook deliveries

	// Ingest rate limiting, events per second per team. 0 disables.
	IngestRPS int

	// OpenTelemetry tracing.
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64

	// Temporal maintenance workflows.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Passphrase unsealing "sealed:" config values. Never logged.
	SecretsKey string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:     getEnvInt("PORT", 4000),
		Host:     getEnv("HIVE_HOST", "localhost"),
		Env:      getEnv("HIVE_ENV", "development"),
		LogLevel: getEnv("HIVE_LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/hive"),
		DocstoreURL: getEnv("DOCSTORE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		UserDBType:  getEnv("USER_DB_TYPE", "jwt"),

		CORSOrigins: getEnvStringSlice("HIVE_CORS_ORIGINS", nil),

		FlushInterval: getEnvDuration("HIVE_FLUSH_INTERVAL", 5*time.Second),
		MaxBuffer:     getEnvInt("HIVE_MAX_BUFFER", 500),
		MaxPerFlush:   getEnvInt("HIVE_MAX_PER_FLUSH", 100),

		AlertCooldown: getEnvDuration("HIVE_ALERT_COOLDOWN", 15*time.Minute),
		SMTPHost:      getEnv("HIVE_SMTP_HOST", ""),
		SMTPPort:      getEnvInt("HIVE_SMTP_PORT", 587),
		SMTPFrom:      getEnv("HIVE_SMTP_FROM", "alerts@hive.local"),
		SMTPUsername:  getEnv("HIVE_SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("HIVE_SMTP_PASSWORD", ""),
		WebhookSecret: getEnv("HIVE_WEBHOOK_SECRET", ""),

		IngestRPS: getEnvInt("HIVE_INGEST_RPS", 0),

		TracingEnabled:    getEnvBool("HIVE_TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("HIVE_TRACING_ENDPOINT", "localhost:4318"),
		TracingSampleRate: getEnvFloat("HIVE_TRACING_SAMPLE_RATE", 1.0),

		TemporalEnabled:   getEnvBool("HIVE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("HIVE_TEMPORAL_HOSTPORT", "localhost:7233"),
		TemporalNamespace: getEnv("HIVE_TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnv("HIVE_TEMPORAL_TASKQUEUE", "hive-maintenance"),

		SecretsKey: getEnv("HIVE_SECRETS_KEY", ""),
	}
	if cfg.Env == "development" && cfg.JWTSecret == "" {
		cfg.JWTSecret = "hive-dev-secret"
	}
	if err := cfg.unseal(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unseal decrypts sealed config values with HIVE_SECRETS_KEY. Cleartext
// values pass through unchanged.
func (c *Config) unseal() error {
	if !secrets.IsSealed(c.SMTPPassword) && !secrets.IsSealed(c.WebhookSecret) {
		return nil
	}
	if c.SecretsKey == "" {
		return fmt.Errorf("sealed config values present but HIVE_SECRETS_KEY is unset")
	}
	box, err := secrets.NewBox(c.SecretsKey)
	if err != nil {
		return err
	}
	if c.SMTPPassword, err = box.Open(c.SMTPPassword); err != nil {
		return fmt.Errorf("HIVE_SMTP_PASSWORD: %w", err)
	}
	if c.WebhookSecret, err = box.Open(c.WebhookSecret); err != nil {
		return fmt.Errorf("HIVE_WEBHOOK_SECRET: %w", err)
	}
	return nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("HIVE_ENV must be development or production, got %q", c.Env)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set when HIVE_ENV=production")
	}
	if c.UserDBType != "jwt" && c.UserDBType != "none" {
		return fmt.Errorf("USER_DB_TYPE must be jwt or none, got %q", c.UserDBType)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("HIVE_FLUSH_INTERVAL must be > 0, got %s", c.FlushInterval)
	}
	if c.MaxBuffer <= 0 {
		return fmt.Errorf("HIVE_MAX_BUFFER must be > 0, got %d", c.MaxBuffer)
	}
	if c.MaxPerFlush <= 0 {
		return fmt.Errorf("HIVE_MAX_PER_FLUSH must be > 0, got %d", c.MaxPerFlush)
	}
	if c.IngestRPS < 0 {
		return fmt.Errorf("HIVE_INGEST_RPS must be >= 0, got %d", c.IngestRPS)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("HIVE_TRACING_SAMPLE_RATE must be 0-1, got %f", c.TracingSampleRate)
	}
	return nil
}

// Development reports whether verbose error payloads are enabled.
func (c Config) Development() bool { return c.Env == "development" }

// ListenAddr joins the wildcard host with the configured port.
func (c Config) ListenAddr() string { return fmt.Sprintf(":%d", c.Port) }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
