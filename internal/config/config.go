package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the assignment service.
type Config struct {
	Port       int
	Version    string
	DataDir    string
	Database   DatabaseConfig
	Telemetry  TelemetryConfig
	Auth       AuthConfig
	Events     EventsConfig
	Classifier ClassifierConfig
	Business   BusinessHoursConfig
	Routing    RoutingConfig
	Retention  RetentionConfig
}

type DatabaseConfig struct {
	URL            string // empty selects the in-memory store
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	APIKeys []string
}

type EventsConfig struct {
	AMQPURL       string
	AMQPExchange  string
	WebhookURL    string
	WebhookSecret string
}

type ClassifierConfig struct {
	URL     string
	Timeout time.Duration
}

type BusinessHoursConfig struct {
	Timezone string
	Start    string
	End      string
	Days     string
}

type RoutingConfig struct {
	EquityWindow      time.Duration
	OverloadThreshold float64
	FallbackPenalty   float64
	FallbackTeamType  string
	TableFile         string
	TableTTL          time.Duration
}

// RetentionConfig controls purging of old handoff history. Days <= 0
// disables the janitor; an empty ArchiveDir purges without archiving.
type RetentionConfig struct {
	Days       int
	Interval   time.Duration
	ArchiveDir string
	Compress   bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("EDUCHAT_PORT", 8080),
		Version: envStr("EDUCHAT_VERSION", "0.1.0"),
		DataDir: envStr("EDUCHAT_DATA_DIR", ""),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "educhat-assignment"),
		},
		Auth: AuthConfig{
			APIKeys: envList("EDUCHAT_API_KEYS"),
		},
		Events: EventsConfig{
			AMQPURL:       envStr("EDUCHAT_AMQP_URL", ""),
			AMQPExchange:  envStr("EDUCHAT_AMQP_EXCHANGE", "assignments"),
			WebhookURL:    envStr("EDUCHAT_WEBHOOK_URL", ""),
			WebhookSecret: envStr("EDUCHAT_WEBHOOK_SECRET", ""),
		},
		Classifier: ClassifierConfig{
			URL:     envStr("EDUCHAT_CLASSIFIER_URL", ""),
			Timeout: envDuration("EDUCHAT_CLASSIFIER_TIMEOUT", 5*time.Second),
		},
		Business: BusinessHoursConfig{
			Timezone: envStr("EDUCHAT_TIMEZONE", "America/Sao_Paulo"),
			Start:    envStr("EDUCHAT_BUSINESS_START", "08:00"),
			End:      envStr("EDUCHAT_BUSINESS_END", "18:00"),
			Days:     envStr("EDUCHAT_BUSINESS_DAYS", "mon-fri"),
		},
		Routing: RoutingConfig{
			EquityWindow:      envDuration("EDUCHAT_EQUITY_WINDOW", 30*24*time.Hour),
			OverloadThreshold: envFloat("EDUCHAT_OVERLOAD_THRESHOLD", 0.8),
			FallbackPenalty:   envFloat("EDUCHAT_FALLBACK_PENALTY", 0.7),
			FallbackTeamType:  envStr("EDUCHAT_FALLBACK_TEAM_TYPE", "support"),
			TableFile:         envStr("EDUCHAT_ROUTING_FILE", ""),
			TableTTL:          envDuration("EDUCHAT_ROUTING_TTL", time.Minute),
		},
		Retention: RetentionConfig{
			Days:       envInt("EDUCHAT_RETENTION_DAYS", 90),
			Interval:   envDuration("EDUCHAT_RETENTION_INTERVAL", time.Hour),
			ArchiveDir: envStr("EDUCHAT_ARCHIVE_DIR", ""),
			Compress:   envBool("EDUCHAT_ARCHIVE_COMPRESS", true),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
