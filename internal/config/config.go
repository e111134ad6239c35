// Package config loads server configuration from the environment, with an
// optional .env file for deployment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// AdminAuthMode selects how operator endpoints authenticate.
type AdminAuthMode string

const (
	// AdminAuthKey requires the shared admin API key header.
	AdminAuthKey AdminAuthMode = "key"
	// AdminAuthNone disables operator auth; local development only.
	AdminAuthNone AdminAuthMode = "none"
)

// Config holds the complete server configuration.
type Config struct {
	ListenHost string
	ListenPort int
	DataDir    string
	DBPath     string

	// Artifacts
	ContractPath   string
	PolicyPath     string
	WatchArtifacts bool

	// Operator auth
	AdminAuthMode AdminAuthMode
	AdminAPIKey   string

	// Ingest
	PipelineMode        string // "direct" or "pubsub"
	PubSubPushEndpoint  string
	PubSubPushToken     string
	ValidationMode      string // "reject" or "quarantine"
	UnknownKeyPolicy    string // "allow" or "flag"
	MaxPointsPerRequest int
	MaxRequestBodyBytes int64

	// Rate limiting
	RateLimitEnabled         bool
	RateLimitPointsPerMinute int

	// Alert routing
	NotificationsEnabled bool
	WebhookURLs          []string
	QuietHoursStart      string
	QuietHoursEnd        string
	QuietHoursTimezone   string
	DedupeWindow         time.Duration
	ThrottleWindow       time.Duration
	ThrottleMax          int

	// Background jobs
	OfflineCheckInterval   time.Duration
	CommandExpiryInterval  time.Duration
	RetentionSweepInterval time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env in the data
// directory (then the working directory) is applied first.
func Load() (*Config, error) {
	dataDir := "/var/lib/edgewatch"
	if dir := os.Getenv("EDGEWATCH_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Also try the current directory for development.
	_ = godotenv.Load()

	cfg := &Config{
		ListenHost: "0.0.0.0",
		ListenPort: 7744,
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "edgewatch.db"),

		ContractPath:   filepath.Join(dataDir, "contract.yaml"),
		PolicyPath:     filepath.Join(dataDir, "policy.yaml"),
		WatchArtifacts: true,

		AdminAuthMode: AdminAuthKey,

		PipelineMode:        "direct",
		ValidationMode:      "quarantine",
		UnknownKeyPolicy:    "flag",
		MaxPointsPerRequest: 5000,
		MaxRequestBodyBytes: 4 << 20,

		RateLimitEnabled:         true,
		RateLimitPointsPerMinute: 600,

		NotificationsEnabled: true,
		QuietHoursTimezone:   "UTC",
		DedupeWindow:         30 * time.Minute,
		ThrottleWindow:       time.Hour,
		ThrottleMax:          20,

		OfflineCheckInterval:   time.Minute,
		CommandExpiryInterval:  time.Minute,
		RetentionSweepInterval: 6 * time.Hour,

		LogLevel:  "info",
		LogFormat: "auto",
	}

	if host := os.Getenv("EDGEWATCH_HOST"); host != "" {
		cfg.ListenHost = host
	}
	if port := os.Getenv("EDGEWATCH_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid EDGEWATCH_PORT %q: %w", port, err)
		}
		cfg.ListenPort = p
	}
	if dbPath := os.Getenv("EDGEWATCH_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if path := os.Getenv("CONTRACT_PATH"); path != "" {
		cfg.ContractPath = path
	}
	if path := os.Getenv("POLICY_PATH"); path != "" {
		cfg.PolicyPath = path
	}
	if v := os.Getenv("WATCH_ARTIFACTS"); v != "" {
		cfg.WatchArtifacts = parseBool(v)
	}

	if mode := os.Getenv("ADMIN_AUTH_MODE"); mode != "" {
		switch AdminAuthMode(mode) {
		case AdminAuthKey, AdminAuthNone:
			cfg.AdminAuthMode = AdminAuthMode(mode)
		default:
			return nil, fmt.Errorf("invalid ADMIN_AUTH_MODE %q (want key or none)", mode)
		}
	}
	cfg.AdminAPIKey = os.Getenv("ADMIN_API_KEY")
	if cfg.AdminAuthMode == AdminAuthKey && cfg.AdminAPIKey == "" {
		return nil, fmt.Errorf("ADMIN_API_KEY is required when ADMIN_AUTH_MODE=key")
	}
	if cfg.AdminAuthMode == AdminAuthNone {
		log.Warn().Msg("Operator authentication disabled (ADMIN_AUTH_MODE=none)")
	}

	if mode := os.Getenv("INGEST_PIPELINE_MODE"); mode != "" {
		if mode != "direct" && mode != "pubsub" {
			return nil, fmt.Errorf("invalid INGEST_PIPELINE_MODE %q (want direct or pubsub)", mode)
		}
		cfg.PipelineMode = mode
	}
	cfg.PubSubPushEndpoint = os.Getenv("PUBSUB_PUSH_ENDPOINT")
	cfg.PubSubPushToken = os.Getenv("PUBSUB_PUSH_TOKEN")
	if cfg.PipelineMode == "pubsub" {
		if cfg.PubSubPushEndpoint == "" {
			return nil, fmt.Errorf("PUBSUB_PUSH_ENDPOINT is required when INGEST_PIPELINE_MODE=pubsub")
		}
		if cfg.PubSubPushToken == "" {
			return nil, fmt.Errorf("PUBSUB_PUSH_TOKEN is required when INGEST_PIPELINE_MODE=pubsub")
		}
	}

	if mode := os.Getenv("INGEST_VALIDATION_MODE"); mode != "" {
		if mode != "reject" && mode != "quarantine" {
			return nil, fmt.Errorf("invalid INGEST_VALIDATION_MODE %q (want reject or quarantine)", mode)
		}
		cfg.ValidationMode = mode
	}
	if policy := os.Getenv("INGEST_UNKNOWN_KEYS"); policy != "" {
		if policy != "allow" && policy != "flag" {
			return nil, fmt.Errorf("invalid INGEST_UNKNOWN_KEYS %q (want allow or flag)", policy)
		}
		cfg.UnknownKeyPolicy = policy
	}
	if v := os.Getenv("MAX_POINTS_PER_REQUEST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_POINTS_PER_REQUEST %q", v)
		}
		cfg.MaxPointsPerRequest = n
	}
	if v := os.Getenv("MAX_REQUEST_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid MAX_REQUEST_BODY_BYTES %q", v)
		}
		cfg.MaxRequestBodyBytes = n
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		cfg.RateLimitEnabled = parseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_POINTS_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_POINTS_PER_MINUTE %q", v)
		}
		cfg.RateLimitPointsPerMinute = n
	}

	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.NotificationsEnabled = parseBool(v)
	}
	if urls := os.Getenv("ALERT_WEBHOOK_URLS"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, u)
			}
		}
	}
	cfg.QuietHoursStart = os.Getenv("ALERT_QUIET_HOURS_START")
	cfg.QuietHoursEnd = os.Getenv("ALERT_QUIET_HOURS_END")
	if tz := os.Getenv("ALERT_QUIET_HOURS_TZ"); tz != "" {
		cfg.QuietHoursTimezone = tz
	}
	if v := os.Getenv("ALERT_DEDUPE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_DEDUPE_WINDOW %q: %w", v, err)
		}
		cfg.DedupeWindow = d
	}
	if v := os.Getenv("ALERT_THROTTLE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_THROTTLE_WINDOW %q: %w", v, err)
		}
		cfg.ThrottleWindow = d
	}
	if v := os.Getenv("ALERT_THROTTLE_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid ALERT_THROTTLE_MAX %q", v)
		}
		cfg.ThrottleMax = n
	}

	if v := os.Getenv("OFFLINE_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OFFLINE_CHECK_INTERVAL %q: %w", v, err)
		}
		cfg.OfflineCheckInterval = d
	}
	if v := os.Getenv("RETENTION_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION_SWEEP_INTERVAL %q: %w", v, err)
		}
		cfg.RetentionSweepInterval = d
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	return cfg, nil
}

// ListenAddr returns the host:port pair for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
