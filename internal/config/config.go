package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents the gateway configuration
type Config struct {
	Port         int                `json:"port"`
	SecretsFile  string             `json:"secrets_file,omitempty"`
	CatalogFile  string             `json:"catalog_file,omitempty"`
	Database     DatabaseConfig     `json:"database"`
	Aggregator   AggregatorConfig   `json:"aggregator"`
	Quota        QuotaConfig        `json:"quota"`
	Sessions     SessionsConfig     `json:"sessions"`
	Maintenance  MaintenanceConfig  `json:"maintenance"`
	RateLimiting RateLimitingConfig `json:"rateLimiting,omitempty"`
	Tracing      TracingConfig      `json:"tracing,omitempty"`
	Debug        DebugConfig        `json:"debug,omitempty"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// AggregatorConfig configures the outbound AI aggregator API.
type AggregatorConfig struct {
	Name           string `json:"name,omitempty"`
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	HistoryLimit   int    `json:"history_limit,omitempty"` // Prior turns sent per model; 0 sends only the new message
}

// QuotaConfig is the per-user message budget, a token bucket refilled over an interval.
type QuotaConfig struct {
	Enabled         bool `json:"enabled"`
	Capacity        int  `json:"capacity"`
	RefillAmount    int  `json:"refill_amount"`
	IntervalSeconds int  `json:"interval_seconds"`
	ExemptPremium   bool `json:"exempt_premium"`
}

// SessionsConfig controls in-memory chat session lifetime.
type SessionsConfig struct {
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes"`
	JanitorSchedule    string `json:"janitor_schedule,omitempty"` // cron spec, default "@every 5m"
}

// MaintenanceConfig controls scheduled database housekeeping.
type MaintenanceConfig struct {
	Enabled            bool   `json:"enabled"`
	Schedule           string `json:"schedule"`             // cron spec, default "0 3 * * *"
	ChatRetentionDays  int    `json:"chat_retention_days"`  // 0 keeps chats forever
	PurgeExpiredTokens bool   `json:"purge_expired_tokens"` // deactivate tokens past their expiry
	VacuumThresholdMB  int64  `json:"vacuum_threshold_mb"`  // VACUUM only above this size
	BackupBeforeVacuum bool   `json:"backup_before_vacuum"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter,omitempty"` // "none", "stdout", "otlp"
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty"`
	SampleRate   float64 `json:"sample_rate,omitempty"`
	ServiceName  string  `json:"service_name,omitempty"`
}

// DebugConfig contains debugging and logging settings
type DebugConfig struct {
	LogMessageContent bool `json:"log_message_content,omitempty"` // Enable logging of message content (privacy risk!)
	VerboseLogging    bool `json:"verbose_logging,omitempty"`
}

// RateLimitingConfig contains rate limiting settings
type RateLimitingConfig struct {
	Enabled                bool                `json:"enabled"`
	Anonymous              RateLimitTierConfig `json:"anonymous"`
	Authenticated          RateLimitTierConfig `json:"authenticated"`
	CleanupIntervalSeconds int                 `json:"cleanupIntervalSeconds"`
}

// RateLimitTierConfig defines rate limiting for a specific tier (anonymous vs authenticated)
type RateLimitTierConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Port: 18790,
		Database: DatabaseConfig{
			Path: "fusion.db",
		},
		Aggregator: AggregatorConfig{
			Name:           "kravix",
			Endpoint:       "https://kravixstudio.com/api/v1/chat",
			APIKey:         "${KRAVIX_STUDIO_API_KEY}",
			TimeoutSeconds: 60,
			HistoryLimit:   0,
		},
		Quota: QuotaConfig{
			Enabled:         true,
			Capacity:        10,
			RefillAmount:    10,
			IntervalSeconds: 86400, // 10 messages per day
			ExemptPremium:   true,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMinutes: 60,
			JanitorSchedule:    "@every 5m",
		},
		Maintenance: MaintenanceConfig{
			Enabled:            true,
			Schedule:           "0 3 * * *", // daily at 3 AM
			ChatRetentionDays:  0,
			PurgeExpiredTokens: true,
			VacuumThresholdMB:  100,
			BackupBeforeVacuum: true,
		},
		RateLimiting: RateLimitingConfig{
			Enabled: true,
			Anonymous: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   100,
			},
			Authenticated: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   1000,
			},
			CleanupIntervalSeconds: 300,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "aifusion",
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Check if file exists, create default if not
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		return cfg.finish()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg.finish()
}

// finish runs the post-parse steps shared by fresh and loaded configs.
func (c *Config) finish() (*Config, error) {
	c.expandTilde()

	// Load secrets file (KEY=VALUE) into the environment before
	// expanding ${ENV_VAR} placeholders in the config.
	if err := c.loadSecretsFile(); err != nil {
		return nil, fmt.Errorf("failed to load secrets file: %w", err)
	}

	c.expandEnvVars()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return c, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandEnvVars expands environment variables in configuration values
func (c *Config) expandEnvVars() {
	c.SecretsFile = os.ExpandEnv(c.SecretsFile)
	c.CatalogFile = os.ExpandEnv(c.CatalogFile)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Aggregator.Endpoint = os.ExpandEnv(c.Aggregator.Endpoint)
	c.Aggregator.APIKey = os.ExpandEnv(c.Aggregator.APIKey)
	c.Tracing.OTLPEndpoint = os.ExpandEnv(c.Tracing.OTLPEndpoint)
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Aggregator.TimeoutSeconds < 0 {
		return fmt.Errorf("aggregator timeout_seconds must not be negative")
	}
	if c.Aggregator.HistoryLimit < 0 {
		return fmt.Errorf("aggregator history_limit must not be negative")
	}

	if c.Quota.Enabled {
		if c.Quota.Capacity <= 0 {
			return fmt.Errorf("quota capacity must be greater than 0")
		}
		if c.Quota.RefillAmount <= 0 || c.Quota.IntervalSeconds <= 0 {
			return fmt.Errorf("quota refill_amount and interval_seconds must be greater than 0")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.Anonymous.WindowSeconds <= 0 || c.RateLimiting.Anonymous.MaxRequests <= 0 {
			return fmt.Errorf("invalid anonymous rate limiting configuration")
		}
		if c.RateLimiting.Authenticated.WindowSeconds <= 0 || c.RateLimiting.Authenticated.MaxRequests <= 0 {
			return fmt.Errorf("invalid authenticated rate limiting configuration")
		}
	}

	if c.Maintenance.Enabled && c.Maintenance.Schedule == "" {
		return fmt.Errorf("maintenance schedule is required when maintenance is enabled")
	}
	if c.Maintenance.ChatRetentionDays < 0 {
		return fmt.Errorf("maintenance chat_retention_days must not be negative")
	}

	if c.Sessions.IdleTimeoutMinutes < 0 {
		return fmt.Errorf("sessions idle_timeout_minutes must not be negative")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "", "none", "stdout", "otlp":
		default:
			return fmt.Errorf("unsupported tracing exporter %q", c.Tracing.Exporter)
		}
	}

	return nil
}

// expandTilde replaces a leading "~/" with the user's home directory in
// path-valued config fields. Called before env-var expansion so that
// both "~/foo" and "${SOME_PATH}" work.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return // can't expand, leave as-is
	}
	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}

	c.SecretsFile = expand(c.SecretsFile)
	c.CatalogFile = expand(c.CatalogFile)
	c.Database.Path = expand(c.Database.Path)
}

// loadSecretsFile reads a KEY=VALUE file into the process environment.
// Blank lines and lines starting with '#' are ignored.
// Existing environment variables are NOT overridden (shell/systemd wins).
// If SecretsFile is empty or the file doesn't exist, this is a no-op.
func (c *Config) loadSecretsFile() error {
	if c.SecretsFile == "" {
		return nil
	}

	f, err := os.Open(c.SecretsFile)
	if os.IsNotExist(err) {
		return nil // missing file is fine
	}
	if err != nil {
		return fmt.Errorf("cannot open secrets file %s: %w", c.SecretsFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
