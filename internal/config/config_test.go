package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Port != 18790 {
		t.Errorf("Expected default port 18790, got %d", cfg.Port)
	}

	if cfg.Database.Path != "fusion.db" {
		t.Errorf("Expected default database path 'fusion.db', got %s", cfg.Database.Path)
	}

	if cfg.Aggregator.Endpoint != "https://kravixstudio.com/api/v1/chat" {
		t.Errorf("Unexpected default aggregator endpoint %s", cfg.Aggregator.Endpoint)
	}

	if cfg.Aggregator.TimeoutSeconds != 60 {
		t.Errorf("Expected default aggregator timeout 60, got %d", cfg.Aggregator.TimeoutSeconds)
	}

	// 10 messages refilled every 24h
	if !cfg.Quota.Enabled || cfg.Quota.Capacity != 10 || cfg.Quota.RefillAmount != 10 || cfg.Quota.IntervalSeconds != 86400 {
		t.Errorf("Unexpected default quota %+v", cfg.Quota)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestRateLimitingDefaults(t *testing.T) {
	cfg := Default()

	if !cfg.RateLimiting.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if cfg.RateLimiting.Anonymous.WindowSeconds != 60 || cfg.RateLimiting.Anonymous.MaxRequests != 100 {
		t.Errorf("Unexpected anonymous tier %+v", cfg.RateLimiting.Anonymous)
	}
	if cfg.RateLimiting.Authenticated.WindowSeconds != 60 || cfg.RateLimiting.Authenticated.MaxRequests != 1000 {
		t.Errorf("Unexpected authenticated tier %+v", cfg.RateLimiting.Authenticated)
	}
	if cfg.RateLimiting.CleanupIntervalSeconds != 300 {
		t.Errorf("Expected cleanup interval 300 seconds, got %d", cfg.RateLimiting.CleanupIntervalSeconds)
	}
}

func TestConfigSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.json")

	original := Default()
	original.Port = 19999
	original.Database.Path = "./test.db"
	original.Aggregator.APIKey = "test-key"
	original.Aggregator.HistoryLimit = 6
	original.Quota.Capacity = 3

	if err := original.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loaded.Port != 19999 {
		t.Errorf("Expected port 19999, got %d", loaded.Port)
	}
	if loaded.Database.Path != "./test.db" {
		t.Errorf("Expected database path './test.db', got %s", loaded.Database.Path)
	}
	if loaded.Aggregator.APIKey != "test-key" {
		t.Errorf("Expected api key 'test-key', got %s", loaded.Aggregator.APIKey)
	}
	if loaded.Aggregator.HistoryLimit != 6 {
		t.Errorf("Expected history limit 6, got %d", loaded.Aggregator.HistoryLimit)
	}
	if loaded.Quota.Capacity != 3 {
		t.Errorf("Expected quota capacity 3, got %d", loaded.Quota.Capacity)
	}
}

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load missing config: %v", err)
	}
	if cfg.Port != Default().Port {
		t.Errorf("Expected default port, got %d", cfg.Port)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("Expected default config file to be written: %v", err)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	partial := `{
  "port": 18890,
  "rateLimiting": {
    "enabled": false,
    "anonymous": {"windowSeconds": 30, "maxRequests": 50},
    "authenticated": {"windowSeconds": 120, "maxRequests": 2000},
    "cleanupIntervalSeconds": 600
  }
}`
	if err := os.WriteFile(configPath, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Port != 18890 {
		t.Errorf("Expected port 18890, got %d", cfg.Port)
	}
	if cfg.RateLimiting.Enabled {
		t.Error("Expected rate limiting to be disabled")
	}
	if cfg.RateLimiting.Authenticated.MaxRequests != 2000 {
		t.Errorf("Expected authenticated max requests 2000, got %d", cfg.RateLimiting.Authenticated.MaxRequests)
	}
	if cfg.Quota.Capacity != 10 {
		t.Errorf("Expected default quota capacity to survive partial config, got %d", cfg.Quota.Capacity)
	}
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("FUSION_TEST_KEY", "secret-from-env")

	configPath := filepath.Join(t.TempDir(), "config.json")
	raw := `{"port": 18790, "database": {"path": "x.db"}, "aggregator": {"endpoint": "http://localhost", "api_key": "${FUSION_TEST_KEY}"}}`
	if err := os.WriteFile(configPath, []byte(raw), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Aggregator.APIKey != "secret-from-env" {
		t.Errorf("Expected expanded api key, got %q", cfg.Aggregator.APIKey)
	}
}

func TestSecretsFile(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.env")
	secrets := "# comment\n\nFUSION_SECRETS_TEST_KEY=\"quoted-value\"\nnot a pair\n"
	if err := os.WriteFile(secretsPath, []byte(secrets), 0600); err != nil {
		t.Fatalf("Failed to write secrets: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("FUSION_SECRETS_TEST_KEY") })

	cfg := Default()
	cfg.SecretsFile = secretsPath
	cfg.Aggregator.APIKey = "${FUSION_SECRETS_TEST_KEY}"

	configPath := filepath.Join(dir, "config.json")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if loaded.Aggregator.APIKey != "quoted-value" {
		t.Errorf("Expected secret from file, got %q", loaded.Aggregator.APIKey)
	}
}

func TestSecretsFileDoesNotOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.env")
	if err := os.WriteFile(secretsPath, []byte("FUSION_SECRETS_OVERRIDE=file\n"), 0600); err != nil {
		t.Fatalf("Failed to write secrets: %v", err)
	}
	t.Setenv("FUSION_SECRETS_OVERRIDE", "shell")

	cfg := Default()
	cfg.SecretsFile = secretsPath
	if err := cfg.loadSecretsFile(); err != nil {
		t.Fatalf("loadSecretsFile: %v", err)
	}
	if got := os.Getenv("FUSION_SECRETS_OVERRIDE"); got != "shell" {
		t.Errorf("Expected shell value to win, got %q", got)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cfg := Default()
	cfg.Database.Path = "~/fusion/fusion.db"
	cfg.CatalogFile = "/abs/catalog.yaml"
	cfg.expandTilde()

	if cfg.Database.Path != filepath.Join(home, "fusion/fusion.db") {
		t.Errorf("Expected tilde expansion, got %s", cfg.Database.Path)
	}
	if cfg.CatalogFile != "/abs/catalog.yaml" {
		t.Errorf("Absolute path should be untouched, got %s", cfg.CatalogFile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"no database", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"negative timeout", func(c *Config) { c.Aggregator.TimeoutSeconds = -1 }, "timeout_seconds"},
		{"negative history", func(c *Config) { c.Aggregator.HistoryLimit = -2 }, "history_limit"},
		{"zero quota", func(c *Config) { c.Quota.Capacity = 0 }, "quota capacity"},
		{"zero refill", func(c *Config) { c.Quota.IntervalSeconds = 0 }, "refill_amount"},
		{"bad tier", func(c *Config) { c.RateLimiting.Anonymous.MaxRequests = 0 }, "anonymous"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "exporter"},
		{"no maintenance schedule", func(c *Config) { c.Maintenance.Schedule = "" }, "maintenance schedule"},
		{"negative retention", func(c *Config) { c.Maintenance.ChatRetentionDays = -1 }, "chat_retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	disabled := Default()
	disabled.Quota.Enabled = false
	disabled.Quota.Capacity = 0
	if err := disabled.Validate(); err != nil {
		t.Errorf("Disabled quota should not be validated: %v", err)
	}
}

func TestConfigJSONKeys(t *testing.T) {
	data, err := json.Marshal(Default())
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Failed to unmarshal config: %v", err)
	}

	for _, key := range []string{"port", "database", "aggregator", "quota", "sessions", "maintenance", "rateLimiting"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("Expected key %q in serialized config", key)
		}
	}
}
