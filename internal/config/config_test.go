package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Default Config Tests
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", cfg.Cache.TTL)
	}
	if cfg.OAuth.SafetyMargin != 60*time.Second {
		t.Errorf("OAuth.SafetyMargin = %v, want 60s", cfg.OAuth.SafetyMargin)
	}
	if cfg.OAuth.RequestTimeout != 15*time.Second {
		t.Errorf("OAuth.RequestTimeout = %v, want 15s", cfg.OAuth.RequestTimeout)
	}
	if cfg.OAuth.TokenURL != "https://oauth2.googleapis.com/token" {
		t.Errorf("OAuth.TokenURL = %q", cfg.OAuth.TokenURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"zero timeout", func(c *Config) { c.OAuth.RequestTimeout = 0 }},
		{"negative margin", func(c *Config) { c.OAuth.SafetyMargin = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want default", cfg.Cache.TTL)
	}
}

func TestLoad_ValidConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"server": {"port": 9090, "host": "0.0.0.0"},
		"cache": {"backend": "redis", "ttl": "30m"},
		"oauth": {"safety_margin": "2m"},
		"logging": {"level": "debug"}
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Cache.Backend != "redis" {
		t.Errorf("Cache.Backend = %q, want redis", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("Cache.TTL = %v, want 30m", cfg.Cache.TTL)
	}
	if cfg.OAuth.SafetyMargin != 2*time.Minute {
		t.Errorf("OAuth.SafetyMargin = %v, want 2m", cfg.OAuth.SafetyMargin)
	}
	// Untouched sections keep defaults
	if cfg.OAuth.RequestTimeout != 15*time.Second {
		t.Errorf("OAuth.RequestTimeout = %v, want default", cfg.OAuth.RequestTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on invalid JSON")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {"port": 9090}}`), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SITEKIT_SERVER_PORT", "7070")
	t.Setenv("SITEKIT_SECURITY_ENCRYPTION_KEY", "s3cret")
	t.Setenv("GOOGLE_CLIENT_ID", "client-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Security.EncryptionKey != "s3cret" {
		t.Errorf("Security.EncryptionKey = %q, want env value", cfg.Security.EncryptionKey)
	}
	if cfg.OAuth.ClientID != "client-from-env" {
		t.Errorf("OAuth.ClientID = %q, want GOOGLE_CLIENT_ID value", cfg.OAuth.ClientID)
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SITEKIT_SECURITY_ADMIN_JWT_SECRET=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SITEKIT_SECURITY_ADMIN_JWT_SECRET") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.AdminJWTSecret != "from-dotenv" {
		t.Errorf("AdminJWTSecret = %q, want from-dotenv", cfg.Security.AdminJWTSecret)
	}
}

// =============================================================================
// Save Tests
// =============================================================================

func TestLoad_DataDirRelocatesDefaultDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	dataDir := filepath.Join(dir, "data")
	content := fmt.Sprintf(`{"data_dir": %q}`, dataDir)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := filepath.Join(dataDir, "sitekit.db"); cfg.Database.DSN != want {
		t.Errorf("Database.DSN = %q, want %q", cfg.Database.DSN, want)
	}
}

func TestLoad_ExplicitDSNSurvivesDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	dsn := filepath.Join(dir, "elsewhere.db")
	content := fmt.Sprintf(`{"data_dir": %q, "database": {"dsn": %q}}`, filepath.Join(dir, "data"), dsn)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != dsn {
		t.Errorf("Database.DSN = %q, want %q", cfg.Database.DSN, dsn)
	}
}

func TestSave_DoesNotSaveSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.OAuth.ClientSecret = "client-secret"
	cfg.Security.EncryptionKey = "enc-key"
	cfg.Security.AdminJWTSecret = "jwt-key"
	cfg.Redis.Password = "redis-pass"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"client-secret", "enc-key", "jwt-key", "redis-pass"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Errorf("saved config is not valid JSON: %v", err)
	}
}

func TestLoadAndSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Server.Port = 9191
	cfg.Cache.TTL = 45 * time.Minute
	cfg.Database.Driver = "pgx"
	cfg.Database.DSN = "postgres://localhost/sitekit"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", loaded.Server.Port)
	}
	if loaded.Cache.TTL != 45*time.Minute {
		t.Errorf("Cache.TTL = %v, want 45m", loaded.Cache.TTL)
	}
	if loaded.Database.Driver != "pgx" || loaded.Database.DSN != "postgres://localhost/sitekit" {
		t.Errorf("Database = %+v", loaded.Database)
	}
}

func TestSetDataDir(t *testing.T) {
	cfg := Default()
	cfg.SetDataDir("/srv/sitekit")

	if cfg.DataDir != "/srv/sitekit" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Database.DSN != filepath.Join("/srv/sitekit", "sitekit.db") {
		t.Errorf("Database.DSN = %q, want database moved with data dir", cfg.Database.DSN)
	}

	cfg = Default()
	cfg.Database.DSN = "/var/lib/other.db"
	cfg.SetDataDir("/srv/sitekit")
	if cfg.Database.DSN != "/var/lib/other.db" {
		t.Errorf("Database.DSN = %q, explicit path should be kept", cfg.Database.DSN)
	}

	cfg = Default()
	cfg.Database.Driver = "pgx"
	cfg.Database.DSN = "postgres://localhost/sitekit"
	cfg.SetDataDir("/srv/sitekit")
	if cfg.Database.DSN != "postgres://localhost/sitekit" {
		t.Errorf("Database.DSN = %q, postgres DSN should be kept", cfg.Database.DSN)
	}
}
