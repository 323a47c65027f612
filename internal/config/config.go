// Package config handles Site Kit configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Persistence
	Database DatabaseConfig `json:"database" mapstructure:"database"`
	Cache    CacheConfig    `json:"cache" mapstructure:"cache"`
	Redis    RedisConfig    `json:"redis" mapstructure:"redis"`

	// Provider access
	OAuth OAuthConfig `json:"oauth" mapstructure:"oauth"`

	// Secrets never written to disk
	Security SecurityConfig `json:"security" mapstructure:"security"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ServerConfig for HTTP server
type ServerConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`
}

// DatabaseConfig selects the relational store.
// Driver is one of sqlite (pure Go), sqlite3 (cgo), pgx or postgres.
type DatabaseConfig struct {
	Driver string `json:"driver" mapstructure:"driver"`
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// CacheConfig for the response cache
type CacheConfig struct {
	Backend    string        `json:"backend" mapstructure:"backend"` // sql or redis
	TTL        time.Duration `json:"ttl" mapstructure:"ttl"`
	GCInterval time.Duration `json:"gc_interval" mapstructure:"gc_interval"`
}

// RedisConfig for the redis cache backend and refresh lock
type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"-" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	LockTTL  time.Duration `json:"lock_ttl" mapstructure:"lock_ttl"`
}

// OAuthConfig for token refresh and provider calls
type OAuthConfig struct {
	ClientID       string        `json:"client_id" mapstructure:"client_id"`
	ClientSecret   string        `json:"-" mapstructure:"client_secret"`
	TokenURL       string        `json:"token_url" mapstructure:"token_url"`
	SafetyMargin   time.Duration `json:"safety_margin" mapstructure:"safety_margin"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// SecurityConfig holds secrets; only ever read from the environment
type SecurityConfig struct {
	EncryptionKey  string `json:"-" mapstructure:"encryption_key"`
	AdminJWTSecret string `json:"-" mapstructure:"admin_jwt_secret"`
}

// LoggingConfig for the logger
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".sitekit")

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(dataDir, "sitekit.db"),
		},
		Cache: CacheConfig{
			Backend:    "sql",
			TTL:        time.Hour,
			GCInterval: 15 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: 30 * time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL:       "https://oauth2.googleapis.com/token",
			SafetyMargin:   60 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3", "pgx", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.OAuth.RequestTimeout <= 0 {
		return errors.New("oauth request timeout must be positive")
	}
	if c.OAuth.SafetyMargin < 0 {
		return errors.New("oauth safety margin must not be negative")
	}
	return nil
}

// Load loads config from file, falling back to defaults.
// Precedence: SITEKIT_* environment (after an optional .env in the working
// directory or data dir) > config file > defaults.
func Load(path string) (*Config, error) {
	def := Default()

	if path == "" {
		path = filepath.Join(def.DataDir, "config.json")
	}

	for _, envFile := range []string{".env", filepath.Join(filepath.Dir(path), ".env")} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v, def)

	v.SetEnvPrefix("SITEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Same variables the one-time authorization tooling uses
	_ = v.BindEnv("oauth.client_id", "SITEKIT_OAUTH_CLIENT_ID", "GOOGLE_CLIENT_ID")
	_ = v.BindEnv("oauth.client_secret", "SITEKIT_OAUTH_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// A relocated data dir carries the default database with it
	if cfg.DataDir != def.DataDir && cfg.Database.DSN == def.Database.DSN {
		dir := cfg.DataDir
		cfg.DataDir = def.DataDir
		cfg.SetDataDir(dir)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("database.driver", c.Database.Driver)
	v.SetDefault("database.dsn", c.Database.DSN)
	v.SetDefault("cache.backend", c.Cache.Backend)
	v.SetDefault("cache.ttl", c.Cache.TTL)
	v.SetDefault("cache.gc_interval", c.Cache.GCInterval)
	v.SetDefault("redis.addr", c.Redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", c.Redis.DB)
	v.SetDefault("redis.lock_ttl", c.Redis.LockTTL)
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.token_url", c.OAuth.TokenURL)
	v.SetDefault("oauth.safety_margin", c.OAuth.SafetyMargin)
	v.SetDefault("oauth.request_timeout", c.OAuth.RequestTimeout)
	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.admin_jwt_secret", "")
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
}

// SetDataDir moves the data directory, carrying a default SQLite database with it
func (c *Config) SetDataDir(dir string) {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.DSN == filepath.Join(c.DataDir, "sitekit.db") {
			c.Database.DSN = filepath.Join(dir, "sitekit.db")
		}
	}
	c.DataDir = dir
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Secret fields carry json:"-" and never reach the file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
