// Package config loads service settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLocalPath is used when no storage backend is configured.
const DefaultLocalPath = "./data"

// Config holds the service settings. Environment variables win over the file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Email   EmailConfig   `yaml:"email"`
	Browser BrowserConfig `yaml:"browser"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
	// TokenSecret keys the per-session stop tokens. When empty a random
	// secret is generated at startup and tokens do not survive a restart.
	TokenSecret string `yaml:"token_secret"`
}

// StorageConfig selects where session rows live: Redis when an address is
// set, else the local directory when set, else the bucket.
type StorageConfig struct {
	LocalPath     string `yaml:"local_path"`
	Bucket        string `yaml:"bucket"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
}

// EmailConfig selects the email provider: Brevo when an API key is set,
// Gmail when credentials are available, otherwise a logging mock.
type EmailConfig struct {
	FromAddr              string `yaml:"from_addr"`
	FromName              string `yaml:"from_name"`
	BrevoAPIKey           string `yaml:"brevo_api_key"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json"`
}

// BrowserConfig enables the headless-browser fallback of the page fetcher.
type BrowserConfig struct {
	Bin     string `yaml:"bin"`
	Enabled bool   `yaml:"enabled"`
}

// Storage backend names.
const (
	BackendRedis = "redis"
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Load reads the YAML file at path (skipped when empty), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Email: EmailConfig{
			FromName: "Page Watch",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if cfg.Storage.RedisAddr == "" && cfg.Storage.Bucket == "" && cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = DefaultLocalPath
	}
	if cfg.Server.Port == "" {
		return nil, errors.New("server port is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.Server.Port, "PORT")
	set(&c.Server.TokenSecret, "TOKEN_SECRET")
	set(&c.Storage.LocalPath, "LOCAL_STORAGE")
	set(&c.Storage.Bucket, "STORAGE_BUCKET")
	set(&c.Storage.RedisAddr, "REDIS_ADDR")
	set(&c.Storage.RedisPassword, "REDIS_PASSWORD")
	set(&c.Email.FromAddr, "MAIL_FROM")
	set(&c.Email.FromName, "MAIL_FROM_NAME")
	set(&c.Email.BrevoAPIKey, "BREVO_API_KEY")
	set(&c.Email.GoogleCredentialsJSON, "GOOGLE_CREDENTIALS_JSON")
	set(&c.Browser.Bin, "BROWSER_BIN")

	if v := strings.TrimSpace(getenv("BROWSER_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROWSER_ENABLED: %w", err)
		}
		c.Browser.Enabled = enabled
	}
	return nil
}

// StorageBackend names the backend the storage settings select.
func (c *Config) StorageBackend() string {
	switch {
	case c.Storage.RedisAddr != "":
		return BackendRedis
	case c.Storage.LocalPath != "":
		return BackendLocal
	default:
		return BackendGCS
	}
}
