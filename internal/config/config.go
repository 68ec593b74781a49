// Package config loads the edge service configuration from a YAML file with
// environment variable overrides, and supports hot reload of the provider
// credentials while the service is running.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Streamlabs holds the OAuth client settings for the donation provider.
type Streamlabs struct {
	// ClientID and ClientSecret identify this application to the provider.
	ClientID     string `yaml:"client-id"`
	ClientSecret string `yaml:"client-secret"`
	// RedirectURI overrides the computed {origin}/streamlabs/callback value.
	RedirectURI string `yaml:"redirect-uri"`
	// Scopes requested during authorization.
	Scopes string `yaml:"scopes"`
	// ExpectedUsername is the account the connect flow must resolve to.
	ExpectedUsername string `yaml:"expected-username"`
	// FallbackAccessToken allows read-only total fetches without a store.
	FallbackAccessToken string `yaml:"fallback-access-token"`
}

// Logging configures logrus output.
type Logging struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Config is the root configuration document.
type Config struct {
	Listen     string     `yaml:"listen"`
	AssetDir   string     `yaml:"asset-dir"`
	RedisURL   string     `yaml:"redis-url"`
	Streamlabs Streamlabs `yaml:"streamlabs"`
	Logging    Logging    `yaml:"logging"`
}

const (
	defaultListen           = "127.0.0.1:8787"
	defaultScopes           = "donations.read"
	defaultExpectedUsername = "teamcovey"
)

// Load reads path (if it exists), applies environment overrides and defaults.
// A missing file is not an error: a fully env-driven deployment is valid.
func Load(path string) (*Config, error) {
	// .env files are a convenience for local runs; deployed environments
	// inject real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Listen, "EDGE_LISTEN")
	setFromEnv(&c.AssetDir, "EDGE_ASSET_DIR")
	setFromEnv(&c.RedisURL, "REDIS_URL")
	setFromEnv(&c.Streamlabs.ClientID, "STREAMLABS_CLIENT_ID")
	setFromEnv(&c.Streamlabs.ClientSecret, "STREAMLABS_CLIENT_SECRET")
	setFromEnv(&c.Streamlabs.RedirectURI, "STREAMLABS_REDIRECT_URI")
	setFromEnv(&c.Streamlabs.Scopes, "STREAMLABS_SCOPES")
	setFromEnv(&c.Streamlabs.ExpectedUsername, "STREAMLABS_EXPECTED_USERNAME")
	setFromEnv(&c.Streamlabs.FallbackAccessToken, "STREAMLABS_ACCESS_TOKEN")
	setFromEnv(&c.Logging.Level, "EDGE_LOG_LEVEL")
	setFromEnv(&c.Logging.File, "EDGE_LOG_FILE")
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Streamlabs.Scopes == "" {
		c.Streamlabs.Scopes = defaultScopes
	}
	if c.Streamlabs.ExpectedUsername == "" {
		c.Streamlabs.ExpectedUsername = defaultExpectedUsername
	}
	c.Streamlabs.ClientID = strings.TrimSpace(c.Streamlabs.ClientID)
	c.Streamlabs.ClientSecret = strings.TrimSpace(c.Streamlabs.ClientSecret)
	c.Streamlabs.RedirectURI = strings.TrimSpace(c.Streamlabs.RedirectURI)
	c.Streamlabs.Scopes = strings.TrimSpace(c.Streamlabs.Scopes)
}

func setFromEnv(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}
