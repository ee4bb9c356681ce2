// Package config loads the jira-mirror configuration from a JSON file and
// JMIRROR_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override, e.g. JMIRROR_OAUTH_CLIENT_SECRET
	EnvPrefix = "JMIRROR"

	// MaxPageSize is the largest maxResults Jira honors on its paged endpoints
	MaxPageSize = 100
)

// Config represents the application configuration
type Config struct {
	// Path to the SQLite database file, relative paths resolve against the config file
	DatabasePath string `mapstructure:"database_path"`

	OAuth    OAuthConfig    `mapstructure:"oauth"`
	API      APIConfig      `mapstructure:"api"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// OAuthConfig holds the Atlassian OAuth 2.0 (3LO) app credentials
type OAuthConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	ResourcesURL string   `mapstructure:"resources_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// APIConfig tunes the Jira REST client
type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	PageSize   int           `mapstructure:"page_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ScheduleConfig sets how often the background cycles run
type ScheduleConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
}

// ServerConfig configures the operational HTTP surface
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "jira_mirror.db")

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", "http://localhost:8080/auth/callback")
	v.SetDefault("oauth.auth_url", "https://auth.atlassian.com/authorize")
	v.SetDefault("oauth.token_url", "https://auth.atlassian.com/oauth/token")
	v.SetDefault("oauth.resources_url", "https://api.atlassian.com/oauth/token/accessible-resources")
	v.SetDefault("oauth.scopes", []string{
		"read:jira-work", "read:jira-user", "manage:jira-configuration", "read:me", "offline_access",
	})

	v.SetDefault("api.base_url", "https://api.atlassian.com/ex/jira")
	v.SetDefault("api.page_size", 50)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.max_retries", 3)

	v.SetDefault("schedule.refresh_interval", "1m")
	v.SetDefault("schedule.sync_interval", "1h")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration file at path, applies environment overrides and
// validates the result. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Make database path absolute if it's relative
	if path != "" && cfg.DatabasePath != "" && !filepath.IsAbs(cfg.DatabasePath) {
		cfg.DatabasePath = filepath.Join(filepath.Dir(path), cfg.DatabasePath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks everything except the OAuth app credentials, which only the
// commands talking to Atlassian need
func (c *Config) Validate() error {
	var errs []error

	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.API.PageSize < 1 || c.API.PageSize > MaxPageSize {
		errs = append(errs, fmt.Errorf("api.page_size must be between 1 and %d, got %d", MaxPageSize, c.API.PageSize))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("api.max_retries must not be negative"))
	}
	if c.Schedule.RefreshInterval <= 0 {
		errs = append(errs, errors.New("schedule.refresh_interval must be positive"))
	}
	if c.Schedule.SyncInterval <= 0 {
		errs = append(errs, errors.New("schedule.sync_interval must be positive"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ValidateOAuth checks that the OAuth app credentials are present
func (c *Config) ValidateOAuth() error {
	var missing []string
	if c.OAuth.ClientID == "" {
		missing = append(missing, "oauth.client_id")
	}
	if c.OAuth.ClientSecret == "" {
		missing = append(missing, "oauth.client_secret")
	}
	if c.OAuth.RedirectURL == "" {
		missing = append(missing, "oauth.redirect_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing OAuth settings: %s (set them in the config file or as %s_* variables)",
			strings.Join(missing, ", "), EnvPrefix)
	}
	return nil
}

// CreateDefault writes a configuration file with every default if none exists at path
func CreateDefault(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	v := viper.New()
	setDefaults(v)
	data, err := json.MarshalIndent(v.AllSettings(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
