// Package config contains everything related to configuration
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration. A Config value is
// immutable once constructed; edits produce a new value via Save/Load.
type Config struct {
	APIKey      string `json:"api_key"`
	UserEmail   string `json:"user_email"`
	Dataset     string `json:"dataset"`
	Environment string `json:"environment"`

	RefreshInterval time.Duration `json:"-"`
	QueryTimeout    time.Duration `json:"-"`
	LookbackDays    int           `json:"-"`

	// RefreshIntervalSeconds mirrors RefreshInterval in the JSON file.
	RefreshIntervalSeconds int `json:"refresh_interval_seconds,omitempty"`

	path string
}

// Default values
const (
	defaultRefreshInterval = 60 * time.Second
	defaultQueryTimeout    = 15 * time.Second
	defaultLookbackDays    = 7
)

// FirstRunError reports a missing config file: the tool has never been
// configured. Callers surface this distinctly from a malformed config.
type FirstRunError struct {
	Path string
}

func (e *FirstRunError) Error() string {
	return fmt.Sprintf("config file not found at %s (first run?)", e.Path)
}

// ValidationError reports config fields that are missing or invalid.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "config missing required fields: " + strings.Join(e.Missing, ", ")
}

// IsFirstRun reports whether err indicates a missing config file.
func IsFirstRun(err error) bool {
	var fre *FirstRunError
	return errors.As(err, &fre)
}

// Load reads configuration from the config file, then applies .env files
// and environment variable overrides, and validates the result.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom reads configuration from an explicit file path.
func LoadFrom(path string) (*Config, error) {
	// Try loading .env from multiple locations
	for _, envPath := range getEnvPaths() {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			break
		}
	}

	cfg := &Config{
		RefreshInterval: defaultRefreshInterval,
		QueryTimeout:    defaultQueryTimeout,
		LookbackDays:    defaultLookbackDays,
		path:            path,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No file is still workable when the environment carries
		// everything; otherwise it is a first run.
		applyEnvOverrides(cfg)
		if verr := cfg.Validate(); verr != nil {
			return nil, &FirstRunError{Path: path}
		}
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.RefreshIntervalSeconds > 0 {
		cfg.RefreshInterval = time.Duration(cfg.RefreshIntervalSeconds) * time.Second
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variables on top of the file.
func applyEnvOverrides(cfg *Config) {
	cfg.APIKey = getEnvString("HONEYCOMB_API_KEY", cfg.APIKey)
	cfg.UserEmail = getEnvString("USER_EMAIL", cfg.UserEmail)
	cfg.Dataset = getEnvString("HONEYCOMB_DATASET", cfg.Dataset)
	cfg.Environment = getEnvString("HONEYCOMB_ENVIRONMENT", cfg.Environment)
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.QueryTimeout = getEnvDuration("QUERY_TIMEOUT", cfg.QueryTimeout)
}

// Validate checks that every field required before issuing a query is
// present. Each missing field is reported by name.
func (c *Config) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.UserEmail == "" {
		missing = append(missing, "user_email")
	}
	if c.Dataset == "" {
		missing = append(missing, "dataset")
	}
	if c.Environment == "" {
		missing = append(missing, "environment")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback days must be positive, got %d", c.LookbackDays)
	}
	return nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Save writes the config back to its file.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath()
	}
	if err := ensureDir(filepath.Dir(c.path)); err != nil {
		return err
	}
	c.RefreshIntervalSeconds = int(c.RefreshInterval / time.Second)
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(c.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// WriteTemplate writes a skeleton config file for the user to fill in.
// Existing files are left untouched.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := &Config{
		Dataset:         "claude-code",
		Environment:     "production",
		RefreshInterval: defaultRefreshInterval,
		path:            path,
	}
	return cfg.Save()
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".config", "token-overlay", "config.json")
}

// DefaultDatabasePath returns the default path for the history database.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "history.db"
	}
	return filepath.Join(home, ".config", "token-overlay", "history.db")
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "token-overlay", ".env"))
	}

	return paths
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
