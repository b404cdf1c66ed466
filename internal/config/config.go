// Package config loads harness configuration from the environment.
//
// A .env and .env.local in the working directory are loaded first; real
// environment variables always win. SETTINGS_E2E_PUBLIC_URL is the switch that
// turns the browser suite on: without it Load returns ErrNotConfigured and the
// suite skips.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvPublicURL       = "SETTINGS_E2E_PUBLIC_URL"
	EnvAdminURL        = "SETTINGS_E2E_ADMIN_URL"
	EnvMailURL         = "SETTINGS_E2E_MAIL_URL"
	EnvProxyURL        = "SETTINGS_E2E_PROXY_URL"
	EnvProxyListen     = "SETTINGS_E2E_PROXY_LISTEN"
	EnvExpressURL      = "SETTINGS_E2E_EXPRESS_URL"
	EnvReactURL        = "SETTINGS_E2E_REACT_URL"
	EnvExpressUpstream = "SETTINGS_E2E_EXPRESS_UPSTREAM"
	EnvReactUpstream   = "SETTINGS_E2E_REACT_UPSTREAM"
	EnvConfigFile      = "SETTINGS_E2E_CONFIG_FILE"
	EnvProfilesDir     = "SETTINGS_E2E_PROFILES_DIR"
	EnvReloadSettle    = "SETTINGS_E2E_RELOAD_SETTLE"
	EnvMailTimeout     = "SETTINGS_E2E_MAIL_TIMEOUT"
	EnvMailInterval    = "SETTINGS_E2E_MAIL_INTERVAL"
	EnvHeadless        = "SETTINGS_E2E_HEADLESS"
	EnvLogLevel        = "SETTINGS_E2E_LOG_LEVEL"
	EnvArtifactBucket  = "SETTINGS_E2E_ARTIFACT_BUCKET"
)

// ErrNotConfigured is returned by Load when no identity service URL is set.
var ErrNotConfigured = errors.New("config: " + EnvPublicURL + " is not set")

// Config holds all harness configuration.
type Config struct {
	// Identity service
	PublicURL string // public API, e.g. http://localhost:4433
	AdminURL  string // admin API, e.g. http://localhost:4434

	// Mail catcher HTTP API
	MailURL          string
	MailPollTimeout  time.Duration // upper bound for one verification-code lookup
	MailPollInterval time.Duration

	// App variants as the browser sees them
	ExpressURL string
	ReactURL   string

	// Variant proxy
	ProxyURL        string // control endpoint base
	ProxyListen     string
	ExpressUpstream string
	ReactUpstream   string

	// Live identity service configuration, hot-reloaded by the service
	ConfigFile   string
	ProfilesDir  string
	ReloadSettle time.Duration

	Headless bool
	LogLevel string

	// Artifact upload (optional; empty bucket disables it)
	ArtifactBucket     string
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Load reads .env files from the working directory, then the environment,
// and validates the result.
func Load() (*Config, error) {
	return LoadDir(".")
}

// LoadDir is Load with .env files read from dir. Relative file paths in the
// result are resolved against dir.
func LoadDir(dir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	_ = godotenv.Load(filepath.Join(dir, ".env.local"))
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = resolvePath(dir, cfg.ConfigFile)
	cfg.ProfilesDir = resolvePath(dir, cfg.ProfilesDir)
	return cfg, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// FromEnv builds a Config from the current environment without touching .env files.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	var problems []string
	duration := func(key string, defaultValue time.Duration) time.Duration {
		d, err := parseDurationOrDefault(key, defaultValue)
		if err != nil {
			problems = append(problems, err.Error())
		}
		return d
	}

	cfg.PublicURL = strings.TrimSpace(os.Getenv(EnvPublicURL))
	if cfg.PublicURL == "" {
		return nil, ErrNotConfigured
	}
	cfg.AdminURL = getEnvOrDefault(EnvAdminURL, "http://localhost:4434")

	cfg.MailURL = getEnvOrDefault(EnvMailURL, "http://localhost:4437")
	cfg.MailPollTimeout = duration(EnvMailTimeout, 30*time.Second)
	cfg.MailPollInterval = duration(EnvMailInterval, 500*time.Millisecond)

	cfg.ExpressURL = getEnvOrDefault(EnvExpressURL, "http://localhost:4456")
	cfg.ReactURL = getEnvOrDefault(EnvReactURL, "http://localhost:4455")

	cfg.ProxyURL = getEnvOrDefault(EnvProxyURL, cfg.ReactURL)
	cfg.ProxyListen = getEnvOrDefault(EnvProxyListen, ":4455")
	cfg.ExpressUpstream = getEnvOrDefault(EnvExpressUpstream, "http://localhost:4456")
	cfg.ReactUpstream = getEnvOrDefault(EnvReactUpstream, "http://localhost:4457")

	cfg.ConfigFile = getEnvOrDefault(EnvConfigFile, "test/e2e/kratos.generated.yml")
	cfg.ProfilesDir = getEnvOrDefault(EnvProfilesDir, "tests/profiles")
	cfg.ReloadSettle = duration(EnvReloadSettle, 200*time.Millisecond)

	headless, err := parseBoolOrDefault(EnvHeadless, true)
	if err != nil {
		problems = append(problems, err.Error())
	}
	cfg.Headless = headless
	cfg.LogLevel = getEnvOrDefault(EnvLogLevel, "info")

	cfg.ArtifactBucket = strings.TrimSpace(os.Getenv(EnvArtifactBucket))
	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-1")
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))

	if err := cfg.Validate(); err != nil {
		var invalid *ValidationError
		if !errors.As(err, &invalid) {
			return nil, err
		}
		problems = append(problems, invalid.Errors...)
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Errors: problems}
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	urls := []struct {
		key, value string
	}{
		{EnvPublicURL, c.PublicURL},
		{EnvAdminURL, c.AdminURL},
		{EnvMailURL, c.MailURL},
		{EnvExpressURL, c.ExpressURL},
		{EnvReactURL, c.ReactURL},
		{EnvProxyURL, c.ProxyURL},
		{EnvExpressUpstream, c.ExpressUpstream},
		{EnvReactUpstream, c.ReactUpstream},
	}
	for _, u := range urls {
		if !isAbsoluteHTTPURL(u.value) {
			errs = append(errs, fmt.Sprintf("%s must be an absolute http(s) URL, got %q", u.key, u.value))
		}
	}

	if c.MailPollTimeout <= 0 {
		errs = append(errs, EnvMailTimeout+" must be positive")
	}
	if c.MailPollInterval <= 0 {
		errs = append(errs, EnvMailInterval+" must be positive")
	} else if c.MailPollInterval >= c.MailPollTimeout {
		errs = append(errs, EnvMailInterval+" must be shorter than "+EnvMailTimeout)
	}
	if c.ReloadSettle < 0 {
		errs = append(errs, EnvReloadSettle+" must not be negative")
	}

	if strings.TrimSpace(c.ConfigFile) == "" {
		errs = append(errs, EnvConfigFile+" is required")
	}
	if strings.TrimSpace(c.ProfilesDir) == "" {
		errs = append(errs, EnvProfilesDir+" is required")
	}

	if c.ArtifactBucket != "" && c.AWSRegion == "" {
		errs = append(errs, "AWS_REGION is required when "+EnvArtifactBucket+" is set")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ArtifactsEnabled reports whether screenshots and reports should be uploaded.
func (c *Config) ArtifactsEnabled() bool {
	return c.ArtifactBucket != ""
}

// AppURL returns the browser-facing base URL of a variant, or "" when unknown.
func (c *Config) AppURL(app string) string {
	switch app {
	case "express":
		return c.ExpressURL
	case "react":
		return c.ReactURL
	default:
		return ""
	}
}

func isAbsoluteHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s must be true or false, got %q", key, value)
	}
	return parsed, nil
}

func parseDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s must be a duration such as 30s, got %q", key, value)
	}
	return parsed, nil
}
