package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"slackscheduler/internal/constants"
	"slackscheduler/internal/models"
	"slackscheduler/internal/validation"

	"github.com/joho/godotenv"
)

var (
	ErrMissingClientID     = models.ConfigError{Message: "missing Slack client ID"}
	ErrMissingClientSecret = models.ConfigError{Message: "missing Slack client secret"}
	ErrMissingRedirectURI  = models.ConfigError{Message: "missing Slack redirect URI"}
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
)

// LoadEnvFile loads variables from a .env file when one exists. Variables already set in
// the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func LoadConfig(path string) (*models.Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	var config models.Config
	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	switch {
	case err == nil:
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Running purely from environment variables is supported
	default:
		return nil, err
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Slack.APIBaseURL == "" {
		c.Slack.APIBaseURL = constants.DefaultSlackAPIBaseURL
	}
	if c.Slack.AuthorizeURL == "" {
		c.Slack.AuthorizeURL = constants.DefaultSlackAuthorizeURL
	}
	if c.Slack.Scopes == "" {
		c.Slack.Scopes = constants.DefaultSlackScopes
	}
	if c.Slack.TimeoutSec <= 0 {
		c.Slack.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Slack.TransportRetries <= 0 {
		c.Slack.TransportRetries = constants.DefaultTransportRetries
	}
	if c.Slack.BackoffMs <= 0 {
		c.Slack.BackoffMs = constants.DefaultTransportBackoffMs
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.RateLimitPerMinute <= 0 {
		c.Server.RateLimitPerMinute = constants.DefaultMessageRateLimitPerMinute
	}
	if c.Server.GlobalRateLimit <= 0 {
		c.Server.GlobalRateLimit = constants.DefaultGlobalRateLimit
	}
	if c.Server.GracefulShutdownSec <= 0 {
		c.Server.GracefulShutdownSec = constants.DefaultGracefulShutdownSec
	}

	if c.Redis.TTLSeconds <= 0 {
		c.Redis.TTLSeconds = constants.DefaultRedisTTLSeconds
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.Overdue.CheckIntervalSec <= 0 {
		c.Overdue.CheckIntervalSec = constants.DefaultOverdueCheckIntervalSec
	}
	if c.Overdue.ThresholdSec <= 0 {
		c.Overdue.ThresholdSec = constants.DefaultOverdueThresholdSec
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "slackscheduler"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Slack.ClientID == "" {
		return ErrMissingClientID
	}
	if c.Slack.ClientSecret == "" {
		return ErrMissingClientSecret
	}
	if c.Slack.RedirectURI == "" {
		return ErrMissingRedirectURI
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	for name, raw := range map[string]string{
		"Slack redirect URI":  c.Slack.RedirectURI,
		"Slack API base URL":  c.Slack.APIBaseURL,
		"Slack authorize URL": c.Slack.AuthorizeURL,
	} {
		if err := validateURL(raw); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid %s: %v", name, err)}
		}
	}
	if c.ClientURL != "" {
		if err := validateURL(c.ClientURL); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid client URL: %v", err)}
		}
	}

	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	for _, err := range []error{
		validation.ValidateTimeout(c.Slack.TimeoutSec, "Slack timeout"),
		validation.ValidateNumericRange(c.Slack.TransportRetries, "Slack transport retries", 0, 10),
		validation.ValidateRetentionDays(c.RetentionDays),
	} {
		if err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	if c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: fmt.Sprintf("tracing sample rate must be between 0 and 1, got %g", c.Tracing.SampleRate)}
	}
	if c.Tracing.Enabled && !c.Tracing.UseConsole && c.Tracing.OTLPEndpoint == "" {
		return models.ConfigError{Message: "tracing is enabled but neither an OTLP endpoint nor console output is configured"}
	}
	return nil
}

// validateSecurity applies the stricter production rules
func validateSecurity(c *models.Config) error {
	if os.Getenv("SLACKSCHEDULER_ENV") != "production" {
		if !strings.HasPrefix(c.Slack.RedirectURI, "https://") {
			fmt.Fprintf(os.Stderr, "WARNING: Slack redirect URI is not HTTPS. Slack only accepts HTTPS redirects outside local development.\n")
		}
		return nil
	}

	if !strings.HasPrefix(c.Slack.RedirectURI, "https://") {
		return models.ConfigError{Message: "Slack redirect URI must use HTTPS in production"}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	// SECURITY: Slack secrets should come from the environment rather than the config file
	overrideString(&c.Slack.ClientID, "SLACK_CLIENT_ID")
	overrideString(&c.Slack.ClientSecret, "SLACK_CLIENT_SECRET")
	overrideString(&c.Slack.RedirectURI, "SLACK_REDIRECT_URI")
	overrideString(&c.Slack.APIBaseURL, "SLACK_API_URL")
	overrideString(&c.Slack.DefaultWorkspace, "SLACK_DEFAULT_WORKSPACE")
	overrideString(&c.ClientURL, "CLIENT_URL")
	overrideString(&c.Database.Path, "DB_PATH")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Redis.Password, "REDIS_PASSWORD")
	overrideString(&c.Tracing.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	overrideString(&c.LogLevel, "LOG_LEVEL")

	if err := overrideInt(&c.Server.Port, "PORT"); err != nil {
		return err
	}
	if err := overrideInt(&c.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	return overrideInt(&c.RetentionDays, "RETENTION_DAYS")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return models.ConfigError{Message: fmt.Sprintf("%s must be an integer, got %q", key, v)}
	}
	*dst = n
	return nil
}
