package config

import (
	"os"
	"path/filepath"
	"testing"

	"slackscheduler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"slack": {
		"clientId": "123.456",
		"clientSecret": "file-secret",
		"redirectUri": "https://app.example.com/api/auth/slack/callback",
		"defaultWorkspace": "T001",
		"transportRetries": 4
	},
	"database": {
		"path": "/var/lib/slackscheduler/db.sqlite"
	},
	"server": {
		"port": 8080
	},
	"redis": {
		"addr": "localhost:6379"
	},
	"retry": {
		"initialBackoffMs": 1000,
		"maxBackoffMs": 5000,
		"maxAttempts": 3
	},
	"clientUrl": "https://app.example.com",
	"retentionDays": 14
}`

// writeConfig writes content into a relative path under a fresh working directory
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600))
	return "config.json"
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SLACK_CLIENT_ID", "SLACK_CLIENT_SECRET", "SLACK_REDIRECT_URI", "SLACK_API_URL",
		"SLACK_DEFAULT_WORKSPACE", "CLIENT_URL", "DB_PATH", "REDIS_ADDR", "REDIS_PASSWORD",
		"REDIS_DB", "PORT", "RETENTION_DAYS", "LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"SLACKSCHEDULER_ENV",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		setEnv    map[string]string
		wantError bool
		validate  func(*testing.T, *models.Config)
	}{
		{
			name:    "valid config",
			content: validConfig,
			validate: func(t *testing.T, config *models.Config) {
				assert.Equal(t, "123.456", config.Slack.ClientID)
				assert.Equal(t, "file-secret", config.Slack.ClientSecret)
				assert.Equal(t, "T001", config.Slack.DefaultWorkspace)
				assert.Equal(t, 4, config.Slack.TransportRetries)
				assert.Equal(t, "/var/lib/slackscheduler/db.sqlite", config.Database.Path)
				assert.Equal(t, 8080, config.Server.Port)
				assert.Equal(t, "localhost:6379", config.Redis.Addr)
				assert.Equal(t, 1000, config.Retry.InitialBackoffMs)
				assert.Equal(t, 5000, config.Retry.MaxBackoffMs)
				assert.Equal(t, 3, config.Retry.MaxAttempts)
				assert.Equal(t, 14, config.RetentionDays)
			},
		},
		{
			name:    "defaults applied",
			content: validConfig,
			validate: func(t *testing.T, config *models.Config) {
				assert.Equal(t, "https://slack.com/api", config.Slack.APIBaseURL)
				assert.Equal(t, "https://slack.com/oauth/v2/authorize", config.Slack.AuthorizeURL)
				assert.Equal(t, 15, config.Slack.TimeoutSec)
				assert.Equal(t, 1000, config.Slack.BackoffMs)
				assert.Equal(t, 86400, config.Redis.TTLSeconds)
				assert.Equal(t, 10, config.Server.RateLimitPerMinute)
				assert.Equal(t, 100, config.Server.GlobalRateLimit)
				assert.Equal(t, 60, config.Overdue.CheckIntervalSec)
				assert.Equal(t, 300, config.Overdue.ThresholdSec)
				assert.Equal(t, "slackscheduler", config.Tracing.ServiceName)
				assert.Equal(t, "info", config.LogLevel)
			},
		},
		{
			name:    "environment overrides",
			content: validConfig,
			setEnv: map[string]string{
				"SLACK_CLIENT_SECRET": "env-secret",
				"DB_PATH":             "/override/db.sqlite",
				"PORT":                "9000",
				"REDIS_ADDR":          "redis:6379",
				"CLIENT_URL":          "https://override.example.com",
			},
			validate: func(t *testing.T, config *models.Config) {
				assert.Equal(t, "env-secret", config.Slack.ClientSecret)
				assert.Equal(t, "/override/db.sqlite", config.Database.Path)
				assert.Equal(t, 9000, config.Server.Port)
				assert.Equal(t, "redis:6379", config.Redis.Addr)
				assert.Equal(t, "https://override.example.com", config.ClientURL)
			},
		},
		{
			name:    "environment only",
			content: "",
			setEnv: map[string]string{
				"SLACK_CLIENT_ID":     "id",
				"SLACK_CLIENT_SECRET": "secret",
				"SLACK_REDIRECT_URI":  "https://app.example.com/cb",
				"DB_PATH":             "scheduler.db",
			},
			validate: func(t *testing.T, config *models.Config) {
				assert.Equal(t, "id", config.Slack.ClientID)
				assert.Equal(t, 5000, config.Server.Port)
				assert.Equal(t, 30, config.RetentionDays)
			},
		},
		{
			name:      "non-integer port",
			content:   validConfig,
			setEnv:    map[string]string{"PORT": "eighty"},
			wantError: true,
		},
		{
			name:      "missing credentials",
			content:   `{"database": {"path": "db.sqlite"}}`,
			wantError: true,
		},
		{
			name:      "malformed json",
			content:   `{"slack": `,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.setEnv {
				t.Setenv(k, v)
			}

			path := "config.json"
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			} else {
				t.Chdir(t.TempDir())
			}

			config, err := LoadConfig(path)
			if tt.wantError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, config)
			if tt.validate != nil {
				tt.validate(t, config)
			}
		})
	}
}

func TestLoadConfig_RejectsTraversal(t *testing.T) {
	_, err := LoadConfig("../../etc/config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory traversal")

	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestValidateRequiredFields(t *testing.T) {
	config := &models.Config{}
	applyDefaults(config)

	assert.Equal(t, ErrMissingClientID, validate(config))

	config.Slack.ClientID = "id"
	assert.Equal(t, ErrMissingClientSecret, validate(config))

	config.Slack.ClientSecret = "secret"
	assert.Equal(t, ErrMissingRedirectURI, validate(config))

	config.Slack.RedirectURI = "https://app.example.com/cb"
	assert.Equal(t, ErrMissingDBPath, validate(config))

	config.Database.Path = "db.sqlite"
	assert.NoError(t, validate(config))
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *models.Config {
		c := &models.Config{
			Slack: models.SlackConfig{
				ClientID:     "id",
				ClientSecret: "secret",
				RedirectURI:  "https://app.example.com/cb",
			},
			Database: models.DatabaseConfig{Path: "db.sqlite"},
		}
		applyDefaults(c)
		return c
	}

	tests := []struct {
		name     string
		mutate   func(*models.Config)
		errorMsg string
	}{
		{"redirect without scheme", func(c *models.Config) { c.Slack.RedirectURI = "app.example.com/cb" }, "invalid Slack redirect URI"},
		{"ftp client url", func(c *models.Config) { c.ClientURL = "ftp://files.example.com" }, "invalid client URL"},
		{"port out of range", func(c *models.Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"sample rate above one", func(c *models.Config) { c.Tracing.SampleRate = 1.5 }, "sample rate"},
		{"tracing without exporter", func(c *models.Config) { c.Tracing.Enabled = true }, "tracing is enabled"},
		{"timeout above an hour", func(c *models.Config) { c.Slack.TimeoutSec = 7200 }, "Slack timeout too large"},
		{"too many transport retries", func(c *models.Config) { c.Slack.TransportRetries = 50 }, "Slack transport retries too large"},
		{"retention beyond ten years", func(c *models.Config) { c.RetentionDays = 5000 }, "retention days too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := validate(c)
			require.Error(t, err)
			assert.IsType(t, models.ConfigError{}, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestValidateSecurity(t *testing.T) {
	tests := []struct {
		name        string
		config      *models.Config
		environment string
		expectError bool
		errorMsg    string
	}{
		{
			name:        "development allows http redirect",
			config:      &models.Config{Slack: models.SlackConfig{RedirectURI: "http://localhost:5000/cb"}},
			expectError: false,
		},
		{
			name:        "production requires https redirect",
			config:      &models.Config{Slack: models.SlackConfig{RedirectURI: "http://app.example.com/cb"}},
			environment: "production",
			expectError: true,
			errorMsg:    "must use HTTPS in production",
		},
		{
			name: "production rejects debug logging",
			config: &models.Config{
				Slack:    models.SlackConfig{RedirectURI: "https://app.example.com/cb"},
				LogLevel: "debug",
			},
			environment: "production",
			expectError: true,
			errorMsg:    "debug logging should not be used in production",
		},
		{
			name: "production with info logging",
			config: &models.Config{
				Slack:    models.SlackConfig{RedirectURI: "https://app.example.com/cb"},
				LogLevel: "info",
			},
			environment: "production",
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SLACKSCHEDULER_ENV", tt.environment)

			err := validateSecurity(tt.config)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	const key = "SLACKSCHEDULER_DOTENV_TEST"
	dir := t.TempDir()
	t.Cleanup(func() { os.Unsetenv(key) })

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(key+"=from-dotenv\n"), 0o600))
	require.NoError(t, LoadEnvFile(envPath))
	assert.Equal(t, "from-dotenv", os.Getenv(key))
}
