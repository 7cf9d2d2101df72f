package models

// Config holds the application configuration
type Config struct {
	Slack         SlackConfig    `json:"slack"`
	Database      DatabaseConfig `json:"database"`
	Server        ServerConfig   `json:"server"`
	Redis         RedisConfig    `json:"redis"`
	Tracing       TracingConfig  `json:"tracing"`
	Retry         RetryConfig    `json:"retry"`
	Overdue       OverdueConfig  `json:"overdue"`
	LogLevel      string         `json:"log_level"`
	ClientURL     string         `json:"clientUrl"`
	RetentionDays int            `json:"retentionDays"`
}

// SlackConfig holds Slack app and Web API related configurations
type SlackConfig struct {
	ClientID         string `json:"clientId"`
	ClientSecret     string `json:"clientSecret"`
	RedirectURI      string `json:"redirectUri"`
	Scopes           string `json:"scopes"`
	APIBaseURL       string `json:"apiBaseUrl"`
	AuthorizeURL     string `json:"authorizeUrl"`
	DefaultWorkspace string `json:"defaultWorkspace"`
	TimeoutSec       int    `json:"timeoutSec"`
	TransportRetries int    `json:"transportRetries"`
	BackoffMs        int    `json:"backoffMs"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path          string `json:"path"`
	MigrationsDir string `json:"migrationsDir,omitempty"`
}

// ServerConfig holds inbound HTTP related configurations
type ServerConfig struct {
	Port                int `json:"port"`
	RateLimitPerMinute  int `json:"rateLimitPerMinute"`
	GlobalRateLimit     int `json:"globalRateLimit"`
	GracefulShutdownSec int `json:"gracefulShutdownSec"`
}

// RedisConfig holds the optional sent-message cache configuration. An empty Addr disables it.
type RedisConfig struct {
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// TracingConfig holds OpenTelemetry related configurations
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseConsole     bool    `json:"useConsole"`
}

// RetryConfig holds database retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// OverdueConfig controls detection of pending messages that missed their delivery time
type OverdueConfig struct {
	CheckIntervalSec int `json:"checkIntervalSec"`
	ThresholdSec     int `json:"thresholdSec"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
