package constants

import "time"

// Message limits enforced before anything is persisted
const (
	MaxChannelLength      = 255
	MaxMessageLength      = 4000
	MaxScheduleAheadYears = 1
)

// Default delivery configuration values
const (
	DefaultSlackAPIBaseURL       = "https://slack.com/api"
	DefaultSlackAuthorizeURL     = "https://slack.com/oauth/v2/authorize"
	DefaultSlackScopes           = "chat:write,chat:write.public,channels:read"
	DefaultHTTPTimeoutSec        = 15
	DefaultTransportRetries      = 2
	DefaultTransportBackoffMs    = 1000
	DefaultOAuthExchangeAttempts = 3
	DefaultOAuthExchangeWaitMs   = 2000
	DefaultTokenRefreshTimeout   = 30 * time.Second
	DefaultServerPort            = 5000
)

// Bot tokens from Slack do not expire; the authorization flow stores them with this lifetime.
const DefaultNonExpiringTokenLifetime = 365 * 24 * time.Hour

// Listing defaults
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Housekeeping defaults
const (
	DefaultRetentionDays             = 30
	CleanupSchedulerIntervalHours    = 24
	DefaultOverdueCheckIntervalSec   = 60
	DefaultOverdueThresholdSec       = 300
	DefaultDatabaseRetryAttempts     = 3
	DefaultRetryBackoffMs            = 100
	DefaultMaxBackoffMs              = 2000
	DefaultGracefulShutdownSec       = 30
	DefaultServerReadTimeoutSec      = 15
	DefaultServerWriteTimeoutSec     = 15
	DefaultServerIdleTimeoutSec      = 60
	ServerErrorChannelSize           = 1
	DefaultMessageRateLimitPerMinute = 10
	DefaultAuthRateLimit             = 5
	DefaultAuthRateWindow            = 15 * time.Minute
	DefaultGlobalRateLimit           = 100
	DefaultGlobalRateWindow          = 15 * time.Minute
)

// Sent-message cache defaults
const (
	DefaultRedisTTLSeconds = 86400
	SentCacheKeyPrefix     = "scheduled:sent:"
)

// Encryption salts used for key derivation
const (
	EncryptionSalt       = "slackscheduler-credential-salt-v1"
	EncryptionLookupSalt = "slackscheduler-lookup-salt-v1"
)

// Environment variables controlling encryption at rest
const (
	EnvEnableEncryption = "SLACKSCHEDULER_ENABLE_ENCRYPTION"
	EnvEncryptionSecret = "SLACKSCHEDULER_ENCRYPTION_SECRET"
)

// SQLite connection parameters appended to the database path
const SQLiteConnParams = "_busy_timeout=5000&_journal_mode=WAL"
