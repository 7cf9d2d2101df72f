package integration_test

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"slackscheduler/internal/cache"
	"slackscheduler/internal/database"
	"slackscheduler/internal/models"
	"slackscheduler/internal/service"
	"slackscheduler/pkg/slack"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testWorkspace = "T_ACME"

// TestEnvironment wires the real store, credential service, delivery client and engine
// against a fake Slack API.
type TestEnvironment struct {
	t           *testing.T
	ctx         context.Context
	dbPath      string
	logger      *logrus.Logger
	DB          *database.Database
	Slack       *FakeSlack
	Credentials *service.CredentialService
	Delivery    *service.DeliveryClient
	Engine      *service.Engine
	SentCache   *cache.SentCache
	Redis       *miniredis.Miniredis
	cleanup     []func()
}

func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &TestEnvironment{
		t:      t,
		ctx:    context.Background(),
		dbPath: filepath.Join(t.TempDir(), "scheduler.db"),
		logger: logger,
		Slack:  NewFakeSlack(t),
	}

	db, err := database.New(env.dbPath, &models.RetryConfig{InitialBackoffMs: 5, MaxBackoffMs: 20, MaxAttempts: 3})
	require.NoError(t, err)
	env.DB = db
	env.addCleanup(func() { _ = db.Close() })

	client := slack.NewClient(env.Slack.URL(), slack.NewHTTPTransport(&http.Client{}, 2*time.Second), logger)
	env.Credentials = service.NewCredentialService(db, client, service.OAuthConfig{
		ClientID:         "client-id",
		ClientSecret:     "client-secret",
		RedirectURI:      "https://app.example.com/api/auth/slack/callback",
		ExchangeAttempts: 2,
		ExchangeWait:     10 * time.Millisecond,
	}, nil, logger)
	env.Delivery = service.NewDeliveryClient(client, env.Credentials, service.DeliveryConfig{
		TransportRetries: 2,
		Backoff:          10 * time.Millisecond,
	}, logger)
	env.Engine = env.newEngine()

	t.Cleanup(env.Cleanup)
	return env
}

// WithSentCache backs the engine with a Redis sent-message cache. Call before Recover.
func (e *TestEnvironment) WithSentCache() *TestEnvironment {
	e.t.Helper()

	mr := miniredis.RunT(e.t)
	rdb, err := cache.NewClient(e.ctx, models.RedisConfig{Addr: mr.Addr()})
	require.NoError(e.t, err)
	e.addCleanup(func() { _ = rdb.Close() })

	e.Redis = mr
	e.SentCache = cache.NewSentCache(rdb, time.Hour)
	e.Engine.SetSentCache(e.SentCache)
	return e
}

func (e *TestEnvironment) newEngine() *service.Engine {
	engine := service.NewEngine(e.DB, e.Delivery, nil, e.logger)
	if e.SentCache != nil {
		engine.SetSentCache(e.SentCache)
	}
	return engine
}

// Restart stops the engine as a process exit would and starts a fresh one over the
// same store. The new engine has no timers until Recover runs.
func (e *TestEnvironment) Restart() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	require.NoError(e.t, e.Engine.Shutdown(ctx))
	e.Engine = e.newEngine()
}

// SeedCredential stores an installed workspace and makes its access token valid
func (e *TestEnvironment) SeedCredential(accessToken, refreshToken string) {
	e.t.Helper()
	now := time.Now()
	require.NoError(e.t, e.DB.UpsertCredential(e.ctx, &models.Credential{
		WorkspaceID:   testWorkspace,
		WorkspaceName: "Acme",
		UserID:        "U_ADMIN",
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		ExpiresAt:     now.Add(12 * time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	e.Slack.IssueToken(accessToken)
}

// Schedule schedules text for channel after delay
func (e *TestEnvironment) Schedule(channel, text string, delay time.Duration) *models.ScheduledMessage {
	e.t.Helper()
	msg, err := e.Engine.Schedule(e.ctx, service.ScheduleRequest{
		Channel: channel,
		Text:    text,
		Time:    time.Now().Add(delay),
	})
	require.NoError(e.t, err)
	return msg
}

// WaitForStatus polls the store until the record reaches status
func (e *TestEnvironment) WaitForStatus(id string, status models.ScheduledStatus) *models.ScheduledMessage {
	e.t.Helper()
	var msg *models.ScheduledMessage
	require.Eventually(e.t, func() bool {
		var err error
		msg, err = e.DB.GetScheduledMessage(e.ctx, id)
		return err == nil && msg != nil && msg.Status == status
	}, 5*time.Second, 10*time.Millisecond, "message %s never reached %s", id, status)
	return msg
}

func (e *TestEnvironment) addCleanup(f func()) {
	e.cleanup = append(e.cleanup, f)
}

// Cleanup stops the engine and releases resources in reverse order
func (e *TestEnvironment) Cleanup() {
	if e.Engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.Engine.Shutdown(ctx)
		cancel()
		e.Engine = nil
	}
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
	e.cleanup = nil
}
