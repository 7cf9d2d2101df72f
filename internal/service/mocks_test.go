package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"slackscheduler/internal/models"
	"slackscheduler/pkg/slack/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func noSleep(ctx context.Context, d time.Duration) error {
	return nil
}

// recordingSleep collects requested waits without blocking
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleep) calls() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// fakeClock only moves when Advance is called. Timers due during Advance run
// synchronously on the caller's goroutine; timers armed with a non-positive delay run
// on their own goroutine like time.AfterFunc.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	fired   bool
	stopped bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	if d <= 0 {
		t.fired = true
		go f()
	}
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		t.f()
	}
}

// activeTimers counts timers that are neither fired nor stopped
func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// memoryStore is an in-memory MessageStore with the same conditional-write rules as
// the SQLite store.
type memoryStore struct {
	mu       sync.Mutex
	messages map[string]models.ScheduledMessage

	// beforeCancel runs inside MarkScheduledMessageCancelled before the status check
	beforeCancel func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: make(map[string]models.ScheduledMessage)}
}

func (s *memoryStore) put(msg models.ScheduledMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
}

func (s *memoryStore) get(id string) (models.ScheduledMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	return msg, ok
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memoryStore) CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error {
	s.put(*msg)
	return nil
}

func (s *memoryStore) GetScheduledMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, ok := s.get(id)
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (s *memoryStore) ListPendingScheduledMessages(ctx context.Context) ([]*models.ScheduledMessage, error) {
	return s.ListScheduledMessages(ctx, []models.ScheduledStatus{models.ScheduledStatusPending}, 0, 0)
}

func (s *memoryStore) ListScheduledMessages(ctx context.Context, statuses []models.ScheduledStatus, limit, offset int) ([]*models.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.ScheduledMessage
	for _, msg := range s.messages {
		for _, st := range statuses {
			if msg.Status == st {
				m := msg
				result = append(result, &m)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ScheduledTime.Equal(result[j].ScheduledTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].ScheduledTime.Before(result[j].ScheduledTime)
	})
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (s *memoryStore) CountScheduledMessages(ctx context.Context, statuses []models.ScheduledStatus) (int, error) {
	msgs, err := s.ListScheduledMessages(ctx, statuses, 0, 0)
	return len(msgs), err
}

func (s *memoryStore) transition(id string, apply func(*models.ScheduledMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Status != models.ScheduledStatusPending {
		return false
	}
	apply(&msg)
	s.messages[id] = msg
	return true
}

func (s *memoryStore) MarkScheduledMessageSent(ctx context.Context, id string, sentAt time.Time, remoteMessageID string) (bool, error) {
	return s.transition(id, func(m *models.ScheduledMessage) {
		m.Status = models.ScheduledStatusSent
		m.SentAt = &sentAt
		m.RemoteMessageID = &remoteMessageID
		m.UpdatedAt = sentAt
	}), nil
}

func (s *memoryStore) MarkScheduledMessageFailed(ctx context.Context, id string, failedAt time.Time, lastError string) (bool, error) {
	return s.transition(id, func(m *models.ScheduledMessage) {
		m.Status = models.ScheduledStatusFailed
		m.LastError = &lastError
		m.UpdatedAt = failedAt
	}), nil
}

func (s *memoryStore) MarkScheduledMessageCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	if s.beforeCancel != nil {
		s.beforeCancel()
	}
	return s.transition(id, func(m *models.ScheduledMessage) {
		m.Status = models.ScheduledStatusCancelled
		m.CancelledAt = &cancelledAt
		m.UpdatedAt = cancelledAt
	}), nil
}

// memoryCredentialStore is an in-memory CredentialStore with a conditional replace
type memoryCredentialStore struct {
	mu    sync.Mutex
	creds map[string]models.Credential
}

func newMemoryCredentialStore(creds ...models.Credential) *memoryCredentialStore {
	s := &memoryCredentialStore{creds: make(map[string]models.Credential)}
	for _, c := range creds {
		s.creds[c.WorkspaceID] = c
	}
	return s
}

func (s *memoryCredentialStore) GetCredential(ctx context.Context, workspaceID string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[workspaceID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memoryCredentialStore) GetLatestCredential(ctx context.Context) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Credential
	for _, c := range s.creds {
		c := c
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = &c
		}
	}
	return latest, nil
}

func (s *memoryCredentialStore) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.WorkspaceID] = *cred
	return nil
}

func (s *memoryCredentialStore) ReplaceCredential(ctx context.Context, cred *models.Credential, expectedAccessToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.creds[cred.WorkspaceID]
	if !ok || current.AccessToken != expectedAccessToken {
		return false, nil
	}
	s.creds[cred.WorkspaceID] = *cred
	return true, nil
}

func (s *memoryCredentialStore) DeleteCredential(ctx context.Context, workspaceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[workspaceID]
	delete(s.creds, workspaceID)
	return ok, nil
}

func (s *memoryCredentialStore) DeleteAllCredentials(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.creds))
	s.creds = make(map[string]models.Credential)
	return n, nil
}

// Mock credential store
type mockCredentialStore struct {
	mock.Mock
}

func (m *mockCredentialStore) GetCredential(ctx context.Context, workspaceID string) (*models.Credential, error) {
	args := m.Called(ctx, workspaceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Credential), args.Error(1)
}

func (m *mockCredentialStore) GetLatestCredential(ctx context.Context) (*models.Credential, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Credential), args.Error(1)
}

func (m *mockCredentialStore) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	args := m.Called(ctx, cred)
	return args.Error(0)
}

func (m *mockCredentialStore) ReplaceCredential(ctx context.Context, cred *models.Credential, expectedAccessToken string) (bool, error) {
	args := m.Called(ctx, cred, expectedAccessToken)
	return args.Bool(0), args.Error(1)
}

func (m *mockCredentialStore) DeleteCredential(ctx context.Context, workspaceID string) (bool, error) {
	args := m.Called(ctx, workspaceID)
	return args.Bool(0), args.Error(1)
}

func (m *mockCredentialStore) DeleteAllCredentials(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// Mock OAuth provider
type mockOAuthProvider struct {
	mock.Mock
}

func (m *mockOAuthProvider) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*types.OAuthResponse, error) {
	args := m.Called(ctx, clientID, clientSecret, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.OAuthResponse), args.Error(1)
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*types.OAuthResponse, error) {
	args := m.Called(ctx, clientID, clientSecret, code, redirectURI)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.OAuthResponse), args.Error(1)
}

// Mock Slack poster
type mockPoster struct {
	mock.Mock
}

func (m *mockPoster) PostMessage(ctx context.Context, token, channel, text string) (*types.PostMessageResponse, error) {
	args := m.Called(ctx, token, channel, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.PostMessageResponse), args.Error(1)
}

func (m *mockPoster) ListChannels(ctx context.Context, token string) ([]types.Channel, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Channel), args.Error(1)
}

// Mock credential source
type mockCredentialSource struct {
	mock.Mock
}

func (m *mockCredentialSource) Lookup(ctx context.Context, workspaceID string) (*models.Credential, error) {
	args := m.Called(ctx, workspaceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Credential), args.Error(1)
}

func (m *mockCredentialSource) Refresh(ctx context.Context, workspaceID, staleAccessToken string) (*models.Credential, error) {
	args := m.Called(ctx, workspaceID, staleAccessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Credential), args.Error(1)
}

// Mock deliverer
type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Post(ctx context.Context, workspaceID, channel, text string) (*DeliveryResult, error) {
	args := m.Called(ctx, workspaceID, channel, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DeliveryResult), args.Error(1)
}

// Mock status notifier
type mockNotifier struct {
	mu      sync.Mutex
	updates []models.ScheduledMessage
}

func (n *mockNotifier) Notify(msg *models.ScheduledMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, *msg)
}

func (n *mockNotifier) statuses() []models.ScheduledStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.ScheduledStatus
	for _, u := range n.updates {
		out = append(out, u.Status)
	}
	return out
}

// Mock sent cache
type mockSentCache struct {
	mock.Mock
}

func (m *mockSentCache) MarkSent(ctx context.Context, id, remoteMessageID string) error {
	args := m.Called(ctx, id, remoteMessageID)
	return args.Error(0)
}

func (m *mockSentCache) LookupSent(ctx context.Context, id string) (string, bool, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Bool(1), args.Error(2)
}

// Mock housekeeping store
type mockHousekeepingStore struct {
	mock.Mock
}

func (m *mockHousekeepingStore) DeleteFinishedScheduledMessages(ctx context.Context, retentionDays int) (int64, error) {
	args := m.Called(ctx, retentionDays)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockHousekeepingStore) CountOverdueScheduledMessages(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}
