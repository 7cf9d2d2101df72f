package database

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"slackscheduler/internal/constants"
	"slackscheduler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := New(dbPath, &models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 10, MaxAttempts: 3})
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newPendingMessage(id string, scheduled time.Time) *models.ScheduledMessage {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.ScheduledMessage{
		ID:            id,
		Channel:       "C01ABCDEF",
		Text:          "hello " + id,
		ScheduledTime: scheduled.UTC().Truncate(time.Millisecond),
		Status:        models.ScheduledStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestNewDatabase(t *testing.T) {
	t.Run("creates file and schema", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")
		db, err := New(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
		assert.NoError(t, db.Ping(context.Background()))
	})

	t.Run("rejects invalid paths", func(t *testing.T) {
		for _, path := range []string{"", "\x00", "../escape.db", "data/../../escape.db"} {
			_, err := New(path, nil)
			assert.Error(t, err, "path %q", path)
		}
	})

	t.Run("reopens existing database", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "reopen.db")
		db, err := New(dbPath, nil)
		require.NoError(t, err)
		require.NoError(t, db.CreateScheduledMessage(context.Background(), newPendingMessage("m1", time.Now().Add(time.Hour))))
		require.NoError(t, db.Close())

		db, err = New(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		msg, err := db.GetScheduledMessage(context.Background(), "m1")
		require.NoError(t, err)
		require.NotNil(t, msg)
	})
}

func TestScheduledMessageCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	msg := newPendingMessage("01HZXTEST", time.Now().Add(time.Hour))
	msg.WorkspaceID = "T123"
	require.NoError(t, db.CreateScheduledMessage(ctx, msg))

	got, err := db.GetScheduledMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "T123", got.WorkspaceID)
	assert.Equal(t, msg.Channel, got.Channel)
	assert.Equal(t, msg.Text, got.Text)
	assert.True(t, msg.ScheduledTime.Equal(got.ScheduledTime))
	assert.Equal(t, models.ScheduledStatusPending, got.Status)
	assert.Nil(t, got.SentAt)
	assert.Nil(t, got.CancelledAt)
	assert.Nil(t, got.LastError)

	missing, err := db.GetScheduledMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, db.CreateScheduledMessage(ctx, msg), "duplicate id must be rejected")
}

func TestScheduledMessage_EncryptedAtRest(t *testing.T) {
	enableTestEncryption(t)
	db := setupTestDB(t)
	ctx := context.Background()

	msg := newPendingMessage("enc1", time.Now().Add(time.Hour))
	require.NoError(t, db.CreateScheduledMessage(ctx, msg))

	var storedText string
	require.NoError(t, db.db.QueryRowContext(ctx, "SELECT text FROM scheduled_messages WHERE id = ?", msg.ID).Scan(&storedText))
	assert.NotEqual(t, msg.Text, storedText)

	got, err := db.GetScheduledMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Text, got.Text)
}

func TestMarkScheduledMessage_Transitions(t *testing.T) {
	ctx := context.Background()

	t.Run("sent", func(t *testing.T) {
		db := setupTestDB(t)
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("s1", time.Now())))

		sentAt := time.Now().UTC().Truncate(time.Millisecond)
		applied, err := db.MarkScheduledMessageSent(ctx, "s1", sentAt, "1700000000.000100")
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := db.GetScheduledMessage(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledStatusSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.True(t, sentAt.Equal(*got.SentAt))
		require.NotNil(t, got.RemoteMessageID)
		assert.Equal(t, "1700000000.000100", *got.RemoteMessageID)
	})

	t.Run("failed", func(t *testing.T) {
		db := setupTestDB(t)
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("f1", time.Now())))

		applied, err := db.MarkScheduledMessageFailed(ctx, "f1", time.Now(), "REMOTE_DELIVERY: slack API error: channel_not_found")
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := db.GetScheduledMessage(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledStatusFailed, got.Status)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "REMOTE_DELIVERY: slack API error: channel_not_found", *got.LastError)
		assert.Nil(t, got.SentAt)
	})

	t.Run("cancelled", func(t *testing.T) {
		db := setupTestDB(t)
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("c1", time.Now().Add(time.Hour))))

		applied, err := db.MarkScheduledMessageCancelled(ctx, "c1", time.Now())
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := db.GetScheduledMessage(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledStatusCancelled, got.Status)
		assert.NotNil(t, got.CancelledAt)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		db := setupTestDB(t)
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("t1", time.Now())))

		applied, err := db.MarkScheduledMessageSent(ctx, "t1", time.Now(), "ts")
		require.NoError(t, err)
		require.True(t, applied)

		applied, err = db.MarkScheduledMessageCancelled(ctx, "t1", time.Now())
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = db.MarkScheduledMessageFailed(ctx, "t1", time.Now(), "late failure")
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = db.MarkScheduledMessageSent(ctx, "t1", time.Now(), "ts2")
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := db.GetScheduledMessage(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.ScheduledStatusSent, got.Status)
		assert.Nil(t, got.CancelledAt)
		assert.Equal(t, "ts", *got.RemoteMessageID)
	})

	t.Run("unknown id", func(t *testing.T) {
		db := setupTestDB(t)
		applied, err := db.MarkScheduledMessageCancelled(ctx, "ghost", time.Now())
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestMarkScheduledMessage_ConcurrentWritersSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("race", time.Now())))

	var wg sync.WaitGroup
	results := make(chan bool, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		applied, err := db.MarkScheduledMessageSent(ctx, "race", time.Now(), "ts")
		assert.NoError(t, err)
		results <- applied
	}()
	go func() {
		defer wg.Done()
		applied, err := db.MarkScheduledMessageCancelled(ctx, "race", time.Now())
		assert.NoError(t, err)
		results <- applied
	}()
	wg.Wait()
	close(results)

	winners := 0
	for applied := range results {
		if applied {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	got, err := db.GetScheduledMessage(ctx, "race")
	require.NoError(t, err)
	assert.True(t, got.Status == models.ScheduledStatusSent || got.Status == models.ScheduledStatusCancelled)
}

func TestListPendingScheduledMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("late", base.Add(2*time.Hour))))
	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("early", base)))
	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("done", base.Add(time.Hour))))
	_, err := db.MarkScheduledMessageSent(ctx, "done", time.Now(), "ts")
	require.NoError(t, err)

	pending, err := db.ListPendingScheduledMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].ID)
	assert.Equal(t, "late", pending[1].ID)
}

func TestListAndCountScheduledMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage(id, base.Add(time.Duration(i)*time.Minute))))
	}
	_, err := db.MarkScheduledMessageFailed(ctx, "b", time.Now(), "boom")
	require.NoError(t, err)
	_, err = db.MarkScheduledMessageCancelled(ctx, "c", time.Now())
	require.NoError(t, err)

	statuses := []models.ScheduledStatus{models.ScheduledStatusPending, models.ScheduledStatusFailed}

	total, err := db.CountScheduledMessages(ctx, statuses)
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	page1, err := db.ListScheduledMessages(ctx, statuses, 2, 0)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "a", page1[0].ID)
	assert.Equal(t, "b", page1[1].ID)

	page2, err := db.ListScheduledMessages(ctx, statuses, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "d", page2[0].ID)
	assert.Equal(t, "e", page2[1].ID)

	empty, err := db.ListScheduledMessages(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	zero, err := db.CountScheduledMessages(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, zero)
}

func TestCountOverdueScheduledMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("overdue", now.Add(-time.Hour))))
	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("future", now.Add(time.Hour))))
	require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage("old-sent", now.Add(-2*time.Hour))))
	_, err := db.MarkScheduledMessageSent(ctx, "old-sent", now, "ts")
	require.NoError(t, err)

	count, err := db.CountOverdueScheduledMessages(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteFinishedScheduledMessages(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"sent-old", "cancelled-old", "failed-old", "pending-old", "sent-new"} {
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage(id, now.Add(-60*24*time.Hour))))
	}

	old := now.Add(-40 * 24 * time.Hour)
	_, err := db.MarkScheduledMessageSent(ctx, "sent-old", old, "ts")
	require.NoError(t, err)
	_, err = db.MarkScheduledMessageCancelled(ctx, "cancelled-old", old)
	require.NoError(t, err)
	_, err = db.MarkScheduledMessageFailed(ctx, "failed-old", old, "boom")
	require.NoError(t, err)

	_, err = db.MarkScheduledMessageSent(ctx, "sent-new", now, "ts")
	require.NoError(t, err)

	deleted, err := db.DeleteFinishedScheduledMessages(ctx, constants.DefaultRetentionDays)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for id, shouldExist := range map[string]bool{
		"sent-old":      false,
		"cancelled-old": false,
		"failed-old":    true,
		"pending-old":   true,
		"sent-new":      true,
	} {
		got, err := db.GetScheduledMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, shouldExist, got != nil, id)
	}
}

func TestTransitionsStampUpdatedAtWithTransitionTime(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	// Far from the wall clock so a stamp taken from time.Now would show
	at := time.Date(2030, 5, 1, 9, 30, 0, 0, time.UTC)

	for _, id := range []string{"s", "f", "c"} {
		require.NoError(t, db.CreateScheduledMessage(ctx, newPendingMessage(id, time.Now().Add(time.Hour))))
	}
	_, err := db.MarkScheduledMessageSent(ctx, "s", at, "ts")
	require.NoError(t, err)
	_, err = db.MarkScheduledMessageFailed(ctx, "f", at, "boom")
	require.NoError(t, err)
	_, err = db.MarkScheduledMessageCancelled(ctx, "c", at)
	require.NoError(t, err)

	for _, id := range []string{"s", "f", "c"} {
		got, err := db.GetScheduledMessage(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got, id)
		assert.True(t, at.Equal(got.UpdatedAt), "%s updated_at = %v", id, got.UpdatedAt)
	}

	sent, err := db.GetScheduledMessage(ctx, "s")
	require.NoError(t, err)
	assert.True(t, sent.SentAt.Equal(sent.UpdatedAt))
}

func TestCredentialCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cred := &models.Credential{
		WorkspaceID:   "T1",
		WorkspaceName: "Acme",
		UserID:        "U1",
		AccessToken:   "xoxb-old",
		RefreshToken:  "xoxe-1",
		ExpiresAt:     time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, db.UpsertCredential(ctx, cred))

	got, err := db.GetCredential(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Acme", got.WorkspaceName)
	assert.Equal(t, "xoxb-old", got.AccessToken)
	assert.Equal(t, "xoxe-1", got.RefreshToken)
	assert.True(t, cred.ExpiresAt.Equal(got.ExpiresAt))

	missing, err := db.GetCredential(ctx, "T404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Re-authorization overwrites
	cred.AccessToken = "xoxb-reauth"
	require.NoError(t, db.UpsertCredential(ctx, cred))
	got, err = db.GetCredential(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-reauth", got.AccessToken)

	deleted, err := db.DeleteCredential(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = db.DeleteCredential(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestReplaceCredential_Conditional(t *testing.T) {
	enableTestEncryption(t)
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertCredential(ctx, &models.Credential{
		WorkspaceID:  "T1",
		AccessToken:  "xoxb-1",
		RefreshToken: "xoxe-1",
	}))

	refreshed := &models.Credential{
		WorkspaceID:  "T1",
		AccessToken:  "xoxb-2",
		RefreshToken: "xoxe-2",
		ExpiresAt:    time.Now().Add(12 * time.Hour),
	}

	applied, err := db.ReplaceCredential(ctx, refreshed, "xoxb-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// A second refresher still holding the old token loses
	loser := &models.Credential{WorkspaceID: "T1", AccessToken: "xoxb-3", RefreshToken: "xoxe-3"}
	applied, err = db.ReplaceCredential(ctx, loser, "xoxb-1")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := db.GetCredential(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-2", got.AccessToken)
	assert.Equal(t, "xoxe-2", got.RefreshToken)
}

func TestGetLatestCredential(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	latest, err := db.GetLatestCredential(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	db.now = func() time.Time { return now.Add(-time.Hour) }
	require.NoError(t, db.UpsertCredential(ctx, &models.Credential{WorkspaceID: "T-old", AccessToken: "a"}))
	db.now = func() time.Time { return now }
	require.NoError(t, db.UpsertCredential(ctx, &models.Credential{WorkspaceID: "T-new", AccessToken: "b"}))

	latest, err = db.GetLatestCredential(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "T-new", latest.WorkspaceID)

	deleted, err := db.DeleteAllCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	latest, err = db.GetLatestCredential(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestDatabaseOperationsWithClosedDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "closed.db")
	db, err := New(dbPath, &models.RetryConfig{MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	assert.Error(t, db.CreateScheduledMessage(ctx, newPendingMessage("x", time.Now())))
	_, err = db.GetScheduledMessage(ctx, "x")
	assert.Error(t, err)
	_, err = db.ListPendingScheduledMessages(ctx)
	assert.Error(t, err)
	_, err = db.MarkScheduledMessageSent(ctx, "x", time.Now(), "")
	assert.Error(t, err)
	_, err = db.GetCredential(ctx, "T1")
	assert.Error(t, err)
}
