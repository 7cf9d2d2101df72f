package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"slackscheduler/internal/constants"
	"slackscheduler/internal/migrations"
	"slackscheduler/internal/models"
	"slackscheduler/internal/retry"

	_ "github.com/mattn/go-sqlite3"
)

type Database struct {
	db        *sql.DB
	encryptor *encryptor
	retry     retry.BackoffConfig
	now       func() time.Time
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func New(dbPath string, retryCfg *models.RetryConfig) (*Database, error) {
	if err := validateDBPath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+constants.SQLiteConnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(db, "failed to ping database", err)
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		return nil, closeWith(db, "failed to read schema", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, closeWith(db, "failed to initialize schema", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(db, "failed to initialize encryptor", err)
	}

	return &Database{
		db:        db,
		encryptor: encryptor,
		retry:     retryConfigToBackoff(retryCfg),
		now:       time.Now,
	}, nil
}

func closeWith(db *sql.DB, msg string, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%s: %w (close error: %v)", msg, err, closeErr)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// validateDBPath rejects empty paths, NUL bytes and directory traversal
func validateDBPath(path string) error {
	if path == "" || strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path cannot be empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Scheduled message operations

// CreateScheduledMessage persists a new pending message
func (d *Database) CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error {
	encryptedChannel, err := d.encryptor.EncryptIfEnabled(msg.Channel)
	if err != nil {
		return fmt.Errorf("failed to encrypt channel: %w", err)
	}

	encryptedText, err := d.encryptor.EncryptIfEnabled(msg.Text)
	if err != nil {
		return fmt.Errorf("failed to encrypt text: %w", err)
	}

	return d.retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, InsertScheduledMessageQuery,
			msg.ID,
			msg.WorkspaceID,
			encryptedChannel,
			encryptedText,
			toMillis(msg.ScheduledTime),
			string(msg.Status),
			toMillis(msg.CreatedAt),
			toMillis(msg.UpdatedAt),
		)
		return err
	}, "save scheduled message")
}

// GetScheduledMessage returns the message with id, or nil when none exists
func (d *Database) GetScheduledMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, err := d.scanScheduledMessage(d.db.QueryRowContext(ctx, SelectScheduledMessageByIDQuery, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled message: %w", err)
	}
	return msg, nil
}

// ListPendingScheduledMessages returns every pending message ordered by scheduled time
func (d *Database) ListPendingScheduledMessages(ctx context.Context) ([]*models.ScheduledMessage, error) {
	rows, err := d.db.QueryContext(ctx, SelectPendingScheduledMessagesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	return d.collectScheduledMessages(rows)
}

// ListScheduledMessages returns a page of messages in the given statuses ordered by scheduled time
func (d *Database) ListScheduledMessages(ctx context.Context, statuses []models.ScheduledStatus, limit, offset int) ([]*models.ScheduledMessage, error) {
	if len(statuses) == 0 {
		return []*models.ScheduledMessage{}, nil
	}

	placeholders, args := statusArgs(statuses)
	args = append(args, limit, offset)

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(SelectScheduledMessagesByStatusQuery, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled messages: %w", err)
	}
	return d.collectScheduledMessages(rows)
}

// CountScheduledMessages counts messages in the given statuses
func (d *Database) CountScheduledMessages(ctx context.Context, statuses []models.ScheduledStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders, args := statusArgs(statuses)

	var count int
	err := d.db.QueryRowContext(ctx, fmt.Sprintf(CountScheduledMessagesByStatusQuery, placeholders), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scheduled messages: %w", err)
	}
	return count, nil
}

// MarkScheduledMessageSent moves a pending message to sent, stamping updated_at with sentAt.
// It reports false when the message was no longer pending.
func (d *Database) MarkScheduledMessageSent(ctx context.Context, id string, sentAt time.Time, remoteMessageID string) (bool, error) {
	var remoteID interface{}
	if remoteMessageID != "" {
		remoteID = remoteMessageID
	}
	return d.conditionalUpdate(ctx, "mark message sent", MarkScheduledMessageSentQuery,
		toMillis(sentAt), remoteID, toMillis(sentAt), id)
}

// MarkScheduledMessageFailed moves a pending message to failed. It reports false when the
// message was no longer pending.
func (d *Database) MarkScheduledMessageFailed(ctx context.Context, id string, failedAt time.Time, lastError string) (bool, error) {
	return d.conditionalUpdate(ctx, "mark message failed", MarkScheduledMessageFailedQuery,
		lastError, toMillis(failedAt), id)
}

// MarkScheduledMessageCancelled moves a pending message to cancelled. It reports false when
// the message was no longer pending.
func (d *Database) MarkScheduledMessageCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error) {
	return d.conditionalUpdate(ctx, "mark message cancelled", MarkScheduledMessageCancelledQuery,
		toMillis(cancelledAt), toMillis(cancelledAt), id)
}

// CountOverdueScheduledMessages counts pending messages scheduled before the cutoff
func (d *Database) CountOverdueScheduledMessages(ctx context.Context, before time.Time) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, CountOverdueScheduledMessagesQuery, toMillis(before)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count overdue messages: %w", err)
	}
	return count, nil
}

// DeleteFinishedScheduledMessages removes sent and cancelled messages last touched more than
// retentionDays ago. Failed messages stay visible in listings.
func (d *Database) DeleteFinishedScheduledMessages(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := d.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var deleted int64
	err := d.retryableDBOperation(ctx, func() error {
		result, err := d.db.ExecContext(ctx, DeleteFinishedScheduledMessagesQuery, toMillis(cutoff))
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	}, "cleanup finished messages")
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (d *Database) conditionalUpdate(ctx context.Context, operationName, query string, args ...interface{}) (bool, error) {
	var applied bool
	err := d.retryableDBOperation(ctx, func() error {
		result, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		applied = rows > 0
		return nil
	}, operationName)
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (d *Database) collectScheduledMessages(rows *sql.Rows) ([]*models.ScheduledMessage, error) {
	defer rows.Close()

	messages := []*models.ScheduledMessage{}
	for rows.Next() {
		msg, err := d.scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scheduled messages: %w", err)
	}
	return messages, nil
}

func (d *Database) scanScheduledMessage(row rowScanner) (*models.ScheduledMessage, error) {
	var (
		msg                           models.ScheduledMessage
		status                        string
		encryptedChannel, encryptedTx string
		scheduledTime                 int64
		sentAt, cancelledAt           sql.NullInt64
		lastError, remoteID           sql.NullString
		createdAt, updatedAt          int64
	)

	err := row.Scan(
		&msg.ID,
		&msg.WorkspaceID,
		&encryptedChannel,
		&encryptedTx,
		&scheduledTime,
		&status,
		&sentAt,
		&cancelledAt,
		&lastError,
		&remoteID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Channel, err = d.encryptor.DecryptIfEnabled(encryptedChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt channel: %w", err)
	}
	msg.Text, err = d.encryptor.DecryptIfEnabled(encryptedTx)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt text: %w", err)
	}

	msg.Status = models.ScheduledStatus(status)
	msg.ScheduledTime = fromMillis(scheduledTime)
	msg.SentAt = nullableTime(sentAt)
	msg.CancelledAt = nullableTime(cancelledAt)
	msg.LastError = nullableString(lastError)
	msg.RemoteMessageID = nullableString(remoteID)
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)

	return &msg, nil
}

// Credential operations

// GetCredential returns the credential for a workspace, or nil when none exists
func (d *Database) GetCredential(ctx context.Context, workspaceID string) (*models.Credential, error) {
	cred, err := d.scanCredential(d.db.QueryRowContext(ctx, SelectCredentialByWorkspaceQuery, workspaceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// GetLatestCredential returns the most recently updated credential, or nil when none exists
func (d *Database) GetLatestCredential(ctx context.Context) (*models.Credential, error) {
	cred, err := d.scanCredential(d.db.QueryRowContext(ctx, SelectLatestCredentialQuery))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest credential: %w", err)
	}
	return cred, nil
}

// UpsertCredential stores the credential produced by an authorization, replacing any existing one
func (d *Database) UpsertCredential(ctx context.Context, cred *models.Credential) error {
	accessToken, refreshToken, err := d.encryptTokens(cred)
	if err != nil {
		return err
	}

	now := d.now()
	return d.retryableDBOperation(ctx, func() error {
		_, err := d.db.ExecContext(ctx, UpsertCredentialQuery,
			cred.WorkspaceID,
			cred.WorkspaceName,
			cred.UserID,
			accessToken,
			lookupHash(cred.AccessToken),
			refreshToken,
			toMillis(cred.ExpiresAt),
			toMillis(now),
			toMillis(now),
		)
		return err
	}, "save credential")
}

// ReplaceCredential swaps in refreshed tokens only if the stored access token still equals
// expectedAccessToken. It reports false when another writer got there first.
func (d *Database) ReplaceCredential(ctx context.Context, cred *models.Credential, expectedAccessToken string) (bool, error) {
	accessToken, refreshToken, err := d.encryptTokens(cred)
	if err != nil {
		return false, err
	}

	return d.conditionalUpdate(ctx, "replace credential", ReplaceCredentialTokensQuery,
		accessToken,
		lookupHash(cred.AccessToken),
		refreshToken,
		toMillis(cred.ExpiresAt),
		toMillis(d.now()),
		cred.WorkspaceID,
		lookupHash(expectedAccessToken),
	)
}

// DeleteCredential removes one workspace's credential
func (d *Database) DeleteCredential(ctx context.Context, workspaceID string) (bool, error) {
	return d.conditionalUpdate(ctx, "delete credential", DeleteCredentialQuery, workspaceID)
}

// DeleteAllCredentials removes every stored credential
func (d *Database) DeleteAllCredentials(ctx context.Context) (int64, error) {
	var deleted int64
	err := d.retryableDBOperation(ctx, func() error {
		result, err := d.db.ExecContext(ctx, DeleteAllCredentialsQuery)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	}, "delete credentials")
	return deleted, err
}

func (d *Database) encryptTokens(cred *models.Credential) (string, string, error) {
	accessToken, err := d.encryptor.EncryptIfEnabled(cred.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err := d.encryptor.EncryptIfEnabled(cred.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func (d *Database) scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		cred                              models.Credential
		encryptedAccess, encryptedRefresh string
		expiresAt, createdAt, updatedAt   int64
	)

	err := row.Scan(
		&cred.WorkspaceID,
		&cred.WorkspaceName,
		&cred.UserID,
		&encryptedAccess,
		&encryptedRefresh,
		&expiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.AccessToken, err = d.encryptor.DecryptIfEnabled(encryptedAccess)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	cred.RefreshToken, err = d.encryptor.DecryptIfEnabled(encryptedRefresh)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	if expiresAt > 0 {
		cred.ExpiresAt = fromMillis(expiresAt)
	}
	cred.CreatedAt = fromMillis(createdAt)
	cred.UpdatedAt = fromMillis(updatedAt)

	return &cred, nil
}

func statusArgs(statuses []models.ScheduledStatus) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, 0, len(statuses)+2)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	return strings.Join(placeholders, ", "), args
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
