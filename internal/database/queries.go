package database

// Scheduled message queries
const (
	scheduledMessageColumns = `
		id, workspace_id, channel, text, scheduled_time, status,
		sent_at, cancelled_at, last_error, remote_message_id,
		created_at, updated_at`

	InsertScheduledMessageQuery = `
		INSERT INTO scheduled_messages (
			id, workspace_id, channel, text, scheduled_time, status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	SelectScheduledMessageByIDQuery = `
		SELECT ` + scheduledMessageColumns + `
		FROM scheduled_messages
		WHERE id = ?
	`

	SelectPendingScheduledMessagesQuery = `
		SELECT ` + scheduledMessageColumns + `
		FROM scheduled_messages
		WHERE status = 'pending'
		ORDER BY scheduled_time ASC
	`

	// %s is replaced with the status placeholder list
	SelectScheduledMessagesByStatusQuery = `
		SELECT ` + scheduledMessageColumns + `
		FROM scheduled_messages
		WHERE status IN (%s)
		ORDER BY scheduled_time ASC, id ASC
		LIMIT ? OFFSET ?
	`

	CountScheduledMessagesByStatusQuery = `
		SELECT COUNT(*) FROM scheduled_messages WHERE status IN (%s)
	`

	MarkScheduledMessageSentQuery = `
		UPDATE scheduled_messages
		SET status = 'sent', sent_at = ?, remote_message_id = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	MarkScheduledMessageFailedQuery = `
		UPDATE scheduled_messages
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	MarkScheduledMessageCancelledQuery = `
		UPDATE scheduled_messages
		SET status = 'cancelled', cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`

	CountOverdueScheduledMessagesQuery = `
		SELECT COUNT(*) FROM scheduled_messages
		WHERE status = 'pending' AND scheduled_time < ?
	`

	DeleteFinishedScheduledMessagesQuery = `
		DELETE FROM scheduled_messages
		WHERE status IN ('sent', 'cancelled') AND updated_at < ?
	`
)

// Credential queries
const (
	credentialColumns = `
		workspace_id, workspace_name, user_id, access_token, refresh_token,
		expires_at, created_at, updated_at`

	UpsertCredentialQuery = `
		INSERT INTO credentials (
			workspace_id, workspace_name, user_id, access_token, access_token_hash,
			refresh_token, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			workspace_name = excluded.workspace_name,
			user_id = excluded.user_id,
			access_token = excluded.access_token,
			access_token_hash = excluded.access_token_hash,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	ReplaceCredentialTokensQuery = `
		UPDATE credentials
		SET access_token = ?, access_token_hash = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE workspace_id = ? AND access_token_hash = ?
	`

	SelectCredentialByWorkspaceQuery = `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE workspace_id = ?
	`

	SelectLatestCredentialQuery = `
		SELECT ` + credentialColumns + `
		FROM credentials
		ORDER BY updated_at DESC
		LIMIT 1
	`

	DeleteCredentialQuery     = `DELETE FROM credentials WHERE workspace_id = ?`
	DeleteAllCredentialsQuery = `DELETE FROM credentials`
)
