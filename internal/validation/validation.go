package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"slackscheduler/internal/constants"
	"slackscheduler/internal/errors"
)

// Field names reported in validation errors
const (
	FieldChannel       = "channel"
	FieldText          = "text"
	FieldScheduledTime = "scheduled_time"
	FieldWorkspaceID   = "workspace_id"
)

// ValidateChannel trims and checks a destination channel identifier
func ValidateChannel(channel string) (string, error) {
	trimmed := strings.TrimSpace(channel)
	if trimmed == "" {
		return "", errors.NewValidationError(FieldChannel, channel, "channel is required")
	}

	if utf8.RuneCountInString(trimmed) > constants.MaxChannelLength {
		return "", errors.NewValidationError(FieldChannel, truncate(trimmed),
			fmt.Sprintf("channel too long (max %d characters)", constants.MaxChannelLength))
	}

	if strings.ContainsAny(trimmed, "\x00\n\r") {
		return "", errors.NewValidationError(FieldChannel, truncate(trimmed), "channel contains invalid characters")
	}

	return trimmed, nil
}

// ValidateMessageText trims and checks a message body
func ValidateMessageText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", errors.NewValidationError(FieldText, "", "message is required")
	}

	if n := utf8.RuneCountInString(trimmed); n > constants.MaxMessageLength {
		return "", errors.NewValidationError(FieldText, fmt.Sprintf("%d characters", n),
			fmt.Sprintf("message is too long (max %d characters)", constants.MaxMessageLength))
	}

	return trimmed, nil
}

// ValidateScheduledTime requires t to be strictly after now and no more than a year ahead
func ValidateScheduledTime(t, now time.Time) error {
	if t.IsZero() {
		return errors.NewValidationError(FieldScheduledTime, "", "scheduled time is required")
	}

	if !t.After(now) {
		return errors.NewValidationError(FieldScheduledTime, t.Format(time.RFC3339), "scheduled time must be in the future")
	}

	if t.After(now.AddDate(constants.MaxScheduleAheadYears, 0, 0)) {
		return errors.NewValidationError(FieldScheduledTime, t.Format(time.RFC3339),
			"cannot schedule messages more than 1 year in advance")
	}

	return nil
}

// ValidateWorkspaceID checks an optional workspace identifier
func ValidateWorkspaceID(workspaceID string) error {
	if workspaceID == "" {
		return nil
	}
	if len(workspaceID) > constants.MaxChannelLength || strings.ContainsAny(workspaceID, " \x00\n\r\t") {
		return errors.NewValidationError(FieldWorkspaceID, truncate(workspaceID), "invalid workspace id")
	}
	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 { // Max 1 hour
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}

// ValidateRetentionDays validates data retention period
func ValidateRetentionDays(days int) error {
	if days < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "retention days must be at least 1")
	}

	if days > 3650 { // Max 10 years
		return errors.New(errors.ErrCodeInvalidInput, "retention days too large (max 3650)")
	}

	return nil
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
