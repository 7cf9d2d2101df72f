package service

import (
	"context"

	"slackscheduler/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Standard field names. Use these exact names so log lines stay queryable.
const (
	// Core identifiers
	LogFieldMessageID   = "message_id"
	LogFieldWorkspaceID = "workspace_id"
	LogFieldChannel     = "channel"
	LogFieldRequestID   = "request_id"
	LogFieldTraceID     = "trace_id"
	LogFieldRemoteID    = "remote_message_id"

	// Operation context
	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldStatus    = "status"

	// Scheduling
	LogFieldScheduledTime = "scheduled_time"
	LogFieldDelay         = "delay_ms"
	LogFieldOverdueCount  = "overdue_count"
	LogFieldRetention     = "retention_days"

	// Performance
	LogFieldDuration = "duration_ms"
	LogFieldAttempt  = "attempt"
	LogFieldSize     = "size_bytes"

	// HTTP
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldStatusCode = "status_code"
	LogFieldUserAgent  = "user_agent"
	LogFieldRemoteIP   = "remote_ip"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// messageFields returns the standard fields for a scheduled message. The channel is
// only logged in clear when verbose logging is on.
func messageFields(ctx context.Context, id, workspaceID, channel string) logrus.Fields {
	if !IsVerboseLogging(ctx) {
		channel = privacy.MaskChannel(channel)
	}
	fields := logrus.Fields{LogFieldChannel: channel}
	if id != "" {
		fields[LogFieldMessageID] = id
	}
	if workspaceID != "" {
		fields[LogFieldWorkspaceID] = workspaceID
	}
	return fields
}
