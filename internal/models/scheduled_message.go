package models

import "time"

// ScheduledStatus is the lifecycle state of a scheduled message.
type ScheduledStatus string

const (
	ScheduledStatusPending   ScheduledStatus = "pending"
	ScheduledStatusSent      ScheduledStatus = "sent"
	ScheduledStatusCancelled ScheduledStatus = "cancelled"
	ScheduledStatusFailed    ScheduledStatus = "failed"
)

// IsTerminal reports whether no transition can leave the status.
func (s ScheduledStatus) IsTerminal() bool {
	return s == ScheduledStatusSent || s == ScheduledStatusCancelled || s == ScheduledStatusFailed
}

// ScheduledMessage is a message waiting for (or done with) delayed delivery.
type ScheduledMessage struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspaceId,omitempty"`
	Channel         string          `json:"channel"`
	Text            string          `json:"message"`
	ScheduledTime   time.Time       `json:"scheduledTime"`
	Status          ScheduledStatus `json:"status"`
	SentAt          *time.Time      `json:"sentAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
	LastError       *string         `json:"error,omitempty"`
	RemoteMessageID *string         `json:"remoteMessageId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsDue reports whether the message should already have been delivered at now.
func (m *ScheduledMessage) IsDue(now time.Time) bool {
	return !m.ScheduledTime.After(now)
}
