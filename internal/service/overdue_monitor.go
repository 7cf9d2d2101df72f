package service

import (
	"context"
	"time"

	"slackscheduler/internal/metrics"

	"github.com/sirupsen/logrus"
)

type OverdueMessageCounter interface {
	CountOverdueScheduledMessages(ctx context.Context, before time.Time) (int, error)
}

// OverdueMonitor reports pending messages whose scheduled time passed long ago. They point
// at a crash between delivery and status update, or a timer that never fired.
type OverdueMonitor struct {
	store         OverdueMessageCounter
	clock         Clock
	checkInterval time.Duration
	threshold     time.Duration
	logger        *logrus.Entry
	stopCh        chan struct{}
}

func NewOverdueMonitor(store OverdueMessageCounter, clock Clock, checkInterval, threshold time.Duration, logger *logrus.Logger) *OverdueMonitor {
	if clock == nil {
		clock = NewRealClock()
	}
	return &OverdueMonitor{
		store:         store,
		clock:         clock,
		checkInterval: checkInterval,
		threshold:     threshold,
		logger:        logger.WithField(LogFieldComponent, "overdue_monitor"),
		stopCh:        make(chan struct{}),
	}
}

func (m *OverdueMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval": m.checkInterval,
		"threshold":      m.threshold,
	}).Info("Starting overdue message monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkOverdue(ctx)
		}
	}
}

func (m *OverdueMonitor) Stop() {
	close(m.stopCh)
}

func (m *OverdueMonitor) checkOverdue(ctx context.Context) {
	count, err := m.store.CountOverdueScheduledMessages(ctx, m.clock.Now().Add(-m.threshold))
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for overdue messages")
		return
	}
	metrics.SetGauge("scheduled_messages_overdue", float64(count), nil, "Pending messages past their scheduled time")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			LogFieldOverdueCount: count,
			"threshold":          m.threshold,
		}).Warn("Pending messages are past their scheduled time")
	}
}
