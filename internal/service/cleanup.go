package service

import (
	"context"
	"time"

	"slackscheduler/internal/constants"

	"github.com/sirupsen/logrus"
)

// FinishedMessageCleaner deletes sent and cancelled records past their retention.
type FinishedMessageCleaner interface {
	DeleteFinishedScheduledMessages(ctx context.Context, retentionDays int) (int64, error)
}

// CleanupScheduler periodically purges finished scheduled messages.
type CleanupScheduler struct {
	store         FinishedMessageCleaner
	retentionDays int
	interval      time.Duration
	logger        *logrus.Entry
	stopCh        chan struct{}
}

func NewCleanupScheduler(store FinishedMessageCleaner, retentionDays, intervalHours int, logger *logrus.Logger) *CleanupScheduler {
	if intervalHours <= 0 {
		intervalHours = constants.CleanupSchedulerIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	return &CleanupScheduler{
		store:         store,
		retentionDays: retentionDays,
		interval:      time.Duration(intervalHours) * time.Hour,
		logger:        logger.WithField(LogFieldComponent, "cleanup_scheduler"),
		stopCh:        make(chan struct{}),
	}
}

func (s *CleanupScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Cleanup scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) Stop() {
	close(s.stopCh)
}

func (s *CleanupScheduler) runCleanup(ctx context.Context) {
	s.logger.WithField(LogFieldRetention, s.retentionDays).Info("Running scheduled cleanup")

	deleted, err := s.store.DeleteFinishedScheduledMessages(ctx, s.retentionDays)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup finished messages")
		return
	}
	s.logger.WithField("deleted", deleted).Info("Successfully completed cleanup")
}
