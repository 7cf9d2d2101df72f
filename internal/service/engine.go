package service

import (
	"context"
	"sync"
	"time"

	"slackscheduler/internal/constants"
	appErrors "slackscheduler/internal/errors"
	"slackscheduler/internal/metrics"
	"slackscheduler/internal/models"
	"slackscheduler/internal/tracing"
	"slackscheduler/internal/validation"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// MessageStore is the durable record of scheduled messages. Every transition away from
// pending is a conditional write reporting whether it applied.
type MessageStore interface {
	CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error
	GetScheduledMessage(ctx context.Context, id string) (*models.ScheduledMessage, error)
	ListPendingScheduledMessages(ctx context.Context) ([]*models.ScheduledMessage, error)
	ListScheduledMessages(ctx context.Context, statuses []models.ScheduledStatus, limit, offset int) ([]*models.ScheduledMessage, error)
	CountScheduledMessages(ctx context.Context, statuses []models.ScheduledStatus) (int, error)
	MarkScheduledMessageSent(ctx context.Context, id string, sentAt time.Time, remoteMessageID string) (bool, error)
	MarkScheduledMessageFailed(ctx context.Context, id string, failedAt time.Time, lastError string) (bool, error)
	MarkScheduledMessageCancelled(ctx context.Context, id string, cancelledAt time.Time) (bool, error)
}

// Deliverer posts a message to Slack.
type Deliverer interface {
	Post(ctx context.Context, workspaceID, channel, text string) (*DeliveryResult, error)
}

// StatusNotifier is told about every status change of a scheduled message.
type StatusNotifier interface {
	Notify(msg *models.ScheduledMessage)
}

// SentCache remembers deliveries Slack accepted, independently of the message store.
// An entry found for a pending record means the status update was lost after delivery.
type SentCache interface {
	MarkSent(ctx context.Context, id, remoteMessageID string) error
	LookupSent(ctx context.Context, id string) (string, bool, error)
}

// ScheduleRequest asks for text to be posted to channel at Time.
type ScheduleRequest struct {
	WorkspaceID string
	Channel     string
	Text        string
	Time        time.Time
}

// armedTimer is the engine's handle on one scheduled id. The entry lives from arming
// until its fire completes, so an id is never armed twice at once.
type armedTimer struct {
	timer  Timer
	firing bool
}

// Engine turns schedule requests into durable records plus in-process timers and drives
// each record through pending -> sent | failed | cancelled.
type Engine struct {
	store     MessageStore
	deliverer Deliverer
	clock     Clock
	logger    *logrus.Logger
	notifier  StatusNotifier
	sentCache SentCache

	mu       sync.Mutex
	timers   map[string]*armedTimer
	closed   bool
	inflight sync.WaitGroup
}

func NewEngine(store MessageStore, deliverer Deliverer, clock Clock, logger *logrus.Logger) *Engine {
	if clock == nil {
		clock = NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store:     store,
		deliverer: deliverer,
		clock:     clock,
		logger:    logger,
		timers:    make(map[string]*armedTimer),
	}
}

// SetNotifier registers a listener for status changes. Call before Recover.
func (e *Engine) SetNotifier(n StatusNotifier) {
	e.notifier = n
}

// SetSentCache registers a cache recording successful deliveries. Call before Recover.
func (e *Engine) SetSentCache(c SentCache) {
	e.sentCache = c
}

// Schedule validates and persists a pending message and arms its timer.
func (e *Engine) Schedule(ctx context.Context, req ScheduleRequest) (*models.ScheduledMessage, error) {
	now := e.clock.Now()

	channel, err := validation.ValidateChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	text, err := validation.ValidateMessageText(req.Text)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateScheduledTime(req.Time, now); err != nil {
		return nil, err
	}
	if err := validation.ValidateWorkspaceID(req.WorkspaceID); err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, appErrors.New(appErrors.ErrCodeInternalError, "scheduling engine is shut down")
	}

	created := e.stamp()
	msg := &models.ScheduledMessage{
		ID:            ulid.Make().String(),
		WorkspaceID:   req.WorkspaceID,
		Channel:       channel,
		Text:          text,
		ScheduledTime: req.Time.UTC().Truncate(time.Millisecond),
		Status:        models.ScheduledStatusPending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if err := e.store.CreateScheduledMessage(ctx, msg); err != nil {
		return nil, err
	}

	delay := msg.ScheduledTime.Sub(now)
	e.arm(msg.ID, delay)

	fields := messageFields(ctx, msg.ID, msg.WorkspaceID, msg.Channel)
	fields[LogFieldScheduledTime] = msg.ScheduledTime
	fields[LogFieldDelay] = delay.Milliseconds()
	e.logger.WithFields(fields).Info("Message scheduled")
	metrics.IncrementCounter("scheduled_messages_created_total", nil, "Scheduled messages accepted")
	e.notify(msg)

	return msg, nil
}

// Cancel moves a pending message to cancelled. If a concurrent delivery wins the race,
// the record is returned in the state the delivery left it in.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	msg, err := e.store.GetScheduledMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, appErrors.NewNotFoundError("scheduled message", id)
	}
	if msg.Status != models.ScheduledStatusPending {
		return nil, appErrors.NewInvalidStateError("scheduled message", id, string(msg.Status))
	}

	e.disarm(id)

	now := e.stamp()
	applied, err := e.store.MarkScheduledMessageCancelled(ctx, id, now)
	if err != nil {
		// The record is still pending; put its timer back.
		e.arm(id, msg.ScheduledTime.Sub(now))
		return nil, err
	}
	if !applied {
		current, err := e.store.GetScheduledMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, appErrors.NewNotFoundError("scheduled message", id)
		}
		e.logger.WithFields(logrus.Fields{
			LogFieldMessageID: id,
			LogFieldStatus:    current.Status,
		}).Info("Cancel lost to concurrent delivery")
		return current, nil
	}

	msg.Status = models.ScheduledStatusCancelled
	msg.CancelledAt = &now
	msg.UpdatedAt = now

	e.logger.WithFields(messageFields(ctx, id, msg.WorkspaceID, msg.Channel)).Info("Scheduled message cancelled")
	metrics.IncrementCounter("scheduled_messages_total", map[string]string{"status": string(msg.Status)}, "Scheduled messages by final status")
	e.notify(msg)

	return msg, nil
}

// Recover arms a timer for every pending record. Past-due records fire immediately.
// Ids that already have a timer are skipped, so calling Recover again is harmless.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.store.ListPendingScheduledMessages(ctx)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	armed, overdue := 0, 0
	for _, msg := range pending {
		delay := msg.ScheduledTime.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if !e.arm(msg.ID, delay) {
			continue
		}
		armed++
		if delay == 0 {
			overdue++
		}
	}

	e.logger.WithFields(logrus.Fields{
		"pending":            len(pending),
		"armed":              armed,
		LogFieldOverdueCount: overdue,
	}).Info("Recovered scheduled messages")
	return nil
}

// ListPending returns pending and failed messages ordered by scheduled time, plus the
// total number of such messages.
func (e *Engine) ListPending(ctx context.Context, page, pageSize int) ([]*models.ScheduledMessage, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}

	statuses := []models.ScheduledStatus{models.ScheduledStatusPending, models.ScheduledStatusFailed}
	msgs, err := e.store.ListScheduledMessages(ctx, statuses, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.store.CountScheduledMessages(ctx, statuses)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// SendNow delivers a message immediately without creating a record.
func (e *Engine) SendNow(ctx context.Context, workspaceID, channel, text string) (*DeliveryResult, error) {
	channel, err := validation.ValidateChannel(channel)
	if err != nil {
		return nil, err
	}
	text, err = validation.ValidateMessageText(text)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}

	result, err := e.deliverer.Post(ctx, workspaceID, channel, text)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(messageFields(ctx, "", workspaceID, channel)).Info("Message sent immediately")
	return result, nil
}

// ArmedCount reports how many ids currently hold a timer, in flight ones included.
func (e *Engine) ArmedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Shutdown stops every armed timer and waits for in-flight deliveries to finish.
// Pending records stay pending and are picked up by Recover on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	stopped := 0
	for id, entry := range e.timers {
		if entry.firing {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(e.timers, id)
		stopped++
	}
	e.mu.Unlock()

	e.logger.WithField("stopped_timers", stopped).Info("Stopping scheduling engine")

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// arm registers a timer for id unless one is already armed or in flight.
func (e *Engine) arm(id string, delay time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	if _, exists := e.timers[id]; exists {
		return false
	}

	entry := &armedTimer{}
	e.timers[id] = entry
	entry.timer = e.clock.AfterFunc(delay, func() { e.fire(id, entry) })
	return true
}

// disarm stops the timer for id. A timer whose delivery already started is left alone;
// the store decides which transition wins.
func (e *Engine) disarm(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.timers[id]
	if !ok || entry.firing {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(e.timers, id)
}

func (e *Engine) fire(id string, entry *armedTimer) {
	e.mu.Lock()
	if current, ok := e.timers[id]; !ok || current != entry || e.closed {
		e.mu.Unlock()
		return
	}
	entry.firing = true
	e.inflight.Add(1)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.timers[id] == entry {
			delete(e.timers, id)
		}
		e.mu.Unlock()
		e.inflight.Done()
	}()

	ctx := tracing.WithFullTracing(context.Background())
	e.deliver(ctx, id)
}

func (e *Engine) deliver(ctx context.Context, id string) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.fire", attribute.String("message.id", id))
	defer span.End()

	logger := e.logger.WithFields(logrus.Fields{
		LogFieldMessageID: id,
		LogFieldRequestID: tracing.GetRequestID(ctx),
	})

	msg, err := e.store.GetScheduledMessage(ctx, id)
	if err != nil {
		appErrors.WithError(logger, err).Error("Failed to load scheduled message")
		return
	}
	if msg == nil {
		logger.Warn("Skipping delivery: scheduled message no longer exists")
		return
	}
	if msg.Status != models.ScheduledStatusPending {
		logger.WithField(LogFieldStatus, msg.Status).Debug("Skipping delivery: message is no longer pending")
		return
	}

	if remoteID, found := e.lookupSent(ctx, logger, id); found {
		logger.Warn("Message was delivered before a restart, recording it as sent")
		e.recordSent(ctx, logger, msg, &DeliveryResult{WorkspaceID: msg.WorkspaceID, Channel: msg.Channel, Timestamp: remoteID})
		return
	}

	result, err := e.deliverer.Post(ctx, msg.WorkspaceID, msg.Channel, msg.Text)
	if err != nil {
		span.RecordError(err)
		e.recordFailed(ctx, logger, msg, err)
		return
	}

	if e.sentCache != nil {
		if err := e.sentCache.MarkSent(ctx, id, result.Timestamp); err != nil {
			logger.WithError(err).Warn("Failed to cache sent message")
		}
	}
	e.recordSent(ctx, logger, msg, result)
}

func (e *Engine) lookupSent(ctx context.Context, logger *logrus.Entry, id string) (string, bool) {
	if e.sentCache == nil {
		return "", false
	}
	remoteID, found, err := e.sentCache.LookupSent(ctx, id)
	if err != nil {
		logger.WithError(err).Warn("Failed to consult sent cache")
		return "", false
	}
	return remoteID, found
}

func (e *Engine) recordSent(ctx context.Context, logger *logrus.Entry, msg *models.ScheduledMessage, result *DeliveryResult) {
	now := e.stamp()
	applied, err := e.store.MarkScheduledMessageSent(ctx, msg.ID, now, result.Timestamp)
	if err != nil {
		// Slack has the message but the record is still pending. The overdue monitor reports it.
		appErrors.WithError(logger, err).Error("Failed to record successful delivery")
		return
	}
	if !applied {
		logger.Warn("Delivered message was cancelled concurrently")
		return
	}
	msg.Status = models.ScheduledStatusSent
	msg.SentAt = &now
	msg.RemoteMessageID = &result.Timestamp
	msg.UpdatedAt = now

	logger.WithFields(logrus.Fields{
		LogFieldRemoteID: result.Timestamp,
		"lateness_ms":    now.Sub(msg.ScheduledTime).Milliseconds(),
	}).Info("Scheduled message sent")
	metrics.IncrementCounter("scheduled_messages_total", map[string]string{"status": string(msg.Status)}, "Scheduled messages by final status")
	e.notify(msg)
}

func (e *Engine) recordFailed(ctx context.Context, logger *logrus.Entry, msg *models.ScheduledMessage, cause error) {
	reason := describe(cause)
	now := e.stamp()
	applied, err := e.store.MarkScheduledMessageFailed(ctx, msg.ID, now, reason)
	if err != nil {
		appErrors.WithError(logger, err).Error("Failed to record delivery failure")
		return
	}
	if !applied {
		logger.Info("Delivery failure not recorded: status changed concurrently")
		return
	}
	msg.Status = models.ScheduledStatusFailed
	msg.LastError = &reason
	msg.UpdatedAt = now

	appErrors.WithError(logger, cause).Warn("Scheduled message delivery failed")
	metrics.IncrementCounter("scheduled_messages_total", map[string]string{"status": string(msg.Status)}, "Scheduled messages by final status")
	e.notify(msg)
}

// stamp is the current time at the millisecond precision the store keeps, so records
// handed back to callers match what a later read returns.
func (e *Engine) stamp() time.Time {
	return e.clock.Now().UTC().Truncate(time.Millisecond)
}

func (e *Engine) notify(msg *models.ScheduledMessage) {
	if e.notifier == nil {
		return
	}
	snapshot := *msg
	e.notifier.Notify(&snapshot)
}
