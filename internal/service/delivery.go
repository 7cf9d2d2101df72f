package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"slackscheduler/internal/constants"
	appErrors "slackscheduler/internal/errors"
	"slackscheduler/internal/metrics"
	"slackscheduler/internal/models"
	"slackscheduler/internal/retry"
	"slackscheduler/internal/tracing"
	"slackscheduler/pkg/slack"
	"slackscheduler/pkg/slack/types"

	"github.com/sirupsen/logrus"
)

// MessagePoster is the part of the Slack API used to deliver messages.
type MessagePoster interface {
	PostMessage(ctx context.Context, token, channel, text string) (*types.PostMessageResponse, error)
	ListChannels(ctx context.Context, token string) ([]types.Channel, error)
}

// CredentialSource resolves and refreshes the credential used for delivery.
type CredentialSource interface {
	Lookup(ctx context.Context, workspaceID string) (*models.Credential, error)
	Refresh(ctx context.Context, workspaceID, staleAccessToken string) (*models.Credential, error)
}

// DeliveryResult identifies a message Slack accepted.
type DeliveryResult struct {
	WorkspaceID string `json:"workspaceId"`
	Channel     string `json:"channel"`
	Timestamp   string `json:"ts"`
}

// DeliveryConfig tunes the Delivery Client.
type DeliveryConfig struct {
	// DefaultWorkspace is used when a message does not name a workspace.
	DefaultWorkspace string
	// TransportRetries is the number of additional attempts after a transport failure.
	TransportRetries int
	Backoff          time.Duration
}

// ChannelInfo is a channel as shown to users picking a delivery target.
type ChannelInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
}

// DeliveryClient performs one logical post against Slack. Transport failures are retried
// with a fixed backoff; an expired token is refreshed once and the post retried once.
type DeliveryClient struct {
	api    MessagePoster
	creds  CredentialSource
	config DeliveryConfig
	logger *logrus.Logger
	sleep  retry.SleepFunc
}

func NewDeliveryClient(api MessagePoster, creds CredentialSource, config DeliveryConfig, logger *logrus.Logger) *DeliveryClient {
	if config.TransportRetries < 0 {
		config.TransportRetries = 0
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Duration(constants.DefaultTransportBackoffMs) * time.Millisecond
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &DeliveryClient{
		api:    api,
		creds:  creds,
		config: config,
		logger: logger,
	}
}

// Post delivers text to channel using the credential of workspaceID (or the default one).
// Every failure is returned as a permanent error: RemoteError, or NoCredentialError when
// no workspace has been authorized.
func (c *DeliveryClient) Post(ctx context.Context, workspaceID, channel, text string) (*DeliveryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "slack.deliver")
	defer span.End()
	start := time.Now()

	result, err := c.post(ctx, workspaceID, channel, text)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
	}
	metrics.IncrementCounter("slack_deliveries_total", map[string]string{"result": outcome}, "Slack delivery attempts by outcome")
	metrics.RecordTimer("slack_delivery_duration", time.Since(start), nil, "Time spent delivering a message to Slack")
	return result, err
}

func (c *DeliveryClient) post(ctx context.Context, workspaceID, channel, text string) (*DeliveryResult, error) {
	cred, err := c.resolveCredential(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	resp, err := c.postWithRetry(ctx, cred.AccessToken, channel, text)
	if errors.Is(err, slack.ErrTokenExpired) {
		c.logger.WithField(LogFieldWorkspaceID, cred.WorkspaceID).Info("Access token expired, refreshing")

		refreshed, rerr := c.creds.Refresh(ctx, cred.WorkspaceID, cred.AccessToken)
		if rerr != nil {
			return nil, appErrors.NewRemoteError(fmt.Sprintf("token refresh failed: %s", describe(rerr)), rerr)
		}
		cred = refreshed

		resp, err = c.postWithRetry(ctx, cred.AccessToken, channel, text)
		if errors.Is(err, slack.ErrTokenExpired) {
			return nil, appErrors.NewRemoteError("access token expired again after refresh", err)
		}
	}
	if err != nil {
		return nil, appErrors.NewRemoteError(describe(err), err)
	}

	return &DeliveryResult{
		WorkspaceID: cred.WorkspaceID,
		Channel:     resp.Channel,
		Timestamp:   resp.TS,
	}, nil
}

// postWithRetry makes the initial attempt plus up to TransportRetries more, retrying
// only transport failures.
func (c *DeliveryClient) postWithRetry(ctx context.Context, token, channel, text string) (*types.PostMessageResponse, error) {
	backoff := retry.NewBackoff(retry.FixedBackoffConfig(c.config.TransportRetries, c.config.Backoff))
	if c.sleep != nil {
		backoff.WithSleep(c.sleep)
	}

	var resp *types.PostMessageResponse
	attempt := 0
	err := backoff.RetryWithPredicate(ctx, func() error {
		attempt++
		var err error
		resp, err = c.api.PostMessage(ctx, token, channel, text)
		if err != nil && isTransportFailure(err) {
			c.logger.WithFields(logrus.Fields{
				LogFieldAttempt: attempt,
				"max_attempts":  backoff.MaxAttempts(),
			}).WithError(err).Warn("Slack transport failure")
		}
		return err
	}, isTransportFailure)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListChannels returns the non-archived channels of the workspace sorted by name.
func (c *DeliveryClient) ListChannels(ctx context.Context, workspaceID string) ([]ChannelInfo, error) {
	cred, err := c.resolveCredential(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var channels []types.Channel
	backoff := retry.NewBackoff(retry.FixedBackoffConfig(c.config.TransportRetries, c.config.Backoff))
	if c.sleep != nil {
		backoff.WithSleep(c.sleep)
	}
	list := func(token string) error {
		return backoff.RetryWithPredicate(ctx, func() error {
			var err error
			channels, err = c.api.ListChannels(ctx, token)
			return err
		}, isTransportFailure)
	}

	err = list(cred.AccessToken)
	if errors.Is(err, slack.ErrTokenExpired) {
		refreshed, rerr := c.creds.Refresh(ctx, cred.WorkspaceID, cred.AccessToken)
		if rerr != nil {
			return nil, appErrors.NewRemoteError(fmt.Sprintf("token refresh failed: %s", describe(rerr)), rerr)
		}
		err = list(refreshed.AccessToken)
	}
	if err != nil {
		return nil, appErrors.NewRemoteError(describe(err), err)
	}

	result := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		if ch.IsArchived {
			continue
		}
		result = append(result, ChannelInfo{ID: ch.ID, Name: ch.Name, IsPrivate: ch.IsPrivate})
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result, nil
}

func (c *DeliveryClient) resolveCredential(ctx context.Context, workspaceID string) (*models.Credential, error) {
	if workspaceID == "" {
		workspaceID = c.config.DefaultWorkspace
	}
	cred, err := c.creds.Lookup(ctx, workspaceID)
	if err != nil {
		return nil, appErrors.NewRemoteError(fmt.Sprintf("failed to load Slack credential: %v", err), err)
	}
	if cred == nil {
		return nil, appErrors.NewNoCredentialError(workspaceID)
	}
	return cred, nil
}

func isTransportFailure(err error) bool {
	return slack.IsTransportError(err)
}

// describe returns the human readable part of err without error-code prefixes. A cause
// is appended unless the message already carries it.
func describe(err error) string {
	appErr, ok := appErrors.AsAppError(err)
	if !ok {
		return err.Error()
	}
	if appErr.Cause == nil {
		return appErr.Message
	}
	cause := describe(appErr.Cause)
	if strings.Contains(appErr.Message, cause) {
		return appErr.Message
	}
	return fmt.Sprintf("%s: %s", appErr.Message, cause)
}
