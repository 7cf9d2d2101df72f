package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"slackscheduler/internal/constants"
	appErrors "slackscheduler/internal/errors"
	"slackscheduler/internal/metrics"
	"slackscheduler/internal/models"
	"slackscheduler/internal/privacy"
	"slackscheduler/internal/retry"
	"slackscheduler/pkg/slack/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CredentialStore is the durable home of workspace credentials.
type CredentialStore interface {
	GetCredential(ctx context.Context, workspaceID string) (*models.Credential, error)
	GetLatestCredential(ctx context.Context) (*models.Credential, error)
	UpsertCredential(ctx context.Context, cred *models.Credential) error
	ReplaceCredential(ctx context.Context, cred *models.Credential, expectedAccessToken string) (bool, error)
	DeleteCredential(ctx context.Context, workspaceID string) (bool, error)
	DeleteAllCredentials(ctx context.Context) (int64, error)
}

// OAuthProvider issues Slack tokens.
type OAuthProvider interface {
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*types.OAuthResponse, error)
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*types.OAuthResponse, error)
}

// OAuthConfig holds the application's Slack OAuth client settings.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// ExchangeAttempts and ExchangeWait bound the authorization code exchange.
	ExchangeAttempts int
	ExchangeWait     time.Duration
	// RefreshTimeout bounds a shared token refresh, which outlives any single caller's context.
	RefreshTimeout time.Duration
}

// CredentialService owns the credential lifecycle: installation through the OAuth
// callback, refresh of expired access tokens and logout.
type CredentialService struct {
	store    CredentialStore
	provider OAuthProvider
	config   OAuthConfig
	clock    Clock
	logger   *logrus.Logger
	sleep    retry.SleepFunc
	group    singleflight.Group
}

func NewCredentialService(store CredentialStore, provider OAuthProvider, config OAuthConfig, clock Clock, logger *logrus.Logger) *CredentialService {
	if config.ExchangeAttempts <= 0 {
		config.ExchangeAttempts = constants.DefaultOAuthExchangeAttempts
	}
	if config.ExchangeWait <= 0 {
		config.ExchangeWait = time.Duration(constants.DefaultOAuthExchangeWaitMs) * time.Millisecond
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = constants.DefaultTokenRefreshTimeout
	}
	if clock == nil {
		clock = NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CredentialService{
		store:    store,
		provider: provider,
		config:   config,
		clock:    clock,
		logger:   logger,
	}
}

// Lookup returns the credential for workspaceID, or the most recently updated one when
// workspaceID is empty. It returns nil without error when nothing matches.
func (s *CredentialService) Lookup(ctx context.Context, workspaceID string) (*models.Credential, error) {
	if workspaceID != "" {
		return s.store.GetCredential(ctx, workspaceID)
	}
	return s.store.GetLatestCredential(ctx)
}

// Refresh exchanges the stored refresh token for a new access token. Calls for the same
// workspace are collapsed into one provider round trip, and if the stored access token
// no longer equals staleAccessToken another caller already refreshed it.
// A caller whose ctx ends stops waiting; the shared refresh keeps running for the others.
func (s *CredentialService) Refresh(ctx context.Context, workspaceID, staleAccessToken string) (*models.Credential, error) {
	ch := s.group.DoChan(workspaceID, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RefreshTimeout)
		defer cancel()
		return s.refresh(shared, workspaceID, staleAccessToken)
	})

	select {
	case <-ctx.Done():
		return nil, appErrors.NewRefreshError(workspaceID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.WithField(LogFieldWorkspaceID, workspaceID).Debug("Joined in-flight token refresh")
		}
		return res.Val.(*models.Credential), nil
	}
}

func (s *CredentialService) refresh(ctx context.Context, workspaceID, staleAccessToken string) (*models.Credential, error) {
	start := time.Now()
	logger := s.logger.WithFields(logrus.Fields{
		LogFieldWorkspaceID: workspaceID,
		LogFieldOperation:   "refresh_token",
	})

	current, err := s.store.GetCredential(ctx, workspaceID)
	if err != nil {
		return nil, appErrors.NewRefreshError(workspaceID, err)
	}
	if current == nil {
		return nil, appErrors.NewRefreshError(workspaceID, appErrors.NewNoCredentialError(workspaceID))
	}
	if current.AccessToken != staleAccessToken {
		logger.Debug("Skipping token refresh: credential already rotated")
		return current, nil
	}
	if !current.CanRefresh() {
		return nil, appErrors.NewRefreshError(workspaceID, fmt.Errorf("credential has no refresh token"))
	}

	resp, err := s.provider.RefreshToken(ctx, s.config.ClientID, s.config.ClientSecret, current.RefreshToken)
	if err != nil {
		metrics.IncrementCounter("token_refresh_total", map[string]string{"result": "failure"}, "Access token refresh attempts")
		logger.WithError(err).Warn("Failed to refresh access token")
		return nil, appErrors.NewRefreshError(workspaceID, err)
	}

	now := s.clock.Now()
	updated := *current
	updated.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		updated.RefreshToken = resp.RefreshToken
	}
	updated.ExpiresAt = expiryFrom(now, resp.ExpiresIn)
	updated.UpdatedAt = now

	applied, err := s.store.ReplaceCredential(ctx, &updated, staleAccessToken)
	if err != nil {
		return nil, appErrors.NewRefreshError(workspaceID, err)
	}
	if !applied {
		// Someone else replaced the credential between our read and write; theirs wins.
		stored, err := s.store.GetCredential(ctx, workspaceID)
		if err != nil {
			return nil, appErrors.NewRefreshError(workspaceID, err)
		}
		if stored == nil {
			return nil, appErrors.NewRefreshError(workspaceID, appErrors.NewNoCredentialError(workspaceID))
		}
		logger.Info("Credential replaced concurrently, using stored token")
		return stored, nil
	}

	metrics.IncrementCounter("token_refresh_total", map[string]string{"result": "success"}, "Access token refresh attempts")
	logger.WithFields(logrus.Fields{
		LogFieldDuration: time.Since(start).Milliseconds(),
		"access_token":   privacy.MaskToken(updated.AccessToken),
		"expires_at":     updated.ExpiresAt,
	}).Info("Access token refreshed")
	return &updated, nil
}

// AuthorizeURL builds the Slack consent URL the user is redirected to.
func (s *CredentialService) AuthorizeURL(authorizeURL, scopes string) string {
	q := url.Values{}
	q.Set("client_id", s.config.ClientID)
	q.Set("scope", scopes)
	q.Set("redirect_uri", s.config.RedirectURI)
	return authorizeURL + "?" + q.Encode()
}

// CompleteAuthorization exchanges an OAuth code and stores the resulting credential.
// The exchange is retried on transport failures only.
func (s *CredentialService) CompleteAuthorization(ctx context.Context, code string) (*models.Credential, error) {
	if code == "" {
		return nil, appErrors.NewValidationError("code", "", "authorization code is required")
	}

	var resp *types.OAuthResponse
	backoff := retry.NewBackoff(retry.FixedBackoffConfig(s.config.ExchangeAttempts-1, s.config.ExchangeWait))
	if s.sleep != nil {
		backoff.WithSleep(s.sleep)
	}
	attempt := 0
	err := backoff.RetryWithPredicate(ctx, func() error {
		attempt++
		var err error
		resp, err = s.provider.ExchangeCode(ctx, s.config.ClientID, s.config.ClientSecret, code, s.config.RedirectURI)
		if err != nil {
			s.logger.WithError(err).WithField(LogFieldAttempt, attempt).Warn("OAuth code exchange attempt failed")
		}
		return err
	}, isTransportFailure)
	if err != nil {
		return nil, appErrors.NewAuthError(fmt.Sprintf("OAuth code exchange failed: %v", err))
	}

	now := s.clock.Now()
	cred := &models.Credential{
		WorkspaceID:   resp.Team.ID,
		WorkspaceName: resp.Team.Name,
		UserID:        resp.AuthedUser.ID,
		AccessToken:   resp.AccessToken,
		RefreshToken:  resp.RefreshToken,
		ExpiresAt:     expiryFrom(now, resp.ExpiresIn),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cred.WorkspaceID == "" {
		return nil, appErrors.NewAuthError("OAuth response did not identify a workspace")
	}
	if err := s.store.UpsertCredential(ctx, cred); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		LogFieldWorkspaceID: cred.WorkspaceID,
		"workspace_name":    cred.WorkspaceName,
		"user_id":           privacy.MaskUserID(cred.UserID),
	}).Info("Slack workspace authorized")
	return cred, nil
}

// Logout deletes the credential for workspaceID, or every credential when it is empty.
// It returns how many credentials were removed.
func (s *CredentialService) Logout(ctx context.Context, workspaceID string) (int64, error) {
	if workspaceID == "" {
		n, err := s.store.DeleteAllCredentials(ctx)
		if err != nil {
			return 0, err
		}
		s.logger.WithField("deleted", n).Info("Removed all Slack credentials")
		return n, nil
	}

	deleted, err := s.store.DeleteCredential(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return 0, appErrors.NewNotFoundError("credential", workspaceID)
	}
	s.logger.WithField(LogFieldWorkspaceID, workspaceID).Info("Removed Slack credential")
	return 1, nil
}

func expiryFrom(now time.Time, expiresIn int) time.Time {
	if expiresIn <= 0 {
		return now.Add(constants.DefaultNonExpiringTokenLifetime)
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}
