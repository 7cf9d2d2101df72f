package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"slackscheduler/pkg/constants"
	"slackscheduler/pkg/slack/types"

	"github.com/sirupsen/logrus"
)

// API is the subset of the Slack Web API the scheduler uses.
type API interface {
	PostMessage(ctx context.Context, token, channel, text string) (*types.PostMessageResponse, error)
	ListChannels(ctx context.Context, token string) ([]types.Channel, error)
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*types.OAuthResponse, error)
	ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*types.OAuthResponse, error)
}

// Client calls the Slack Web API through a Transport. It makes exactly one transport call
// per method invocation; retry policy belongs to the caller.
type Client struct {
	baseURL   string
	transport Transport
	logger    *logrus.Logger
}

func NewClient(baseURL string, transport Transport, logger *logrus.Logger) *Client {
	if transport == nil {
		transport = NewHTTPTransport(nil, 0)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		transport: transport,
		logger:    logger,
	}
}

// PostMessage sends text to channel with a bearer token
func (c *Client) PostMessage(ctx context.Context, token, channel, text string) (*types.PostMessageResponse, error) {
	body, err := json.Marshal(types.PostMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json; charset=utf-8",
	}

	var result types.PostMessageResponse
	if err := c.call(ctx, constants.MethodChatPostMessage, headers, body, &result); err != nil {
		return nil, err
	}
	if !result.OK {
		return &result, &APIError{Method: constants.MethodChatPostMessage, Code: apiErrorCode(result.Error)}
	}

	return &result, nil
}

// ListChannels returns public channels visible to the token, following pagination cursors
func (c *Client) ListChannels(ctx context.Context, token string) ([]types.Channel, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/x-www-form-urlencoded",
	}

	channels := []types.Channel{}
	cursor := ""
	for {
		form := url.Values{}
		form.Set("types", "public_channel")
		form.Set("exclude_archived", "true")
		form.Set("limit", fmt.Sprintf("%d", constants.DefaultChannelsLimit))
		if cursor != "" {
			form.Set("cursor", cursor)
		}

		var page types.ConversationsListResponse
		if err := c.call(ctx, constants.MethodConversationsList, headers, []byte(form.Encode()), &page); err != nil {
			return nil, err
		}
		if !page.OK {
			return nil, &APIError{Method: constants.MethodConversationsList, Code: apiErrorCode(page.Error)}
		}

		channels = append(channels, page.Channels...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

// RefreshToken trades a refresh token for a new token pair
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*types.OAuthResponse, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.oauthAccess(ctx, form)
}

// ExchangeCode completes the OAuth authorization flow
func (c *Client) ExchangeCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*types.OAuthResponse, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	return c.oauthAccess(ctx, form)
}

func (c *Client) oauthAccess(ctx context.Context, form url.Values) (*types.OAuthResponse, error) {
	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}

	var result types.OAuthResponse
	if err := c.call(ctx, constants.MethodOAuthV2Access, headers, []byte(form.Encode()), &result); err != nil {
		return nil, err
	}
	if !result.OK {
		return &result, &APIError{Method: constants.MethodOAuthV2Access, Code: apiErrorCode(result.Error)}
	}
	if result.AccessToken == "" {
		return &result, &APIError{Method: constants.MethodOAuthV2Access, Code: "missing_access_token"}
	}

	return &result, nil
}

// call performs one POST and decodes the JSON envelope into out
func (c *Client) call(ctx context.Context, method string, headers map[string]string, body []byte, out interface{}) error {
	status, respBody, err := c.transport.Post(ctx, c.baseURL+"/"+method, headers, body)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"error":  err,
		}).Debug("Slack transport call failed")
		return &TransportError{Method: method, StatusCode: status, Err: err}
	}

	if status < 200 || status > 299 {
		return &TransportError{Method: method, StatusCode: status, Err: fmt.Errorf("unexpected status %d", status)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{Method: method, StatusCode: status, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return nil
}

func apiErrorCode(code string) string {
	if code == "" {
		return "unknown_error"
	}
	return code
}
