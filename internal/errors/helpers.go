package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewAPIError creates an error for a failed Slack Web API call
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeSlackAPI, "slack API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	// Transport level failures and throttling are worth another attempt
	if statusCode == 0 || statusCode >= 500 || statusCode == 429 || statusCode == 408 {
		appErr.Retryable = true
	}

	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewInvalidStateError reports an operation on a record that has left the state it requires
func NewInvalidStateError(resource, identifier, state string) *AppError {
	return New(ErrCodeInvalidState, fmt.Sprintf("%s is %s", resource, state)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithContext("state", state).
		WithUserMessage(fmt.Sprintf("Cannot modify a %s %s", state, resource))
}

// NewRemoteError creates a permanent delivery failure. Message is what gets recorded on the message.
func NewRemoteError(message string, cause error) *AppError {
	return Wrap(cause, ErrCodeRemoteDelivery, message).
		WithUserMessage("Failed to deliver message to Slack")
}

// NewRefreshError creates a token refresh failure for a workspace
func NewRefreshError(workspaceID string, cause error) *AppError {
	return Wrap(cause, ErrCodeTokenRefresh, "failed to refresh access token").
		WithContext("workspace_id", workspaceID).
		WithUserMessage("Slack authorization expired, please reconnect the workspace")
}

// NewNoCredentialError reports that no usable credential exists for delivery
func NewNoCredentialError(workspaceID string) *AppError {
	msg := "no Slack credential available"
	if workspaceID != "" {
		msg = fmt.Sprintf("no Slack credential for workspace %s", workspaceID)
	}
	return New(ErrCodeNoCredential, msg).
		WithContext("workspace_id", workspaceID).
		WithUserMessage("Not connected to Slack")
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(limit int, window string) *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded").
		WithContext("limit", limit).
		WithContext("window", window).
		WithUserMessage("Too many requests, please try again later")
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig, ErrCodeInvalidState:
		return http.StatusBadRequest
	case ErrCodeAuthentication, ErrCodeNoCredential:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeSlackAPI, ErrCodeRemoteDelivery, ErrCodeTokenRefresh:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	appErr, ok := AsAppError(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			// Exclude sensitive fields from HTTP responses
			if k != "password" && k != "token" && k != "secret" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}

	return response
}
