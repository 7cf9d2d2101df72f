package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"slackscheduler/internal/privacy"
	"slackscheduler/internal/service"
	"slackscheduler/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls what gets logged in verbose mode
type DetailedLoggingConfig struct {
	LogRequestHeaders bool
	LogRequestBody    bool
	MaxBodySize       int
	SensitiveHeaders  []string
	SkipEndpoints     []string
}

func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders: true,
		LogRequestBody:    true,
		MaxBodySize:       4096,
		SensitiveHeaders:  []string{"authorization", "cookie", "set-cookie", "x-api-key"},
		SkipEndpoints:     []string{"/metrics", "/api/health", "/ws/"},
	}
}

// DetailedLoggingMiddleware logs request headers and JSON bodies at debug level. Message
// text in bodies is masked through the privacy helpers.
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skip := range config.SkipEndpoints {
				if strings.HasPrefix(r.URL.Path, skip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if logger.IsLevelEnabled(logrus.DebugLevel) {
				logRequestDetails(logger, r, config)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func logRequestDetails(logger *logrus.Logger, r *http.Request, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
		service.LogFieldMethod:    r.Method,
		service.LogFieldURL:       r.URL.Path,
		service.LogFieldRemoteIP:  GetClientIP(r),
		"content_length":          r.ContentLength,
	}

	if config.LogRequestHeaders {
		headers := make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			if isSensitiveHeader(name, config.SensitiveHeaders) {
				headers[name] = "***MASKED***"
			} else {
				headers[name] = strings.Join(values, ", ")
			}
		}
		fields["request_headers"] = headers
	}

	if config.LogRequestBody && strings.Contains(r.Header.Get("Content-Type"), "application/json") &&
		r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			var payload map[string]interface{}
			if json.Unmarshal(body, &payload) == nil {
				fields["request_body"] = privacy.MaskSensitiveFields(payload)
			} else {
				fields["request_body"] = privacy.MaskText(string(body))
			}
		}
	}

	logger.WithFields(fields).Debug("Detailed request logging")
}

func isSensitiveHeader(headerName string, sensitiveHeaders []string) bool {
	for _, sensitive := range sensitiveHeaders {
		if strings.EqualFold(sensitive, headerName) {
			return true
		}
	}
	return false
}
