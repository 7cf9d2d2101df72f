package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slackscheduler/internal/constants"
	appErrors "slackscheduler/internal/errors"
	"slackscheduler/internal/middleware"
	"slackscheduler/internal/models"
	"slackscheduler/internal/service"
	"slackscheduler/internal/tracing"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const maxRequestBodyBytes = 1 << 20

// Scheduler is the part of the scheduling engine the HTTP API drives
type Scheduler interface {
	Schedule(ctx context.Context, req service.ScheduleRequest) (*models.ScheduledMessage, error)
	Cancel(ctx context.Context, id string) (*models.ScheduledMessage, error)
	ListPending(ctx context.Context, page, pageSize int) ([]*models.ScheduledMessage, int, error)
	SendNow(ctx context.Context, workspaceID, channel, text string) (*service.DeliveryResult, error)
}

type ChannelLister interface {
	ListChannels(ctx context.Context, workspaceID string) ([]service.ChannelInfo, error)
}

type Authorizer interface {
	AuthorizeURL(authorizeURL, scopes string) string
	CompleteAuthorization(ctx context.Context, code string) (*models.Credential, error)
	Logout(ctx context.Context, workspaceID string) (int64, error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ServerDeps groups the collaborators the HTTP server needs
type ServerDeps struct {
	Scheduler Scheduler
	Channels  ChannelLister
	Auth      Authorizer
	Health    HealthChecker
	Events    http.Handler
}

type Server struct {
	router         *mux.Router
	logger         *logrus.Logger
	cfg            *models.Config
	deps           ServerDeps
	globalLimiter  *RateLimiter
	messageLimiter *RateLimiter
	authLimiter    *RateLimiter
	server         *http.Server
	verbose        bool
}

func NewServer(cfg *models.Config, deps ServerDeps, logger *logrus.Logger, verbose bool) *Server {
	globalLimit := cfg.Server.GlobalRateLimit
	if globalLimit <= 0 {
		globalLimit = constants.DefaultGlobalRateLimit
	}
	s := &Server{
		router:         mux.NewRouter(),
		logger:         logger,
		cfg:            cfg,
		deps:           deps,
		globalLimiter:  NewRateLimiter(globalLimit, constants.DefaultGlobalRateWindow),
		messageLimiter: NewRateLimiter(cfg.Server.RateLimitPerMinute, time.Minute),
		authLimiter:    NewRateLimiter(constants.DefaultAuthRateLimit, constants.DefaultAuthRateWindow),
		verbose:        verbose,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	s.router.Use(func(next http.Handler) http.Handler { return s.rateLimit(s.globalLimiter, next) })
	if s.verbose {
		s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, middleware.DefaultDetailedLoggingConfig()))
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), service.VerboseContextKey, true)))
			})
		})
	}

	s.router.HandleFunc("/api/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	if s.deps.Events != nil {
		s.router.Handle("/ws/messages", s.deps.Events).Methods(http.MethodGet)
	}

	messages := s.router.PathPrefix("/api/messages").Subrouter()
	messages.Handle("/send", s.rateLimit(s.messageLimiter, s.handleSendNow())).Methods(http.MethodPost)
	messages.Handle("/schedule", s.rateLimit(s.messageLimiter, s.handleSchedule())).Methods(http.MethodPost)
	messages.HandleFunc("/channels", s.handleListChannels()).Methods(http.MethodGet)
	messages.HandleFunc("/scheduled", s.handleListScheduled()).Methods(http.MethodGet)
	messages.HandleFunc("/scheduled/{id}", s.handleCancel()).Methods(http.MethodDelete)

	schedules := s.router.PathPrefix("/api/schedules").Subrouter()
	schedules.HandleFunc("", s.handleListScheduled()).Methods(http.MethodGet)
	schedules.HandleFunc("/{id}", s.handleCancel()).Methods(http.MethodDelete)

	auth := s.router.PathPrefix("/api/auth").Subrouter()
	auth.Use(func(next http.Handler) http.Handler { return s.rateLimit(s.authLimiter, next) })
	auth.HandleFunc("/slack", s.handleAuthorize()).Methods(http.MethodGet)
	auth.HandleFunc("/slack/callback", s.handleAuthCallback()).Methods(http.MethodGet)
	auth.HandleFunc("/logout", s.handleLogout()).Methods(http.MethodPost)

	for _, router := range []*mux.Router{s.router, messages, schedules, auth} {
		s.setFallbackHandlers(router)
	}
}

// setFallbackHandlers installs the JSON 404/405 handlers. Subrouters need their own copy
// since mux resolves a method mismatch inside the subrouter that matched the prefix.
func (s *Server) setFallbackHandlers(router *mux.Router) {
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, appErrors.New(ErrCodeMethodNotAllowed, "method not allowed").WithUserMessage("Method not allowed"))
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, appErrors.NewNotFoundError("route", r.URL.Path))
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler wraps the router with the headers every response carries, including the
// 404/405 responses mux produces without running route middleware.
func (s *Server) Handler() http.Handler {
	return s.cors(s.securityHeaders(s.router))
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.globalLimiter.Stop()
	s.messageLimiter.Stop()
	s.authLimiter.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ErrCodeMethodNotAllowed is only produced by the router
const ErrCodeMethodNotAllowed appErrors.ErrorCode = "METHOD_NOT_ALLOWED"

type successResponse struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type errorResponse struct {
	Success bool `json:"success"`
	appErrors.HTTPErrorResponse
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type sendRequest struct {
	Channel     string `json:"channel"`
	Message     string `json:"message"`
	WorkspaceID string `json:"workspaceId"`
}

type scheduleRequest struct {
	Channel       string `json:"channel"`
	Message       string `json:"message"`
	ScheduledTime string `json:"scheduledTime"`
	WorkspaceID   string `json:"workspaceId"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).WithField(service.LogFieldRequestID, tracing.GetRequestID(r.Context())).
			Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatusCode(err)
	switch appErrors.GetCode(err) {
	case ErrCodeMethodNotAllowed:
		status = http.StatusMethodNotAllowed
	case appErrors.ErrCodeNoCredential:
		// Scheduling without a connected workspace is a client problem, not an auth failure
		status = http.StatusBadRequest
	}

	requestID := tracing.GetRequestID(r.Context())
	entry := appErrors.WithError(s.logger, err).WithFields(logrus.Fields{
		service.LogFieldRequestID:  requestID,
		service.LogFieldStatusCode: status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	s.writeJSON(w, r, status, errorResponse{HTTPErrorResponse: appErrors.ToHTTPResponse(err, requestID)})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return appErrors.NewValidationError("body", "", "request body must be a JSON object")
	}
	return nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{
			"status":  "ok",
			"time":    time.Now().UTC(),
			"version": Version,
		}

		if s.deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.deps.Health.Ping(ctx); err != nil {
				s.logger.WithError(err).Warn("Health check failed: database unreachable")
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["database"] = "unreachable"
			}
		}
		s.writeJSON(w, r, status, body)
	}
}

func (s *Server) handleSendNow() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		result, err := s.deps.Scheduler.SendNow(r.Context(), req.WorkspaceID, req.Channel, req.Message)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, successResponse{Success: true, Data: result})
	}
}

func (s *Server) handleSchedule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		if strings.TrimSpace(req.ScheduledTime) == "" {
			s.writeError(w, r, appErrors.NewValidationError("scheduled_time", "", "scheduled time is required"))
			return
		}
		at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(req.ScheduledTime))
		if err != nil {
			s.writeError(w, r, appErrors.NewValidationError("scheduled_time", req.ScheduledTime, "invalid scheduled time format, expected RFC 3339"))
			return
		}

		msg, err := s.deps.Scheduler.Schedule(r.Context(), service.ScheduleRequest{
			WorkspaceID: req.WorkspaceID,
			Channel:     req.Channel,
			Text:        req.Message,
			Time:        at,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, successResponse{Success: true, Data: msg})
	}
}

func (s *Server) handleListChannels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := s.deps.Channels.ListChannels(r.Context(), r.URL.Query().Get("workspaceId"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if channels == nil {
			channels = []service.ChannelInfo{}
		}
		s.writeJSON(w, r, http.StatusOK, successResponse{Success: true, Data: channels})
	}
}

func (s *Server) handleListScheduled() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		limit := queryInt(r, "limit", constants.DefaultPageSize)
		if limit < 1 {
			limit = constants.DefaultPageSize
		}
		if limit > constants.MaxPageSize {
			limit = constants.MaxPageSize
		}

		msgs, total, err := s.deps.Scheduler.ListPending(r.Context(), page, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []*models.ScheduledMessage{}
		}

		s.writeJSON(w, r, http.StatusOK, successResponse{
			Success: true,
			Data:    msgs,
			Pagination: &pagination{
				Page:  page,
				Limit: limit,
				Total: total,
				Pages: int(math.Ceil(float64(total) / float64(limit))),
			},
		})
	}
}

func (s *Server) handleCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, err := ulid.ParseStrict(id); err != nil {
			s.writeError(w, r, appErrors.NewValidationError("id", id, "invalid message ID format"))
			return
		}

		msg, err := s.deps.Scheduler.Cancel(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if msg.Status != models.ScheduledStatusCancelled {
			// Lost the race with delivery; report the state the message actually reached
			s.writeError(w, r, appErrors.NewInvalidStateError("scheduled message", id, string(msg.Status)))
			return
		}
		s.writeJSON(w, r, http.StatusOK, successResponse{Success: true, Data: msg})
	}
}

func (s *Server) handleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.deps.Auth.AuthorizeURL(s.cfg.Slack.AuthorizeURL, s.cfg.Slack.Scopes), http.StatusFound)
	}
}

func (s *Server) handleAuthCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reason := r.URL.Query().Get("error"); reason != "" {
			s.writeError(w, r, appErrors.NewAuthError("authorization denied: "+reason))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.callbackTimeout())
		defer cancel()

		cred, err := s.deps.Auth.CompleteAuthorization(ctx, r.URL.Query().Get("code"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		if s.cfg.ClientURL != "" {
			http.Redirect(w, r, strings.TrimRight(s.cfg.ClientURL, "/")+"/success", http.StatusFound)
			return
		}
		s.writeJSON(w, r, http.StatusOK, successResponse{
			Success: true,
			Data: map[string]string{
				"teamId":   cred.WorkspaceID,
				"teamName": cred.WorkspaceName,
			},
		})
	}
}

// callbackTimeout covers every exchange attempt plus the waits between them
func (s *Server) callbackTimeout() time.Duration {
	attempts := time.Duration(constants.DefaultOAuthExchangeAttempts)
	perAttempt := time.Duration(s.cfg.Slack.TimeoutSec) * time.Second
	wait := time.Duration(constants.DefaultOAuthExchangeWaitMs) * time.Millisecond
	return attempts*perAttempt + (attempts-1)*wait
}

func (s *Server) handleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		teamID := r.URL.Query().Get("teamId")
		removed, err := s.deps.Auth.Logout(r.Context(), teamID)
		if err != nil && !appErrors.IsCode(err, appErrors.ErrCodeNotFound) {
			s.writeError(w, r, err)
			return
		}
		// Logging out of an unknown workspace still leaves the caller logged out
		s.writeJSON(w, r, http.StatusOK, successResponse{
			Success: true,
			Message: "Logout successful",
			Data:    map[string]int64{"removed": removed},
		})
	}
}

func (s *Server) rateLimit(limiter *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(middleware.GetClientIP(r)) {
			s.writeError(w, r, appErrors.NewRateLimitError(limiter.Limit(), limiter.Window().String()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// cors allows the configured frontend origin to call the API with credentials
func (s *Server) cors(next http.Handler) http.Handler {
	if s.cfg.ClientURL == "" {
		return next
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{strings.TrimRight(s.cfg.ClientURL, "/")},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With", tracing.RequestIDHeader},
		ExposedHeaders:   []string{tracing.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           86400,
	})(next)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
