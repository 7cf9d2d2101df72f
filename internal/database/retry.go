package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slackscheduler/internal/constants"
	"slackscheduler/internal/models"
	"slackscheduler/internal/retry"
)

// retryConfigToBackoff converts the configured database retry policy to a backoff config.
func retryConfigToBackoff(cfg *models.RetryConfig) retry.BackoffConfig {
	backoff := retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	}
	if cfg == nil {
		return backoff
	}
	if cfg.InitialBackoffMs > 0 {
		backoff.InitialDelay = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		backoff.MaxDelay = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		backoff.MaxAttempts = cfg.MaxAttempts
	}
	return backoff
}

// retryableDBOperation executes a database operation with retry logic on transient SQLite errors
func (d *Database) retryableDBOperation(ctx context.Context, operation func() error, operationName string) error {
	attempts := 0
	err := retry.NewBackoff(d.retry).RetryWithPredicate(ctx, func() error {
		attempts++
		return operation()
	}, isRetryableDBError)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !isRetryableDBError(err) {
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	// Context timeout/cancellation are not retryable by us
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	// Writers from concurrent timers contend for the SQLite lock
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "database table is locked") {
		return true
	}

	// Disk I/O errors might be transient
	if strings.Contains(errStr, "disk I/O error") {
		return true
	}

	return false
}
