package common

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryConfig controls the retry behaviour for transient store errors.
type RetryConfig struct {
	Attempts int           // Total attempts including the first one
	Base     time.Duration // Backoff before the first retry
	Factor   int           // Multiplier applied per retry
}

// DefaultRetryConfig matches the store retry policy: 3 attempts,
// 1s base backoff, doubling per retry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Base:     time.Second,
		Factor:   2,
	}
}

// Retry executes fn, retrying transient errors with exponential backoff.
// Non-transient errors (validation, integrity violations) are returned
// immediately without further attempts.
func Retry(config RetryConfig, fn func() error) error {
	if config.Attempts < 1 {
		config.Attempts = 1
	}

	var lastErr error
	backoff := config.Base

	for attempt := 0; attempt < config.Attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= time.Duration(config.Factor)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// IsTransient reports whether an error is worth retrying. Connection drops,
// deadlocks and serialization failures are transient; integrity violations
// (SQLSTATE class 23) never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 is integrity constraint violation: retrying cannot help.
		if strings.HasPrefix(pgErr.Code, "23") {
			return false
		}
		// Class 08 connection exception, class 40 transaction rollback
		// (40001 serialization failure, 40P01 deadlock detected).
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "40") {
			return true
		}
		return false
	}

	// Driver-level connection failures surface as plain errors.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"i/o timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
