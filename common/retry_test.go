package common

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Base: time.Millisecond, Factor: 2}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(fastRetryConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Retry(fastRetryConfig(), func() error {
		calls++
		return errors.New("connection reset by peer")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(fastRetryConfig(), func() error {
		calls++
		return errors.New("invalid batch configuration")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"plain validation error", errors.New("name is required"), false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"io timeout", errors.New("read tcp: i/o timeout"), true},
		{"unique violation not retried", &pgconn.PgError{Code: "23505"}, false},
		{"foreign key violation not retried", &pgconn.PgError{Code: "23503"}, false},
		{"connection exception retried", &pgconn.PgError{Code: "08006"}, true},
		{"serialization failure retried", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock retried", &pgconn.PgError{Code: "40P01"}, true},
		{"syntax error not retried", &pgconn.PgError{Code: "42601"}, false},
		{"wrapped pg error", fmt.Errorf("failed to insert: %w", &pgconn.PgError{Code: "40001"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
