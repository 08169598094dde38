package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts) // initial + 3 retries
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &Config{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	err := Do(ctx, cfg, func() error { return errors.New("fail") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoIfRetryableStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		attempts++
		return errors.New("password authentication failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoIfRetryableRetriesTransientError(t *testing.T) {
	attempts := 0
	err := DoIfRetryable(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDoIfRetryableEscalatesRepeatedErrorType(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 10
	cfg.MaxSameErrorType = 3

	attempts := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		attempts++
		return errors.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated error")
	assert.Equal(t, 3, attempts)
}

type explicitRetryable struct{ retryable bool }

func (e explicitRetryable) Error() string     { return "explicit" }
func (e explicitRetryable) IsRetryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"http 503", errors.New("unexpected status 503"), true},
		{"rate limited", errors.New("rate limit exceeded"), true},
		{"auth failure", errors.New("password authentication failed for user"), false},
		{"missing table", errors.New(`relation "documents" does not exist`), false},
		{"explicit retryable", explicitRetryable{retryable: true}, true},
		{"explicit permanent", explicitRetryable{retryable: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	val, err := DoWithResult(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}
