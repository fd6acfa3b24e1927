package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(attempts int) Backoff {
	return Backoff{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	v, err := Retry(context.Background(), fastBackoff(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("busy"), 503)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorStops(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Retry(context.Background(), fastBackoff(5), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	t.Parallel()
	calls := 0
	_, err := Retry(context.Background(), fastBackoff(2), func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("busy"), 429)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, Backoff{Attempts: 5, Initial: time.Hour, Max: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, Transient(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()
	b := Backoff{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 300*time.Millisecond, b.Delay(5))

	b.Jitter = 0.5
	for i := 0; i < 20; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid image"), false},
		{"marked", Transient(errors.New("busy"), 503), true},
		{"wrapped mark", fmt.Errorf("verify: %w", Transient(errors.New("busy"), 429)), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()
	assert.True(t, RetryableStatus(429))
	assert.True(t, RetryableStatus(503))
	assert.False(t, RetryableStatus(501))
	assert.False(t, RetryableStatus(400))
}
