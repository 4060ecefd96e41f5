package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialDelay(t *testing.T) {
	base := 2000 * time.Millisecond
	assert.Equal(t, 2*time.Second, ExponentialDelay(base, 0))
	assert.Equal(t, 4*time.Second, ExponentialDelay(base, 1))
	assert.Equal(t, 8*time.Second, ExponentialDelay(base, 2))
	assert.Equal(t, 16*time.Second, ExponentialDelay(base, 3))
	assert.Equal(t, 2*time.Second, ExponentialDelay(base, -4))
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	calls := 0

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWithLog_ExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 1}
	var logged []int

	err := DoWithLog(context.Background(), cfg, "Redis", func() error {
		return errors.New("refused")
	}, func(attempt int, err error, nextDelay time.Duration) {
		logged = append(logged, attempt)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis: max retry attempts (3) exceeded")
	assert.Equal(t, []int{1, 2}, logged)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, DefaultConfig(), func() error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
