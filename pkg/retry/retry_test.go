package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false, // Disable for predictable tests
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Delays(3, time.Millisecond)

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	base := errors.New("bad input")

	attempts := 0
	err := Do(context.Background(), Delays(5, time.Millisecond), func() error {
		attempts++
		return NonRetryable(base)
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, base)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Delays(5, 100*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestConfig_DelayList(t *testing.T) {
	cfg := Delays(5, 10*time.Millisecond, 20*time.Millisecond, 30*time.Millisecond)

	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 30*time.Millisecond, cfg.Delay(3))
	// The last entry is reused once the list runs out
	assert.Equal(t, 30*time.Millisecond, cfg.Delay(4))
	assert.Equal(t, 30*time.Millisecond, cfg.Delay(10))
}

func TestConfig_ExponentialDelay(t *testing.T) {
	cfg := Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	assert.Equal(t, 10*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 20*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 40*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, 50*time.Millisecond, cfg.Delay(4))
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var seen []int
	cfg := Delays(3, 0)
	cfg.OnRetry = func(attempt int, _ error) {
		seen = append(seen, attempt)
	}

	_ = Do(context.Background(), cfg, func() error {
		return errors.New("fail")
	})

	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetry_WithResult(t *testing.T) {
	attempts := 0
	result, err := DoWithResult(context.Background(), Delays(3, time.Millisecond), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)

	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error { return nil })
	assert.Error(t, err)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 0}, func() error {
		attempts++
		return errors.New("fail")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
