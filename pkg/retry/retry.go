package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = just run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add up to 25% randomness to each delay

	// WaitBetween overrides the exponential schedule when non-empty.
	WaitBetween []time.Duration

	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Delays returns a config that waits the given durations between attempts.
func Delays(maxAttempts int, waits ...time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		WaitBetween: waits,
	}
}

// Delay returns the wait before attempt+1, where attempt is the 1-based
// number of the attempt that just failed.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if len(c.WaitBetween) > 0 {
		idx := attempt - 1
		if idx >= len(c.WaitBetween) {
			idx = len(c.WaitBetween) - 1
		}
		if c.WaitBetween[idx] < 0 {
			return 0
		}
		return c.WaitBetween[idx]
	}

	delay := c.InitialDelay
	for i := 1; i < attempt; i++ {
		next := float64(delay) * c.Multiplier
		if next > float64(c.MaxDelay) || next > float64(time.Duration(1<<63-1)) {
			return c.MaxDelay
		}
		delay = time.Duration(next)
	}
	return delay
}

func (c Config) normalize() (Config, error) {
	if c.InitialDelay < 0 {
		return c, errors.New("retry: InitialDelay cannot be negative")
	}
	if c.MaxDelay < 0 {
		return c, errors.New("retry: MaxDelay cannot be negative")
	}
	if c.Multiplier < 0 {
		return c, errors.New("retry: Multiplier cannot be negative")
	}
	if c.Multiplier > 1000 {
		c.Multiplier = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if len(c.WaitBetween) > 0 {
		return c, nil
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return c, nil
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// context is cancelled or MaxAttempts is reached.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		sleep := cfg.Delay(attempt)
		if cfg.AddJitter && len(cfg.WaitBetween) == 0 && sleep >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(sleep / 4)))
			randMu.Unlock()
		}
		if sleep <= 0 {
			continue
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
