package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrThrottled is returned, wrapping the last attempt's error, when the
// throttler vetoes a retry.
var ErrThrottled = errors.New("retry: throttled")

// ExhaustedError reports a retryable failure whose retry budget ran out.
type ExhaustedError struct {
	Attempts uint32
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config holds the collaborators of one Run. Zero fields take defaults:
// AlwaysRetry bounded to 5 attempts, DefaultBackoff, NoThrottle, Sleep,
// time.Now, NopObserver.
type Config struct {
	Policy    Policy
	Backoff   Backoff
	Throttler Throttler

	// Idempotent declares the operation safe to repeat. A non-idempotent
	// operation is never retried after its first failure.
	Idempotent bool

	// Operation names the loop for observers.
	Operation string

	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time
	Observer Observer
}

const defaultMaxAttempts = 5

func (c Config) withDefaults() Config {
	if c.Policy == nil {
		c.Policy = LimitedAttemptCount(AlwaysRetry, defaultMaxAttempts)
	}

	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}

	if c.Throttler == nil {
		c.Throttler = NoThrottle
	}

	if c.Sleep == nil {
		c.Sleep = Sleep
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Observer == nil {
		c.Observer = NopObserver
	}

	return c
}

// Run calls attempt until it succeeds or the policy, throttler, or context
// ends the loop. attempt sees the number of attempts that failed before it.
func Run[T any](ctx context.Context, cfg Config, attempt func(ctx context.Context, s State) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	s := NewState(cfg.Now, cfg.Idempotent)

	var (
		zero    T
		lastErr error
	)

	for {
		if s.Attempt > 0 && cfg.Throttler.ThrottleRetryAttempt() {
			cfg.Observer.OnThrottled(cfg.Operation, s, lastErr)
			err := fmt.Errorf("%w: %w", ErrThrottled, lastErr)
			cfg.Observer.OnDone(cfg.Operation, s, err)

			return zero, err
		}

		cfg.Observer.OnAttempt(cfg.Operation, s)

		result, err := attempt(ctx, s)
		if err == nil {
			cfg.Throttler.OnSuccess()
			cfg.Observer.OnDone(cfg.Operation, s, nil)

			return result, nil
		}

		cfg.Throttler.OnRetryFailure(err)
		lastErr = err
		s = s.Next()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, finish(cfg, s, canceled(ctxErr, lastErr))
		}

		if !cfg.Idempotent && s.Attempt == 1 {
			return zero, finish(cfg, s, err)
		}

		d := cfg.Policy.OnError(s, err)

		switch d.Kind {
		case DecisionPermanent:
			return zero, finish(cfg, s, d.Err)
		case DecisionExhausted:
			return zero, finish(cfg, s, &ExhaustedError{Attempts: s.Attempt, Elapsed: s.Elapsed(), Err: d.Err})
		}

		delay := max(cfg.Backoff.Delay(s), DelayHint(err))
		cfg.Observer.OnRetry(cfg.Operation, s, delay, err)

		if sleepErr := cfg.Sleep(ctx, delay); sleepErr != nil {
			return zero, finish(cfg, s, canceled(sleepErr, lastErr))
		}
	}
}

func finish(cfg Config, s State, err error) error {
	cfg.Observer.OnDone(cfg.Operation, s, err)
	return err
}

func canceled(ctxErr, lastErr error) error {
	return fmt.Errorf("retry: canceled: %w (last error: %w)", ctxErr, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately unless ctx is done. Tests inject it.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
