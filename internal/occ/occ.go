// Package occ implements optimistic-concurrency updates of remote resources
// guarded by an opaque version tag: read, transform, write back with the
// tag, and start over when a concurrent writer got there first.
package occ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

// Defaults for Config.
const (
	DefaultMaxAttempts = 10
	DefaultMaxDuration = 2 * time.Minute
)

// ErrCancelled is returned when the transform declines to change the value.
var ErrCancelled = errors.New("occ: update cancelled by transform")

// ExhaustedError reports that concurrent writers kept winning until the
// attempt or time budget ran out. Err is the last rejection.
type ExhaustedError struct {
	Attempts uint32
	Elapsed  time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("occ: gave up after %d conflicting attempts in %s: %v",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Getter reads the current value and its version tag.
type Getter[T any] func(ctx context.Context) (T, string, error)

// Setter writes v, conditional on the resource still being at tag.
type Setter[T any] func(ctx context.Context, v T, tag string) (T, error)

// Transform computes the new value. Returning false cancels the update.
//
// Transform may run several times, once per conflict, and must be a pure
// function of its input: it must not mutate shared state or rely on being
// called exactly once.
type Transform[T any] func(v T) (T, bool)

// Config bounds the loop. Zero fields take defaults.
type Config struct {
	MaxAttempts uint32
	MaxDuration time.Duration
	Backoff     retry.Backoff
	Sleep       func(ctx context.Context, d time.Duration) error
	Now         func() time.Time
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}

	if c.Backoff == nil {
		c.Backoff = &retry.ExponentialBackoff{
			Initial: 100 * time.Millisecond,
			Maximum: 5 * time.Second,
			Scaling: 2,
			Jitter:  retry.DefaultJitter,
		}
	}

	if c.Sleep == nil {
		c.Sleep = retry.Sleep
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

// Update runs get, transform, set until set succeeds. Only a set rejected
// with the "aborted" status (the tag no longer matches) restarts the loop;
// any other error ends it.
func Update[T any](ctx context.Context, cfg Config, get Getter[T], set Setter[T], transform Transform[T]) (T, error) {
	cfg = cfg.withDefaults()
	s := retry.NewState(cfg.Now, true)

	var zero T

	for {
		current, tag, err := get(ctx)
		if err != nil {
			return zero, err
		}

		next, ok := transform(current)
		if !ok {
			return zero, ErrCancelled
		}

		result, err := set(ctx, next, tag)
		if err == nil {
			if s.Attempt > 0 {
				cfg.Logger.Info("update applied after conflicts", slog.Int("conflicts", int(s.Attempt)))
			}

			return result, nil
		}

		if !apierror.IsAborted(err) {
			return zero, err
		}

		s = s.Next()

		if s.Attempt >= cfg.MaxAttempts || s.Elapsed() >= cfg.MaxDuration {
			return zero, &ExhaustedError{Attempts: s.Attempt, Elapsed: s.Elapsed(), Err: err}
		}

		delay := cfg.Backoff.Delay(s)
		cfg.Logger.Warn("concurrent update, retrying",
			slog.Int("attempt", int(s.Attempt)),
			slog.Duration("backoff", delay),
		)

		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("occ: canceled: %w", err)
		}
	}
}
