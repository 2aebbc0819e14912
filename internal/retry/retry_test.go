package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

// hintedErr carries a server-requested delay.
type hintedErr struct{ d time.Duration }

func (e hintedErr) Error() string             { return "hinted" }
func (e hintedErr) RetryDelay() time.Duration { return e.d }

// recordingSleep collects requested delays without sleeping.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

// countingThrottler vetoes once vetoAfter failures have been recorded.
type countingThrottler struct {
	failures  atomic.Int32
	successes atomic.Int32
	vetoAfter int32
}

func (c *countingThrottler) ThrottleRetryAttempt() bool { return c.failures.Load() >= c.vetoAfter }
func (c *countingThrottler) OnRetryFailure(error)       { c.failures.Add(1) }
func (c *countingThrottler) OnSuccess()                 { c.successes.Add(1) }

func testConfig(rs *recordingSleep) Config {
	return Config{
		Policy:     LimitedAttemptCount(AlwaysRetry, 10),
		Backoff:    ConstantBackoff(time.Second),
		Idempotent: true,
		Sleep:      rs.sleep,
	}
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	rs := &recordingSleep{}

	got, err := Run(t.Context(), testConfig(rs), func(context.Context, State) (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Empty(t, rs.delays)
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	rs := &recordingSleep{}

	var seen []uint32

	got, err := Run(t.Context(), testConfig(rs), func(_ context.Context, s State) (int, error) {
		seen = append(seen, s.Attempt)
		if s.Attempt < 2 {
			return 0, errTransient
		}

		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, []uint32{0, 1, 2}, seen)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rs.delays)
}

func TestRun_PermanentStopsImmediately(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)
	cfg.Policy = NeverRetry

	var calls int

	_, err := Run(t.Context(), cfg, func(context.Context, State) (int, error) {
		calls++
		return 0, errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestRun_ExhaustedWrapsLastError(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)
	cfg.Policy = LimitedAttemptCount(AlwaysRetry, 3)

	var calls int

	_, err := Run(t.Context(), cfg, func(context.Context, State) (int, error) {
		calls++
		return 0, errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, uint32(3), exhausted.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Len(t, rs.delays, 2)
}

func TestRun_NonIdempotentNeverRetried(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)
	cfg.Idempotent = false

	var calls int

	_, err := Run(t.Context(), cfg, func(context.Context, State) (int, error) {
		calls++
		return 0, errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rs.delays)
}

// Once the throttler vetoes, no further attempt is made even though the
// policy would keep going.
func TestRun_ThrottleIndependence(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)
	cfg.Policy = AlwaysRetry
	throttler := &countingThrottler{vetoAfter: 2}
	cfg.Throttler = throttler

	var calls int

	_, err := Run(t.Context(), cfg, func(context.Context, State) (int, error) {
		calls++
		return 0, errTransient
	})

	require.ErrorIs(t, err, ErrThrottled)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int32(2), throttler.failures.Load())
}

func TestRun_ThrottlerNotConsultedOnFirstAttempt(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)
	throttler := &countingThrottler{vetoAfter: 0}
	cfg.Throttler = throttler

	got, err := Run(t.Context(), cfg, func(context.Context, State) (int, error) {
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, int32(1), throttler.successes.Load())
}

func TestRun_DelayHintLengthensBackoff(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)

	_, err := Run(t.Context(), cfg, func(_ context.Context, s State) (int, error) {
		if s.Attempt == 0 {
			return 0, hintedErr{d: 30 * time.Second}
		}

		return 1, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, rs.delays)
}

func TestRun_ContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cfg := testConfig(&recordingSleep{})
	cfg.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := Run(ctx, cfg, func(context.Context, State) (int, error) {
		return 0, errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransient)
}

func TestRun_ElapsedTimeBound(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := Config{
		Policy:     LimitedElapsedTime(AlwaysRetry, 10*time.Second),
		Backoff:    ConstantBackoff(4 * time.Second),
		Idempotent: true,
		Now:        clock,
		Sleep: func(_ context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		},
	}

	var calls int

	_, err := Run(t.Context(), cfg, func(context.Context, State) (int, error) {
		calls++
		return 0, errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	// 0s, 4s, 8s fail and continue; the failure at 12s exceeds the bound.
	assert.Equal(t, 4, calls)
	assert.Equal(t, 12*time.Second, exhausted.Elapsed)
}

type eventLog struct {
	attempts  int
	retries   int
	throttled int
	done      []error
}

func (e *eventLog) OnAttempt(string, State)                     { e.attempts++ }
func (e *eventLog) OnRetry(string, State, time.Duration, error) { e.retries++ }
func (e *eventLog) OnThrottled(string, State, error)            { e.throttled++ }
func (e *eventLog) OnDone(_ string, _ State, err error)         { e.done = append(e.done, err) }

func TestRun_ObserverEvents(t *testing.T) {
	rs := &recordingSleep{}
	cfg := testConfig(rs)
	log := &eventLog{}
	cfg.Observer = MultiObserver{log, NopObserver}

	_, err := Run(t.Context(), cfg, func(_ context.Context, s State) (int, error) {
		if s.Attempt == 0 {
			return 0, errTransient
		}

		return 1, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, log.attempts)
	assert.Equal(t, 1, log.retries)
	assert.Equal(t, 0, log.throttled)
	assert.Equal(t, []error{nil}, log.done)
}

func TestSleep_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Sleep(t.Context(), 0))
}
