package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default exponential backoff constants.
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultScaling        = 2.0
	DefaultJitter         = 0.25
)

// Backoff computes the delay before the next attempt. The state counts the
// failure that triggered the retry, so the first retry sees Attempt == 1.
type Backoff interface {
	Delay(s State) time.Duration
}

// BackoffFunc adapts a function to Backoff.
type BackoffFunc func(s State) time.Duration

// Delay calls f.
func (f BackoffFunc) Delay(s State) time.Duration { return f(s) }

// ConstantBackoff waits the same duration between every attempt.
type ConstantBackoff time.Duration

// Delay returns b.
func (b ConstantBackoff) Delay(State) time.Duration { return time.Duration(b) }

// ExponentialBackoff grows the delay by Scaling per failed attempt, capped at
// Maximum, with a symmetric random jitter of Jitter (0.25 is ±25%).
type ExponentialBackoff struct {
	Initial time.Duration
	Maximum time.Duration
	Scaling float64
	Jitter  float64

	// rand returns a value in [0, 1). Tests pin it.
	rand func() float64
}

// DefaultBackoff returns 1s initial, 60s cap, doubling, ±25% jitter.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: DefaultInitialBackoff,
		Maximum: DefaultMaxBackoff,
		Scaling: DefaultScaling,
		Jitter:  DefaultJitter,
	}
}

// Delay computes Initial * Scaling^(Attempt-1), capped, with jitter.
func (b *ExponentialBackoff) Delay(s State) time.Duration {
	exp := float64(0)
	if s.Attempt > 0 {
		exp = float64(s.Attempt - 1)
	}

	scaling := b.Scaling
	if scaling < 1 {
		scaling = 1
	}

	backoff := float64(b.Initial) * math.Pow(scaling, exp)
	if b.Maximum > 0 && backoff > float64(b.Maximum) {
		backoff = float64(b.Maximum)
	}

	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64 //nolint:gosec // jitter does not need crypto rand
		}

		backoff += backoff * b.Jitter * (r()*2 - 1)
	}

	if backoff < 0 {
		return 0
	}

	return time.Duration(backoff)
}

// DelayHinter is implemented by errors that carry a server-requested delay,
// such as a Retry-After header.
type DelayHinter interface {
	RetryDelay() time.Duration
}

// DelayHint extracts a server-requested delay from err's chain.
func DelayHint(err error) time.Duration {
	var h DelayHinter
	if errors.As(err, &h) {
		return h.RetryDelay()
	}

	return 0
}
