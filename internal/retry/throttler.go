package retry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Throttler is shared by every operation of one client. It is consulted
// before each retry (never before a first attempt) and told the outcome of
// every attempt. Implementations must be safe for concurrent use.
type Throttler interface {
	// ThrottleRetryAttempt reports whether the next retry must be skipped.
	ThrottleRetryAttempt() bool
	OnRetryFailure(err error)
	OnSuccess()
}

type noThrottle struct{}

func (noThrottle) ThrottleRetryAttempt() bool { return false }
func (noThrottle) OnRetryFailure(error)       {}
func (noThrottle) OnSuccess()                 {}

// NoThrottle never vetoes a retry.
var NoThrottle Throttler = noThrottle{}

// Adaptive throttler defaults.
const (
	DefaultThrottlerFactor = 2.0
	DefaultThrottlerWindow = 2 * time.Minute
	throttlerBuckets       = 120
)

// AdaptiveThrottler implements client-side adaptive throttling: it tracks
// requests and accepted requests over a sliding window and rejects a retry
// with probability max(0, (requests - factor*accepts) / (requests + 1)).
// A healthy backend keeps the probability at zero; a backend that rejects
// most calls sees retries shed locally.
type AdaptiveThrottler struct {
	mu      sync.Mutex
	factor  float64
	width   time.Duration
	buckets [throttlerBuckets]throttleBucket
	now     func() time.Time
	rand    func() float64
}

type throttleBucket struct {
	slot     int64
	requests int64
	accepts  int64
}

// NewAdaptiveThrottler returns a throttler with the given factor (values
// below 1 are raised to 1) over window (zero uses DefaultThrottlerWindow).
func NewAdaptiveThrottler(factor float64, window time.Duration) *AdaptiveThrottler {
	if factor < 1 {
		factor = 1
	}

	if window <= 0 {
		window = DefaultThrottlerWindow
	}

	return &AdaptiveThrottler{
		factor: factor,
		width:  window / throttlerBuckets,
		now:    time.Now,
		rand:   rand.Float64, //nolint:gosec // sampling does not need crypto rand
	}
}

// ThrottleRetryAttempt counts the retry as a request and samples the
// rejection probability.
func (t *AdaptiveThrottler) ThrottleRetryAttempt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	requests, accepts := t.totalsLocked()
	p := (float64(requests) - t.factor*float64(accepts)) / float64(requests+1)

	if p <= 0 {
		return false
	}

	if t.rand() < p {
		t.bucketLocked().requests++
		return true
	}

	return false
}

// OnRetryFailure records a rejected request.
func (t *AdaptiveThrottler) OnRetryFailure(error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.bucketLocked().requests++
}

// OnSuccess records an accepted request.
func (t *AdaptiveThrottler) OnSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketLocked()
	b.requests++
	b.accepts++
}

// RejectProbability returns the current rejection probability.
func (t *AdaptiveThrottler) RejectProbability() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	requests, accepts := t.totalsLocked()
	p := (float64(requests) - t.factor*float64(accepts)) / float64(requests+1)

	return max(0, p)
}

func (t *AdaptiveThrottler) slot() int64 {
	return t.now().UnixNano() / int64(t.width)
}

// bucketLocked returns the bucket for the current slot, resetting it when it
// last held an older slot.
func (t *AdaptiveThrottler) bucketLocked() *throttleBucket {
	slot := t.slot()
	b := &t.buckets[slot%throttlerBuckets]

	if b.slot != slot {
		*b = throttleBucket{slot: slot}
	}

	return b
}

func (t *AdaptiveThrottler) totalsLocked() (requests, accepts int64) {
	slot := t.slot()

	for i := range t.buckets {
		b := &t.buckets[i]
		if slot-b.slot < throttlerBuckets {
			requests += b.requests
			accepts += b.accepts
		}
	}

	return requests, accepts
}

// Circuit breaker defaults.
const (
	DefaultBreakerTokens    = 1000
	DefaultBreakerMinTokens = 250
	DefaultBreakerErrorCost = 10
)

// CircuitBreaker is a token bucket: every failure costs ErrorCost tokens,
// every success refunds one (up to the initial budget), and retries are
// vetoed while the balance is below MinTokens.
type CircuitBreaker struct {
	mu        sync.Mutex
	tokens    int64
	maxTokens int64
	minTokens int64
	errorCost int64
}

// NewCircuitBreaker returns a breaker holding tokens tokens.
func NewCircuitBreaker(tokens, minTokens, errorCost int64) *CircuitBreaker {
	return &CircuitBreaker{
		tokens:    tokens,
		maxTokens: tokens,
		minTokens: minTokens,
		errorCost: errorCost,
	}
}

// DefaultCircuitBreaker returns a breaker with 1000 tokens, a 250 floor, and
// a cost of 10 per failure.
func DefaultCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreaker(DefaultBreakerTokens, DefaultBreakerMinTokens, DefaultBreakerErrorCost)
}

// ThrottleRetryAttempt vetoes retries while the balance is below the floor.
func (c *CircuitBreaker) ThrottleRetryAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tokens < c.minTokens
}

// OnRetryFailure charges the error cost.
func (c *CircuitBreaker) OnRetryFailure(error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens = max(0, c.tokens-c.errorCost)
}

// OnSuccess refunds one token.
func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens = min(c.maxTokens, c.tokens+1)
}

// Tokens returns the current balance.
func (c *CircuitBreaker) Tokens() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tokens
}
