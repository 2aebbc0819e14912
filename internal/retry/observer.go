package retry

import "time"

// Observer receives loop events. Metrics and logging hang off it; the loop
// itself never logs. Implementations must be safe for concurrent use.
type Observer interface {
	OnAttempt(op string, s State)
	OnRetry(op string, s State, delay time.Duration, err error)
	OnThrottled(op string, s State, err error)
	// OnDone is called once per loop with the final error (nil on success).
	// Exhausted and throttled loops are told apart with errors.As and
	// errors.Is on err.
	OnDone(op string, s State, err error)
}

type nopObserver struct{}

func (nopObserver) OnAttempt(string, State)                     {}
func (nopObserver) OnRetry(string, State, time.Duration, error) {}
func (nopObserver) OnThrottled(string, State, error)            {}
func (nopObserver) OnDone(string, State, error)                 {}

// NopObserver ignores every event.
var NopObserver Observer = nopObserver{}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

// OnAttempt forwards to every observer.
func (m MultiObserver) OnAttempt(op string, s State) {
	for _, o := range m {
		o.OnAttempt(op, s)
	}
}

// OnRetry forwards to every observer.
func (m MultiObserver) OnRetry(op string, s State, delay time.Duration, err error) {
	for _, o := range m {
		o.OnRetry(op, s, delay, err)
	}
}

// OnThrottled forwards to every observer.
func (m MultiObserver) OnThrottled(op string, s State, err error) {
	for _, o := range m {
		o.OnThrottled(op, s, err)
	}
}

// OnDone forwards to every observer.
func (m MultiObserver) OnDone(op string, s State, err error) {
	for _, o := range m {
		o.OnDone(op, s, err)
	}
}
