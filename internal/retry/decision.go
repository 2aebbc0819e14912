// Package retry provides the policy primitives and the generic loop that
// every retrying component of the client is built on: a Policy classifies an
// error, a Backoff picks the delay, a Throttler can veto retries under
// sustained failure, and Run drives an attempt function through them.
package retry

import "time"

// State is the attempt context passed to every policy decision. Attempt
// counts failed attempts in the current loop and never decreases.
type State struct {
	Attempt    uint32
	Start      time.Time
	Idempotent bool

	now func() time.Time
}

// NewState starts a loop at the given clock. A nil clock uses time.Now.
func NewState(now func() time.Time, idempotent bool) State {
	if now == nil {
		now = time.Now
	}

	return State{Start: now(), Idempotent: idempotent, now: now}
}

// Elapsed returns wall-clock time since the loop started.
func (s State) Elapsed() time.Duration {
	if s.now == nil {
		return time.Since(s.Start)
	}

	return s.now().Sub(s.Start)
}

// Next returns the state after one more failed attempt.
func (s State) Next() State {
	s.Attempt++
	return s
}

// DecisionKind tags a Decision.
type DecisionKind int

// Decision kinds.
const (
	// DecisionContinue retries after a backoff delay.
	DecisionContinue DecisionKind = iota
	// DecisionPermanent stops; the error is not worth retrying.
	DecisionPermanent
	// DecisionExhausted stops; the error was retryable but the budget is spent.
	DecisionExhausted
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionContinue:
		return "continue"
	case DecisionPermanent:
		return "permanent"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Decision is what a policy returns for a failed attempt.
type Decision struct {
	Kind DecisionKind
	Err  error
}

// Continue asks the loop to retry.
func Continue(err error) Decision { return Decision{Kind: DecisionContinue, Err: err} }

// Permanent asks the loop to stop and return err.
func Permanent(err error) Decision { return Decision{Kind: DecisionPermanent, Err: err} }

// Exhausted asks the loop to stop because the retry budget is spent.
func Exhausted(err error) Decision { return Decision{Kind: DecisionExhausted, Err: err} }

// IsContinue reports whether the loop should retry.
func (d Decision) IsContinue() bool { return d.Kind == DecisionContinue }
