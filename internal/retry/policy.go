package retry

import "time"

// Policy decides what to do after a failed attempt of an ordinary request.
// The state passed in already counts the failure being decided.
type Policy interface {
	OnError(s State, err error) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(s State, err error) Decision

// OnError calls f.
func (f PolicyFunc) OnError(s State, err error) Decision { return f(s, err) }

// AlwaysRetry continues on every error. Combine it with LimitedAttemptCount or
// LimitedElapsedTime; on its own the loop only ends on success.
var AlwaysRetry Policy = PolicyFunc(func(_ State, err error) Decision { return Continue(err) })

// NeverRetry treats every error as permanent.
var NeverRetry Policy = PolicyFunc(func(_ State, err error) Decision { return Permanent(err) })

// LimitedAttemptCount wraps p, turning Continue into Exhausted once
// maxAttempts attempts have failed.
func LimitedAttemptCount(p Policy, maxAttempts uint32) Policy {
	return PolicyFunc(func(s State, err error) Decision {
		d := p.OnError(s, err)
		if d.Kind == DecisionContinue && s.Attempt >= maxAttempts {
			return Exhausted(d.Err)
		}

		return d
	})
}

// LimitedElapsedTime wraps p, turning Continue into Exhausted once the loop
// has been running for maxDuration.
func LimitedElapsedTime(p Policy, maxDuration time.Duration) Policy {
	return PolicyFunc(func(s State, err error) Decision {
		d := p.OnError(s, err)
		if d.Kind == DecisionContinue && s.Elapsed() >= maxDuration {
			return Exhausted(d.Err)
		}

		return d
	})
}

// PollingErrorPolicy decides whether a long-running-operation poll loop keeps
// polling after a failed poll. It is separate from Policy so that a policy
// for requests is never accidentally used for polling and vice versa.
type PollingErrorPolicy interface {
	OnPollingError(s State, err error) Decision
}

// PollingPolicyFunc adapts a function to PollingErrorPolicy.
type PollingPolicyFunc func(s State, err error) Decision

// OnPollingError calls f.
func (f PollingPolicyFunc) OnPollingError(s State, err error) Decision { return f(s, err) }

// AlwaysContinue keeps polling on every error.
var AlwaysContinue PollingErrorPolicy = PollingPolicyFunc(func(_ State, err error) Decision {
	return Continue(err)
})

// LimitedPollingAttempts bounds p by failed poll count.
func LimitedPollingAttempts(p PollingErrorPolicy, maxAttempts uint32) PollingErrorPolicy {
	return PollingPolicyFunc(func(s State, err error) Decision {
		d := p.OnPollingError(s, err)
		if d.Kind == DecisionContinue && s.Attempt >= maxAttempts {
			return Exhausted(d.Err)
		}

		return d
	})
}

// LimitedPollingTime bounds p by elapsed time.
func LimitedPollingTime(p PollingErrorPolicy, maxDuration time.Duration) PollingErrorPolicy {
	return PollingPolicyFunc(func(s State, err error) Decision {
		d := p.OnPollingError(s, err)
		if d.Kind == DecisionContinue && s.Elapsed() >= maxDuration {
			return Exhausted(d.Err)
		}

		return d
	})
}

// ResumePolicy decides whether a download that already delivered data to the
// caller reopens the stream after a read error.
type ResumePolicy interface {
	OnResume(s State, err error) Decision
}

// ResumePolicyFunc adapts a function to ResumePolicy.
type ResumePolicyFunc func(s State, err error) Decision

// OnResume calls f.
func (f ResumePolicyFunc) OnResume(s State, err error) Decision { return f(s, err) }

// NeverResume fails the stream on the first mid-stream error.
var NeverResume ResumePolicy = ResumePolicyFunc(func(_ State, err error) Decision { return Permanent(err) })

// LimitedResumeAttempts bounds p by resume count.
func LimitedResumeAttempts(p ResumePolicy, maxAttempts uint32) ResumePolicy {
	return ResumePolicyFunc(func(s State, err error) Decision {
		d := p.OnResume(s, err)
		if d.Kind == DecisionContinue && s.Attempt >= maxAttempts {
			return Exhausted(d.Err)
		}

		return d
	})
}
