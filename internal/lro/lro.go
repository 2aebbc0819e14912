// Package lro polls long-running operations until they complete. A Poller
// starts the operation, then polls it by name with backoff between polls;
// a PollingErrorPolicy, separate from the request retry policy, decides
// whether a failed poll is worth repeating.
package lro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

// ErrMissingOperationName is returned when the service reports an operation
// that is not done and has no name to poll.
var ErrMissingOperationName = errors.New("lro: operation in progress has no name")

// Operation is the service's view of a long-running operation.
type Operation struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *Status         `json:"error,omitempty"`
}

// Status is the failure carried by a done operation.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// OperationError is a completed operation that failed. It is a result of
// the operation, not a failure to poll it.
type OperationError struct {
	Name   string
	Status Status
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("lro: operation %s failed with code %d: %s", e.Name, e.Status.Code, e.Status.Message)
}

// ResultKind is the state a poll step leaves the poller in.
type ResultKind int

// Result kinds.
const (
	InProgress ResultKind = iota
	Completed
	PollingError
)

func (k ResultKind) String() string {
	switch k {
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case PollingError:
		return "polling-error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Poll step. For Completed, Err is an
// *OperationError when the operation itself failed, else Value holds the
// decoded result. For PollingError, Err is the poll failure.
type Result[T any] struct {
	Kind     ResultKind
	Name     string
	Value    T
	Metadata json.RawMessage
	Err      error
}

// StartFunc begins the operation.
type StartFunc func(ctx context.Context) (*Operation, error)

// PollFunc fetches the operation by name.
type PollFunc func(ctx context.Context, name string) (*Operation, error)

// Options configures a Poller. Zero fields take defaults.
type Options[T any] struct {
	// Policy decides on failed polls. Defaults to Aip194Strict bounded to
	// 10 minutes.
	Policy  retry.PollingErrorPolicy
	Backoff retry.Backoff
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
	Logger  *slog.Logger

	// Decode extracts the result of a successful operation. Defaults to
	// unmarshaling Response into T.
	Decode func(op *Operation) (T, error)
}

// Poller drives one operation. It is not safe for concurrent use.
type Poller[T any] struct {
	start StartFunc
	poll  PollFunc
	opts  Options[T]

	started bool
	done    bool
	name    string
	state   retry.State
	polls   uint32
}

// New returns a poller that has not started yet.
func New[T any](start StartFunc, poll PollFunc, opts Options[T]) *Poller[T] {
	if opts.Policy == nil {
		opts.Policy = retry.LimitedPollingTime(Aip194Strict, 10*time.Minute)
	}

	if opts.Backoff == nil {
		opts.Backoff = &retry.ExponentialBackoff{
			Initial: time.Second,
			Maximum: 45 * time.Second,
			Scaling: 1.5,
			Jitter:  retry.DefaultJitter,
		}
	}

	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Decode == nil {
		opts.Decode = decodeResponse[T]
	}

	return &Poller[T]{start: start, poll: poll, opts: opts}
}

// Name returns the operation name once known.
func (p *Poller[T]) Name() string { return p.name }

// Done reports whether the operation reached a terminal state.
func (p *Poller[T]) Done() bool { return p.done }

// Poll performs one step: the start call on first use, a poll afterwards.
// The returned error is non-nil only when polling cannot continue at all;
// failed polls come back as a PollingError result.
func (p *Poller[T]) Poll(ctx context.Context) (*Result[T], error) {
	if p.done {
		return nil, errors.New("lro: operation already completed")
	}

	if !p.started {
		op, err := p.start(ctx)
		if err != nil {
			return nil, fmt.Errorf("lro: starting operation: %w", err)
		}

		p.started = true
		p.state = retry.NewState(p.opts.Now, true)

		return p.observe(op)
	}

	p.polls++

	op, err := p.poll(ctx, p.name)
	if err != nil {
		return &Result[T]{Kind: PollingError, Name: p.name, Err: err}, nil
	}

	return p.observe(op)
}

func (p *Poller[T]) observe(op *Operation) (*Result[T], error) {
	if op.Name != "" {
		p.name = op.Name
	}

	if !op.Done {
		if p.name == "" {
			p.done = true
			return nil, ErrMissingOperationName
		}

		return &Result[T]{Kind: InProgress, Name: p.name, Metadata: op.Metadata}, nil
	}

	p.done = true

	if op.Error != nil {
		return &Result[T]{
			Kind:     Completed,
			Name:     p.name,
			Metadata: op.Metadata,
			Err:      &OperationError{Name: p.name, Status: *op.Error},
		}, nil
	}

	v, err := p.opts.Decode(op)
	if err != nil {
		return nil, apierror.Serialization("operation result", err)
	}

	return &Result[T]{Kind: Completed, Name: p.name, Value: v, Metadata: op.Metadata}, nil
}

// Wait polls until the operation completes, the polling error policy gives
// up, or ctx is done.
func (p *Poller[T]) Wait(ctx context.Context) (T, error) {
	var zero T

	for {
		res, err := p.Poll(ctx)
		if err != nil {
			return zero, err
		}

		switch res.Kind {
		case Completed:
			p.opts.Logger.Info("operation completed",
				slog.String("operation", res.Name),
				slog.Bool("failed", res.Err != nil),
			)

			if res.Err != nil {
				return zero, res.Err
			}

			return res.Value, nil

		case PollingError:
			p.state = p.state.Next()
			d := p.opts.Policy.OnPollingError(p.state, res.Err)

			switch d.Kind {
			case retry.DecisionPermanent:
				return zero, fmt.Errorf("lro: polling %s: %w", p.name, d.Err)
			case retry.DecisionExhausted:
				return zero, &retry.ExhaustedError{Attempts: p.state.Attempt, Elapsed: p.state.Elapsed(), Err: d.Err}
			}

			p.opts.Logger.Warn("polling operation failed, continuing",
				slog.String("operation", p.name),
				slog.Int("attempt", int(p.state.Attempt)),
				slog.String("error", res.Err.Error()),
			)

		case InProgress:
			p.opts.Logger.Debug("operation in progress", slog.String("operation", res.Name))
		}

		delay := p.opts.Backoff.Delay(retry.State{Attempt: p.polls + 1})
		if err := p.opts.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("lro: waiting for %s: %w", p.name, err)
		}
	}
}

// Aip194Strict keeps polling only after errors that are known to be safe
// to retry: UNAVAILABLE responses and failures to reach the service.
var Aip194Strict retry.PollingErrorPolicy = retry.PollingPolicyFunc(func(_ retry.State, err error) retry.Decision {
	if status, ok := apierror.ServiceStatus(err); ok {
		if status == apierror.StatusUnavailable {
			return retry.Continue(err)
		}

		return retry.Permanent(err)
	}

	switch apierror.KindOf(err) {
	case apierror.KindTransport, apierror.KindTimeout:
		return retry.Continue(err)
	default:
		return retry.Permanent(err)
	}
})

func decodeResponse[T any](op *Operation) (T, error) {
	var v T
	if len(op.Response) == 0 {
		return v, nil
	}

	err := json.Unmarshal(op.Response, &v)

	return v, err
}
