// Package apierror classifies failures of calls to the storage service into a
// small set of kinds (binding, transport, service, serialization,
// authentication, timeout) and exposes predicates over them. Every retrying
// component works from these predicates rather than from concrete types.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind is the broad category of a failure.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindBinding
	KindTransport
	KindService
	KindSerialization
	KindAuthentication
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindBinding:
		return "binding"
	case KindTransport:
		return "transport"
	case KindService:
		return "service"
	case KindSerialization:
		return "serialization"
	case KindAuthentication:
		return "authentication"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, apierror.ErrNotFound) to check.
var (
	ErrBadRequest         = errors.New("storage: bad request")
	ErrUnauthorized       = errors.New("storage: unauthorized")
	ErrForbidden          = errors.New("storage: forbidden")
	ErrNotFound           = errors.New("storage: not found")
	ErrConflict           = errors.New("storage: conflict")
	ErrPreconditionFailed = errors.New("storage: precondition failed")
	ErrRangeNotSatisfied  = errors.New("storage: requested range not satisfiable")
	ErrThrottled          = errors.New("storage: throttled")
	ErrServerError        = errors.New("storage: server error")
	ErrAborted            = errors.New("storage: aborted by concurrent change")
)

// Canonical service status names.
const (
	StatusInvalidArgument    = "INVALID_ARGUMENT"
	StatusUnauthenticated    = "UNAUTHENTICATED"
	StatusPermissionDenied   = "PERMISSION_DENIED"
	StatusNotFound           = "NOT_FOUND"
	StatusAborted            = "ABORTED"
	StatusFailedPrecondition = "FAILED_PRECONDITION"
	StatusOutOfRange         = "OUT_OF_RANGE"
	StatusResourceExhausted  = "RESOURCE_EXHAUSTED"
	StatusCancelled          = "CANCELLED"
	StatusInternal           = "INTERNAL"
	StatusUnimplemented      = "UNIMPLEMENTED"
	StatusUnavailable        = "UNAVAILABLE"
	StatusDeadlineExceeded   = "DEADLINE_EXCEEDED"
	StatusUnknown            = "UNKNOWN"
)

// Error is a classified failure. StatusCode and Status are set for service
// errors; Err carries either a status sentinel (service errors) or the
// underlying cause (everything else).
type Error struct {
	Kind       Kind
	StatusCode int
	Status     string
	Message    string
	RequestID  string
	RetryAfter time.Duration
	// Transient marks authentication failures caused by a retryable
	// problem reaching the credential source.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindService && e.RequestID != "":
		return fmt.Sprintf("storage: HTTP %d %s (request-id: %s): %s", e.StatusCode, e.Status, e.RequestID, e.Message)
	case e.Kind == KindService:
		return fmt.Sprintf("storage: HTTP %d %s: %s", e.StatusCode, e.Status, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("storage: %s error: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("storage: %s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("storage: %s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrAborted for service errors whose status is ABORTED, in
// addition to whatever the wrapped sentinel matches.
func (e *Error) Is(target error) bool {
	return target == ErrAborted && e.Status == StatusAborted
}

// RetryDelay returns the server-requested delay before the next attempt.
func (e *Error) RetryDelay() time.Duration {
	return e.RetryAfter
}

// Binding reports malformed request inputs. Binding errors are never retried.
func Binding(format string, args ...any) *Error {
	return &Error{Kind: KindBinding, Message: fmt.Sprintf(format, args...)}
}

// Serialization reports a response body that could not be decoded.
func Serialization(what string, err error) *Error {
	return &Error{Kind: KindSerialization, Message: "decoding " + what, Err: err}
}

// Authentication reports a failure to obtain credentials.
func Authentication(err error, transient bool) *Error {
	return &Error{Kind: KindAuthentication, Transient: transient, Err: err}
}

// Transport classifies an error returned by the HTTP client, i.e. a request
// that produced no parsed server response. Deadline errors become
// KindTimeout.
func Transport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	return &Error{Kind: KindTransport, Err: err}
}

// Service builds a service error from an HTTP status and a raw response body.
// A JSON error payload, when present, supplies the message and status name.
func Service(code int, header http.Header, body []byte) *Error {
	e := &Error{
		Kind:       KindService,
		StatusCode: code,
		Status:     statusForHTTP(code),
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(code),
	}

	if header != nil {
		e.RequestID = header.Get("X-Guploader-Uploadid")
		if e.RequestID == "" {
			e.RequestID = header.Get("X-Request-Id")
		}

		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}

	if payload, ok := parseErrorBody(body); ok {
		if payload.Message != "" {
			e.Message = payload.Message
		}

		if payload.Status != "" {
			e.Status = payload.Status
		}
	}

	return e
}

// WithStatus returns a copy of err with its service status replaced, used by
// adapters that know a specific HTTP status means something narrower for
// their call (e.g. 412 on a versioned set means ABORTED).
func WithStatus(err *Error, status string) *Error {
	cp := *err
	cp.Status = status

	return &cp
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfied
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// statusForHTTP maps an HTTP status code to its canonical status name.
func statusForHTTP(code int) string {
	switch code {
	case http.StatusBadRequest:
		return StatusInvalidArgument
	case http.StatusUnauthorized:
		return StatusUnauthenticated
	case http.StatusForbidden:
		return StatusPermissionDenied
	case http.StatusNotFound:
		return StatusNotFound
	case http.StatusConflict:
		return StatusAborted
	case http.StatusPreconditionFailed:
		return StatusFailedPrecondition
	case http.StatusRequestedRangeNotSatisfiable:
		return StatusOutOfRange
	case http.StatusTooManyRequests:
		return StatusResourceExhausted
	case http.StatusNotImplemented:
		return StatusUnimplemented
	case http.StatusServiceUnavailable:
		return StatusUnavailable
	case http.StatusGatewayTimeout:
		return StatusDeadlineExceeded
	default:
		if code >= http.StatusInternalServerError {
			return StatusInternal
		}

		return StatusUnknown
	}
}
