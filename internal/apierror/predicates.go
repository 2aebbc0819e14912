package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}

	return KindUnknown
}

// IsTransient reports whether err is worth retrying when the operation is
// safe to repeat: transport failures, timeouts, transient credential
// failures, and service errors with status 408, 429 or 5xx.
func IsTransient(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}

	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindAuthentication:
		return e.Transient
	case KindService:
		return isRetryableStatus(e.StatusCode)
	default:
		return false
	}
}

// IsTimeout reports whether err is a local or transport deadline.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsBinding reports whether err was caused by malformed request inputs.
func IsBinding(err error) bool {
	return KindOf(err) == KindBinding
}

// IsAborted reports whether err is the distinguished "aborted due to a
// concurrent change" service status.
func IsAborted(err error) bool {
	status, ok := ServiceStatus(err)
	return ok && status == StatusAborted
}

// HTTPStatus returns the HTTP status code of a service error.
func HTTPStatus(err error) (int, bool) {
	e, ok := As(err)
	if !ok || e.Kind != KindService {
		return 0, false
	}

	return e.StatusCode, true
}

// ServiceStatus returns the canonical status name of a service error.
func ServiceStatus(err error) (string, bool) {
	e, ok := As(err)
	if !ok || e.Kind != KindService {
		return "", false
	}

	return e.Status, true
}

// isRetryableStatus reports whether the given HTTP status code should be retried.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// errorBody is the JSON error envelope returned by the service.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type parsedError struct {
	Message string
	Status  string
}

func parseErrorBody(body []byte) (parsedError, bool) {
	if len(body) == 0 || body[0] != '{' {
		return parsedError{}, false
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return parsedError{}, false
	}

	return parsedError{Message: eb.Error.Message, Status: eb.Error.Status}, true
}

// parseRetryAfter accepts the delay-seconds form of Retry-After. The
// HTTP-date form is rare for this service and ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
