package emulator

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FaultMode selects how a fault disturbs a request.
type FaultMode int

// Fault modes.
const (
	// FailBefore answers with Status without running the handler.
	FailBefore FaultMode = iota
	// FailAfter runs the handler, so its effects persist, then discards its
	// response and answers with Status instead.
	FailAfter
	// Truncate runs the handler but drops the connection once TruncateAfter
	// body bytes have been written.
	Truncate
)

// Fault is one scripted failure.
type Fault struct {
	Method string
	// Match narrows the requests the fault applies to. Nil matches every
	// request with Method.
	Match func(r *http.Request) bool
	// Skip lets this many matching requests through before firing.
	Skip int
	// Times is how often the fault fires. Zero means once.
	Times int

	Mode          FaultMode
	Status        int
	RetryAfter    time.Duration
	TruncateAfter int64
}

// Request is the log entry of one request seen by the injector.
type Request struct {
	Method       string
	Path         string
	Query        string
	ContentRange string
	Range        string
	Faulted      bool
}

type armedFault struct {
	Fault
	skip  int
	times int
}

// FaultInjector wraps a handler, logging every request and firing scripted
// faults at matching ones.
type FaultInjector struct {
	next   http.Handler
	logger *slog.Logger

	mu       sync.Mutex
	faults   []*armedFault
	requests []Request
}

// NewFaultInjector wraps next.
func NewFaultInjector(next http.Handler, logger *slog.Logger) *FaultInjector {
	return &FaultInjector{next: next, logger: logger}
}

// Add arms a fault. Faults are checked in the order they were added.
func (f *FaultInjector) Add(fault Fault) {
	times := fault.Times
	if times <= 0 {
		times = 1
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = append(f.faults, &armedFault{Fault: fault, skip: fault.Skip, times: times})
}

// Reset disarms all faults and clears the request log.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.faults = nil
	f.requests = nil
}

// Requests returns a copy of the request log.
func (f *FaultInjector) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Request, len(f.requests))
	copy(out, f.requests)

	return out
}

// Count returns how many logged requests satisfy pred.
func (f *FaultInjector) Count(pred func(Request) bool) int {
	n := 0

	for _, r := range f.Requests() {
		if pred(r) {
			n++
		}
	}

	return n
}

func (f *FaultInjector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fault := f.arm(r)

	if fault == nil {
		f.next.ServeHTTP(w, r)
		return
	}

	f.logger.Debug("injecting fault",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", fault.Status),
		slog.Int("mode", int(fault.Mode)),
	)

	switch fault.Mode {
	case FailBefore:
		writeFault(w, fault)
	case FailAfter:
		f.next.ServeHTTP(&discardWriter{header: http.Header{}}, r)
		writeFault(w, fault)
	case Truncate:
		f.next.ServeHTTP(&truncatingWriter{ResponseWriter: w, limit: fault.TruncateAfter}, r)
	}
}

// arm logs r and returns the fault that fires for it, if any.
func (f *FaultInjector) arm(r *http.Request) *Fault {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry := Request{
		Method:       r.Method,
		Path:         r.URL.Path,
		Query:        r.URL.RawQuery,
		ContentRange: r.Header.Get("Content-Range"),
		Range:        r.Header.Get("Range"),
	}

	var fired *Fault

	for _, a := range f.faults {
		if a.times == 0 || (a.Method != "" && a.Method != r.Method) {
			continue
		}

		if a.Match != nil && !a.Match(r) {
			continue
		}

		if a.skip > 0 {
			a.skip--
			continue
		}

		a.times--
		fired = &a.Fault

		break
	}

	entry.Faulted = fired != nil
	f.requests = append(f.requests, entry)

	return fired
}

func writeFault(w http.ResponseWriter, fault *Fault) {
	if fault.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(fault.RetryAfter.Seconds())))
	}

	writeStatus(w, fault.Status, "injected fault: "+http.StatusText(fault.Status))
}

// MatchPath matches requests whose path contains s.
func MatchPath(s string) func(*http.Request) bool {
	return func(r *http.Request) bool { return strings.Contains(r.URL.Path, s) }
}

// MatchQuery matches requests with query parameter key set to value.
func MatchQuery(key, value string) func(*http.Request) bool {
	return func(r *http.Request) bool { return r.URL.Query().Get(key) == value }
}

// MatchContentRange matches chunk PUTs whose Content-Range starts with
// prefix, e.g. "bytes 524288-".
func MatchContentRange(prefix string) func(*http.Request) bool {
	return func(r *http.Request) bool { return strings.HasPrefix(r.Header.Get("Content-Range"), prefix) }
}

// IsStatusQuery reports whether a logged request asked for upload status.
func IsStatusQuery(r Request) bool {
	return r.Method == http.MethodPut && r.ContentRange == "bytes */*"
}

type discardWriter struct {
	header http.Header
}

func (d *discardWriter) Header() http.Header         { return d.header }
func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (d *discardWriter) WriteHeader(int)             {}

// truncatingWriter aborts the response after limit body bytes.
type truncatingWriter struct {
	http.ResponseWriter
	limit   int64
	written int64
}

func (t *truncatingWriter) Write(p []byte) (int, error) {
	if t.written+int64(len(p)) <= t.limit {
		n, err := t.ResponseWriter.Write(p)
		t.written += int64(n)

		return n, err
	}

	n, _ := t.ResponseWriter.Write(p[:t.limit-t.written])
	t.written += int64(n)

	if fl, ok := t.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}

	// The server recovers this panic by closing the connection, which the
	// client sees as an unexpected EOF.
	panic(http.ErrAbortHandler)
}
