package storage

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

// ReadRequest describes a download.
type ReadRequest struct {
	Bucket string
	Name   string

	// Generation pins a specific generation. Zero reads the live generation
	// and pins whatever the first response serves.
	Generation int64

	// Offset is where reading starts. A negative offset reads the last
	// -Offset bytes of the object.
	Offset int64

	// Length limits the bytes read. Zero or negative reads to the end.
	Length int64

	Conditions Conditions

	// Resume overrides the client resume policy for this stream.
	Resume retry.ResumePolicy
}

// Reader streams an object. A read failure before any byte arrived is
// retried under the client retry policy by reopening from scratch. After
// bytes have been delivered, failures go to the resume policy, which may
// reopen the stream where it stopped on the same generation. Reader is not
// safe for concurrent use.
type Reader struct {
	c      *Client
	ctx    context.Context
	req    ReadRequest
	resume retry.ResumePolicy
	logger *slog.Logger

	body io.ReadCloser

	generation  int64
	start       int64
	remaining   int64
	size        int64
	contentType string
	delivered   uint64

	openState   retry.State
	resumeState retry.State

	crc     hash.Hash32
	wantCRC uint32
	err     error
}

// ReadObject opens a download. Failures before the first byte arrives are
// retried like any other request.
func (c *Client) ReadObject(ctx context.Context, req ReadRequest) (*Reader, error) {
	if err := validateName(req.Bucket, req.Name); err != nil {
		return nil, err
	}

	resume := req.Resume
	if resume == nil {
		resume = c.resume
	}

	r := &Reader{
		c:           c,
		ctx:         ctx,
		req:         req,
		resume:      resume,
		generation:  req.Generation,
		openState:   retry.NewState(c.nowFunc, true),
		resumeState: retry.NewState(c.nowFunc, true),
		logger: c.logger.With(
			slog.String("bucket", req.Bucket),
			slog.String("name", req.Name),
		),
	}

	if err := r.open(ctx, true); err != nil {
		return nil, fmt.Errorf("storage: reading gs://%s/%s: %w", req.Bucket, req.Name, err)
	}

	return r, nil
}

// Generation returns the generation being read.
func (r *Reader) Generation() int64 { return r.generation }

// Size returns the full object size, or -1 if the service did not say.
func (r *Reader) Size() int64 { return r.size }

// StartOffset returns the absolute offset of the first byte served.
func (r *Reader) StartOffset() int64 { return r.start }

// Remaining returns the bytes left to read, or -1 if unknown.
func (r *Reader) Remaining() int64 { return r.remaining }

// ContentType returns the object's content type.
func (r *Reader) ContentType() string { return r.contentType }

// Delivered returns the number of bytes handed to the caller.
func (r *Reader) Delivered() uint64 { return r.delivered }

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	for {
		n, err := r.body.Read(p)
		r.account(p[:n])

		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, io.EOF) && r.remaining <= 0:
			r.err = r.finish()
			return n, r.err
		case errors.Is(err, io.EOF):
			// The server closed the stream before sending everything it
			// promised.
			err = io.ErrUnexpectedEOF
		}

		if resumeErr := r.handleReadError(err); resumeErr != nil {
			r.err = resumeErr
			return n, r.err
		}

		if n > 0 {
			return n, nil
		}
	}
}

// Close releases the stream.
func (r *Reader) Close() error {
	if r.err == nil {
		r.err = errors.New("storage: read on closed reader")
	}

	if r.body == nil {
		return nil
	}

	return r.body.Close()
}

func (r *Reader) account(p []byte) {
	if len(p) == 0 {
		return
	}

	r.delivered += uint64(len(p))

	if r.remaining > 0 {
		r.remaining -= int64(len(p))
	}

	if r.crc != nil {
		r.crc.Write(p)
	}
}

// finish runs at a clean end of stream.
func (r *Reader) finish() error {
	if r.crc != nil && r.crc.Sum32() != r.wantCRC {
		return fmt.Errorf("%w: gs://%s/%s got crc32c %s, want %s", ErrChecksumMismatch,
			r.req.Bucket, r.req.Name, encodeCRC32C(r.crc.Sum32()), encodeCRC32C(r.wantCRC))
	}

	return io.EOF
}

// handleReadError reopens the stream if the governing policy allows it and
// returns the terminal error otherwise.
func (r *Reader) handleReadError(readErr error) error {
	r.body.Close()

	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("storage: download canceled: %w", ctxErr)
	}

	err := error(apierror.Transport(readErr))
	if r.delivered == 0 {
		return r.reopen(err)
	}

	r.resumeState = r.resumeState.Next()

	d := r.resume.OnResume(r.resumeState, err)
	switch d.Kind {
	case retry.DecisionPermanent:
		return d.Err
	case retry.DecisionExhausted:
		return &retry.ExhaustedError{Attempts: r.resumeState.Attempt, Elapsed: r.resumeState.Elapsed(), Err: d.Err}
	}

	delay := r.c.backoff.Delay(r.resumeState)

	r.logger.Warn("resuming download",
		slog.Uint64("delivered", r.delivered),
		slog.Int("attempt", int(r.resumeState.Attempt)),
		slog.Duration("backoff", delay),
		slog.String("error", readErr.Error()),
	)

	if err := r.c.sleepFunc(r.ctx, delay); err != nil {
		return fmt.Errorf("storage: download canceled: %w", err)
	}

	if err := r.open(r.ctx, false); err != nil {
		return err
	}

	return nil
}

// reopen retries a stream that failed before delivering anything. Nothing
// has reached the caller, so it is the same request as the first open and
// falls under the client retry policy and throttler.
func (r *Reader) reopen(err error) error {
	r.c.throttler.OnRetryFailure(err)
	r.openState = r.openState.Next()

	if r.c.throttler.ThrottleRetryAttempt() {
		return fmt.Errorf("%w: %w", retry.ErrThrottled, err)
	}

	d := r.c.policy.OnError(r.openState, err)
	switch d.Kind {
	case retry.DecisionPermanent:
		return d.Err
	case retry.DecisionExhausted:
		return &retry.ExhaustedError{Attempts: r.openState.Attempt, Elapsed: r.openState.Elapsed(), Err: d.Err}
	}

	delay := max(r.c.backoff.Delay(r.openState), retry.DelayHint(err))

	r.logger.Warn("retrying download before first byte",
		slog.Int("attempt", int(r.openState.Attempt)),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)

	if err := r.c.sleepFunc(r.ctx, delay); err != nil {
		return fmt.Errorf("storage: download canceled: %w", err)
	}

	return r.open(r.ctx, true)
}

// open issues the GET. The first open establishes the generation, range,
// and checksum; later opens continue at start+delivered on that generation.
func (r *Reader) open(ctx context.Context, first bool) error {
	rangeHeader := r.rangeHeader(first)

	q := url.Values{"alt": {"media"}}
	if r.generation > 0 {
		q.Set("generation", formatInt(r.generation))
	}

	r.req.Conditions.apply(q)
	target := withQuery(r.c.objectURL(r.req.Bucket, r.req.Name), q)

	resp, err := r.c.execute(ctx, call{
		op:         "storage.objects.get.media",
		idempotent: true,
		build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return nil, err
			}

			if rangeHeader != "" {
				req.Header.Set("Range", rangeHeader)
			}

			return req, nil
		},
	})
	if err != nil {
		return err
	}

	gen, err := strconv.ParseInt(resp.Header.Get("X-Goog-Generation"), 10, 64)
	if err != nil {
		gen = 0
	}

	if err := r.checkGeneration(gen, first); err != nil {
		resp.Body.Close()
		return err
	}

	if !first {
		if err := r.checkResumed(resp); err != nil {
			resp.Body.Close()
			return err
		}

		r.body = resp.Body
		r.logger.Debug("download resumed", slog.Uint64("delivered", r.delivered))

		return nil
	}

	r.body = resp.Body
	r.crc = nil

	// A first response without the header keeps whatever generation the
	// caller pinned; the query parameter already selected it.
	if gen > 0 {
		r.generation = gen
	}

	r.contentType = resp.Header.Get("Content-Type")
	r.start, r.size = 0, -1
	r.remaining = resp.ContentLength

	if resp.StatusCode == http.StatusPartialContent {
		if start, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			r.start, r.size = start, size
		}
	} else if resp.ContentLength >= 0 {
		r.size = resp.ContentLength
	}

	// Only a full read can be checked against the object checksum.
	if rangeHeader == "" && resp.Header.Get("Content-Encoding") == "" {
		if want, ok := parseGoogHash(resp.Header); ok {
			r.crc = crc32.New(crc32cTable)
			r.wantCRC = want
		}
	}

	r.logger.Debug("download opened",
		slog.Int64("generation", r.generation),
		slog.Int64("start", r.start),
		slog.Int64("length", r.remaining),
	)

	return nil
}

// checkGeneration rejects a response for a generation other than the pinned
// one. A resumed response must name its generation: without it the bytes
// cannot be shown to continue the same object.
func (r *Reader) checkGeneration(gen int64, first bool) error {
	switch {
	case r.generation == 0, gen == r.generation:
		return nil
	case gen == 0 && first:
		return nil
	case gen == 0:
		return fmt.Errorf("%w: expected generation %d, got none", ErrGenerationMismatch, r.generation)
	default:
		return fmt.Errorf("%w: expected generation %d, got %d", ErrGenerationMismatch, r.generation, gen)
	}
}

// checkResumed requires a resumed response to be a partial response that
// starts exactly where the stream stopped.
func (r *Reader) checkResumed(resp *http.Response) error {
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("storage: resumed download got HTTP %d instead of a partial response", resp.StatusCode)
	}

	want := r.start + int64(r.delivered)
	start, _, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok || start != want {
		return fmt.Errorf("%w: expected offset %d, got Content-Range %q", ErrResumeOffsetMismatch,
			want, resp.Header.Get("Content-Range"))
	}

	return nil
}

// rangeHeader computes the Range for an open. Empty means the whole object.
func (r *Reader) rangeHeader(first bool) string {
	if first {
		switch {
		case r.req.Offset < 0:
			return fmt.Sprintf("bytes=%d", r.req.Offset)
		case r.req.Length > 0:
			return fmt.Sprintf("bytes=%d-%d", r.req.Offset, r.req.Offset+r.req.Length-1)
		case r.req.Offset > 0:
			return fmt.Sprintf("bytes=%d-", r.req.Offset)
		default:
			return ""
		}
	}

	from := r.start + int64(r.delivered)
	if r.remaining > 0 {
		return fmt.Sprintf("bytes=%d-%d", from, from+r.remaining-1)
	}

	return fmt.Sprintf("bytes=%d-", from)
}

// parseContentRange reads "bytes start-end/size". size is -1 for "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	spec, found := strings.CutPrefix(v, "bytes ")
	if !found {
		return 0, 0, false
	}

	span, total, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, false
	}

	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	size = -1
	if total != "*" {
		if size, err = strconv.ParseInt(total, 10, 64); err != nil {
			return 0, 0, false
		}
	}

	return start, size, true
}
