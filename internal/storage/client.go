// Package storage is a client for the object storage JSON API. Every request
// runs through retry.Run with a per-client throttler; uploads and downloads
// add resumable-session state machines on top, and IAM updates and bulk
// restores use the occ and lro loops.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

// Version is reported in User-Agent and x-goog-api-client.
const Version = "0.1.0"

// DefaultEndpoint is the production service root.
const DefaultEndpoint = "https://storage.googleapis.com"

// Upload sizing.
const (
	// Quantum is the granularity of non-final resumable chunks.
	Quantum = 256 * 1024

	DefaultChunkSize          = 16 * 1024 * 1024
	DefaultResumableThreshold = 8 * 1024 * 1024
)

// Default retry budget for ordinary requests.
const (
	DefaultMaxAttempts = 10
	DefaultMaxDuration = 10 * time.Minute
)

// errBodyLimit caps how much of an error response body is kept.
const errBodyLimit = 64 * 1024

// TokenSource provides bearer tokens. A nil TokenSource sends no
// Authorization header, which suits the local emulator.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can drop a token the
// server rejected.
type invalidator interface {
	Invalidate()
}

// Client talks to one storage endpoint. It is safe for concurrent use; the
// throttler it holds is shared by every operation issued through it.
type Client struct {
	endpoint       string
	uploadEndpoint string
	httpClient     *http.Client
	token          TokenSource
	logger         *slog.Logger

	policy    retry.Policy
	backoff   retry.Backoff
	throttler retry.Throttler
	observer  retry.Observer
	userAgent string

	chunkSize          uint64
	resumableThreshold uint64
	resume             retry.ResumePolicy

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithBackoff replaces the default exponential backoff.
func WithBackoff(b retry.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithThrottler replaces the default adaptive throttler.
func WithThrottler(t retry.Throttler) Option {
	return func(c *Client) { c.throttler = t }
}

// WithObserver adds an observer for retry loop events.
func WithObserver(o retry.Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithUploadEndpoint sends media uploads to a different root than metadata
// requests. Empty keeps the client endpoint.
func WithUploadEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.uploadEndpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithChunkSize sets the resumable chunk size, rounded up to a multiple of
// Quantum.
func WithChunkSize(n uint64) Option {
	return func(c *Client) { c.chunkSize = roundChunkSize(n) }
}

// WithResumableThreshold sets the size below which uploads of known size use a
// single multipart request.
func WithResumableThreshold(n uint64) Option {
	return func(c *Client) { c.resumableThreshold = n }
}

// WithResumePolicy replaces DefaultResumePolicy for downloads.
func WithResumePolicy(p retry.ResumePolicy) Option {
	return func(c *Client) { c.resume = p }
}

// NewClient creates a client. endpoint is typically DefaultEndpoint; tests
// and the emulator pass their own root.
func NewClient(endpoint string, httpClient *http.Client, token TokenSource, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		endpoint:           strings.TrimRight(endpoint, "/"),
		httpClient:         httpClient,
		token:              token,
		logger:             logger,
		policy:             DefaultRetryPolicy(),
		backoff:            retry.DefaultBackoff(),
		throttler:          retry.NewAdaptiveThrottler(retry.DefaultThrottlerFactor, retry.DefaultThrottlerWindow),
		userAgent:          "gcs-go/" + Version,
		chunkSize:          DefaultChunkSize,
		resumableThreshold: DefaultResumableThreshold,
		resume:             DefaultResumePolicy(),
		sleepFunc:          retry.Sleep,
		nowFunc:            time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RetryableErrors is the base classification: transient transport, timeout,
// credential, and 408/429/5xx service errors continue; everything else is
// permanent. The OCC "aborted" status is deliberately not retried here.
var RetryableErrors retry.Policy = retry.PolicyFunc(func(_ retry.State, err error) retry.Decision {
	if apierror.IsTransient(err) {
		return retry.Continue(err)
	}

	return retry.Permanent(err)
})

// DefaultRetryPolicy bounds RetryableErrors to DefaultMaxAttempts attempts
// and DefaultMaxDuration.
func DefaultRetryPolicy() retry.Policy {
	return retry.LimitedElapsedTime(
		retry.LimitedAttemptCount(RetryableErrors, DefaultMaxAttempts),
		DefaultMaxDuration,
	)
}

// ResumableErrors resumes an interrupted download after the same transient
// failures RetryableErrors retries; everything else ends the stream.
var ResumableErrors retry.ResumePolicy = retry.ResumePolicyFunc(func(_ retry.State, err error) retry.Decision {
	if apierror.IsTransient(err) {
		return retry.Continue(err)
	}

	return retry.Permanent(err)
})

// DefaultResumePolicy bounds ResumableErrors to five resumes per stream.
func DefaultResumePolicy() retry.ResumePolicy {
	return retry.LimitedResumeAttempts(ResumableErrors, 5)
}

// invocation identifies one logical operation across its attempts.
type invocation struct {
	id      string
	attempt uint32
}

func newInvocation() invocation {
	return invocation{id: uuid.NewString()}
}

// at returns the invocation for the attempt after s.Attempt failures.
func (inv invocation) at(s retry.State) invocation {
	inv.attempt = s.Attempt + 1
	return inv
}

// retryConfig assembles the collaborators for one retry loop.
func (c *Client) retryConfig(op string, idempotent bool) retry.Config {
	obs := retry.Observer(logObserver{logger: c.logger})
	if c.observer != nil {
		obs = retry.MultiObserver{obs, c.observer}
	}

	return retry.Config{
		Policy:     c.policy,
		Backoff:    c.backoff,
		Throttler:  c.throttler,
		Idempotent: idempotent,
		Operation:  op,
		Sleep:      c.sleepFunc,
		Now:        c.nowFunc,
		Observer:   obs,
	}
}

// call describes one logical request.
type call struct {
	op         string
	idempotent bool
	build      func(ctx context.Context) (*http.Request, error)
	// inv ties the call to an enclosing operation. Zero starts a new one.
	inv invocation
	// accept lists the statuses treated as success. Empty means any 2xx.
	accept []int
}

// execute runs a call inside a retry loop. The caller closes the body of the
// returned response.
func (c *Client) execute(ctx context.Context, cl call) (*http.Response, error) {
	inv := cl.inv
	if inv.id == "" {
		inv = newInvocation()
	}

	return retry.Run(ctx, c.retryConfig(cl.op, cl.idempotent), func(ctx context.Context, s retry.State) (*http.Response, error) {
		req, err := cl.build(ctx)
		if err != nil {
			return nil, apierror.Binding("%s: %v", cl.op, err)
		}

		return c.roundTrip(req, inv.at(s), cl.accept...)
	})
}

// roundTrip sends one request with auth and client headers. Responses whose
// status is not accepted are drained, closed, and returned as service errors.
func (c *Client) roundTrip(req *http.Request, inv invocation, accept ...int) (*http.Response, error) {
	if err := c.setHeaders(req, inv); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierror.Transport(err)
	}

	if accepted(resp.StatusCode, accept) {
		c.logger.Debug("request succeeded",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if iv, ok := c.token.(invalidator); ok {
			iv.Invalidate()
		}
	}

	return nil, apierror.Service(resp.StatusCode, resp.Header, body)
}

func (c *Client) setHeaders(req *http.Request, inv invocation) error {
	if c.token != nil {
		tok, err := c.token.AccessToken(req.Context())
		if err != nil {
			return fmt.Errorf("storage: obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Goog-Api-Client", apiClientHeader(inv))

	return nil
}

func apiClientHeader(inv invocation) string {
	return fmt.Sprintf("gl-go/%s gccl/%s gccl-invocation-id/%s gccl-attempt-count/%d",
		strings.TrimPrefix(runtime.Version(), "go"), Version, inv.id, inv.attempt)
}

func accepted(code int, accept []int) bool {
	if len(accept) == 0 {
		return code >= http.StatusOK && code < http.StatusMultipleChoices
	}

	for _, a := range accept {
		if code == a {
			return true
		}
	}

	return false
}

// roundChunkSize rounds n up to a positive multiple of Quantum.
func roundChunkSize(n uint64) uint64 {
	if n == 0 {
		return Quantum
	}

	return (n + Quantum - 1) / Quantum * Quantum
}

// logObserver logs retry loop events the way the rest of the client logs:
// retries at warn, failures after retries at error.
type logObserver struct {
	logger *slog.Logger
}

func (o logObserver) OnAttempt(op string, s retry.State) {
	if s.Attempt > 0 {
		o.logger.Debug("retry attempt", slog.String("op", op), slog.Int("attempt", int(s.Attempt)+1))
	}
}

func (o logObserver) OnRetry(op string, s retry.State, delay time.Duration, err error) {
	o.logger.Warn("retrying after error",
		slog.String("op", op),
		slog.Int("attempt", int(s.Attempt)),
		slog.Duration("backoff", delay),
		slog.String("error", err.Error()),
	)
}

func (o logObserver) OnThrottled(op string, s retry.State, err error) {
	o.logger.Warn("retry throttled",
		slog.String("op", op),
		slog.Int("attempt", int(s.Attempt)),
		slog.String("error", err.Error()),
	)
}

func (o logObserver) OnDone(op string, s retry.State, err error) {
	if err != nil && s.Attempt > 1 {
		o.logger.Error("request failed after retries",
			slog.String("op", op),
			slog.Int("attempts", int(s.Attempt)),
			slog.String("error", err.Error()),
		)
	}
}

// objectURL returns the metadata URL of an object.
func (c *Client) objectURL(bucket, name string) string {
	return c.endpoint + "/storage/v1/b/" + pathEscape(bucket) + "/o/" + pathEscape(name)
}

func (c *Client) bucketURL(bucket string) string {
	return c.endpoint + "/storage/v1/b/" + pathEscape(bucket)
}

func (c *Client) uploadURL(bucket string) string {
	root := c.endpoint
	if c.uploadEndpoint != "" {
		root = c.uploadEndpoint
	}

	return root + "/upload/storage/v1/b/" + pathEscape(bucket) + "/o"
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
