package storage

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/apierror"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

// recorder is a scripted server: it answers with statuses in order and then
// with a fixed object body.
type recorder struct {
	mu       sync.Mutex
	statuses []int
	requests []*http.Request
}

func (rec *recorder) server(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.requests = append(rec.requests, r.Clone(r.Context()))
		n := len(rec.requests)
		rec.mu.Unlock()

		if n <= len(rec.statuses) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.statuses[n-1])
			w.Write([]byte(`{"error":{"code":503,"message":"backend unavailable"}}`))

			return
		}

		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Write([]byte(`{"bucket":"test-bucket","name":"obj","generation":"42","size":"3"}`))
	}))
	t.Cleanup(ts.Close)

	return ts
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return len(rec.requests)
}

var apiClientRE = regexp.MustCompile(`gccl-invocation-id/(\S+) gccl-attempt-count/(\d+)`)

func TestClient_HeadersAcrossRetries(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway}}
	c := newTestClient(t, rec.server(t).URL)
	c.token = &fakeToken{token: "tok"}

	obj, err := c.GetObject(t.Context(), testBucket, "obj", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), obj.Generation)
	require.Equal(t, 3, rec.count())

	var id string

	for i, r := range rec.requests {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "gcs-go/"+Version, r.Header.Get("User-Agent"))

		m := apiClientRE.FindStringSubmatch(r.Header.Get("X-Goog-Api-Client"))
		require.Len(t, m, 3, "header %q", r.Header.Get("X-Goog-Api-Client"))

		if i == 0 {
			id = m[1]
		}

		assert.Equal(t, id, m[1], "invocation id is stable across attempts")
		assert.Equal(t, []string{"1", "2", "3"}[i], m[2])
	}

	// A second call is a new invocation.
	_, err = c.GetObject(t.Context(), testBucket, "obj", 0)
	require.NoError(t, err)

	m := apiClientRE.FindStringSubmatch(rec.requests[3].Header.Get("X-Goog-Api-Client"))
	require.Len(t, m, 3)
	assert.NotEqual(t, id, m[1])
	assert.Equal(t, "1", m[2])
}

func TestClient_UnauthorizedInvalidatesToken(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusUnauthorized}}
	tok := &fakeToken{token: "stale"}
	c := newTestClient(t, rec.server(t).URL)
	c.token = tok

	_, err := c.GetObject(t.Context(), testBucket, "obj", 0)
	require.ErrorIs(t, err, apierror.ErrUnauthorized)
	assert.Equal(t, 1, tok.invalidated)
	assert.Equal(t, 1, rec.count())
}

func TestClient_NonIdempotentDeleteIsNotRetried(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusServiceUnavailable}}
	c := newTestClient(t, rec.server(t).URL)

	err := c.DeleteObject(t.Context(), testBucket, "obj", 0, Conditions{})
	require.ErrorIs(t, err, apierror.ErrServerError)
	assert.Equal(t, 1, rec.count())
}

func TestClient_PinnedDeleteIsRetried(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable}}
	c := newTestClient(t, rec.server(t).URL)

	require.NoError(t, c.DeleteObject(t.Context(), testBucket, "obj", 42, Conditions{}))
	assert.Equal(t, 3, rec.count())
	assert.Equal(t, "42", rec.requests[2].URL.Query().Get("generation"))
}

func TestClient_PermanentErrorIsNotRetried(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusNotFound}}
	c := newTestClient(t, rec.server(t).URL)

	_, err := c.GetObject(t.Context(), testBucket, "obj", 0)
	require.ErrorIs(t, err, apierror.ErrNotFound)

	status, ok := apierror.HTTPStatus(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 1, rec.count())
}

type vetoThrottler struct{ failures int }

func (v *vetoThrottler) ThrottleRetryAttempt() bool { return true }
func (v *vetoThrottler) OnRetryFailure(error)       { v.failures++ }
func (v *vetoThrottler) OnSuccess()                 {}

func TestClient_ThrottlerVetoesRetries(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusServiceUnavailable}}
	throttler := &vetoThrottler{}
	c := newTestClient(t, rec.server(t).URL, WithThrottler(throttler))

	_, err := c.GetObject(t.Context(), testBucket, "obj", 0)
	require.ErrorIs(t, err, retry.ErrThrottled)
	assert.ErrorIs(t, err, apierror.ErrServerError)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, throttler.failures)
}

func TestClient_ExhaustsAttempts(t *testing.T) {
	rec := &recorder{statuses: []int{503, 503, 503, 503, 503}}
	c := newTestClient(t, rec.server(t).URL,
		WithRetryPolicy(retry.LimitedAttemptCount(RetryableErrors, 3)))

	_, err := c.GetObject(t.Context(), testBucket, "obj", 0)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, uint32(3), exhausted.Attempts)
	assert.ErrorIs(t, err, apierror.ErrServerError)
	assert.Equal(t, 3, rec.count())
}

func TestClient_ObserverSeesRetries(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusTooManyRequests}}
	obs := &countingObserver{}
	c := newTestClient(t, rec.server(t).URL, WithObserver(obs))

	_, err := c.GetObject(t.Context(), testBucket, "obj", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, obs.attempts)
	assert.Equal(t, 1, obs.retries)
	assert.Equal(t, 1, obs.done)
}

type countingObserver struct {
	attempts, retries, throttled, done int
}

func (o *countingObserver) OnAttempt(string, retry.State)                     { o.attempts++ }
func (o *countingObserver) OnRetry(string, retry.State, time.Duration, error) { o.retries++ }
func (o *countingObserver) OnThrottled(string, retry.State, error)            { o.throttled++ }
func (o *countingObserver) OnDone(string, retry.State, error)                 { o.done++ }

func TestValidateName(t *testing.T) {
	assert.True(t, apierror.IsBinding(validateName("", "x")))
	assert.True(t, apierror.IsBinding(validateName("b", "")))
	assert.NoError(t, validateName("b", "x"))
}

func TestObjectURLEscapesSlashes(t *testing.T) {
	c := newTestClient(t, "http://host/")
	assert.Equal(t, "http://host/storage/v1/b/b/o/a%2Fb%20c", c.objectURL("b", "a/b c"))
}

func TestUploadEndpoint(t *testing.T) {
	c := newTestClient(t, "http://host")
	assert.Equal(t, "http://host/upload/storage/v1/b/b/o", c.uploadURL("b"))

	c = newTestClient(t, "http://host", WithUploadEndpoint("http://uploads/"))
	assert.Equal(t, "http://uploads/upload/storage/v1/b/b/o", c.uploadURL("b"))
	assert.Equal(t, "http://host/storage/v1/b/b", c.bucketURL("b"))
}

func TestGoogHash(t *testing.T) {
	h := http.Header{}
	h.Add("X-Goog-Hash", "md5=abc")
	h.Add("X-Goog-Hash", "crc32c="+encodeCRC32C(0xDEADBEEF))

	sum, ok := parseGoogHash(h)
	require.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), sum)

	h = http.Header{"X-Goog-Hash": {"crc32c=" + encodeCRC32C(7) + ",md5=xyz"}}
	sum, ok = parseGoogHash(h)
	require.True(t, ok)
	assert.Equal(t, uint32(7), sum)

	_, ok = parseGoogHash(http.Header{})
	assert.False(t, ok)
}

func TestDefaultResumePolicy_SharesTransientClassification(t *testing.T) {
	p := DefaultResumePolicy()
	s := retry.NewState(nil, true)
	s.Attempt = 1

	eof := apierror.Transport(errors.New("unexpected EOF"))
	assert.Equal(t, retry.DecisionContinue, p.OnResume(s, eof).Kind)
	assert.Equal(t, retry.DecisionContinue, RetryableErrors.OnError(s, eof).Kind)

	denied := apierror.Service(http.StatusForbidden, nil, nil)
	assert.Equal(t, retry.DecisionPermanent, p.OnResume(s, denied).Kind)
	assert.Equal(t, retry.DecisionPermanent, RetryableErrors.OnError(s, denied).Kind)

	s.Attempt = 6
	assert.Equal(t, retry.DecisionExhausted, p.OnResume(s, eof).Kind)
}
