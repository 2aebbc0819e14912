package storage

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/emulator"
	"github.com/tonimelisma/gcs-go/internal/retry"
)

const testBucket = "test-bucket"

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newTestClient returns a client that never sleeps and never throttles.
func newTestClient(t *testing.T, endpoint string, opts ...Option) *Client {
	t.Helper()

	base := []Option{
		WithThrottler(retry.NoThrottle),
		WithBackoff(retry.ConstantBackoff(0)),
	}

	c := NewClient(endpoint, nil, nil, discardLogger(), append(base, opts...)...)
	c.sleepFunc = retry.NoSleep

	return c
}

// newEmulator starts an in-memory emulator and a client pointed at it.
func newEmulator(t *testing.T, opts ...Option) (*emulator.Server, *Client) {
	t.Helper()

	store, err := emulator.OpenStore(t.Context(), "", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := emulator.NewServer(store, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, newTestClient(t, ts.URL, opts...)
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/7)
	}

	return b
}

// fakeToken is a TokenSource that counts invalidations.
type fakeToken struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (f *fakeToken) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token, nil
}

func (f *fakeToken) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invalidated++
}
