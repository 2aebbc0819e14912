// Package auth keeps bearer tokens fresh for concurrent callers. A Cache
// wraps a credential Source, serves the cached token until it is about to
// expire, and guarantees at most one refresh in flight per Cache. Acquiring
// credentials in the first place (browser flows, metadata servers, key
// signing) is someone else's job; Sources here only load or refresh.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/gcs-go/internal/apierror"
)

// DefaultSkew is how long before expiry a cached token stops being served.
const DefaultSkew = 5 * time.Minute

// Source produces tokens. It is called only on cache miss and never
// concurrently through the same Cache.
type Source interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*oauth2.Token, error)

// Token calls f.
func (f SourceFunc) Token(ctx context.Context) (*oauth2.Token, error) { return f(ctx) }

// Cache is shared by every operation that uses one credential.
type Cache struct {
	src    Source
	skew   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu  sync.Mutex
	tok *oauth2.Token

	group singleflight.Group
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) CacheOption {
	return func(c *Cache) { c.skew = d }
}

// WithClock injects the clock used for expiry checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger. Token values are never logged.
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache wraps src.
func NewCache(src Source, opts ...CacheOption) *Cache {
	c := &Cache{
		src:    src,
		skew:   DefaultSkew,
		now:    time.Now,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Token returns a token valid for at least the skew margin, refreshing
// through the Source when needed. Callers arriving during a refresh wait for
// that refresh instead of starting their own; each caller's wait is bounded
// by its own ctx, and one caller giving up does not cancel the refresh.
func (c *Cache) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := c.cached(); tok != nil {
		return tok, nil
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		// A refresh that finished just before this one started has already
		// filled the cache.
		if tok := c.cached(); tok != nil {
			return tok, nil
		}

		tok, err := c.src.Token(context.WithoutCancel(ctx))
		if err != nil {
			c.logger.Warn("token refresh failed", slog.String("error", err.Error()))
			return nil, classify(err)
		}

		if tok == nil || tok.AccessToken == "" {
			return nil, apierror.Authentication(errors.New("auth: source returned an empty token"), false)
		}

		c.mu.Lock()
		c.tok = tok
		c.mu.Unlock()

		c.logger.Debug("token refreshed",
			slog.Time("expiry", tok.Expiry),
			slog.Bool("cacheable", c.valid(tok)),
		)

		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, apierror.Authentication(ctx.Err(), false)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*oauth2.Token), nil
	}
}

// AccessToken returns just the bearer token string.
func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Headers returns the Authorization header for outgoing requests.
func (c *Cache) Headers(ctx context.Context) (http.Header, error) {
	tok, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	h := make(http.Header, 1)
	h.Set("Authorization", tok.Type()+" "+tok.AccessToken)

	return h, nil
}

// Invalidate drops the cached token so the next call refreshes. Used after a
// 401 and when the credential file changes on disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}

func (c *Cache) cached() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok != nil && c.valid(c.tok) {
		return c.tok
	}

	return nil
}

// valid reports whether tok can be served: tokens without an expiry never
// expire; others must outlive now by the skew margin.
func (c *Cache) valid(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return true
	}

	return c.now().Before(tok.Expiry.Add(-c.skew))
}

// classify maps a Source failure onto an authentication error, marking
// failures that are worth retrying.
func classify(err error) error {
	if _, ok := apierror.As(err); ok {
		return err
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		transient := re.Response != nil &&
			(re.Response.StatusCode == http.StatusTooManyRequests || re.Response.StatusCode >= http.StatusInternalServerError)

		return apierror.Authentication(err, transient)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return apierror.Authentication(err, true)
	}

	return apierror.Authentication(err, false)
}
