package auth

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tonimelisma/gcs-go/internal/tokenfile"
)

// Provider caches one Cache per token file path. Clients sharing a
// credential file share one Cache, so two refreshes can never race and
// rotate each other's refresh tokens away.
type Provider struct {
	clientID     string
	clientSecret string
	tokenURL     string
	logger       *slog.Logger

	// SourceFn builds the Source for a path. Exported for test injection;
	// defaults to a FileSource.
	SourceFn func(path string) Source

	mu     sync.Mutex
	caches map[string]*Cache
}

// NewProvider returns a Provider whose sources refresh with the given OAuth2
// client. tokenURL may be empty.
func NewProvider(clientID, clientSecret, tokenURL string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		logger:       logger,
		caches:       make(map[string]*Cache),
	}

	p.SourceFn = func(path string) Source {
		return NewFileSource(path, p.clientID, p.clientSecret, p.tokenURL, p.logger)
	}

	return p
}

// Cache returns the Cache for path, creating it on first use.
func (p *Provider) Cache(path string) *Cache {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.caches[path]; ok {
		return c
	}

	c := NewCache(p.SourceFn(path), WithLogger(p.logger))
	p.caches[path] = c

	p.logger.Debug("token cache created", slog.String("path", path))

	return c
}

// Watch invalidates the Cache for path whenever the file changes on disk,
// until ctx is done.
func (p *Provider) Watch(ctx context.Context, path string) error {
	c := p.Cache(path)

	return tokenfile.Watch(ctx, path, p.logger, c.Invalidate)
}
