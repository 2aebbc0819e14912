package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/gcs-go/internal/tokenfile"
)

// ErrNotLoggedIn indicates no token file exists at the configured path.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// Google OAuth2 endpoints.
const (
	GoogleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// StorageScope grants full control of storage resources.
const StorageScope = "https://www.googleapis.com/auth/devstorage.full_control"

// StaticSource always returns the same non-expiring token.
func StaticSource(accessToken string) Source {
	tok := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}

	return SourceFunc(func(context.Context) (*oauth2.Token, error) {
		return tok, nil
	})
}

// FileSource serves the token stored in a token file, refreshing it with the
// OAuth2 refresh-token grant once it is within the refresh margin of expiry.
// Refreshed tokens are written back so other processes pick them up.
type FileSource struct {
	Path   string
	Config *oauth2.Config
	Logger *slog.Logger

	// RefreshMargin defaults to DefaultSkew so that tokens handed to a Cache
	// are always cacheable.
	RefreshMargin time.Duration

	// mu serializes file refreshes from different Caches in this process.
	mu sync.Mutex
}

// NewFileSource returns a source for the token file at path. clientID and
// clientSecret identify the OAuth2 client the refresh token was issued to;
// tokenURL overrides GoogleTokenURL when non-empty.
func NewFileSource(path, clientID, clientSecret, tokenURL string, logger *slog.Logger) *FileSource {
	if tokenURL == "" {
		tokenURL = GoogleTokenURL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &FileSource{
		Path: path,
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       []string{StorageScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   GoogleAuthURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		Logger:        logger,
		RefreshMargin: DefaultSkew,
	}
}

// Token loads the file and refreshes the token if needed.
func (s *FileSource) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, meta, err := tokenfile.Load(s.Path)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, fmt.Errorf("%w: no token at %s", ErrNotLoggedIn, s.Path)
	}

	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > s.RefreshMargin {
		return tok, nil
	}

	if tok.RefreshToken == "" || s.Config == nil {
		s.Logger.Warn("token expiring and cannot be refreshed", slog.String("path", s.Path))
		return tok, nil
	}

	// Clearing the access token forces the refresh grant.
	stale := *tok
	stale.AccessToken = ""

	fresh, err := s.Config.TokenSource(ctx, &stale).Token()
	if err != nil {
		return nil, fmt.Errorf("auth: refreshing token from %s: %w", s.Path, err)
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	if fresh.AccessToken != tok.AccessToken {
		if err := tokenfile.Save(s.Path, fresh, meta); err != nil {
			// The refreshed token is still usable for this process.
			s.Logger.Warn("persisting refreshed token failed",
				slog.String("path", s.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	s.Logger.Info("token refreshed",
		slog.String("path", s.Path),
		slog.Time("expiry", fresh.Expiry),
	)

	return fresh, nil
}
