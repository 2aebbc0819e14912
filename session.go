package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tonimelisma/gcs-go/internal/auth"
	"github.com/tonimelisma/gcs-go/internal/config"
	"github.com/tonimelisma/gcs-go/internal/metrics"
	"github.com/tonimelisma/gcs-go/internal/retry"
	"github.com/tonimelisma/gcs-go/internal/storage"
	"github.com/tonimelisma/gcs-go/internal/transfer"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "gcs"

// session bundles what a command needs to talk to the service. Background
// work started for it (token file watch, metrics endpoint) stops with the
// context passed to newSession.
type session struct {
	client   *storage.Client
	manager  *transfer.Manager
	registry *prometheus.Registry
	logger   *slog.Logger
}

// newSession builds the client stack from the effective configuration.
func newSession(ctx context.Context, cc *CLIContext) (*session, error) {
	cfg := cc.Cfg.Config()
	logger := cc.Logger

	registry := prometheus.NewRegistry()

	collector, err := metrics.NewCollector(metricsNamespace, registry)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	token := tokenSource(ctx, cfg, logger)

	opts := []storage.Option{
		storage.WithRetryPolicy(retryPolicy(cfg)),
		storage.WithBackoff(&retry.ExponentialBackoff{
			Initial: cfg.InitialBackoff(),
			Maximum: cfg.MaxBackoff(),
			Scaling: cfg.Retry.BackoffScaling,
			Jitter:  retry.DefaultJitter,
		}),
		storage.WithThrottler(throttler(cfg)),
		storage.WithResumePolicy(resumePolicy(cfg)),
		storage.WithObserver(collector),
		storage.WithChunkSize(cfg.ChunkSize()),
		storage.WithResumableThreshold(cfg.ResumableThreshold()),
		storage.WithUploadEndpoint(cfg.Network.UploadEndpoint),
	}

	if cfg.Network.UserAgent != "" {
		opts = append(opts, storage.WithUserAgent(cfg.Network.UserAgent))
	}

	client := storage.NewClient(cfg.Network.Endpoint, httpClient(cfg), token, logger, opts...)

	limiter, err := transfer.NewBandwidthLimiter(cfg.Transfers.BandwidthLimit, logger)
	if err != nil {
		return nil, err
	}

	manager := transfer.NewManager(client, client, logger,
		transfer.WithBandwidthLimiter(limiter),
		transfer.WithBytesObserver(collector),
		transfer.WithMaxHashRetries(cfg.Transfers.MaxHashRetries),
		transfer.WithParallelism(cfg.Transfers.ParallelTransfers),
	)

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, registry, logger); err != nil {
				logger.Error("metrics endpoint failed", slog.String("addr", addr), slog.String("error", err.Error()))
			}
		}()
	}

	return &session{client: client, manager: manager, registry: registry, logger: logger}, nil
}

// httpClient bounds connection setup and time to first response byte. There
// is no overall timeout: a large download may legitimately take hours.
func httpClient(cfg *config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout()}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout()
	transport.ResponseHeaderTimeout = cfg.DataTimeout()

	return &http.Client{Transport: transport}
}

// tokenSource returns nil (anonymous requests) when no token file is
// configured.
func tokenSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) storage.TokenSource {
	path := cfg.Auth.TokenFile
	if path == "" {
		logger.Debug("no token file configured, sending anonymous requests")
		return nil
	}

	provider := auth.NewProvider(cfg.Auth.ClientID, cfg.Auth.ClientSecret, "", logger)

	if cfg.Auth.WatchTokenFile {
		go func() {
			if err := provider.Watch(ctx, path); err != nil {
				logger.Warn("token file watch stopped", slog.String("path", path), slog.String("error", err.Error()))
			}
		}()
	}

	return provider.Cache(path)
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.LimitedElapsedTime(
		retry.LimitedAttemptCount(storage.RetryableErrors, uint32(cfg.Retry.MaxAttempts)), //nolint:gosec // validated 1..100
		cfg.MaxDuration(),
	)
}

func throttler(cfg *config.Config) retry.Throttler {
	switch cfg.Retry.Throttler {
	case config.ThrottlerNone:
		return retry.NoThrottle
	case config.ThrottlerCircuitBreaker:
		return retry.DefaultCircuitBreaker()
	default:
		return retry.NewAdaptiveThrottler(cfg.Retry.ThrottlerFactor, retry.DefaultThrottlerWindow)
	}
}

// resumePolicy resumes interrupted downloads after transient errors, up to
// retry.resume_attempts times per stream.
func resumePolicy(cfg *config.Config) retry.ResumePolicy {
	if cfg.Retry.ResumeAttempts == 0 {
		return retry.NeverResume
	}

	return retry.LimitedResumeAttempts(storage.ResumableErrors, uint32(cfg.Retry.ResumeAttempts)) //nolint:gosec // validated non-negative
}
