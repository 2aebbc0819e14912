package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Validation range constants.
const (
	chunkAlignBytes      = 256 * 1024
	minChunkBytes        = chunkAlignBytes
	maxChunkBytes        = 1024 * 1024 * 1024
	minParallelTransfers = 1
	maxParallelTransfers = 64
	maxHashRetries       = 100
	maxRetryAttempts     = 100
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}

var validThrottlers = map[string]bool{
	ThrottlerAdaptive:       true,
	ThrottlerCircuitBreaker: true,
	ThrottlerNone:           true,
}

// Validate checks all configuration values and returns all errors found,
// so users can fix every problem in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	return errors.Join(errs...)
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateURL("network.endpoint", n.Endpoint, true)...)
	errs = append(errs, validateURL("network.upload_endpoint", n.UploadEndpoint, false)...)
	errs = append(errs, validateDuration("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDuration("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateURL(key, v string, required bool) []error {
	if v == "" {
		if required {
			return []error{fmt.Errorf("%s: must not be empty", key)}
		}

		return nil
	}

	u, err := url.Parse(v)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", key, err)}
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", key, v)}
	}

	return nil
}

func validateDuration(key, v string, minimum time.Duration) []error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", key, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", key, minimum, v)}
	}

	return nil
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxAttempts < 1 || r.MaxAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be between 1 and %d, got %d",
			maxRetryAttempts, r.MaxAttempts))
	}

	errs = append(errs, validateDuration("retry.max_duration", r.MaxDuration, time.Second)...)
	errs = append(errs, validateDuration("retry.initial_backoff", r.InitialBackoff, 0)...)
	errs = append(errs, validateDuration("retry.max_backoff", r.MaxBackoff, 0)...)

	if initial, err := time.ParseDuration(r.InitialBackoff); err == nil {
		if maximum, err := time.ParseDuration(r.MaxBackoff); err == nil && maximum < initial {
			errs = append(errs, fmt.Errorf("retry.max_backoff: must not be below initial_backoff (%s), got %s",
				r.InitialBackoff, r.MaxBackoff))
		}
	}

	if r.BackoffScaling < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_scaling: must be at least 1, got %g", r.BackoffScaling))
	}

	if !validThrottlers[r.Throttler] {
		errs = append(errs, fmt.Errorf("retry.throttler: must be one of adaptive, circuit_breaker, none, got %q",
			r.Throttler))
	}

	if r.Throttler == ThrottlerAdaptive && r.ThrottlerFactor <= 1 {
		errs = append(errs, fmt.Errorf("retry.throttler_factor: must be greater than 1, got %g", r.ThrottlerFactor))
	}

	if r.ResumeAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.resume_attempts: must not be negative, got %d", r.ResumeAttempts))
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	errs = append(errs, validateChunkSize(t.ChunkSize)...)

	if _, err := ParseSize(t.ResumableThreshold); err != nil {
		errs = append(errs, fmt.Errorf("transfers.resumable_threshold: %w", err))
	}

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("transfers.bandwidth_limit: %w", err))
	}

	if t.ParallelTransfers < minParallelTransfers || t.ParallelTransfers > maxParallelTransfers {
		errs = append(errs, fmt.Errorf("transfers.parallel_transfers: must be between %d and %d, got %d",
			minParallelTransfers, maxParallelTransfers, t.ParallelTransfers))
	}

	if t.MaxHashRetries < 0 || t.MaxHashRetries > maxHashRetries {
		errs = append(errs, fmt.Errorf("transfers.max_hash_retries: must be between 0 and %d, got %d",
			maxHashRetries, t.MaxHashRetries))
	}

	return errs
}

func validateChunkSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("transfers.chunk_size: %w", err)}
	}

	if bytes < minChunkBytes || bytes > maxChunkBytes {
		return []error{fmt.Errorf("transfers.chunk_size: must be between 256KiB and 1GiB, got %s", s)}
	}

	if bytes%chunkAlignBytes != 0 {
		return []error{fmt.Errorf(
			"transfers.chunk_size: must be a multiple of 256 KiB (%d bytes), got %s (%d bytes)",
			chunkAlignBytes, s, bytes)}
	}

	return nil
}

func validateAuth(a *AuthConfig) []error {
	if a.ClientSecret != "" && a.ClientID == "" {
		return []error{errors.New("auth.client_secret: requires auth.client_id")}
	}

	if a.WatchTokenFile && a.TokenFile == "" {
		return []error{errors.New("auth.watch_token_file: requires auth.token_file")}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error, got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json, got %q", l.LogFormat))
	}

	return errs
}

func validateMetrics(m *MetricsConfig) []error {
	if m.ListenAddr == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return []error{fmt.Errorf("metrics.listen_addr: %w", err)}
	}

	return nil
}
