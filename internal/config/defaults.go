package config

// Default values for configuration options. These are the first layer of
// the override chain and work against the production endpoint without any
// config file.
const (
	defaultEndpoint           = "https://storage.googleapis.com"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
	defaultMaxAttempts        = 10
	defaultMaxDuration        = "10m"
	defaultInitialBackoff     = "1s"
	defaultMaxBackoff         = "1m"
	defaultBackoffScaling     = 2.0
	defaultThrottler          = ThrottlerAdaptive
	defaultThrottlerFactor    = 2.0
	defaultResumeAttempts     = 5
	defaultChunkSize          = "16MiB"
	defaultResumableThreshold = "8MiB"
	defaultBandwidthLimit     = "0"
	defaultParallelTransfers  = 4
	defaultMaxHashRetries     = 2
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// Throttler names accepted by retry.throttler.
const (
	ThrottlerAdaptive       = "adaptive"
	ThrottlerCircuitBreaker = "circuit_breaker"
	ThrottlerNone           = "none"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields keep their
// defaults.
func DefaultConfig() *Config {
	return &Config{
		Network:   defaultNetworkConfig(),
		Retry:     defaultRetryConfig(),
		Transfers: defaultTransfersConfig(),
		Logging:   defaultLoggingConfig(),
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Endpoint:       defaultEndpoint,
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     defaultMaxAttempts,
		MaxDuration:     defaultMaxDuration,
		InitialBackoff:  defaultInitialBackoff,
		MaxBackoff:      defaultMaxBackoff,
		BackoffScaling:  defaultBackoffScaling,
		Throttler:       defaultThrottler,
		ThrottlerFactor: defaultThrottlerFactor,
		ResumeAttempts:  defaultResumeAttempts,
	}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		ChunkSize:          defaultChunkSize,
		ResumableThreshold: defaultResumableThreshold,
		BandwidthLimit:     defaultBandwidthLimit,
		ParallelTransfers:  defaultParallelTransfers,
		MaxHashRetries:     defaultMaxHashRetries,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
