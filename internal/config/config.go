// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for gcs-go. Values are layered as
// defaults -> config file -> environment -> CLI flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Every setting lives in a named section.
type Config struct {
	Network   NetworkConfig   `toml:"network"`
	Retry     RetryConfig     `toml:"retry"`
	Transfers TransfersConfig `toml:"transfers"`
	Auth      AuthConfig      `toml:"auth"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NetworkConfig controls where requests go and how long they may take.
type NetworkConfig struct {
	Endpoint       string `toml:"endpoint"`
	UploadEndpoint string `toml:"upload_endpoint"`
	UserAgent      string `toml:"user_agent"`
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
}

// RetryConfig bounds the retry loop shared by every request.
type RetryConfig struct {
	MaxAttempts     int     `toml:"max_attempts"`
	MaxDuration     string  `toml:"max_duration"`
	InitialBackoff  string  `toml:"initial_backoff"`
	MaxBackoff      string  `toml:"max_backoff"`
	BackoffScaling  float64 `toml:"backoff_scaling"`
	Throttler       string  `toml:"throttler"`
	ThrottlerFactor float64 `toml:"throttler_factor"`
	ResumeAttempts  int     `toml:"resume_attempts"`
}

// TransfersConfig controls upload chunking, parallelism, and bandwidth.
// chunk_size must be a multiple of 256 KiB.
type TransfersConfig struct {
	ChunkSize          string `toml:"chunk_size"`
	ResumableThreshold string `toml:"resumable_threshold"`
	BandwidthLimit     string `toml:"bandwidth_limit"`
	ParallelTransfers  int    `toml:"parallel_transfers"`
	MaxHashRetries     int    `toml:"max_hash_retries"`
}

// AuthConfig locates credentials. An empty token_file means anonymous
// requests, which is what the local emulator expects.
type AuthConfig struct {
	TokenFile      string `toml:"token_file"`
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"`
	WatchTokenFile bool   `toml:"watch_token_file"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// MetricsConfig enables the Prometheus endpoint when listen_addr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath  string  // --config flag (empty = use default)
	Endpoint    *string // --endpoint flag
	TokenFile   *string // --token-file flag
	LogLevel    *string // --log-level flag
	MetricsAddr *string // --metrics-addr flag
}
