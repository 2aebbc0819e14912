package config

import "time"

// Typed accessors for validated configs. They fall back to the default when
// a value does not parse, which Validate rules out for loaded configs.

// ConnectTimeout returns network.connect_timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return durationOr(c.Network.ConnectTimeout, defaultConnectTimeout)
}

// DataTimeout returns network.data_timeout.
func (c *Config) DataTimeout() time.Duration {
	return durationOr(c.Network.DataTimeout, defaultDataTimeout)
}

// MaxDuration returns retry.max_duration.
func (c *Config) MaxDuration() time.Duration {
	return durationOr(c.Retry.MaxDuration, defaultMaxDuration)
}

// InitialBackoff returns retry.initial_backoff.
func (c *Config) InitialBackoff() time.Duration {
	return durationOr(c.Retry.InitialBackoff, defaultInitialBackoff)
}

// MaxBackoff returns retry.max_backoff.
func (c *Config) MaxBackoff() time.Duration {
	return durationOr(c.Retry.MaxBackoff, defaultMaxBackoff)
}

// ChunkSize returns transfers.chunk_size in bytes.
func (c *Config) ChunkSize() uint64 {
	return sizeOr(c.Transfers.ChunkSize, defaultChunkSize)
}

// ResumableThreshold returns transfers.resumable_threshold in bytes.
func (c *Config) ResumableThreshold() uint64 {
	return sizeOr(c.Transfers.ResumableThreshold, defaultResumableThreshold)
}

func durationOr(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}

func sizeOr(s, fallback string) uint64 {
	if n, err := ParseSize(s); err == nil {
		return uint64(n)
	}

	n, _ := ParseSize(fallback)

	return uint64(n)
}
