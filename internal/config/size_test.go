package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"0", 0},
		{"100", 100},
		{"1KB", 1000},
		{"1kib", 1024},
		{"5MB", 5_000_000},
		{"16MiB", 16 * 1024 * 1024},
		{"1.5KiB", 1536},
		{"2 GiB", 2 * 1024 * 1024 * 1024},
		{"1TB", 1_000_000_000_000},
		{"512B", 512},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, input := range []string{"abc", "-1", "-5MB", "MiB", "1.2.3KB"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}

func TestParseRate(t *testing.T) {
	got, err := ParseRate("5MB/s")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), got)

	got, err = ParseRate("256KiB")
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024), got)

	got, err = ParseRate("0")
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = ParseRate("fast/s")
	assert.Error(t, err)
}

func TestConfigAccessors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transfers.ChunkSize = "512KiB"
	cfg.Network.DataTimeout = "not a duration"

	assert.Equal(t, uint64(512*1024), cfg.ChunkSize())
	assert.Equal(t, uint64(8*1024*1024), cfg.ResumableThreshold())
	assert.Equal(t, "1m0s", cfg.DataTimeout().String())
	assert.Equal(t, "10s", cfg.ConnectTimeout().String())
	assert.Equal(t, "10m0s", cfg.MaxDuration().String())
	assert.Equal(t, "1s", cfg.InitialBackoff().String())
	assert.Equal(t, "1m0s", cfg.MaxBackoff().String())
}
