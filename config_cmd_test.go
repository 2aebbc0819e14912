package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/config"
)

func TestConfigShow_AppliesFlagOverrides(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--endpoint", "http://override.example:9000", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# Effective configuration (file: "+env.cfgPath+")")
	assert.Contains(t, out, `endpoint = "http://override.example:9000"`)
	assert.Contains(t, out, "max_attempts = 4")
}

func TestConfigInitAndSet(t *testing.T) {
	t.Setenv(config.EnvConfig, "")

	path := filepath.Join(t.TempDir(), "gcs-go", "config.toml")

	_, err := runCLI(t, "--config", path, "-q", "config", "init")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	_, err = runCLI(t, "--config", path, "-q", "config", "init")
	require.ErrorIs(t, err, config.ErrConfigExists)

	_, err = runCLI(t, "--config", path, "-q", "config", "set", "transfers.parallel_transfers", "8")
	require.NoError(t, err)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Transfers.ParallelTransfers)
}

func TestConfigSet_RejectsInvalidValueAndKeepsFile(t *testing.T) {
	t.Setenv(config.EnvConfig, "")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[retry]\nmax_attempts = 3\n"), 0o600))

	_, err := runCLI(t, "--config", path, "-q", "config", "set", "retry.max_attempts", "0")
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[retry]\nmax_attempts = 3\n", string(data))

	_, err = runCLI(t, "--config", path, "-q", "config", "set", "retry.max_atempts", "3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
}

func TestInvalidConfigFailsCommands(t *testing.T) {
	t.Setenv(config.EnvConfig, "")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[transfers]\nchunk_size = \"100KiB\"\n"), 0o600))

	_, err := runCLI(t, "--config", path, "stat", "gs://bucket/object")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
	assert.Contains(t, err.Error(), "chunk_size")
}
