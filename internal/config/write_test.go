package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templatePath(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, WriteTemplate(path))

	return path
}

func TestWriteTemplate_LoadsAsDefaults(t *testing.T) {
	path := templatePath(t)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(configFilePermissions), info.Mode().Perm())
}

func TestWriteTemplate_RefusesOverwrite(t *testing.T) {
	path := templatePath(t)

	err := WriteTemplate(path)
	require.ErrorIs(t, err, ErrConfigExists)
}

func TestSetKey_ReplacesCommentedDefault(t *testing.T) {
	path := templatePath(t)

	require.NoError(t, SetKey(path, "transfers.chunk_size", "32MiB"))
	require.NoError(t, SetKey(path, "retry.max_attempts", "3"))
	require.NoError(t, SetKey(path, "auth.token_file", "/etc/token.json"))
	require.NoError(t, SetKey(path, "auth.watch_token_file", "true"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "32MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Auth.WatchTokenFile)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "chunk_size = \"32MiB\"\n")
	assert.NotContains(t, string(data), "# chunk_size")
	assert.Contains(t, string(data), "# Must be a multiple of 256KiB.")
}

func TestSetKey_AppendsToSection(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_format = \"json\"\n\n[retry]\nmax_attempts = 2\n")

	require.NoError(t, SetKey(path, "logging.log_level", "debug"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"[logging]\nlog_format = \"json\"\nlog_level = \"debug\"\n\n[retry]\nmax_attempts = 2\n",
		string(data))
}

func TestSetKey_CreatesFileAndSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, SetKey(path, "metrics.listen_addr", "127.0.0.1:9100"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.ListenAddr)
}

func TestSetKey_InvalidValueRestoresFile(t *testing.T) {
	path := templatePath(t)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = SetKey(path, "transfers.chunk_size", "300KiB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of 256 KiB")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetKey_InvalidValueOnNewFileRemovesIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.Error(t, SetKey(path, "logging.log_level", "shout"))
	assert.NoFileExists(t, path)
}

func TestSetKey_UnknownKeys(t *testing.T) {
	path := templatePath(t)

	err := SetKey(path, "transfers.chunk_sise", "1MiB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "chunk_size"?`)

	err = SetKey(path, "chunk_size", "1MiB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "transfers.chunk_size"?`)

	err = SetKey(path, "netwrk.endpoint", "http://x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "network"?`)
}
