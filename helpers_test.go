package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/config"
	"github.com/tonimelisma/gcs-go/internal/emulator"
)

const testBucket = "test-bucket"

// cliEnv is an in-process emulator plus a config file pointing at it.
type cliEnv struct {
	emu     *emulator.Server
	url     string
	dir     string
	cfgPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	store, err := emulator.OpenStore(t.Context(), "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	emu := emulator.NewServer(store, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(emu.Handler())
	t.Cleanup(ts.Close)

	t.Setenv(config.EnvEndpoint, "")
	t.Setenv(config.EnvTokenFile, "")
	t.Setenv(config.EnvConfig, "")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	cfg := `[network]
endpoint = "` + ts.URL + `"

[retry]
max_attempts = 4
initial_backoff = "1ms"
max_backoff = "5ms"
throttler = "none"

[transfers]
chunk_size = "256KiB"
resumable_threshold = "256KiB"
parallel_transfers = 2
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	return &cliEnv{emu: emu, url: ts.URL, dir: dir, cfgPath: cfgPath}
}

// run executes the CLI against the environment and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	return runCLI(t, append([]string{"--config", e.cfgPath, "-q"}, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(t.Context())

	return out.String(), err
}

// writeFile creates a local file under the environment's directory.
func (e *cliEnv) writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(e.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}

	return b
}
