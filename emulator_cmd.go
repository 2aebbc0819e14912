package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/config"
	"github.com/tonimelisma/gcs-go/internal/emulator"
)

const (
	defaultEmulatorAddr     = "127.0.0.1:4443"
	emulatorShutdownTimeout = 5 * time.Second
	emulatorDBName          = "emulator.db"
)

type emulatorOptions struct {
	addr         string
	dataPath     string
	inMemory     bool
	restorePolls int
}

func newEmulatorCmd() *cobra.Command {
	var opts emulatorOptions

	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Run a local storage emulator",
		Long: `Serve a local emulator of the storage JSON API backed by SQLite.

The emulator speaks the same wire protocol as the real service: metadata
reads and deletes, single-shot and resumable uploads, ranged downloads,
bucket IAM policies, and bulk restores with long-running operations.
Buckets exist implicitly. Requests are not authenticated.

Point other commands at it with --endpoint or GCS_GO_ENDPOINT:
  gcs-go emulator &
  gcs-go --endpoint http://127.0.0.1:4443 cp file.txt gs://test-bucket/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return runEmulator(cmd.Context(), opts, cc.Logger, func(addr string) {
				cc.Statusf("Emulator listening on http://%s\n", addr)
			})
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", defaultEmulatorAddr, "listen address")
	cmd.Flags().StringVar(&opts.dataPath, "data", "", "database path (default: data dir/"+emulatorDBName+")")
	cmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "keep all state in memory")
	cmd.Flags().IntVar(&opts.restorePolls, "restore-polls", emulator.DefaultRestorePolls, "polls before a bulk restore completes")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the emulator serving a database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := signalEmulator(emulatorDataPath(opts.dataPath), syscall.SIGTERM); err != nil {
				return err
			}

			mustCLIContext(cmd.Context()).Statusf("Emulator stopping.\n")

			return nil
		},
	}
	stop.Flags().StringVar(&opts.dataPath, "data", "", "database path of the emulator to stop")
	cmd.AddCommand(stop)

	return cmd
}

func emulatorDataPath(flag string) string {
	if flag != "" {
		return flag
	}

	return filepath.Join(config.DefaultDataDir(), emulatorDBName)
}

// runEmulator serves until ctx is done. ready is called with the bound
// address once the listener is open.
func runEmulator(ctx context.Context, opts emulatorOptions, logger *slog.Logger, ready func(addr string)) error {
	dataPath := ""

	if !opts.inMemory {
		dataPath = emulatorDataPath(opts.dataPath)

		lock, err := lockDatabase(dataPath)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	store, err := emulator.OpenStore(ctx, dataPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	emu := emulator.NewServer(store, logger)
	emu.RestorePolls = opts.restorePolls

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.addr, err)
	}

	srv := &http.Server{
		Handler:           emu.Handler(),
		ReadHeaderTimeout: emulatorShutdownTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), emulatorShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("emulator shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("emulator serving",
		slog.String("addr", ln.Addr().String()),
		slog.String("data", dataPath),
	)

	if ready != nil {
		ready(ln.Addr().String())
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
