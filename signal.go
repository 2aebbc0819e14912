package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// exitInterrupted is the conventional status for a process ended by SIGINT.
const exitInterrupted = 130

// interrupter turns a stream of OS signals into cancellation. The first
// signal cancels the command context so transfers stop and keep their
// .partial files for the next cp. A second signal exits without waiting.
type interrupter struct {
	signals <-chan os.Signal
	exit    func(code int)
	logger  *slog.Logger
}

// interruptContext wires an interrupter to SIGINT and SIGTERM. The returned
// stop function releases the signal handler and must run before exiting.
func interruptContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	in := interrupter{signals: ch, exit: os.Exit, logger: logger}
	ctx, stopWatch := in.watch(parent)

	return ctx, func() {
		signal.Stop(ch)
		stopWatch()
	}
}

// watch returns a context canceled by the first signal. The watcher ends
// when parent is done or stop is called; stop returns once it has ended.
func (in interrupter) watch(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		received := 0

		for {
			select {
			case <-done:
				return
			case <-parent.Done():
				return
			case sig := <-in.signals:
				received++
				if received == 1 {
					in.logger.Info("interrupted, stopping transfers", slog.String("signal", sig.String()))
					cancel()

					continue
				}

				in.logger.Warn("interrupted again, exiting now", slog.String("signal", sig.String()))
				in.exit(exitInterrupted)

				return
			}
		}
	}()

	var once sync.Once

	return ctx, func() {
		once.Do(func() { close(done) })
		<-exited
		cancel()
	}
}
