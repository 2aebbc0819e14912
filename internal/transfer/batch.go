package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of a batch, usually a single file transfer.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunBatch runs tasks with at most the manager's parallelism in flight. A
// failed task does not stop the others; every failure is returned, joined,
// and prefixed with its task name. Cancelling ctx stops tasks not yet
// started.
func (m *Manager) RunBatch(ctx context.Context, tasks []Task) error {
	g := new(errgroup.Group)
	g.SetLimit(m.parallel)

	errs := make([]error, len(tasks))

	for i, task := range tasks {
		if ctx.Err() != nil {
			errs[i] = fmt.Errorf("%s: %w", task.Name, ctx.Err())
			continue
		}

		g.Go(func() error {
			if err := task.Run(ctx); err != nil {
				m.logger.Warn("transfer failed",
					slog.String("task", task.Name),
					slog.String("error", err.Error()),
				)

				errs[i] = fmt.Errorf("%s: %w", task.Name, err)
			}

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}
