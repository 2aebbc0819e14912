package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatch_BoundsParallelism(t *testing.T) {
	m := NewManager(nil, nil, discardLogger(), WithParallelism(2))

	var inFlight, peak, done atomic.Int32

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}

				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				done.Add(1)

				return nil
			},
		}
	}

	require.NoError(t, m.RunBatch(t.Context(), tasks))
	assert.Equal(t, int32(8), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunBatch_CollectsEveryFailure(t *testing.T) {
	m := NewManager(nil, nil, discardLogger(), WithParallelism(4))
	errBoom := errors.New("boom")

	var ran atomic.Int32

	tasks := []Task{
		{Name: "a", Run: func(context.Context) error { ran.Add(1); return errBoom }},
		{Name: "b", Run: func(context.Context) error { ran.Add(1); return nil }},
		{Name: "c", Run: func(context.Context) error { ran.Add(1); return errBoom }},
	}

	err := m.RunBatch(t.Context(), tasks)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(3), ran.Load(), "a failure does not stop the others")
	assert.Equal(t, "a: boom\nc: boom", err.Error())
}

func TestRunBatch_CancelledContextSkipsTasks(t *testing.T) {
	m := NewManager(nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var ran atomic.Int32

	err := m.RunBatch(ctx, []Task{
		{Name: "x", Run: func(context.Context) error { ran.Add(1); return nil }},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ran.Load())
}

func TestRunBatch_Empty(t *testing.T) {
	m := NewManager(nil, nil, discardLogger())

	assert.NoError(t, m.RunBatch(t.Context(), nil))
}
