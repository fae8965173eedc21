package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrTasksClosed = errors.New("task group is shutting down")

// TaskGroup runs detached background work that must not be tied to a
// request's lifetime. Failures are logged; they never cancel sibling tasks.
type TaskGroup struct {
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewTaskGroup() *TaskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskGroup{ctx: ctx, cancel: cancel}
}

// Go schedules fn. It returns ErrTasksClosed once Wait has been called.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		slog.Warn("background task rejected", "task", name)
		return ErrTasksClosed
	}
	g.group.Go(func() error {
		if err := fn(g.ctx); err != nil {
			slog.Warn("background task failed", "task", name, "error", err)
		}
		return nil
	})
	return nil
}

// Wait stops accepting tasks and blocks until every scheduled task returns
// or ctx is done, in which case running tasks are canceled.
func (g *TaskGroup) Wait(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}
