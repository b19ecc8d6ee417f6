package engine

import (
	"context"
	"sync"
)

// Handle is a cancellation token for a single task.
//
// It outlives the queue: a task can be cancelled while queued, while running,
// or before it was ever submitted. The zero value is not usable; use NewHandle.
type Handle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	doneOnce sync.Once
	done     chan struct{}
}

func NewHandle() *Handle {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Handle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Cancel requests cancellation. It does not wait; use Done for that.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancel(ErrCanceled)
}

func (h *Handle) Canceled() bool {
	return h != nil && h.ctx.Err() != nil
}

// Done is closed once the engine has finished with the task, whether it ran,
// was dropped, or was skipped after cancellation.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		return closedCh
	}
	return h.done
}

func (h *Handle) finish() {
	if h == nil {
		return
	}
	h.doneOnce.Do(func() { close(h.done) })
}

// bind ties ctx to the handle. The returned stop func must be called when the
// task finishes.
func (h *Handle) bind(ctx context.Context) (context.Context, func()) {
	if h == nil {
		return ctx, func() {}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(h.ctx, func() { cancel(context.Cause(h.ctx)) })
	return runCtx, func() {
		stop()
		cancel(nil)
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
