package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"postbot/internal/eventbus"
	logx "postbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer qt.task.Handle.finish()

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 || qt.enqueuedAt.IsZero() {
		queueDelay = 0
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if qt.task.Handle.Canceled() {
		s.onCanceled(start, qt.task, queueDelay)
		return
	}
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay})

	s.trackRunning(qt.task, start)
	defer s.untrackRunning(qt.task.ID)

	runCtx, release := qt.task.Handle.bind(ctx)
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
		defer cancel()
	}

	var err error
	// A panicking task must not kill the worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	canceled := errors.Is(context.Cause(runCtx), ErrCanceled)
	release()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	switch {
	case canceled:
		s.canceled.Add(1)
		item.Error = "canceled"
		ev.Error = item.Error
		s.log.Debug("task.canceled", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
		s.publish(eventbus.TaskCanceled, time.Now(), ev)
	case err != nil:
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
	default:
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskFinished, time.Now(), ev)
	}
	s.record(item)
}

func (s *Service) trackRunning(t Task, start time.Time) {
	s.rmu.Lock()
	if s.running == nil {
		s.running = map[string]RunningTask{}
	}
	s.running[t.ID] = RunningTask{ID: t.ID, Name: t.Name, Key: t.Key, Started: start}
	s.rmu.Unlock()
}

func (s *Service) untrackRunning(id string) {
	s.rmu.Lock()
	delete(s.running, id)
	s.rmu.Unlock()
}

// runningSnapshot returns the executing tasks, oldest first.
func (s *Service) runningSnapshot() []RunningTask {
	s.rmu.Lock()
	out := make([]RunningTask, 0, len(s.running))
	for _, rt := range s.running {
		out = append(out, rt)
	}
	s.rmu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}
