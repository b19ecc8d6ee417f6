package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postbot/internal/dispatch"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

func TestScheduleDueDispatchesSynchronously(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	p := h.createPost(t, "Hello world", epoch.Add(-time.Second), "")

	if err := h.svc.Schedule(context.Background(), p); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := len(d.Calls()); got != 1 {
		t.Fatalf("dispatch calls = %d, want 1", got)
	}
	got := h.status(t, p.ID)
	if got.Status != storage.StatusPosted || got.ExternalID != "ext-Hello world" {
		t.Fatalf("post = %+v, want POSTED with external id", got)
	}
	if _, ok := h.svc.Registry().Get(p.ID); ok {
		t.Fatal("immediate path must leave no job")
	}
}

func TestDeferredValidationFailureMarksFailed(t *testing.T) {
	t.Parallel()
	reg := dispatch.NewRegistry(dispatch.NewTwitter(dispatch.TwitterConfig{}, nil, nil, logx.Nop()))
	h := newHarness(t, reg)
	p := h.createPost(t, strings.Repeat("x", 281), epoch.Add(time.Hour), "")

	if err := h.svc.Schedule(context.Background(), p); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := h.status(t, p.ID).Status; got != storage.StatusScheduled {
		t.Fatalf("status before fire = %s", got)
	}

	h.clock.Advance(time.Hour)
	waitFor(t, "FAILED status", func() bool { return h.status(t, p.ID).Status == storage.StatusFailed })
	waitFor(t, "job cleanup", func() bool { _, ok := h.svc.Registry().Get(p.ID); return !ok })

	if last := h.status(t, p.ID).LastError; !strings.Contains(last, "280") {
		t.Fatalf("last error = %q", last)
	}
	audit := h.store.Audit()
	if len(audit) != 1 || audit[0].OK || audit[0].PostID != p.ID {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestRecoverDispatchesInScheduledOrder(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	later := h.createPost(t, "scheduled", epoch.Add(-time.Minute), storage.StatusScheduled)
	earlier := h.createPost(t, "failed", epoch.Add(-2*time.Minute), storage.StatusFailed)
	future := h.createPost(t, "future", epoch.Add(time.Hour), storage.StatusFailed)
	done := h.createPost(t, "done", epoch.Add(-time.Hour), storage.StatusPosted)

	rep, err := h.svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Found != 3 || rep.Immediate != 2 || rep.Scheduled != 1 {
		t.Fatalf("report = %+v", rep)
	}

	calls := d.Calls()
	if len(calls) != 2 || calls[0].PostContent != "failed" || calls[1].PostContent != "scheduled" {
		t.Fatalf("calls = %+v, want failed then scheduled", calls)
	}
	for _, id := range []int64{earlier.ID, later.ID} {
		if got := h.status(t, id).Status; got != storage.StatusPosted {
			t.Fatalf("post %d status = %s", id, got)
		}
	}
	if got := h.status(t, future.ID).Status; got != storage.StatusScheduled {
		t.Fatalf("future FAILED post should be re-armed as SCHEDULED, got %s", got)
	}
	if _, ok := h.svc.Registry().Get(future.ID); !ok {
		t.Fatal("future post has no job")
	}
	if got := h.status(t, done.ID).Status; got != storage.StatusPosted {
		t.Fatalf("posted post touched: %s", got)
	}
}

func TestRescheduleKeepsSingleJob(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	p := h.createPost(t, "A", epoch.Add(10*time.Minute), "")

	_ = h.svc.Schedule(context.Background(), p)
	p.ScheduledAt = epoch.Add(20 * time.Minute)
	_, _ = h.store.UpdatePost(context.Background(), p)
	_ = h.svc.Schedule(context.Background(), p)

	if n := h.svc.Registry().Len(); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
	job, _ := h.svc.Registry().Get(p.ID)
	if !job.FireAt.Equal(epoch.Add(20 * time.Minute)) {
		t.Fatalf("fire at = %v", job.FireAt)
	}
	if n := h.clock.Active(); n != 1 {
		t.Fatalf("active timers = %d, want 1", n)
	}

	h.clock.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if len(d.Calls()) != 0 {
		t.Fatal("stale timer dispatched")
	}
	h.clock.Advance(10 * time.Minute)
	waitFor(t, "dispatch", func() bool { return h.status(t, p.ID).Status == storage.StatusPosted })
	if got := len(d.Calls()); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestRescheduleEarlierFiresAtLatestTime(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	p := h.createPost(t, "A", epoch.Add(20*time.Minute), "")

	if err := h.svc.Schedule(context.Background(), p); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	p.ScheduledAt = epoch.Add(10 * time.Minute)
	if err := h.svc.Schedule(context.Background(), p); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got := h.status(t, p.ID).ScheduledAt; !got.Equal(epoch.Add(10 * time.Minute)) {
		t.Fatalf("stored scheduled_at = %v, want t+10m", got)
	}

	h.clock.Advance(10 * time.Minute)
	waitFor(t, "dispatch at t+10m", func() bool { return h.status(t, p.ID).Status == storage.StatusPosted })
	h.clock.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := len(d.Calls()); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if n := h.svc.Registry().Len(); n != 0 {
		t.Fatalf("jobs = %d, want 0", n)
	}
}

func TestScheduleMissingOrPostedIsNoop(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)

	if err := h.svc.Schedule(context.Background(), storage.Post{ID: 999, ScheduledAt: epoch.Add(time.Hour)}); err != nil {
		t.Fatalf("missing post: %v", err)
	}
	posted := h.createPost(t, "done", epoch.Add(-time.Minute), storage.StatusPosted)
	if err := h.svc.Schedule(context.Background(), posted); err != nil {
		t.Fatalf("posted post: %v", err)
	}
	if h.svc.Registry().Len() != 0 || len(d.Calls()) != 0 {
		t.Fatal("no-op schedules must not create jobs or dispatch")
	}
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	p := h.createPost(t, "bye", epoch.Add(time.Minute), "")

	_ = h.svc.Schedule(context.Background(), p)
	if !h.svc.Cancel(p.ID) {
		t.Fatal("cancel returned false")
	}
	if h.svc.Cancel(p.ID) {
		t.Fatal("second cancel returned true")
	}
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if len(d.Calls()) != 0 {
		t.Fatal("cancelled job dispatched")
	}
	if got := h.status(t, p.ID).Status; got != storage.StatusScheduled {
		t.Fatalf("status = %s", got)
	}
}

func TestCancelInFlightLeavesStatus(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	d := &fakeDispatcher{fn: func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		close(started)
		<-ctx.Done()
		return dispatch.Result{}, ctx.Err()
	}}
	h := newHarness(t, d)
	p := h.createPost(t, "slow", epoch.Add(time.Minute), "")

	_ = h.svc.Schedule(context.Background(), p)
	h.clock.Advance(time.Minute)
	<-started
	waitFor(t, "job running", func() bool { j, ok := h.svc.Registry().Get(p.ID); return ok && j.Running() })

	if !h.svc.Cancel(p.ID) {
		t.Fatal("cancel returned false")
	}
	waitFor(t, "canceled audit", func() bool {
		for _, e := range h.store.Audit() {
			if e.Action == "dispatch.canceled" {
				return true
			}
		}
		return false
	})
	if got := h.status(t, p.ID); got.Status != storage.StatusScheduled || got.LastError != "" {
		t.Fatalf("cancelled dispatch mutated post: %+v", got)
	}
}

func TestDispatchTimeoutMarksFailed(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{fn: func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		<-ctx.Done()
		return dispatch.Result{}, &dispatch.DeliveryError{Platform: "twitter", Op: "tweet.create", Err: ctx.Err()}
	}}
	h := newHarness(t, d, func(c *Config) { c.DispatchTimeout = 20 * time.Millisecond })
	p := h.createPost(t, "stall", epoch.Add(time.Minute), "")

	_ = h.svc.Schedule(context.Background(), p)
	h.clock.Advance(time.Minute)
	waitFor(t, "FAILED", func() bool { return h.status(t, p.ID).Status == storage.StatusFailed })
	if last := h.status(t, p.ID).LastError; !strings.Contains(last, "deadline") {
		t.Fatalf("last error = %q", last)
	}
}

func TestEngineTimeoutMarksFailed(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{fn: func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		<-ctx.Done()
		return dispatch.Result{}, ctx.Err()
	}}
	h := newHarnessWithEngine(t, d, engine.Config{Workers: 1, QueueSize: 4, DefaultTimeout: 50 * time.Millisecond},
		func(c *Config) { c.SweepHorizon = time.Hour })
	p := h.createPost(t, "stall", epoch.Add(time.Minute), "")

	_ = h.svc.Schedule(context.Background(), p)
	h.clock.Advance(time.Minute)
	waitFor(t, "FAILED", func() bool { return h.status(t, p.ID).Status == storage.StatusFailed })
	if last := h.status(t, p.ID).LastError; !strings.Contains(last, "deadline") {
		t.Fatalf("last error = %q", last)
	}
	waitFor(t, "job removed", func() bool { return h.svc.Registry().Len() == 0 })
	if n, err := h.svc.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v; want 0", n, err)
	}
}

func TestImmediateCallerDeadlineMarksFailed(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{fn: func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		<-ctx.Done()
		return dispatch.Result{}, ctx.Err()
	}}
	h := newHarness(t, d)
	p := h.createPost(t, "now", epoch, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.svc.Schedule(ctx, p); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if got := h.status(t, p.ID).Status; got != storage.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestImmediateFailureReturnsErrorAndRecords(t *testing.T) {
	t.Parallel()
	boom := errors.New("platform down")
	d := &fakeDispatcher{fn: func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		return dispatch.Result{}, &dispatch.DeliveryError{Platform: "twitter", Op: "tweet.create", Status: 503, Err: boom}
	}}
	h := newHarness(t, d)
	p := h.createPost(t, "now", epoch, "")

	err := h.svc.Schedule(context.Background(), p)
	var de *dispatch.DeliveryError
	if !errors.As(err, &de) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want DeliveryError wrapping cause", err)
	}
	if got := h.status(t, p.ID).Status; got != storage.StatusFailed {
		t.Fatalf("status = %s", got)
	}
}

func TestFailedPostRescheduledToFuture(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeDispatcher{})
	p := h.createPost(t, "retry", epoch.Add(time.Hour), storage.StatusFailed)

	if err := h.svc.Schedule(context.Background(), p); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := h.status(t, p.ID).Status; got != storage.StatusScheduled {
		t.Fatalf("status = %s, want SCHEDULED", got)
	}
}

func TestFireHonoursLaterEdit(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	p := h.createPost(t, "edit", epoch.Add(10*time.Minute), "")
	_ = h.svc.Schedule(context.Background(), p)

	// Edited in the store without going through Schedule.
	p.ScheduledAt = epoch.Add(30 * time.Minute)
	p.Content = "edited"
	_, _ = h.store.UpdatePost(context.Background(), p)

	h.clock.Advance(10 * time.Minute)
	waitFor(t, "re-armed job", func() bool {
		j, ok := h.svc.Registry().Get(p.ID)
		return ok && j.FireAt.Equal(epoch.Add(30*time.Minute))
	})
	if len(d.Calls()) != 0 {
		t.Fatal("dispatched before the edited time")
	}

	h.clock.Advance(20 * time.Minute)
	waitFor(t, "posted", func() bool { return h.status(t, p.ID).Status == storage.StatusPosted })
	if calls := d.Calls(); len(calls) != 1 || calls[0].PostContent != "edited" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestImmediateScheduleReplacesPendingJob(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d)
	p := h.createPost(t, "race", epoch.Add(time.Minute), "")
	_ = h.svc.Schedule(context.Background(), p)

	p.ScheduledAt = epoch
	if err := h.svc.Schedule(context.Background(), p); err != nil {
		t.Fatalf("schedule now: %v", err)
	}
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := len(d.Calls()); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if h.svc.Registry().Len() != 0 {
		t.Fatal("registry not empty")
	}
}

func TestConcurrentScheduleSameID(t *testing.T) {
	t.Parallel()
	var inflight, maxInflight atomic.Int32
	d := &fakeDispatcher{fn: func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error) {
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return dispatch.Result{ExternalID: "x"}, nil
	}}
	h := newHarness(t, d)
	p := h.createPost(t, "dup", epoch, "")

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() { errs <- h.svc.Schedule(context.Background(), p) }()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if got := len(d.Calls()); got != 1 {
		t.Fatalf("calls = %d, want 1 (later callers see POSTED)", got)
	}
	if maxInflight.Load() != 1 {
		t.Fatalf("max concurrent dispatches = %d", maxInflight.Load())
	}
}

func TestSweepAdmitsUntrackedPosts(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	h := newHarness(t, d, func(c *Config) { c.SweepHorizon = time.Minute })
	due := h.createPost(t, "external", epoch.Add(30*time.Second), "")
	_ = h.createPost(t, "far", epoch.Add(time.Hour), "")
	_ = h.createPost(t, "failed", epoch.Add(-time.Minute), storage.StatusFailed)

	n, err := h.svc.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if n, _ := h.svc.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep admitted %d", n)
	}
	h.clock.Advance(30 * time.Second)
	waitFor(t, "posted", func() bool { return h.status(t, due.ID).Status == storage.StatusPosted })
	if got := len(d.Calls()); got != 1 {
		t.Fatalf("calls = %d", got)
	}
}

func TestStopCancelsJobsAndRefusesWork(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeDispatcher{})
	p := h.createPost(t, "later", epoch.Add(time.Hour), "")
	_ = h.svc.Schedule(context.Background(), p)

	h.svc.Stop(context.Background())
	if h.svc.Registry().Len() != 0 || h.clock.Active() != 0 {
		t.Fatal("stop left jobs behind")
	}
	if err := h.svc.Schedule(context.Background(), p); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDisabledSchedulerRefuses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeDispatcher{}, func(c *Config) { c.Enabled = false })
	p := h.createPost(t, "x", epoch.Add(time.Hour), "")
	if err := h.svc.Schedule(context.Background(), p); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
