package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due callbacks in fire order on the caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Active counts timers that are neither stopped nor fired.
func (c *fakeClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type call struct {
	PostContent string
	Platform    storage.Platform
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, msg dispatch.Message) (dispatch.Result, error)
}

func (d *fakeDispatcher) Post(ctx context.Context, acct storage.Account, msg dispatch.Message) (dispatch.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, call{PostContent: msg.Content, Platform: acct.Platform})
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return dispatch.Result{ExternalID: "ext-" + msg.Content}, nil
}

func (d *fakeDispatcher) Calls() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]call, len(d.calls))
	copy(out, d.calls)
	return out
}

type harness struct {
	svc   *Service
	store *storage.MemoryStore
	clock *fakeClock
	acct  storage.Account
}

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, d Dispatcher, mutate ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithEngine(t, d, engine.Config{Workers: 2, QueueSize: 16}, mutate...)
}

func newHarnessWithEngine(t *testing.T, d Dispatcher, ecfg engine.Config, mutate ...func(*Config)) *harness {
	t.Helper()
	store := storage.NewMemory()
	clock := newFakeClock(epoch)

	ecfg.Enabled = true
	eng := engine.New(ecfg, logx.Nop(), nil)
	eng.Start(context.Background())

	cfg := Config{Enabled: true, DispatchTimeout: 2 * time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	svc := New(cfg, store, d, eng, logx.Nop(), eventbus.New(), WithClock(clock))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		eng.Stop(ctx)
	})

	acct, err := store.CreateAccount(context.Background(), storage.Account{UserID: 1, Platform: storage.PlatformTwitter, AccessToken: "t"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return &harness{svc: svc, store: store, clock: clock, acct: acct}
}

func (h *harness) createPost(t *testing.T, content string, at time.Time, status storage.Status) storage.Post {
	t.Helper()
	p, err := h.store.CreatePost(context.Background(), storage.Post{UserID: 1, AccountID: h.acct.ID, Content: content, ScheduledAt: at, Status: status})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

func (h *harness) status(t *testing.T, id int64) storage.Post {
	t.Helper()
	p, err := h.store.GetPost(context.Background(), id)
	if err != nil {
		t.Fatalf("get post %d: %v", id, err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
