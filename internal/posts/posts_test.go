package posts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/storage"
	"postbot/internal/task/scheduler"
	logx "postbot/pkg/logx"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []storage.Post
	cancelled []int64
	err       error
}

func (f *fakeScheduler) Schedule(ctx context.Context, p storage.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, p)
	return f.err
}

func (f *fakeScheduler) Cancel(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true
}

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, sched Scheduler) (*Service, *storage.MemoryStore, storage.Account) {
	t.Helper()
	store := storage.NewMemory()
	acct, err := store.CreateAccount(context.Background(), storage.Account{UserID: 1, Platform: storage.PlatformTwitter, AccessToken: "t"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return New(store, sched, logx.Nop(), WithNow(func() time.Time { return now })), store, acct
}

func TestCreateStoresAndSchedules(t *testing.T) {
	t.Parallel()
	fs := &fakeScheduler{}
	svc, _, acct := newTestService(t, fs)

	p, err := svc.Create(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: "hi", ScheduledAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == 0 || p.Status != storage.StatusScheduled {
		t.Fatalf("post = %+v", p)
	}
	if len(fs.scheduled) != 1 || fs.scheduled[0].ID != p.ID {
		t.Fatalf("scheduled = %+v", fs.scheduled)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	svc, store, acct := newTestService(t, &fakeScheduler{})
	other, _ := store.CreateAccount(context.Background(), storage.Account{UserID: 2, Platform: storage.PlatformTwitter})

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"empty content", CreateRequest{UserID: 1, AccountID: acct.ID, Content: "  "}, ErrInvalid},
		{"unknown account", CreateRequest{UserID: 1, AccountID: 99, Content: "x"}, ErrNotFound},
		{"foreign account", CreateRequest{UserID: 1, AccountID: other.ID, Content: "x"}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if ps, _ := store.ListPosts(context.Background(), 1); len(ps) != 0 {
		t.Fatalf("invalid requests stored %d posts", len(ps))
	}
}

func TestCreateReturnsStoredPostOnDeliveryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("platform down")
	svc, _, acct := newTestService(t, &fakeScheduler{err: boom})

	p, err := svc.PublishNow(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: "now"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if p.ID == 0 || !p.ScheduledAt.Equal(now) {
		t.Fatalf("post = %+v", p)
	}
}

func TestCreateWithDisabledSchedulerStoresPost(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	acct, _ := store.CreateAccount(context.Background(), storage.Account{UserID: 1, Platform: storage.PlatformTwitter})
	sched := scheduler.New(scheduler.Config{Enabled: false}, store, nil, nil, logx.Nop(), nil)
	svc := New(store, sched, logx.Nop())

	p, err := svc.Create(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: "x", ScheduledAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, _ := store.GetPost(context.Background(), p.ID); got.Status != storage.StatusScheduled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestUpdateReschedules(t *testing.T) {
	t.Parallel()
	fs := &fakeScheduler{}
	svc, store, acct := newTestService(t, fs)
	p, _ := svc.Create(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: "a", ScheduledAt: now.Add(time.Hour)})

	img := "https://example.com/a.png"
	got, err := svc.Update(context.Background(), 1, p.ID, UpdateRequest{Content: "b", ScheduledAt: now.Add(2 * time.Hour), ImageURL: &img})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Content != "b" || !got.ScheduledAt.Equal(now.Add(2*time.Hour)) || got.ImageURL != img {
		t.Fatalf("updated = %+v", got)
	}
	if len(fs.scheduled) != 2 || fs.scheduled[1].Content != "b" {
		t.Fatalf("scheduled = %+v", fs.scheduled)
	}
	stored, _ := store.GetPost(context.Background(), p.ID)
	if stored.Content != "b" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestUpdateRejects(t *testing.T) {
	t.Parallel()
	svc, store, acct := newTestService(t, &fakeScheduler{})
	p, _ := svc.Create(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: "a", ScheduledAt: now.Add(time.Hour)})
	posted, _ := store.CreatePost(context.Background(), storage.Post{UserID: 1, AccountID: acct.ID, Content: "done", Status: storage.StatusPosted})

	tests := []struct {
		name   string
		userID int64
		id     int64
		req    UpdateRequest
		want   error
	}{
		{"missing fields", 1, p.ID, UpdateRequest{Content: "x"}, ErrInvalid},
		{"unknown post", 1, 999, UpdateRequest{Content: "x", ScheduledAt: now}, ErrNotFound},
		{"other user", 2, p.ID, UpdateRequest{Content: "x", ScheduledAt: now}, ErrForbidden},
		{"published", 1, posted.ID, UpdateRequest{Content: "x", ScheduledAt: now}, ErrAlreadyPosted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Update(context.Background(), tt.userID, tt.id, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeleteCancelsThenRemoves(t *testing.T) {
	t.Parallel()
	fs := &fakeScheduler{}
	svc, store, acct := newTestService(t, fs)
	p, _ := svc.Create(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: "a", ScheduledAt: now.Add(time.Hour)})

	if err := svc.Delete(context.Background(), 2, p.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if err := svc.Delete(context.Background(), 1, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fs.cancelled) != 1 || fs.cancelled[0] != p.ID {
		t.Fatalf("cancelled = %v", fs.cancelled)
	}
	if _, err := store.GetPost(context.Background(), p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("post still stored: %v", err)
	}
}

func TestListOrdersBySchedule(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestService(t, &fakeScheduler{})
	for _, d := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		_, _ = svc.Create(context.Background(), CreateRequest{UserID: 1, AccountID: acct.ID, Content: d.String(), ScheduledAt: now.Add(d)})
	}
	ps, err := svc.List(context.Background(), 1)
	if err != nil || len(ps) != 3 {
		t.Fatalf("list = %d, %v", len(ps), err)
	}
	for i := 1; i < len(ps); i++ {
		if ps[i].ScheduledAt.Before(ps[i-1].ScheduledAt) {
			t.Fatalf("not ordered: %v before %v", ps[i-1].ScheduledAt, ps[i].ScheduledAt)
		}
	}
}

func TestParseLocalTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw, tz string
		want    time.Time
		wantErr bool
	}{
		{raw: "2026-05-01 17:30", want: time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)},
		{raw: "2026-05-01T17:30:15", tz: "Asia/Manila", want: time.Date(2026, 5, 1, 9, 30, 15, 0, time.UTC)},
		{raw: "2026-05-01 12:00", tz: "UTC", want: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		{raw: "2026-05-01T12:00:00+02:00", tz: "Asia/Manila", want: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
		{raw: "tomorrow", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "2026-05-01 12:00", tz: "Mars/Olympus", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLocalTime(tt.raw, tt.tz)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("ParseLocalTime(%q, %q) err = %v, want ErrInvalid", tt.raw, tt.tz, err)
			}
			continue
		}
		if err != nil || !got.Equal(tt.want) {
			t.Fatalf("ParseLocalTime(%q, %q) = %v, %v; want %v", tt.raw, tt.tz, got, err, tt.want)
		}
	}
}

func TestServiceParseTimeUsesInputTimezone(t *testing.T) {
	t.Parallel()
	svc := New(storage.NewMemory(), &fakeScheduler{}, logx.Nop(), WithInputTimezone("UTC"))
	got, err := svc.ParseTime("2026-05-01 12:00")
	if err != nil || !got.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseTime = %v, %v", got, err)
	}
	def := New(storage.NewMemory(), &fakeScheduler{}, logx.Nop())
	got, err = def.ParseTime("2026-05-01 20:00")
	if err != nil || !got.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("default ParseTime = %v, %v", got, err)
	}
}
