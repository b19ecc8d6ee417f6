package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/config"
	"postbot/internal/posts"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

type tweetServer struct {
	*httptest.Server
	mu    sync.Mutex
	texts []string
}

func newTweetServer(t *testing.T) *tweetServer {
	t.Helper()
	ts := &tweetServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" || !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			http.Error(w, `{"detail":"bad request"}`, http.StatusBadRequest)
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		ts.mu.Lock()
		ts.texts = append(ts.texts, body.Text)
		n := len(ts.texts)
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"id":"tw-%d","text":%q}}`, n, body.Text)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tweetServer) Texts() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.texts...)
}

func writeAppConfig(t *testing.T, dir, apiBase string) string {
	t.Helper()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "ERROR", "console": false, "file": {"enabled": false, "path": ""}},
  "scheduler": {"enabled": true, "dispatch_timeout": "5s"},
  "task_engine": {"workers": 2},
  "storage": {"driver": "sqlite", "path": %q},
  "platforms": {"twitter": {"api_base": %q, "consumer_key": "ck", "consumer_secret": "cs"}},
  "admin": {"enabled": false}
}`, filepath.Join(dir, "postbot.db"), apiBase)
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := New(path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAppPublishesScheduledPost(t *testing.T) {
	t.Parallel()
	ts := newTweetServer(t)
	a := startApp(t, writeAppConfig(t, t.TempDir(), ts.URL))
	defer stopApp(t, a)

	ctx := context.Background()
	acct, err := a.Store().CreateAccount(ctx, storage.Account{UserID: 1, Platform: storage.PlatformTwitter, AccessToken: "at", AccessTokenSecret: "as"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	p, err := a.Posts().Create(ctx, posts.CreateRequest{UserID: 1, AccountID: acct.ID, Content: "Hello world", ScheduledAt: time.Now().Add(150 * time.Millisecond)})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if p.Status != storage.StatusScheduled {
		t.Fatalf("status after create = %s", p.Status)
	}

	waitFor(t, "post published", func() bool {
		got, err := a.Store().GetPost(ctx, p.ID)
		return err == nil && got.Status == storage.StatusPosted
	})
	got, _ := a.Store().GetPost(ctx, p.ID)
	if got.ExternalID != "tw-1" {
		t.Fatalf("external id = %q", got.ExternalID)
	}
	if texts := ts.Texts(); len(texts) != 1 || texts[0] != "Hello world" {
		t.Fatalf("tweets = %v", texts)
	}
	waitFor(t, "job cleanup", func() bool { return a.Scheduler().Registry().Len() == 0 })
}

func TestAppRecoversPendingPostsOnBoot(t *testing.T) {
	t.Parallel()
	ts := newTweetServer(t)
	dir := t.TempDir()
	path := writeAppConfig(t, dir, ts.URL)

	// Rows left behind by a previous process.
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "postbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	acct, _ := st.CreateAccount(ctx, storage.Account{UserID: 1, Platform: storage.PlatformTwitter, AccessToken: "at", AccessTokenSecret: "as"})
	now := time.Now().UTC()
	failed, _ := st.CreatePost(ctx, storage.Post{UserID: 1, AccountID: acct.ID, Content: "failed earlier", ScheduledAt: now.Add(-2 * time.Minute), Status: storage.StatusFailed})
	sched, _ := st.CreatePost(ctx, storage.Post{UserID: 1, AccountID: acct.ID, Content: "missed", ScheduledAt: now.Add(-time.Minute), Status: storage.StatusScheduled})
	done, _ := st.CreatePost(ctx, storage.Post{UserID: 1, AccountID: acct.ID, Content: "done", ScheduledAt: now.Add(-time.Hour), Status: storage.StatusPosted})
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	a := startApp(t, path)
	defer stopApp(t, a)

	if texts := ts.Texts(); strings.Join(texts, "|") != "failed earlier|missed" {
		t.Fatalf("tweets = %v, want failed earlier then missed", texts)
	}
	for _, id := range []int64{failed.ID, sched.ID, done.ID} {
		got, err := a.Store().GetPost(ctx, id)
		if err != nil || got.Status != storage.StatusPosted {
			t.Fatalf("post %d = %+v, %v", id, got, err)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	f := false
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"defaults", func(c *config.Config) {}, ""},
		{"bad dispatch timeout", func(c *config.Config) { c.Scheduler.DispatchTimeout = "soon" }, "scheduler.dispatch_timeout"},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"engine off under scheduler", func(c *config.Config) { c.TaskEngine = &config.TaskEngineConfig{Enabled: &f} }, "task_engine.enabled"},
		{"sqlite without path", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"unknown driver", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"bad breaker delay", func(c *config.Config) {
			c.Platforms.Twitter.HTTP = &config.HTTPConfig{BreakerDelay: "-1s"}
		}, "platforms.twitter.http.breaker_delay"},
		{"bad admin timeout", func(c *config.Config) { c.Admin.ReadTimeout = "x" }, "admin.read_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}
			tt.mutate(c)
			err := validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapHTTPConfigOverlay(t *testing.T) {
	t.Parallel()
	shared := config.HTTPConfig{Timeout: "20s", RatePerSec: 2, Burst: 4, BreakerDelay: "1m"}
	got, err := mapHTTPConfig("x", shared, &config.HTTPConfig{RatePerSec: 0.5, BreakerFailures: -1})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if got.Timeout != 20*time.Second || got.RatePerSec != 0.5 || got.Burst != 4 || got.BreakerFailures != -1 || got.BreakerDelay != time.Minute {
		t.Fatalf("overlay = %+v", got)
	}
}

func TestNewRejectsInvalidConfigBeforeOpeningStorage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "posts.db")
	cfg := `{"scheduler": {"enabled": true, "dispatch_timeout": "soon"},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(dbPath) + `"}}`
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := New(path); err == nil || !strings.Contains(err.Error(), "scheduler.dispatch_timeout") {
		t.Fatalf("err = %v, want scheduler.dispatch_timeout error", err)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatalf("storage opened for invalid config: %v", err)
	}
}
