package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"postbot/internal/task/engine"
)

func TestDispatchAndBreakerMetrics(t *testing.T) {
	t.Parallel()
	m := New()
	m.DispatchDone("twitter", "posted", 200*time.Millisecond)
	m.DispatchDone("twitter", "posted", 100*time.Millisecond)
	m.DispatchDone("", "skipped", 0)
	m.JobsPending(3)
	m.BreakerChanged("facebook", "open")

	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues("twitter", "posted")); got != 2 {
		t.Fatalf("posted = %v", got)
	}
	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues("unknown", "skipped")); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
	if got := testutil.ToFloat64(m.PendingJobs); got != 3 {
		t.Fatalf("pending = %v", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("facebook")); got != 1 {
		t.Fatalf("breaker = %v", got)
	}
	m.BreakerChanged("facebook", "half-open")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("facebook")); got != 0.5 {
		t.Fatalf("breaker = %v", got)
	}
}

func TestHandlerExposesEngineGauges(t *testing.T) {
	t.Parallel()
	m := New()
	m.WatchEngine(func() engine.Snapshot { return engine.Snapshot{QueueLen: 4, InFlight: 2} })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"postbot_engine_queue_length 4", "postbot_engine_in_flight 2", "postbot_jobs_pending 0"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
