package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	logx "postbot/pkg/logx"
)

const maxErrorBody = 4 << 10

// HTTPConfig controls outbound calls to one platform.
type HTTPConfig struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int

	// Circuit breaker: opens after BreakerFailures failures within the last
	// BreakerWindow calls and stays open for BreakerDelay.
	// BreakerFailures < 0 disables it.
	BreakerFailures int
	BreakerWindow   int
	BreakerDelay    time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerWindow < c.BreakerFailures {
		c.BreakerWindow = 2 * c.BreakerFailures
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = 30 * time.Second
	}
	return c
}

// BreakerObserver is notified on circuit breaker state changes.
type BreakerObserver func(platform, state string)

// guardedTransport rate limits and circuit-breaks every round trip. It never retries.
type guardedTransport struct {
	platform string
	base     http.RoundTripper
	limiter  *rate.Limiter
	exec     failsafe.Executor[*http.Response]
}

// NewHTTPClient returns the shared outbound client for one platform.
func NewHTTPClient(platform string, cfg HTTPConfig, log logx.Logger, observe BreakerObserver) *http.Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &guardedTransport{
		platform: platform,
		base:     http.DefaultTransport,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
	if cfg.BreakerFailures > 0 {
		cb := circuitbreaker.NewBuilder[*http.Response]().
			WithFailureThresholdRatio(uint(cfg.BreakerFailures), uint(cfg.BreakerWindow)).
			WithDelay(cfg.BreakerDelay).
			WithSuccessThreshold(1).
			HandleIf(func(resp *http.Response, err error) bool {
				if err != nil {
					// Caller cancellation says nothing about platform health.
					return !errors.Is(err, context.Canceled)
				}
				return resp != nil && (resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
			}).
			OnStateChanged(func(ev circuitbreaker.StateChangedEvent) {
				log.Warn("circuit breaker state change",
					logx.String("platform", platform),
					logx.String("from", breakerState(ev.OldState)),
					logx.String("to", breakerState(ev.NewState)),
				)
				if observe != nil {
					observe(platform, breakerState(ev.NewState))
				}
			}).
			Build()
		t.exec = failsafe.With[*http.Response](cb)
	}
	return &http.Client{Transport: t, Timeout: cfg.Timeout}
}

func (t *guardedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if t.exec == nil {
		return t.base.RoundTrip(req)
	}
	return t.exec.WithContext(ctx).Get(func() (*http.Response, error) {
		return t.base.RoundTrip(req)
	})
}

func breakerState(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// ctxTransport forces ctx onto requests made by libraries that do not take one.
type ctxTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t ctxTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.Clone(t.ctx))
}

func withContext(ctx context.Context, hc *http.Client) *http.Client {
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{Transport: ctxTransport{ctx: ctx, base: base}, Timeout: hc.Timeout}
}

// doJSON executes req and decodes a 2xx JSON body into out (if non-nil).
// Non-2xx responses become a DeliveryError carrying the status and a body excerpt.
func doJSON(hc *http.Client, req *http.Request, platform, op string, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return &DeliveryError{Platform: platform, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &DeliveryError{Platform: platform, Op: op, Status: resp.StatusCode, Message: apiErrorMessage(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DeliveryError{Platform: platform, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// apiErrorMessage extracts a readable message from common platform error bodies.
func apiErrorMessage(body []byte) string {
	var v struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &v) == nil {
		switch {
		case v.Error.Message != "":
			return v.Error.Message
		case v.Detail != "":
			return v.Detail
		case len(v.Errors) > 0 && v.Errors[0].Message != "":
			return v.Errors[0].Message
		case v.Title != "":
			return v.Title
		}
	}
	return string(body)
}
