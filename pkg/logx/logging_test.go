package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))

	log.Warn("dispatch failed", Int64("post_id", 42), Duration("took", time.Second), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "scheduler" {
		t.Fatalf("comp = %v, want scheduler", m["comp"])
	}
	if m["post_id"] != float64(42) {
		t.Fatalf("post_id = %v, want 42", m["post_id"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("expected caller field")
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestSecretMasksValue(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"", ""},
		{"short", "***"},
		{"EAAGm0PX4ZCpsBAKZ", "***BAKZ"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		NewWriter(&buf, "info").Info("x", Secret("token", tt.in), Comp("admin"), PostID(9))
		var m map[string]any
		if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["token"] != tt.want {
			t.Fatalf("Secret(%q) = %v, want %q", tt.in, m["token"], tt.want)
		}
		if m["comp"] != "admin" || m["post_id"] != float64(9) {
			t.Fatalf("fields = %v", m)
		}
	}
}
