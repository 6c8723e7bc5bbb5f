package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func newJSONLogger(t *testing.T, lvl slog.Level) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Options{App: "ratelimiter-test", Level: lvl, JSON: true, IncludeErrorChain: true, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLogger_InfoIncludesAppAndFields(t *testing.T) {
	l, buf := newJSONLogger(t, slog.LevelInfo)
	l.With("component", "limiter").Info(context.Background(), "decision", "allowed", true)

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	rec := lines[0]
	if rec["app"] != "ratelimiter-test" {
		t.Errorf("app = %v", rec["app"])
	}
	if rec["component"] != "limiter" {
		t.Errorf("component = %v", rec["component"])
	}
	if rec["allowed"] != true {
		t.Errorf("allowed = %v", rec["allowed"])
	}
	if rec["msg"] != "decision" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newJSONLogger(t, slog.LevelWarn)
	l.Debug(context.Background(), "dropped")
	l.Info(context.Background(), "dropped")
	l.Warn(context.Background(), "kept")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["msg"] != "kept" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestLogger_WithDoesNotMutateParent(t *testing.T) {
	l, buf := newJSONLogger(t, slog.LevelInfo)
	_ = l.With("child", "yes")
	l.Info(context.Background(), "parent")

	rec := decodeLines(t, buf)[0]
	if _, ok := rec["child"]; ok {
		t.Fatal("parent logger picked up child field")
	}
}

func TestLogger_ErrorChainAndStack(t *testing.T) {
	l, buf := newJSONLogger(t, slog.LevelInfo)
	root := errors.New("connection refused")
	err := fmt.Errorf("redis zadd: %w", root)
	l.Error(context.Background(), err, "check failed")

	rec := decodeLines(t, buf)[0]
	if rec["err"] != "redis zadd: connection refused" {
		t.Errorf("err = %v", rec["err"])
	}
	chain, ok := rec["error_chain"].([]any)
	if !ok || len(chain) != 2 {
		t.Fatalf("error_chain = %v", rec["error_chain"])
	}
	if rec["error_type"] != "*errors.errorString" {
		t.Errorf("error_type = %v", rec["error_type"])
	}
	if s, _ := rec["stack"].(string); s == "" {
		t.Error("error records should carry a stack")
	}
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should never return nil")
	}
	l, buf := newJSONLogger(t, slog.LevelInfo)
	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info(ctx, "via context")
	if !strings.Contains(buf.String(), "via context") {
		t.Fatal("logger from context did not write")
	}
}

func TestWithContext_NilLoggerIgnored(t *testing.T) {
	ctx := WithContext(context.Background(), nil)
	if _, ok := FromContext(ctx).(nopLogger); !ok {
		t.Fatal("nil logger should leave context untouched")
	}
}

func TestNop_Safe(t *testing.T) {
	n := Nop()
	n.With("a", 1).Info(context.Background(), "x")
	n.Error(context.Background(), errors.New("x"), "x")
	if err := n.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
