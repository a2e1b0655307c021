package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Warn("lookup failed", String("kind", "task_participants"), Err(errors.New("boom")), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("lines=%d, want 1: %s", len(lines), buf.String())
	}
	got := lines[0]
	if got["comp"] != "dispatch" || got["kind"] != "task_participants" || got["message"] != "lookup failed" {
		t.Fatalf("fields=%v", got)
	}
	if got["error"] != "boom" && got["err"] != "boom" {
		t.Fatalf("error field missing: %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%v", got["caller"])
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("Nop should have every level disabled")
	}
}

func TestServiceApplySwapsSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	child := log.With(String("comp", "mailer"))
	child.Info("before apply")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Debug("after apply")

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 1 || lines[0]["message"] != "after apply" || lines[0]["comp"] != "mailer" {
		t.Fatalf("lines=%v", lines)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace":   LevelTrace,
		" DEBUG ": LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q)=%v, want %v", in, got, want)
		}
	}
}
