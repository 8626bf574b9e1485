package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
)

func TestJSONLinesWithFields(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "info")
	defer Setup(os.Stderr, "info")

	Debug("hidden", nil)
	Error("job_failed", map[string]any{"job_id": "abc", "error": errors.New("boom")})

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "job_failed" || line["level"] != "ERROR" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["job_id"] != "abc" || line["error"] != "boom" {
		t.Fatalf("fields missing: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
