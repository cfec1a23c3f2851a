package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "warn")

	l.Info().Msg("dropped")
	l.Warn().Int32("height", 7).Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["message"] != "kept" || entry["height"] != float64(7) {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestInitFileAndComponent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klingspv.log")

	if err := Init("debug", true, path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	WithComponent("sync").Debug().Str("peer", "p1").Msg("hello")

	// Re-init closes the first file and switches to a new one.
	if err := Init("info", true, filepath.Join(dir, "second.log")); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	defer Init("error", false, "")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"component":"sync"`) || !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestInitBadPath(t *testing.T) {
	if err := Init("info", false, filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Fatal("expected error for unwritable path")
	}
}
