package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"INFO", LevelInfo},
		{"", LevelInfo},
		{"warn", LevelWarn},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"none", LevelNone},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseLevel(tt.input)
			if err != nil {
				t.Fatalf("ParseLevel(%q) returned error: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelInfo, &buf)
	l.now = func() time.Time { return time.UnixMicro(1700000000123456) }

	l.Info("server: starts")
	l.WithPrefix("slot 1/10").Warn("peer %s", "gone")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != "[1700000000.123456][INFO]server: starts" {
		t.Errorf("unexpected line %q", lines[0])
	}
	if lines[1] != "[1700000000.123456][WARNING]slot 1/10: peer gone" {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelWarn, &buf)

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")

	out := buf.String()
	if strings.Contains(out, "debug") || strings.Contains(out, "info") {
		t.Errorf("low levels should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARNING]warn") || !strings.Contains(out, "[ERROR]error") {
		t.Errorf("missing warn/error lines: %q", out)
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "server.log")

	l, err := New(LevelInfo, logPath)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	l.Info("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "[INFO]hello") {
		t.Errorf("log file missing line: %q", content)
	}
}

func TestConcurrentWriters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(LevelInfo, &buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := l.WithPrefix("worker")
			for j := 0; j < 50; j++ {
				child.Info("line %d-%d", i, j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("expected 400 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[") || !strings.Contains(line, "[INFO]worker: line ") {
			t.Fatalf("interleaved or malformed line %q", line)
		}
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	if l.Level() != LevelNone {
		t.Errorf("Discard level = %v", l.Level())
	}
}
