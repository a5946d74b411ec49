package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestConsoleHandlerWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newConsoleHandler(&buf, slog.LevelInfo))
	log.Info("budget computed", slog.Int("limit", 13927))
	log.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "budget computed") || !strings.Contains(out, "limit=13927") {
		t.Fatalf("unexpected console output: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("colour codes must not be written to a non-terminal: %q", out)
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	writer, err := newRotatingWriter(dir+"/audit.log", 1, 2, 1)
	if err != nil {
		t.Fatalf("new rotating writer: %v", err)
	}
	defer writer.Close()
	writer.maxSize = 16

	for i := 0; i < 3; i++ {
		if _, err := writer.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if writer.size > writer.maxSize {
		t.Fatalf("current file exceeds max size: %d", writer.size)
	}
}
