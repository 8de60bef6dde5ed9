package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range cases {
		if got := parseLevel(input); got != expected {
			t.Fatalf("level %q: expected %s, got %s", input, expected, got)
		}
	}
}

func TestNewFileLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	logger, err := NewFileLogger("debug", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Debug("sync cycle finished")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(contents), "sync cycle finished") {
		t.Fatalf("expected log entry in file, got %q", contents)
	}
}
