package shared

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Errorf("GenerateID() returned duplicate id %s", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("GenerateID() = %s is not a UUID: %v", a, err)
	}
}

func TestConfigureLogger(t *testing.T) {
	t.Run("sets level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&buf)

		closer, err := ConfigureLogger(logger, &buf, LogConfig{Level: "warn"})
		if err != nil {
			t.Fatalf("ConfigureLogger() error = %v", err)
		}
		defer closer.Close()

		logger.Info("hidden")
		logger.Warn("visible")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("info message should be filtered at warn level: %q", out)
		}
		if !strings.Contains(out, "visible") {
			t.Errorf("warn message missing: %q", out)
		}
		if logger.GetLevel() != log.WarnLevel {
			t.Errorf("level = %v, want warn", logger.GetLevel())
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		logger := NewLogger(&bytes.Buffer{})
		if _, err := ConfigureLogger(logger, nil, LogConfig{Level: "loud"}); err == nil {
			t.Error("expected error for unknown level")
		}
	})

	t.Run("file is written next to the original writer", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "favsync.log")
		var buf bytes.Buffer
		logger := NewLogger(&buf)

		closer, err := ConfigureLogger(logger, &buf, LogConfig{Level: "info", File: path, MaxSizeMB: 1})
		if err != nil {
			t.Fatalf("ConfigureLogger() error = %v", err)
		}
		logger.Info("to both", "key", "value")
		if err := closer.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		if !strings.Contains(buf.String(), "to both") {
			t.Errorf("original writer lost the entry: %q", buf.String())
		}
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("log file not readable at %s: %v", path, err)
		}
		if !strings.Contains(string(content), "to both") || !strings.Contains(string(content), "key=value") {
			t.Errorf("log file = %q, want the entry", content)
		}
	})
}
