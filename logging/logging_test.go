package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "client.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	Named("probe").Debug("path probe finished")
	_ = Sync()

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"path probe finished"`) {
		t.Fatalf("expected message in log output, got %q", raw)
	}
	if !strings.Contains(string(raw), `"logger":"probe"`) {
		t.Fatalf("expected logger name in log output, got %q", raw)
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	out := filepath.Join(t.TempDir(), "client.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	SetLevel("warn")
	defer SetLevel("info")

	L().Info("dropped")
	L().Warn("kept")
	_ = Sync()

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(raw), "dropped") {
		t.Fatalf("expected info entry to be filtered, got %q", raw)
	}
	if !strings.Contains(string(raw), "kept") {
		t.Fatalf("expected warn entry, got %q", raw)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected a no-op logger for nil input")
	}
}
