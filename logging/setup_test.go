package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, _ := Setup(Config{Level: "info", File: path})

	logger.Info("pipeline online", zap.String("catalog_id", "SYN-000001"))
	if err := logger.Sync(); err != nil {
		t.Logf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"msg":"pipeline online"`) {
		t.Errorf("missing message in %q", line)
	}
	if !strings.Contains(line, `"catalog_id":"SYN-000001"`) {
		t.Errorf("missing field in %q", line)
	}
}

func TestSetupLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, _ := Setup(Config{Level: "warn", File: path})

	logger.Info("dropped")
	logger.Warn("kept")
	logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Error("info line passed a warn-level logger")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn line missing")
	}
}

func TestSetupAtomicLevelRetunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, level := Setup(Config{Level: "info", File: path})

	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug enabled at info level")
	}
	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug still disabled after retune")
	}
}

func TestParseLevelFallsBack(t *testing.T) {
	if got := ParseLevel("nonsense"); got != zapcore.InfoLevel {
		t.Errorf("ParseLevel(nonsense) = %v, want info", got)
	}
	if got := ParseLevel(""); got != zapcore.InfoLevel {
		t.Errorf("ParseLevel(empty) = %v, want info", got)
	}
	if got := ParseLevel("debug"); got != zapcore.DebugLevel {
		t.Errorf("ParseLevel(debug) = %v, want debug", got)
	}
}
