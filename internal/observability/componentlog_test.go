package observability

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewComponentLogger_EmptyDirFallsBackToStderr(t *testing.T) {
	logger := NewComponentLogger("", "boot", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestNewComponentLogger_WritesJSONFileUnderLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := NewComponentLogger(dir, "orchestrator", slog.LevelInfo)
	logger.Info("provisioning started", "group", "owner-desktop")

	path := filepath.Join(dir, "orchestrator.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
	if len(data) == 0 {
		t.Fatal("expected log file to contain a record")
	}
	if got := string(data); !strings.Contains(got, `"component":"orchestrator"`) || !strings.Contains(got, `"group":"owner-desktop"`) {
		t.Errorf("expected JSON record with component and group fields, got: %s", got)
	}
}
