package observability

import (
	"log/slog"
	"os"
	"path/filepath"
)

// NewComponentLogger builds a structured logger for one of the Core's
// own processes (boot, probes, control plane — as opposed to the
// agent-facing JSON-event Logger above). Grounded on
// kusandriadi-magabot's daemon setup: a JSONHandler file sink per
// component when a log directory is configured, falling back to a
// TextHandler on stderr for interactive/foreground runs.
func NewComponentLogger(logDir, component string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if logDir == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)).With("component", component)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)).With("component", component)
	}

	path := filepath.Join(logDir, component+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)).With("component", component)
	}

	return slog.New(slog.NewJSONHandler(f, opts)).With("component", component)
}
