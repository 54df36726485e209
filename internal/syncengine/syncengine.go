// Package syncengine copies per-agent and shared workspace state to
// and from an external object store mounted as a local path (spec
// §4.L). It is grounded on the teacher's tools.FilesystemTool
// path-containment idiom (filepath.Rel + ".." rejection), generalized
// from a single-root sandbox to a two-root (local workspace, remote
// mount) additive copy-up/restore walk.
package syncengine

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MaxFileBytes is the per-file size cap on copy-up (spec §4.L).
const MaxFileBytes = 1 << 20

const generationFile = ".generation"

// RestoreGuardMarker is the name of the local guard file that must be
// present, set only after a successful restore, before an upload is
// permitted (spec §4.L: "prevents wiping remote state on a fresh host
// that failed to restore").
const RestoreGuardMarker = "restore_complete"

// Engine drives sync between a local workspace root and a remote
// object-store mount, both addressed as plain filesystem paths (spec
// §6: "accessed through an external sync utility via file-level
// copy").
type Engine struct {
	LocalRoot  string
	RemoteRoot string
	HostCreatedAt time.Time // the local generation stamp

	// GuardExists reports whether the restore guard has been set; tests
	// substitute a fake instead of hitting the real marker store.
	GuardExists func() bool
	SetGuard    func() error
}

// Restore copies remote state down into the local workspace root, a
// single pass over per-agent and shared directories (spec §4.L). On a
// fresh remote with no state present it is a successful no-op.
func (e *Engine) Restore() error {
	if _, err := os.Stat(e.RemoteRoot); os.IsNotExist(err) {
		return e.setGuardIfConfigured()
	} else if err != nil {
		return fmt.Errorf("syncengine: stat remote root: %w", err)
	}

	err := filepath.WalkDir(e.RemoteRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(e.RemoteRoot, path)
		if err != nil {
			return err
		}
		if rel == "." || rel == generationFile {
			return nil
		}
		dest := filepath.Join(e.LocalRoot, rel)

		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return fmt.Errorf("syncengine: restore: %w", err)
	}
	return e.setGuardIfConfigured()
}

func (e *Engine) setGuardIfConfigured() error {
	if e.SetGuard == nil {
		return nil
	}
	return e.SetGuard()
}

// Upload copies local workspace state up to the remote store,
// additive-only: it never deletes a remote artifact absent locally
// (spec §4.L). It refuses without the restore guard and without a
// local generation at least as new as the remote's.
func (e *Engine) Upload() error {
	if e.GuardExists == nil || !e.GuardExists() {
		return fmt.Errorf("syncengine: refusing upload: restore guard not set")
	}

	remoteGen, err := e.readRemoteGeneration()
	if err != nil {
		return fmt.Errorf("syncengine: read remote generation: %w", err)
	}
	if !e.HostCreatedAt.IsZero() && !remoteGen.IsZero() && e.HostCreatedAt.Before(remoteGen) {
		return fmt.Errorf("syncengine: refusing upload: local generation %s is older than remote %s",
			e.HostCreatedAt, remoteGen)
	}

	if err := os.MkdirAll(e.RemoteRoot, 0o755); err != nil {
		return fmt.Errorf("syncengine: mkdir remote root: %w", err)
	}

	err = filepath.WalkDir(e.LocalRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(e.LocalRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !isWithinRoot(e.LocalRoot, path) {
			return fmt.Errorf("refusing to sync path outside local root: %s", path)
		}

		dest := filepath.Join(e.RemoteRoot, rel)

		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil // skip symbolic links (spec §4.L)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxFileBytes {
			return nil // over the per-file cap, skip rather than fail the whole pass
		}
		return copyFile(path, dest)
	})
	if err != nil {
		return fmt.Errorf("syncengine: upload: %w", err)
	}

	if !e.HostCreatedAt.IsZero() {
		return e.writeGeneration(e.HostCreatedAt)
	}
	return nil
}

func (e *Engine) readRemoteGeneration() (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(e.RemoteRoot, generationFile))
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed generation file: %w", err)
	}
	return time.Unix(sec, 0), nil
}

func (e *Engine) writeGeneration(t time.Time) error {
	return os.WriteFile(filepath.Join(e.RemoteRoot, generationFile), []byte(strconv.FormatInt(t.Unix(), 10)), 0o644)
}

// isWithinRoot guards against a symlinked traversal escaping the
// declared root (grounded on tools.FilesystemTool's targetPath
// containment check: filepath.Rel + ".." rejection).
func isWithinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
