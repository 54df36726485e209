// Package workspace creates the per-agent on-disk workspace: identity,
// persona, boot, bootstrap, and user-context files, plus a per-agent
// subtree for authentication profiles (spec §4.E). It is grounded on
// the teacher's internal/agent.PromptManager file-per-concern layout,
// generalized to one directory per agent instead of one shared prompts/
// directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dfrysinger/hatchery/internal/manifest"
)

const (
	fileIdentity    = "identity.md"
	fileSoul        = "persona.md"
	fileBoot        = "boot.md"
	fileBootstrap   = "bootstrap.md"
	fileUserContext = "user_context.md"

	authProfilesDir = "auth"
)

// safeModeIdentity is the canned identity written for the always-present
// safe-mode workspace (spec §4.E: "populated with a canned identity
// explaining that recovery is in progress").
const safeModeIdentity = `# Safe Mode

You are the safe-mode diagnostic agent for this habitat. Recovery is in
progress: one or more configured agents failed their health check. You
run with whatever chat and provider credentials could be validated.
Be brief, state plainly what failed, and avoid speculation.
`

// Root is the host-user workspace root containing one directory per agent.
type Root struct {
	BaseDir string // e.g. $HOME/workspaces
	UID     int
	GID     int
}

func New(baseDir string, uid, gid int) *Root {
	return &Root{BaseDir: baseDir, UID: uid, GID: gid}
}

func (r *Root) agentDir(agentID string) string {
	return filepath.Join(r.BaseDir, agentID)
}

// Generate writes one agent's workspace, setting ownership on each
// directory and file as it is created rather than by a deferred
// recursive chown (spec §4.E). An existing directory is reused and its
// files are overwritten.
func (r *Root) Generate(a manifest.Agent) error {
	dir := r.agentDir(a.ID)
	if err := r.mkdirOwned(dir); err != nil {
		return err
	}
	if err := r.mkdirOwned(filepath.Join(dir, authProfilesDir)); err != nil {
		return err
	}

	files := map[string]string{
		fileIdentity:    a.Identity,
		fileSoul:        a.Persona,
		fileBoot:        a.Boot,
		fileBootstrap:   a.Bootstrap,
		fileUserContext: a.UserContext,
	}
	for name, content := range files {
		if err := r.writeOwned(filepath.Join(dir, name), content); err != nil {
			return err
		}
	}
	return nil
}

// GenerateSafeMode creates the always-present safe-mode workspace
// (spec §4.E: "The safe-mode workspace is always created").
func (r *Root) GenerateSafeMode() error {
	dir := r.agentDir("safe-mode")
	if err := r.mkdirOwned(dir); err != nil {
		return err
	}
	return r.writeOwned(filepath.Join(dir, fileIdentity), safeModeIdentity)
}

// AuthProfileDir returns the per-agent subtree for provider auth
// profiles (OAuth tokens, refresh material).
func (r *Root) AuthProfileDir(agentID string) string {
	return filepath.Join(r.agentDir(agentID), authProfilesDir)
}

func (r *Root) mkdirOwned(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("workspace: mkdir %s: %w", dir, err)
	}
	return r.chown(dir)
}

func (r *Root) writeOwned(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("workspace: write %s: %w", path, err)
	}
	return r.chown(path)
}

// chown sets ownership atomically at creation time. When UID/GID are
// unset (0,0 is a valid root principal in tests; callers pass the real
// host user explicitly) this is a no-op on platforms where chown isn't
// meaningful for the test harness, but in production Generate always
// runs as the host user so this simply re-affirms ownership rather than
// crossing privilege boundaries.
func (r *Root) chown(path string) error {
	if r.UID == 0 && r.GID == 0 {
		return nil
	}
	if err := os.Chown(path, r.UID, r.GID); err != nil {
		return fmt.Errorf("workspace: chown %s: %w", path, err)
	}
	return nil
}
