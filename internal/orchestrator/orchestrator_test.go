package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dfrysinger/hatchery/internal/markers"
	"github.com/dfrysinger/hatchery/internal/service"
)

func validManifest(t *testing.T) []byte {
	t.Helper()
	raw := map[string]any{
		"name": "habitat-1",
		"agents": []map[string]any{
			{"id": "scout", "model": "claude-3-5-sonnet", "isolation_group": "default"},
			{"id": "archivist", "model": "gpt-4o", "isolation_group": "support"},
		},
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(data))
}

type fakeEnabler struct {
	enabled []string
}

func (f *fakeEnabler) Enable(ctx context.Context, u service.Unit) error {
	f.enabled = append(f.enabled, u.Group)
	return nil
}

type fakeRebooter struct {
	called bool
}

func (f *fakeRebooter) Reboot(ctx context.Context) error {
	f.called = true
	return nil
}

func newTestOrchestrator(t *testing.T, enabler *fakeEnabler, rebooter *fakeRebooter) *Orchestrator {
	t.Helper()
	base := t.TempDir()
	return New(Orchestrator{
		StateDir:      filepath.Join(base, "state"),
		ConfigDir:     filepath.Join(base, "config"),
		WorkspaceDir:  filepath.Join(base, "workspaces"),
		GatewayBinary: "/usr/bin/hatchery",
		ProbeBinary:   "/usr/bin/hatchery",
		Enabler:       enabler,
		Rebooter:      rebooter,
	})
}

func TestProvision_HappyPath(t *testing.T) {
	enabler := &fakeEnabler{}
	rebooter := &fakeRebooter{}
	o := newTestOrchestrator(t, enabler, rebooter)

	if err := o.Provision(context.Background(), validManifest(t)); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if !rebooter.called {
		t.Error("expected reboot to be triggered on success")
	}
	if len(enabler.enabled) != 2 {
		t.Errorf("expected 2 groups enabled (default + support), got %v", enabler.enabled)
	}

	for _, group := range []string{"default", "support"} {
		path := service.ConfigPathFor(o.ConfigDir, group)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected config for group %q: %v", group, err)
		}
	}

	for _, agent := range []string{"scout", "archivist", "safe-mode"} {
		if _, err := os.Stat(filepath.Join(o.WorkspaceDir, agent)); err != nil {
			t.Errorf("expected workspace for %q: %v", agent, err)
		}
	}

	m := markers.New(o.StateDir)
	if !m.Exists(markers.BootComplete) {
		t.Error("expected boot_complete marker after successful provision")
	}
	if m.Exists(markers.BuildFailed) {
		t.Error("did not expect build_failed marker on success")
	}
}

func TestProvision_MalformedManifestWritesBuildFailed(t *testing.T) {
	enabler := &fakeEnabler{}
	rebooter := &fakeRebooter{}
	o := newTestOrchestrator(t, enabler, rebooter)

	err := o.Provision(context.Background(), []byte("not-valid-base64!!"))
	if err == nil {
		t.Fatal("expected error for malformed manifest")
	}
	if rebooter.called {
		t.Error("did not expect reboot after a failed provision")
	}

	m := markers.New(o.StateDir)
	if !m.Exists(markers.BuildFailed) {
		t.Error("expected build_failed marker after malformed manifest")
	}
}

func TestProvision_ResumesPastCompletedStages(t *testing.T) {
	enabler := &fakeEnabler{}
	rebooter := &fakeRebooter{}
	o := newTestOrchestrator(t, enabler, rebooter)

	if err := o.Provision(context.Background(), validManifest(t)); err != nil {
		t.Fatalf("first Provision failed: %v", err)
	}

	// Remove a generated config to prove the second run does not
	// regenerate it: a completed stage marker must make the rerun a no-op.
	path := service.ConfigPathFor(o.ConfigDir, "default")
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	enabler2 := &fakeEnabler{}
	rebooter2 := &fakeRebooter{}
	o2 := New(Orchestrator{
		StateDir:      o.StateDir,
		ConfigDir:     o.ConfigDir,
		WorkspaceDir:  o.WorkspaceDir,
		GatewayBinary: o.GatewayBinary,
		ProbeBinary:   o.ProbeBinary,
		Enabler:       enabler2,
		Rebooter:      rebooter2,
	})
	if err := o2.Provision(context.Background(), validManifest(t)); err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Error("expected generate-configs stage to be skipped on rerun, but config was recreated")
	}
	if !rebooter2.called {
		t.Error("expected rerun to still reach the reboot stage")
	}
}

func TestAssignPorts_StableIncrementFromBase(t *testing.T) {
	ports := assignPorts([]string{"alpha", "beta", "gamma"})
	if ports["alpha"] != basePort {
		t.Errorf("expected alpha at base port %d, got %d", basePort, ports["alpha"])
	}
	if ports["beta"] != basePort+1 || ports["gamma"] != basePort+2 {
		t.Errorf("expected sequential ports, got %v", ports)
	}
}
