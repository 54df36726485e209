// Package orchestrator drives single-phase, resumable provisioning
// (spec §4.G): manifest -> config/workspace/service synthesis -> reboot.
// It is grounded on the retrieval pack's Ruriko ACP provisioning
// pipeline (internal/ruriko/commands/provision.go): numbered stage
// breadcrumbs, a failStep helper that marks failure and stops, and an
// idempotent, sequential, no-background-forks driver.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/manifest"
	"github.com/dfrysinger/hatchery/internal/markers"
	"github.com/dfrysinger/hatchery/internal/service"
	"github.com/dfrysinger/hatchery/internal/workspace"
)

// basePort is the first isolation group's gateway port; later groups
// increment from here (spec §3 IsolationGroup: "port assignments start
// at a fixed base and increment").
const basePort = 38200

// Stage is one numbered step of the boot sequence, beaconed to the
// public status file so the external provisioner can display progress
// (spec §4.G: "Emits a numbered stage ... Stage budget targets one
// update <= 60s apart").
type Stage struct {
	Number int
	Name   string
}

var stages = []Stage{
	{1, "parse-manifest"},
	{2, "generate-configs"},
	{3, "generate-workspaces"},
	{4, "synthesize-services"},
	{5, "enable-services"},
	{6, "reboot"},
}

// Rebooter abstracts the actual reboot call so tests can substitute a
// no-op. Production wires this to a real reboot(8) invocation.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// ServiceEnabler abstracts enabling (not starting) a unit in whatever
// init system the host runs.
type ServiceEnabler interface {
	Enable(ctx context.Context, unit service.Unit) error
}

// Orchestrator holds the paths and collaborators the boot sequence needs.
type Orchestrator struct {
	StateDir      string // holds markers/ and logs/
	ConfigDir     string // well-known per-group gateway config directory
	WorkspaceDir  string // host-user workspace root
	GatewayBinary string
	ProbeBinary   string
	Rebooter      Rebooter
	Enabler       ServiceEnabler
	Logger        *slog.Logger

	markers *markers.Store
}

func New(o Orchestrator) *Orchestrator {
	o.markers = markers.New(o.StateDir)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &o
}

// statusPath is the public progress file the external provisioner polls.
func (o *Orchestrator) statusPath() string {
	return filepath.Join(o.StateDir, "status.json")
}

type statusBeacon struct {
	Stage     int       `json:"stage"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (o *Orchestrator) beacon(stage Stage) error {
	data := statusBeacon{Stage: stage.Number, Name: stage.Name, UpdatedAt: time.Now()}
	return writeJSONAtomic(o.statusPath(), data)
}

// stageDone reports whether a stage has already completed, making the
// run idempotent: re-running past a completed stage is a no-op (spec
// §4.G).
func (o *Orchestrator) stageDone(name string) bool {
	return o.markers.Exists(markers.Kinded(markers.PhaseComplete, name))
}

func (o *Orchestrator) markStageDone(name string) error {
	return o.markers.Touch(markers.Kinded(markers.PhaseComplete, name))
}

// Provision runs the full sequential boot pipeline. It never forks
// background work (spec §9: "strictly sequential until a single
// reboot"). On any input-invalid or config-malformed failure it writes
// build_failed and returns a non-zero-exit-worthy error without
// rebooting; it never starts gateway services itself (post-reboot
// automatic start owns that).
func (o *Orchestrator) Provision(ctx context.Context, manifestB64 []byte) error {
	env, err := o.runParseStage(manifestB64)
	if err != nil {
		return o.fail("parse-manifest", err)
	}

	ports := assignPorts(manifest.Groups(env.Agents))

	if err := o.runConfigStage(env, ports); err != nil {
		return o.fail("generate-configs", err)
	}

	if err := o.runWorkspaceStage(env); err != nil {
		return o.fail("generate-workspaces", err)
	}

	plan, err := o.runServiceStage(env)
	if err != nil {
		return o.fail("synthesize-services", err)
	}

	if err := o.runEnableStage(ctx, plan); err != nil {
		return o.fail("enable-services", err)
	}

	return o.runRebootStage(ctx)
}

func (o *Orchestrator) fail(stage string, err error) error {
	o.Logger.Error("provision: stage failed", "stage", stage, "err", err)
	_ = o.markers.Touch(markers.BuildFailed)
	return fmt.Errorf("orchestrator: stage %q failed: %w", stage, err)
}

func (o *Orchestrator) runParseStage(manifestB64 []byte) (*manifest.Env, error) {
	const name = "parse-manifest"
	if err := o.beacon(stages[0]); err != nil {
		return nil, err
	}
	env, err := manifest.Parse(manifestB64)
	if err != nil {
		return nil, err
	}
	for _, w := range env.Warnings {
		o.Logger.Warn("provision: manifest warning", "field", w.Field, "message", w.Message)
	}
	return env, o.markStageDone(name)
}

func (o *Orchestrator) runConfigStage(env *manifest.Env, ports map[string]int) error {
	const name = "generate-configs"
	if o.stageDone(name) {
		return nil
	}
	if err := o.beacon(stages[1]); err != nil {
		return err
	}

	for group, port := range ports {
		cfg, err := configgen.Generate(configgen.Options{
			Mode:     configgen.ModeSession,
			Port:     port,
			Group:    group,
			Agents:   env.Agents,
			Platform: env.Platform,
		})
		if err != nil {
			return fmt.Errorf("group %q: %w", group, err)
		}
		path := service.ConfigPathFor(o.ConfigDir, group)
		if err := configgen.WriteAtomic(path, cfg); err != nil {
			return fmt.Errorf("group %q: %w", group, err)
		}
	}
	return o.markStageDone(name)
}

func (o *Orchestrator) runWorkspaceStage(env *manifest.Env) error {
	const name = "generate-workspaces"
	if o.stageDone(name) {
		return nil
	}
	if err := o.beacon(stages[2]); err != nil {
		return err
	}

	root := workspace.New(o.WorkspaceDir, 0, 0)
	for _, a := range env.Agents {
		if err := root.Generate(a); err != nil {
			return fmt.Errorf("agent %q: %w", a.ID, err)
		}
	}
	if err := root.GenerateSafeMode(); err != nil {
		return err
	}
	return o.markStageDone(name)
}

func (o *Orchestrator) runServiceStage(env *manifest.Env) (service.Plan, error) {
	const name = "synthesize-services"
	if err := o.beacon(stages[3]); err != nil {
		return service.Plan{}, err
	}

	groups := manifest.Groups(env.Agents)
	plan := service.Synthesize(groups, service.Options{
		GatewayBinary:     o.GatewayBinary,
		HealthProbeBinary: o.ProbeBinary,
		E2EProbeBinary:    o.ProbeBinary,
		ConfigDir:         o.ConfigDir,
	})

	groupAgents := make(map[string][]string, len(groups))
	for _, g := range groups {
		for _, a := range manifest.AgentsInGroup(env.Agents, g) {
			groupAgents[g] = append(groupAgents[g], a.ID)
		}
	}
	allIDs := make([]string, 0, len(env.Agents))
	for _, a := range env.Agents {
		allIDs = append(allIDs, a.ID)
	}
	if err := service.Partitions(groupAgents, allIDs); err != nil {
		return service.Plan{}, err
	}

	return plan, o.markStageDone(name)
}

func (o *Orchestrator) runEnableStage(ctx context.Context, plan service.Plan) error {
	const name = "enable-services"
	if o.stageDone(name) {
		return nil
	}
	if err := o.beacon(stages[4]); err != nil {
		return err
	}
	if o.Enabler != nil {
		for _, u := range plan.Units {
			if err := o.Enabler.Enable(ctx, u); err != nil {
				return fmt.Errorf("enable unit %s: %w", u.Group, err)
			}
		}
	}
	return o.markStageDone(name)
}

func (o *Orchestrator) runRebootStage(ctx context.Context) error {
	if err := o.beacon(stages[5]); err != nil {
		return err
	}
	if err := o.markers.Touch(markers.BootComplete); err != nil {
		return err
	}
	if o.Rebooter != nil {
		return o.Rebooter.Reboot(ctx)
	}
	return nil
}

// assignPorts implements spec §3's "numbered stably by sorted name,
// port assignments start at a fixed base and increment". groups must
// already be sorted (manifest.Groups guarantees this).
func assignPorts(groups []string) map[string]int {
	ports := make(map[string]int, len(groups))
	for i, g := range groups {
		ports[g] = basePort + i
	}
	return ports
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
