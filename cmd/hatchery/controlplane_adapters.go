package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/manifest"
	"github.com/dfrysinger/hatchery/internal/markers"
	"github.com/dfrysinger/hatchery/internal/orchestrator"
	"github.com/dfrysinger/hatchery/internal/service"
	"github.com/dfrysinger/hatchery/internal/syncengine"
)

// cpStatusProvider answers the control plane's read-only surface (spec
// §4.K) from the same status.json/markers the boot orchestrator and
// probes already maintain — it never recomputes provisioning state of
// its own.
type cpStatusProvider struct {
	p paths
}

func (c cpStatusProvider) Status(ctx context.Context) (any, error) {
	data, err := os.ReadFile(filepath.Join(c.p.stateDir, "status.json"))
	if os.IsNotExist(err) {
		return map[string]string{"stage": "not-started"}, nil
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c cpStatusProvider) Health(ctx context.Context) (any, error) {
	env, err := loadManifestEnv(c.p)
	if err != nil {
		return nil, err
	}
	m := markerStore(c.p)
	health := map[string]any{}
	for _, g := range manifest.Groups(env.Agents) {
		health[g] = map[string]bool{
			"unhealthy": m.Exists(markers.Grouped(markers.Unhealthy, g)),
			"safe_mode": m.Exists(markers.Grouped(markers.SafeMode, g)),
		}
	}
	return health, nil
}

func (c cpStatusProvider) ConfigMetadata(ctx context.Context) (any, error) {
	env, err := loadManifestEnv(c.p)
	if err != nil {
		return nil, err
	}
	groups := manifest.Groups(env.Agents)
	meta := make(map[string]any, len(groups))
	for _, g := range groups {
		info, err := os.Stat(configPath(c.p, g))
		if err != nil {
			continue
		}
		meta[g] = map[string]any{"modified_at": info.ModTime().Unix(), "size": info.Size()}
	}
	return meta, nil
}

func (c cpStatusProvider) Stages(ctx context.Context) (any, error) {
	return c.Status(ctx)
}

func (c cpStatusProvider) LogExcerpt(ctx context.Context) (any, error) {
	data, err := os.ReadFile(filepath.Join(c.p.logDir, "orchestrator.log"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > 8192 {
		data = data[len(data)-8192:]
	}
	return string(data), nil
}

// cpConfigWriter persists uploaded manifest/agent-library bytes to the
// same HABITAT_B64/AGENT_LIB_B64 locations boot reads from (spec §4.K:
// "persists uploaded manifest/agent-library bytes").
type cpConfigWriter struct {
	p paths
}

func (c cpConfigWriter) WriteHabitat(data []byte) error {
	return configgen.WriteFileAtomic(filepath.Join(c.p.stateDir, "habitat.b64"), []byte(base64.StdEncoding.EncodeToString(data)))
}

func (c cpConfigWriter) WriteAgentLib(data []byte) error {
	return configgen.WriteFileAtomic(filepath.Join(c.p.stateDir, "agentlib.b64"), []byte(base64.StdEncoding.EncodeToString(data)))
}

// cpServiceController drives config regeneration, restarts, and sync
// from the control plane's authenticated POST endpoints (spec §4.K).
type cpServiceController struct {
	p paths
}

// Apply re-runs config/workspace/service synthesis with
// StartServicesNow semantics (spec §4.F's START_SERVICES=true override
// for a post-boot config upload) and restarts every affected group.
func (c cpServiceController) Apply(ctx context.Context) error {
	raw, err := os.ReadFile(filepath.Join(c.p.stateDir, "habitat.b64"))
	if err != nil {
		return fmt.Errorf("apply: read habitat: %w", err)
	}
	env, err := manifest.Parse(raw)
	if err != nil {
		return fmt.Errorf("apply: parse habitat: %w", err)
	}

	enabler := service.NewSystemdEnabler(c.p.unitDir, func(group string) string {
		return c.p.gatewayBin + " e2eprobe --group " + group
	})
	orc := orchestrator.New(orchestrator.Orchestrator{
		StateDir:      c.p.stateDir,
		ConfigDir:     c.p.configDir,
		WorkspaceDir:  c.p.workspaceDir,
		GatewayBinary: c.p.gatewayBin,
		ProbeBinary:   c.p.gatewayBin,
		Enabler:       enabler,
		Logger:        c.p.logger("orchestrator"),
	})
	if err := orc.Provision(ctx, raw); err != nil {
		return err
	}

	for _, g := range manifest.Groups(env.Agents) {
		if err := runSystemctl(ctx, "restart", fmt.Sprintf("hatchery-gateway@%s.service", g)); err != nil {
			return fmt.Errorf("apply: restart group %q: %w", g, err)
		}
	}
	return nil
}

func (c cpServiceController) Sync(ctx context.Context) error {
	env, err := loadManifestEnv(c.p)
	if err != nil {
		return err
	}
	if len(env.SharedPaths) == 0 {
		return nil
	}
	m := markerStore(c.p)
	eng := &syncengine.Engine{
		LocalRoot:     c.p.workspaceDir,
		RemoteRoot:    env.SharedPaths[0],
		HostCreatedAt: time.Now(),
		GuardExists:   func() bool { return m.Exists(markers.RestoreGuard) },
		SetGuard:      func() error { return m.Touch(markers.RestoreGuard) },
	}
	return eng.Upload()
}

// PrepareShutdown flushes pending work, uploads workspace state, then
// stops every group's gateway unit ahead of an imminent host shutdown
// (spec §4.K/§5: "Sync then stop services for imminent host
// shutdown"). Sync runs first so a unit is never stopped out from
// under an in-flight upload.
func (c cpServiceController) PrepareShutdown(ctx context.Context) error {
	if err := c.Sync(ctx); err != nil {
		return fmt.Errorf("prepare shutdown: sync: %w", err)
	}

	env, err := loadManifestEnv(c.p)
	if err != nil {
		return fmt.Errorf("prepare shutdown: %w", err)
	}
	for _, g := range manifest.Groups(env.Agents) {
		if err := runSystemctl(ctx, "stop", fmt.Sprintf("hatchery-gateway@%s.service", g)); err != nil {
			return fmt.Errorf("prepare shutdown: stop group %q: %w", g, err)
		}
	}
	return nil
}
