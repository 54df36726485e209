// Package service synthesizes per-isolation-group supervised-service
// definitions and the host's enablement plan (spec §4.F). It is
// grounded on the provisioning pipeline's timeout constants and
// gateway-summary discipline in the retrieval pack's Ruriko ACP
// provisioning code, adapted from container-orchestration timeouts to
// the systemd-analogue unit fields this spec names.
package service

import (
	"fmt"
	"strings"
	"time"
)

// Timeouts named directly by spec §4.F.
const (
	HTTPProbeStartTimeout  = 180 * time.Second
	E2EProbeTimeout        = 600 * time.Second
)

// RestartPolicy captures spec §4.F's restart discipline: restart on
// failure, except exit code 2 (critical) which must not restart.
type RestartPolicy struct {
	RestartOnFailure   bool
	NoRestartExitCodes []int
}

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{RestartOnFailure: true, NoRestartExitCodes: []int{2}}
}

// Unit is a supervised-service definition for one isolation group. Field
// names mirror the systemd-analogue directives spec §4.F and §5 describe
// (Start/PostStart/BindsTo/Requisite) without depending on systemd
// itself, so the synthesizer can be tested and the orchestrator can
// render it into whatever init system the host actually runs.
type Unit struct {
	Group            string
	ConfigPath       string
	Start            string // launches the gateway binary against ConfigPath
	PostStart        string // invokes the HTTP probe synchronously
	Restart          RestartPolicy
	StartTimeout     time.Duration
	E2EOneshotName   string // the separate oneshot unit bound to this unit's lifetime
	E2EOneshotTimeout time.Duration
	Enabled          bool // enabled during provisioning, not started until post-reboot
}

// Plan is the full enablement plan produced for a manifest's groups.
type Plan struct {
	Units []Unit
}

// Options configures synthesis.
type Options struct {
	GatewayBinary     string // path to the hatchery binary
	HealthProbeBinary string
	E2EProbeBinary    string
	ConfigDir         string // directory holding <group>.json gateway configs
	StartServicesNow  bool   // START_SERVICES=true override (spec §4.F)
}

// ConfigPathFor returns the well-known per-group gateway config path
// (spec §6: "JSON on disk at a well-known path per group").
func ConfigPathFor(configDir, group string) string {
	return fmt.Sprintf("%s/%s.json", strings.TrimRight(configDir, "/"), group)
}

// Synthesize builds a Unit per group. Per spec §4.F: services are
// enabled during provisioning but not started until after the
// post-provisioning reboot, unless StartServicesNow overrides this for
// a post-boot config upload (spec: "A START_SERVICES=true override
// allows running the synthesizer after the system is live").
func Synthesize(groups []string, opts Options) Plan {
	var plan Plan
	for _, group := range groups {
		configPath := ConfigPathFor(opts.ConfigDir, group)
		plan.Units = append(plan.Units, Unit{
			Group:             group,
			ConfigPath:        configPath,
			Start:             fmt.Sprintf("%s gateway --group %s --config %s", opts.GatewayBinary, group, configPath),
			PostStart:         fmt.Sprintf("%s healthprobe --group %s", opts.HealthProbeBinary, group),
			Restart:           DefaultRestartPolicy(),
			StartTimeout:      HTTPProbeStartTimeout,
			E2EOneshotName:    fmt.Sprintf("hatchery-e2e@%s", group),
			E2EOneshotTimeout: E2EProbeTimeout,
			Enabled:           true,
		})
	}
	return plan
}

// ShouldStartNow reports whether the synthesizer's caller should also
// start (not just enable) the unit immediately — true only for the
// post-boot config-upload override path.
func (o Options) ShouldStartNow() bool {
	return o.StartServicesNow
}

// Partitions reports whether the given groups-to-units mapping exactly
// partitions agentIDs with no agent omitted and none duplicated (spec
// §8: "groups emitted by the service synthesizer partition the agent
// set exactly").
func Partitions(groupAgents map[string][]string, allAgentIDs []string) error {
	seen := make(map[string]string, len(allAgentIDs))
	for group, ids := range groupAgents {
		for _, id := range ids {
			if prior, ok := seen[id]; ok {
				return fmt.Errorf("service: agent %q appears in both group %q and %q", id, prior, group)
			}
			seen[id] = group
		}
	}
	for _, id := range allAgentIDs {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("service: agent %q is not assigned to any group", id)
		}
	}
	if len(seen) != len(allAgentIDs) {
		return fmt.Errorf("service: group assignment references %d agents, manifest declares %d", len(seen), len(allAgentIDs))
	}
	return nil
}

// ExitCodeRestarts reports whether the supervisor should restart the
// unit for a given exit code under policy (spec §6 "Service exit
// codes" table: 0 remain active / not a restart case, 1 restart, 2 do
// not restart).
func (p RestartPolicy) ExitCodeRestarts(code int) bool {
	if code == 0 {
		return false
	}
	for _, nc := range p.NoRestartExitCodes {
		if code == nc {
			return false
		}
	}
	return p.RestartOnFailure
}
