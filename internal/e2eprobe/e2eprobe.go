// Package e2eprobe implements the end-to-end liveness check: chat
// tokens resolve, each agent answers a deterministic prompt, and (only
// once per fresh boot) each agent delivers its real introduction
// (spec §4.I). It is grounded on the teacher's agent.Brain request
// loop, narrowed to the deterministic Probe entry point SPEC_FULL.md
// §4.N adds, plus the Ruriko provisioning pipeline's staged
// send/failStep breadcrumb pattern already reused by the orchestrator.
package e2eprobe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dfrysinger/hatchery/internal/credentials"
	"github.com/dfrysinger/hatchery/internal/manifest"
	"github.com/dfrysinger/hatchery/internal/markers"
)

// ProbePrompt is the deterministic probe prompt and the literal marker
// every correct reply must contain (spec §4.I).
const (
	ProbePrompt   = "Reply with exactly: HEALTH_CHECK_OK"
	ProbeMarker   = "HEALTH_CHECK_OK"
	PerAgentTimeout = 30 * time.Second
)

// AgentProber is the narrow deterministic entry point into an agent's
// brain (spec §4.N: "a narrow Probe(ctx, prompt) entry point ... distinct
// from the full Think used for live chat").
type AgentProber interface {
	Probe(ctx context.Context, agentID, prompt string) (string, error)
}

// Introducer delivers an agent's real introduction message to its own
// chat account, with delivery (unlike Probe, which never touches the
// chat transport).
type Introducer interface {
	Introduce(ctx context.Context, agentID string) error
}

// Mode selects which of the two run shapes spec §4.I describes.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeSafeMode Mode = "safe_mode"
)

// Options bundles one probe run's inputs. AgentIDs empty means
// "discover from group" (spec §4.I: "uniform signature ... empty =
// discover from group").
type Options struct {
	Mode     Mode
	Group    string
	AgentIDs []string
	Agents   []manifest.Agent
	Platform manifest.Platform

	Credentials *credentials.Client
	Agent       AgentProber
	Intro       Introducer
	Markers     *markers.Store
	Logger      *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Credentials == nil {
		o.Credentials = credentials.NewClient()
	}
}

// Result reports the outcome of one probe run.
type Result struct {
	Healthy bool
	Stage   string // which stage failed, empty on success
	Reason  string
}

// Run executes the probe per spec §4.I. Safe mode skips the token
// stage entirely (the safe-mode agent has no chat tokens of its own to
// validate beyond the one already resolved by the safe-mode handler)
// and always probes a single synthetic "safe-mode" agent id.
func Run(ctx context.Context, opts Options) Result {
	opts.withDefaults()

	if opts.Mode == ModeSafeMode {
		return opts.runSafeMode(ctx)
	}
	return opts.runNormal(ctx)
}

func (o *Options) runNormal(ctx context.Context) Result {
	ids := o.agentIDs()

	if res := o.tokenStage(ctx, ids); !res.Healthy {
		return res
	}
	if res := o.agentStage(ctx, ids); !res.Healthy {
		return res
	}
	return o.introStage(ctx, ids)
}

func (o *Options) runSafeMode(ctx context.Context) Result {
	const safeModeAgentID = "safe-mode"
	reply, err := o.probeOne(ctx, safeModeAgentID)
	if err != nil || !strings.Contains(reply, ProbeMarker) {
		o.markUnhealthy()
		return Result{Healthy: false, Stage: "agent", Reason: "safe-mode agent did not respond to probe"}
	}
	o.Logger.Info("e2eprobe: safe-mode agent healthy", "group", o.Group)
	return Result{Healthy: true}
}

func (o *Options) agentIDs() []string {
	if len(o.AgentIDs) > 0 {
		return o.AgentIDs
	}
	var ids []string
	for _, a := range manifest.AgentsInGroup(o.Agents, o.Group) {
		ids = append(ids, a.ID)
	}
	return ids
}

// tokenStage validates each agent's configured chat token directly
// (not via discovery) so a single broken token is caught even though
// the gateway's fallback would otherwise mask it against a different
// agent's working token (spec §4.I stage 1 rationale).
func (o *Options) tokenStage(ctx context.Context, ids []string) Result {
	byID := make(map[string]manifest.Agent, len(o.Agents))
	for _, a := range o.Agents {
		byID[a.ID] = a
	}

	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			continue
		}
		token := chatToken(a, o.Platform)
		if token == "" {
			continue
		}
		status := o.Credentials.ValidateChatToken(ctx, o.Platform, token)
		if status == credentials.StatusInvalid {
			o.markUnhealthy()
			return Result{Healthy: false, Stage: "token", Reason: fmt.Sprintf("agent %q chat token is invalid", id)}
		}
	}
	return Result{Healthy: true}
}

func chatToken(a manifest.Agent, platform manifest.Platform) string {
	switch platform {
	case manifest.PlatformTelegram:
		return a.TelegramToken
	case manifest.PlatformDiscord:
		return a.DiscordToken
	default:
		return ""
	}
}

func (o *Options) agentStage(ctx context.Context, ids []string) Result {
	for _, id := range ids {
		reply, err := o.probeOne(ctx, id)
		if err != nil || !strings.Contains(reply, ProbeMarker) {
			o.markUnhealthy()
			return Result{Healthy: false, Stage: "agent", Reason: fmt.Sprintf("agent %q failed deterministic probe", id)}
		}
	}
	return Result{Healthy: true}
}

func (o *Options) probeOne(ctx context.Context, agentID string) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, PerAgentTimeout)
	defer cancel()
	return o.Agent.Probe(probeCtx, agentID, ProbePrompt)
}

// introStage delivers one real introduction per agent, gated by a
// per-boot marker so re-running the probe (e.g. after a config upload)
// never repeats intros (spec §4.I stage 3, §9 "re-runs do not re-send
// introductions").
func (o *Options) introStage(ctx context.Context, ids []string) Result {
	if o.Intro == nil {
		return Result{Healthy: true}
	}
	for _, id := range ids {
		name := markers.Kinded(markers.IntroDelivered, id)
		if o.Markers != nil && o.Markers.Exists(name) {
			continue
		}
		if err := o.Intro.Introduce(ctx, id); err != nil {
			o.Logger.Warn("e2eprobe: introduction delivery failed", "agent", id, "err", err)
			continue
		}
		if o.Markers != nil {
			_ = o.Markers.Touch(name)
		}
	}
	return Result{Healthy: true}
}

func (o *Options) markUnhealthy() {
	if o.Markers != nil {
		_ = o.Markers.Touch(markers.Grouped(markers.Unhealthy, o.Group))
	}
}
