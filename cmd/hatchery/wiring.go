package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dfrysinger/hatchery/internal/agent"
	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/credentials"
	"github.com/dfrysinger/hatchery/internal/e2eprobe"
	"github.com/dfrysinger/hatchery/internal/gateway"
	"github.com/dfrysinger/hatchery/internal/governance"
	"github.com/dfrysinger/hatchery/internal/manifest"
	"github.com/dfrysinger/hatchery/internal/markers"
	"github.com/dfrysinger/hatchery/internal/notify"
	"github.com/dfrysinger/hatchery/internal/observability"
	"github.com/dfrysinger/hatchery/internal/store"
	"github.com/dfrysinger/hatchery/internal/tools"
)

// newLLM generalizes the teacher's single openai-only switch (cmd/mishri's
// old main.go) to the provider set spec §4.N's "provider/model-name" agent
// strings imply. google is deliberately left unsupported, matching the
// teacher's own fallback posture for providers it hadn't wired yet.
func newLLM(provider, model, apiKey string) (llms.Model, error) {
	switch provider {
	case "openai", "openrouter":
		return openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	case "anthropic":
		return anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	default:
		return nil, fmt.Errorf("provider %q not yet implemented", provider)
	}
}

// buildBrain wires one agent's full MasterBrain/WorkerBrain pair the way
// cmd/mishri's old main.go did for its single bot, generalized to take an
// explicit per-agent workspace directory and model/provider pair instead
// of a single shared config.json and ./prompts directory. It also returns
// the agent's HistoryStore so callers can drive a Scheduler off the same
// task table the cron tool writes to.
func buildBrain(a manifest.Agent, provider, apiKey string, workspaceDir string, logger *observability.Logger) (*agent.MasterBrain, *store.HistoryStore, error) {
	llm, err := newLLM(provider, a.Model, apiKey)
	if err != nil {
		return nil, nil, fmt.Errorf("agent %q: %w", a.ID, err)
	}

	agentDir := filepath.Join(workspaceDir, a.ID)

	registry := tools.NewRegistry()
	registry.Register(tools.NewFilesystemTool(agentDir))
	registry.Register(tools.NewShellTool())
	registry.Register(tools.NewBrowserTool())
	registry.Register(tools.NewSystemTool())
	if searchTool, err := tools.NewSearchTool(); err == nil {
		registry.Register(searchTool)
	} else {
		log.Printf("agent %s: search tool unavailable: %v", a.ID, err)
	}
	registry.Register(tools.NewScraperTool())

	history, err := store.NewHistoryStore(filepath.Join(agentDir, "history.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("agent %q: history store: %w", a.ID, err)
	}
	registry.Register(tools.NewCronTool(history))

	prompts := agent.NewPromptManager(agentDir)

	gov, err := governance.NewHatcheryPolicyEngine()
	if err != nil {
		return nil, nil, fmt.Errorf("agent %q: governance: %w", a.ID, err)
	}

	worker := agent.NewWorkerBrain(llm, registry, history, prompts, gov, logger)
	return agent.NewMasterBrain(llm, worker, history, prompts, logger), history, nil
}

// buildRuntime assembles a gateway.Runtime for one isolation group from
// its on-disk GatewayConfig, constructing one Brain, one Messenger per
// platform account, and one task Scheduler per agent (spec §4.N).
func buildRuntime(group string, cfg *configgen.GatewayConfig, env *manifest.Env, workspaceDir string, slogger *slog.Logger) (*gateway.Runtime, error) {
	agentByID := make(map[string]manifest.Agent, len(env.Agents))
	for _, a := range env.Agents {
		agentByID[a.ID] = a
	}

	logger := observability.NewLogger()

	var bindings []gateway.AgentBinding
	for _, desc := range cfg.Agents.List {
		a, ok := agentByID[desc.ID]
		if !ok {
			continue
		}
		apiKey := cfg.Env[fmt.Sprintf("%s_%s_KEY", desc.ID, desc.Provider)]
		brain, history, err := buildBrain(a, desc.Provider, apiKey, workspaceDir, logger)
		if err != nil {
			return nil, err
		}

		binding := gateway.AgentBinding{ID: desc.ID, Brain: brain}

		if acct, ok := cfg.Channels.Telegram.Accounts[desc.ID]; ok {
			m, err := gateway.NewTelegramMessenger(group, desc.ID, acct.BotToken, brain, slogger)
			if err != nil {
				return nil, fmt.Errorf("agent %q: telegram: %w", desc.ID, err)
			}
			binding.Telegram = m
		}
		if acct, ok := cfg.Channels.Discord.Accounts[desc.ID]; ok {
			m, err := gateway.NewDiscordMessenger(group, desc.ID, acct.BotToken, brain, slogger)
			if err != nil {
				return nil, fmt.Errorf("agent %q: discord: %w", desc.ID, err)
			}
			binding.Discord = m
		}

		// Route scheduled-task output back through whichever Messenger
		// the agent has; an agent with neither account still schedules
		// tasks (cron tool writes them), it just can't announce them.
		var notifyTarget agent.Messenger
		if binding.Telegram != nil {
			notifyTarget = binding.Telegram
		} else if binding.Discord != nil {
			notifyTarget = binding.Discord
		}
		binding.Scheduler = agent.NewScheduler(brain, history, notifyTarget)

		bindings = append(bindings, binding)
	}

	return gateway.NewRuntime(group, cfg.Gateway.Bind, cfg.Gateway.Port, bindings, slogger), nil
}

// runtimeAgentProber adapts a live gateway.Runtime to e2eprobe.AgentProber
// and safemode's embedded probe requirement, routing by agent id to that
// agent's narrow Probe entry point (spec §4.N).
type runtimeAgentProber struct {
	runtime *gateway.Runtime
}

func (p runtimeAgentProber) Probe(ctx context.Context, agentID, prompt string) (string, error) {
	binding, ok := p.runtime.BindingFor(agentID)
	if !ok {
		return "", fmt.Errorf("agent %q not bound in this runtime", agentID)
	}
	return binding.Brain.Probe(ctx, prompt)
}

// runtimeIntroducer delivers one agent's real introduction through
// whichever Messenger it has configured, to its own owner chat.
type runtimeIntroducer struct {
	runtime  *gateway.Runtime
	env      *manifest.Env
	platform manifest.Platform
}

func (in runtimeIntroducer) Introduce(ctx context.Context, agentID string) error {
	binding, ok := in.runtime.BindingFor(agentID)
	if !ok {
		return fmt.Errorf("agent %q not bound in this runtime", agentID)
	}
	intro, err := binding.Brain.Probe(ctx, "Introduce yourself briefly to your owner.")
	if err != nil {
		return err
	}

	ownerID := in.env.TelegramOwnerID
	if in.platform == manifest.PlatformDiscord {
		ownerID = in.env.DiscordOwnerID
	}
	if ownerID == "" {
		return fmt.Errorf("agent %q: no owner id configured for introduction delivery", agentID)
	}

	switch in.platform {
	case manifest.PlatformTelegram:
		if binding.Telegram == nil {
			return fmt.Errorf("agent %q has no telegram account", agentID)
		}
		return binding.Telegram.Send(ownerID, intro)
	case manifest.PlatformDiscord:
		if binding.Discord == nil {
			return fmt.Errorf("agent %q has no discord account", agentID)
		}
		return binding.Discord.Send(ownerID, intro)
	default:
		return fmt.Errorf("unsupported platform %q", in.platform)
	}
}

// markerNotifier adapts notify.Sender to the narrow Notifier shapes
// healthprobe and safemode each declare.
type markerNotifier struct {
	sender *notify.Sender
	env    *manifest.Env
	group  string
}

func (n markerNotifier) Notify(ctx context.Context, message string) error {
	return n.sender.Notify(ctx, message, nil, n.env.Agents, n.group, n.env.TelegramOwnerID, n.env.DiscordOwnerID)
}

func (n markerNotifier) NotifyRaw(ctx context.Context, message string) error {
	return n.Notify(ctx, message)
}

func (n markerNotifier) NotifyDiagnostic(ctx context.Context, message string) error {
	return n.Notify(ctx, "diagnostic: "+message)
}

// safeModeNotifier additionally consults the safe-mode agent's own
// credentials pool ahead of the manifest pool (spec §4.C: "first
// consulting safe-mode config tokens, then the manifest's agent tokens").
type safeModeNotifier struct {
	sender        *notify.Sender
	env           *manifest.Env
	group         string
	safeModeAgent manifest.Agent
}

func (n safeModeNotifier) notify(ctx context.Context, message string) error {
	return n.sender.Notify(ctx, message, []manifest.Agent{n.safeModeAgent}, n.env.Agents, n.group, n.env.TelegramOwnerID, n.env.DiscordOwnerID)
}

func (n safeModeNotifier) NotifyRaw(ctx context.Context, message string) error { return n.notify(ctx, message) }
func (n safeModeNotifier) NotifyDiagnostic(ctx context.Context, message string) error {
	return n.notify(ctx, "diagnostic: "+message)
}

// psProcessObserver implements healthprobe.ProcessObserver by shelling out
// to pgrep. No process-listing library appears anywhere in the retrieval
// pack's go.mod set, so this is one of the few stdlib-plus-exec pieces in
// the tree; see DESIGN.md.
type psProcessObserver struct {
	pattern string
}

func (o psProcessObserver) Running(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "pgrep", "-f", o.pattern)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
		return false, nil // pgrep exit 1: no process matched
	}
	return false, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func loadManifestEnv(p paths) (*manifest.Env, error) {
	raw, err := os.ReadFile(filepath.Join(p.stateDir, "habitat.b64"))
	if err != nil {
		return nil, fmt.Errorf("read habitat manifest: %w", err)
	}
	return manifest.Parse(raw)
}

func portForGroup(env *manifest.Env, group string) int {
	groups := manifest.Groups(env.Agents)
	sort.Strings(groups)
	for i, g := range groups {
		if g == group {
			return basePort + i
		}
	}
	return 0
}

const basePort = 38200

func configPath(p paths, group string) string {
	return filepath.Join(p.configDir, group+".json")
}

func credentialsClient() *credentials.Client {
	return credentials.NewClient()
}

func markerStore(p paths) *markers.Store {
	return markers.New(p.stateDir)
}

func safeModeAgentOf(env *manifest.Env, group string) manifest.Agent {
	agents := manifest.AgentsInGroup(env.Agents, group)
	if len(agents) == 0 {
		return manifest.Agent{ID: "safe-mode", IsolationGroup: group}
	}
	return agents[0]
}

// e2eIntroducerFor and e2eAgentProberFor build the narrow e2eprobe
// collaborators from a running Runtime, reused by both the normal
// e2eprobe path and safemode's embedded post-restart probe.
func e2eAgentProberFor(rt *gateway.Runtime) e2eprobe.AgentProber {
	return runtimeAgentProber{runtime: rt}
}

func e2eIntroducerFor(rt *gateway.Runtime, env *manifest.Env) e2eprobe.Introducer {
	return runtimeIntroducer{runtime: rt, env: env, platform: env.Platform}
}

// durationEnv reads one of the HEALTH_CHECK_*_SECS tuning overrides
// (spec §6), falling back to def when unset or unparseable.
func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

// runSystemctl is the one place every subcommand that drives the host's
// init system goes through, shared by safemode's restart and serve's
// prepare-shutdown path.
func runSystemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
