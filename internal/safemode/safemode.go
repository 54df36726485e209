// Package safemode implements the degraded-recovery handler triggered
// by the unhealthy[<group>] marker (spec §4.J). It is grounded on two
// pack patterns: the Ruriko provisioning pipeline's numbered escalation
// steps and the Aureuma-si "si" tool's O_EXCL lock-file acquisition
// (tools/silexa/codex_status.go's acquireCodexLock), adapted from a
// stale-capture guard to the per-group recovery-counter guard spec
// §5 requires.
package safemode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/credentials"
	"github.com/dfrysinger/hatchery/internal/e2eprobe"
	"github.com/dfrysinger/hatchery/internal/manifest"
	"github.com/dfrysinger/hatchery/internal/markers"
)

// MaxAttempts is the default escalation ceiling (spec §4.J).
const MaxAttempts = 2

const lockStaleAfter = 2 * time.Minute

// GatewayRestarter abstracts restarting a group's gateway after a new
// config is installed.
type GatewayRestarter interface {
	Restart(ctx context.Context, group string) error
}

// Notifier sends the two-message safe-mode protocol (spec §4.J).
type Notifier interface {
	NotifyRaw(ctx context.Context, message string) error
	NotifyDiagnostic(ctx context.Context, message string) error
}

// Options bundles one handler invocation's inputs.
type Options struct {
	Group       string
	Port        int // the group's assigned gateway port (spec §3 IsolationGroup)
	Env         *manifest.Env
	ConfigDir   string
	Credentials *credentials.Client
	Gateway     GatewayRestarter
	Agent       e2eprobe.AgentProber
	Notifier    Notifier
	Markers     *markers.Store
	Logger      *slog.Logger
	MaxAttempts int
	LockDir     string // defaults to os.TempDir()
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Credentials == nil {
		o.Credentials = credentials.NewClient()
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = MaxAttempts
	}
	if o.LockDir == "" {
		o.LockDir = os.TempDir()
	}
}

// Outcome reports what the handler did.
type Outcome struct {
	Recovered bool
	ExitCode  int // 0 not exhausted (recovered or not), 2 exhausted/critical
}

// Run executes the escalation ladder for one invocation (spec §4.J).
// Each CLI invocation of `hatchery safemode --group` performs exactly
// one attempt; the supervisor re-invoking on a subsequent unhealthy
// marker is what drives the ladder forward across attempts.
func Run(ctx context.Context, opts Options) (Outcome, error) {
	opts.withDefaults()

	release, err := acquireRecoveryLock(opts.LockDir, opts.Group, lockStaleAfter)
	if err != nil {
		return Outcome{}, fmt.Errorf("safemode: %w", err)
	}
	defer release()

	attempts := opts.Markers.ReadInt(markers.Grouped(markers.RecoveryAttempts, opts.Group))

	if attempts >= opts.MaxAttempts {
		opts.Logger.Error("safemode: recovery exhausted", "group", opts.Group, "attempts", attempts)
		if err := opts.sendCritical(ctx); err != nil {
			opts.Logger.Warn("safemode: critical notification failed", "err", err)
		}
		return Outcome{Recovered: false, ExitCode: 2}, nil
	}

	if err := opts.Markers.WriteInt(markers.Grouped(markers.RecoveryAttempts, opts.Group), attempts+1); err != nil {
		return Outcome{}, fmt.Errorf("safemode: increment recovery counter: %w", err)
	}

	ctxp, working := opts.Credentials.FindWorkingProvider(ctx, "", opts.aggregatedProviderKeys())
	token, chatOK := opts.Credentials.FindWorkingChatToken(ctx, opts.Env.Platform, opts.Env.Agents, opts.Group)

	if !working || !chatOK {
		opts.Logger.Warn("safemode: credential discovery failed, falling back to emergency config", "group", opts.Group)
		if err := opts.installEmergencyConfig(); err != nil {
			return Outcome{}, fmt.Errorf("safemode: emergency config: %w", err)
		}
		if err := opts.notifyEntry(ctx, "emergency fallback installed; no working credentials discovered"); err != nil {
			opts.Logger.Warn("safemode: notification failed", "err", err)
		}
		if opts.Gateway != nil {
			_ = opts.Gateway.Restart(ctx, opts.Group)
		}
		return Outcome{Recovered: false, ExitCode: 0}, nil
	}

	if err := opts.installSafeModeConfig(token, ctxp); err != nil {
		return Outcome{}, fmt.Errorf("safemode: install safe-mode config: %w", err)
	}
	if opts.Gateway != nil {
		if err := opts.Gateway.Restart(ctx, opts.Group); err != nil {
			return Outcome{}, fmt.Errorf("safemode: restart gateway: %w", err)
		}
	}

	if err := opts.notifyEntry(ctx, fmt.Sprintf("recovered using agent %q via provider %q", token.AgentID, ctxp.Provider)); err != nil {
		opts.Logger.Warn("safemode: notification failed", "err", err)
	}

	probeRes := e2eprobe.Run(ctx, e2eprobe.Options{
		Mode:        e2eprobe.ModeSafeMode,
		Group:       opts.Group,
		Agent:       opts.Agent,
		Credentials: opts.Credentials,
		Markers:     opts.Markers,
		Logger:      opts.Logger,
	})
	if !probeRes.Healthy {
		opts.Logger.Warn("safemode: post-restart probe failed", "group", opts.Group)
		return Outcome{Recovered: false, ExitCode: 0}, nil
	}

	if err := opts.Markers.WriteInt(markers.Grouped(markers.RecoveryAttempts, opts.Group), 0); err != nil {
		opts.Logger.Warn("safemode: failed to clear recovery counter", "err", err)
	}
	_ = opts.Markers.Remove(markers.Grouped(markers.Unhealthy, opts.Group))
	_ = opts.Markers.Touch(markers.Grouped(markers.SafeMode, opts.Group))
	if err := opts.Markers.WriteTime(markers.Grouped(markers.RecentlyRecovered, opts.Group), time.Now()); err != nil {
		opts.Logger.Warn("safemode: failed to record recovery time", "err", err)
	}

	return Outcome{Recovered: true, ExitCode: 0}, nil
}

func (o *Options) aggregatedProviderKeys() map[string]string {
	keys := map[string]string{}
	for _, a := range manifest.AgentsInGroup(o.Env.Agents, o.Group) {
		for provider, key := range a.ProviderKeys {
			if _, exists := keys[provider]; !exists {
				keys[provider] = key
			}
		}
	}
	return keys
}

func (o *Options) installSafeModeConfig(token *credentials.WorkingChatToken, ctxp *credentials.ProviderContext) error {
	agent := manifest.Agent{
		ID:           "safe-mode",
		Model:        "",
		TelegramToken: o.tokenIfPlatform(manifest.PlatformTelegram, token),
		DiscordToken: o.tokenIfPlatform(manifest.PlatformDiscord, token),
		ProviderKeys: map[string]string{ctxp.Provider: ctxp.Key},
	}
	cfg, err := configgen.Generate(configgen.Options{
		Mode:       configgen.ModeSafeMode,
		Port:       o.Port,
		Group:      o.Group,
		Agents:     []manifest.Agent{agent},
		Platform:   o.Env.Platform,
		ProviderOf: map[string]string{"safe-mode": ctxp.Provider},
	})
	if err != nil {
		return err
	}
	return configgen.WriteAtomic(configPathFor(o.ConfigDir, o.Group), cfg)
}

func (o *Options) installEmergencyConfig() error {
	agents := manifest.AgentsInGroup(o.Env.Agents, o.Group)
	if len(agents) == 0 {
		return fmt.Errorf("no agents configured for group %q", o.Group)
	}
	pinned := agents[0] // agent-1: pinned exact credentials, no further fallback (spec §4.J, §9)
	cfg, err := configgen.Generate(configgen.Options{
		Mode:     configgen.ModeEmergency,
		Port:     o.Port,
		Group:    o.Group,
		Agents:   []manifest.Agent{pinned},
		Platform: o.Env.Platform,
	})
	if err != nil {
		return err
	}
	return configgen.WriteAtomic(configPathFor(o.ConfigDir, o.Group), cfg)
}

func (o *Options) tokenIfPlatform(platform manifest.Platform, token *credentials.WorkingChatToken) string {
	if o.Env.Platform != platform && o.Env.Platform != manifest.PlatformBoth {
		return ""
	}
	return token.Token
}

func (o *Options) notifyEntry(ctx context.Context, diagnosticDetail string) error {
	if o.Notifier == nil {
		return nil
	}
	raw := markers.Kinded(markers.NotificationSent, "safe_mode_alert."+o.Group)
	if o.Markers == nil || !o.Markers.Exists(raw) {
		if err := o.Notifier.NotifyRaw(ctx, fmt.Sprintf("health check failed for group %q; safe-mode bot coming online", o.Group)); err == nil && o.Markers != nil {
			_ = o.Markers.Touch(raw)
		}
	}
	diag := markers.Kinded(markers.NotificationSent, "safe_mode_diagnostic."+o.Group)
	if o.Markers == nil || !o.Markers.Exists(diag) {
		if err := o.Notifier.NotifyDiagnostic(ctx, diagnosticDetail); err == nil && o.Markers != nil {
			_ = o.Markers.Touch(diag)
		}
	}
	return nil
}

func (o *Options) sendCritical(ctx context.Context) error {
	if o.Notifier == nil {
		return nil
	}
	name := markers.Kinded(markers.NotificationSent, "critical."+o.Group)
	if o.Markers != nil && o.Markers.Exists(name) {
		return nil
	}
	err := o.Notifier.NotifyRaw(ctx, fmt.Sprintf("group %q exhausted recovery attempts; exiting", o.Group))
	if err == nil && o.Markers != nil {
		_ = o.Markers.Touch(name)
	}
	return err
}

func configPathFor(configDir, group string) string {
	return filepath.Join(configDir, group+".json")
}

// acquireRecoveryLock serializes recovery attempts for one group
// (spec §5: "protected by a per-group lock file acquired by the
// safe-mode handler"). Grounded on the retrieval pack's
// acquireCodexLock: O_EXCL create, stale-lock reclamation, bounded
// contention.
func acquireRecoveryLock(dir, group string, staleAfter time.Duration) (func(), error) {
	lockPath := filepath.Join(dir, fmt.Sprintf("hatchery-safemode-%s.lock", group))
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "pid=%d time=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > staleAfter {
			_ = os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("another safe-mode recovery for group %q is in progress (lock: %s)", group, lockPath)
	}
}
