package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/manifest"
	"github.com/dfrysinger/hatchery/internal/notify"
	"github.com/dfrysinger/hatchery/internal/observability"
	"github.com/dfrysinger/hatchery/internal/safemode"
)

// cliGatewayRestarter shells out to systemctl to restart a group's
// gateway unit after a new config has been installed (spec §4.J).
type cliGatewayRestarter struct{}

func (cliGatewayRestarter) Restart(ctx context.Context, group string) error {
	return runSystemctl(ctx, "restart", fmt.Sprintf("hatchery-gateway@%s.service", group))
}

// lazySafeModeProber builds the safe-mode agent's Brain on demand from
// whatever config safemode.Run has just installed to disk, rather than
// reaching into the restarted gateway process: the handler and the
// gateway it just restarted are separate OS processes, so the only
// shared contract between them is the config file on disk (spec §4.J).
type lazySafeModeProber struct {
	p            paths
	group        string
	workspaceDir string
}

func (l lazySafeModeProber) Probe(ctx context.Context, agentID, prompt string) (string, error) {
	cfg, err := configgen.Load(configPath(l.p, l.group))
	if err != nil {
		return "", fmt.Errorf("safemode probe: load config: %w", err)
	}
	for _, desc := range cfg.Agents.List {
		if desc.ID != agentID {
			continue
		}
		apiKey := cfg.Env[fmt.Sprintf("%s_%s_KEY", desc.ID, desc.Provider)]
		brain, _, err := buildBrain(manifest.Agent{ID: desc.ID, Model: desc.Model}, desc.Provider, apiKey, l.workspaceDir, observability.NewLogger())
		if err != nil {
			return "", err
		}
		return brain.Probe(ctx, prompt)
	}
	return "", fmt.Errorf("safemode probe: agent %q not found in installed config", agentID)
}

// newSafeModeCmd wires one attempt of the degraded-recovery escalation
// ladder (spec §4.J): each CLI invocation performs exactly one attempt,
// and it is the supervisor re-invoking this command on the next
// unhealthy[<group>] marker that drives the ladder forward.
func newSafeModeCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "safemode",
		Short: "run one degraded-recovery attempt for an unhealthy group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				return fmt.Errorf("safemode: --group is required")
			}

			env, err := loadManifestEnv(pth)
			if err != nil {
				return err
			}
			port := portForGroup(env, group)
			creds := credentialsClient()

			sender := notify.New(creds)
			notifier := safeModeNotifier{
				sender:        sender,
				env:           env,
				group:         group,
				safeModeAgent: safeModeAgentOf(env, group),
			}

			outcome, err := safemode.Run(cmd.Context(), safemode.Options{
				Group:       group,
				Port:        port,
				Env:         env,
				ConfigDir:   pth.configDir,
				Credentials: creds,
				Gateway:     cliGatewayRestarter{},
				Agent:       lazySafeModeProber{p: pth, group: group, workspaceDir: pth.workspaceDir},
				Notifier:    notifier,
				Markers:     markerStore(pth),
				Logger:      pth.logger("safemode." + group),
				MaxAttempts: atoiOr(os.Getenv("MAX_RECOVERY_ATTEMPTS"), safemode.MaxAttempts),
				LockDir:     pth.stateDir,
			})
			if err != nil {
				return err
			}
			if outcome.ExitCode != 0 {
				os.Exit(outcome.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "isolation group name")
	return cmd
}
