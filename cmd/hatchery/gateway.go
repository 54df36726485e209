package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/observability"
)

// newGatewayCmd starts one isolation group's Agent Runtime (spec §4.N),
// blocking until signaled — this is ExecStart for the synthesized
// hatchery-gateway@<group>.service unit (spec §4.F). When run under
// systemd stdout isn't a terminal, so the interactive dashboard below
// only activates for an operator running the command in a foreground
// shell to watch one group live.
func newGatewayCmd() *cobra.Command {
	var group, configFlag string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "run one isolation group's agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				return fmt.Errorf("gateway: --group is required")
			}
			path := configFlag
			if path == "" {
				path = configPath(pth, group)
			}

			cfg, err := configgen.Load(path)
			if err != nil {
				return err
			}
			env, err := loadManifestEnv(pth)
			if err != nil {
				return err
			}

			logger := pth.logger("gateway." + group)
			rt, err := buildRuntime(group, cfg, env, pth.workspaceDir, logger)
			if err != nil {
				return err
			}

			if term.IsTerminal(int(os.Stdout.Fd())) {
				observability.PrintBanner()
				observability.InitializeTerminal()
				defer observability.CleanupTerminal()
				go runLiveDashboard(cmd.Context())
			}

			return rt.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "isolation group name")
	cmd.Flags().StringVar(&configFlag, "config", "", "path to the group's gateway config (defaults to the well-known path)")
	return cmd
}

// runLiveDashboard redraws the status line once a second until ctx is
// cancelled, marking the process alive via Heartbeat so the pulse
// indicator reads HEALTHY for as long as the gateway command itself is
// running, independent of any particular agent's Think/Probe activity
// (which drives the role/task fields via agent.WorkerBrain/MasterBrain's
// own observability.SetStatus calls).
func runLiveDashboard(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observability.Heartbeat()
			observability.PrintLiveStatus()
		}
	}
}
