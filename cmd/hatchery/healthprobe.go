package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/healthprobe"
	"github.com/dfrysinger/hatchery/internal/notify"
)

// newHealthProbeCmd wires the post-start HTTP liveness check (spec
// §4.H) — this is ExecStartPost for the synthesized gateway unit, and
// its exit code decides whether systemd considers the unit "active".
func newHealthProbeCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "healthprobe",
		Short: "poll a group's gateway until healthy or timed out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				return fmt.Errorf("healthprobe: --group is required")
			}

			env, err := loadManifestEnv(pth)
			if err != nil {
				return err
			}
			port := portForGroup(env, group)

			creds := credentialsClient()
			sender := notify.New(creds)
			notifier := markerNotifier{sender: sender, env: env, group: group}

			outcome := healthprobe.Run(cmd.Context(), healthprobe.Options{
				Group:   group,
				URL:     fmt.Sprintf("http://127.0.0.1:%d/", port),
				Settle:         durationEnv("HEALTH_CHECK_SETTLE_SECS", healthprobe.DefaultSettle),
				WarnAfter:      durationEnv("HEALTH_CHECK_WARN_SECS", healthprobe.DefaultWarn),
				HardMax:        durationEnv("HEALTH_CHECK_HARD_MAX_SECS", healthprobe.DefaultHardMax),
				Process:        psProcessObserver{pattern: fmt.Sprintf("gateway --group %s", group)},
				Notifier:       notifier,
				Markers:        markerStore(pth),
				Logger:         pth.logger("healthprobe." + group),
			})

			if outcome == healthprobe.OutcomeFailed {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "isolation group name")
	return cmd
}
