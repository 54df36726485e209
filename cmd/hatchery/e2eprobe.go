package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/configgen"
	"github.com/dfrysinger/hatchery/internal/e2eprobe"
)

// newE2EProbeCmd wires the end-to-end liveness check (spec §4.I): this
// is ExecStart for the separate oneshot unit BindsTo/Requisite-bound to
// the gateway unit (spec §4.F), so it assumes the gateway is already
// live on its loopback port and talks to it exactly as a real client
// would — it builds its own Brain set rather than reaching into the
// gateway process, since a probe process and the gateway it probes are
// deliberately separate units.
func newE2EProbeCmd() *cobra.Command {
	var group string
	var safeMode bool
	cmd := &cobra.Command{
		Use:   "e2eprobe",
		Short: "validate tokens, probe each agent, and deliver first-boot introductions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				return fmt.Errorf("e2eprobe: --group is required")
			}

			env, err := loadManifestEnv(pth)
			if err != nil {
				return err
			}
			cfg, err := configgen.Load(configPath(pth, group))
			if err != nil {
				return err
			}

			logger := pth.logger("e2eprobe." + group)
			rt, err := buildRuntime(group, cfg, env, pth.workspaceDir, logger)
			if err != nil {
				return err
			}

			mode := e2eprobe.ModeNormal
			if safeMode {
				mode = e2eprobe.ModeSafeMode
			}

			res := e2eprobe.Run(cmd.Context(), e2eprobe.Options{
				Mode:        mode,
				Group:       group,
				Agents:      env.Agents,
				Platform:    env.Platform,
				Credentials: credentialsClient(),
				Agent:       e2eAgentProberFor(rt),
				Intro:       e2eIntroducerFor(rt, env),
				Markers:     markerStore(pth),
				Logger:      logger,
			})

			if !res.Healthy {
				fmt.Fprintf(os.Stderr, "e2eprobe: unhealthy at stage %q: %s\n", res.Stage, res.Reason)
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "isolation group name")
	cmd.Flags().BoolVar(&safeMode, "safe-mode", false, "probe the synthetic safe-mode agent instead of the group's configured agents")
	return cmd
}
