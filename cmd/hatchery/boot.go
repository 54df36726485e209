package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/orchestrator"
	"github.com/dfrysinger/hatchery/internal/service"
)

// newBootCmd wires the single-phase provisioning pipeline (spec §4.G):
// manifest bytes come from HABITAT_B64, written once to the state
// directory so later subcommands (gateway, safemode) can reload the
// same manifest without re-passing it on every invocation.
func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "run the single-phase provisioning pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(envOr("HABITAT_B64", ""))
			if len(raw) == 0 {
				return fmt.Errorf("boot: HABITAT_B64 not set")
			}

			if err := os.MkdirAll(pth.stateDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(pth.stateDir+"/habitat.b64", raw, 0o600); err != nil {
				return err
			}

			enabler := service.NewSystemdEnabler(pth.unitDir, func(group string) string {
				return pth.gatewayBin + " e2eprobe --group " + group
			})

			orc := orchestrator.New(orchestrator.Orchestrator{
				StateDir:      pth.stateDir,
				ConfigDir:     pth.configDir,
				WorkspaceDir:  pth.workspaceDir,
				GatewayBinary: pth.gatewayBin,
				ProbeBinary:   pth.gatewayBin,
				Enabler:       enabler,
				Logger:        pth.logger("orchestrator"),
			})

			return orc.Provision(cmd.Context(), raw)
		},
	}
}
