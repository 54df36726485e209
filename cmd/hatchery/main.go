// Command hatchery is the Supervision Core's single binary (spec §6.ADD).
// Seven independent entry points — boot, gateway, healthprobe, e2eprobe,
// safemode, serve, sync — are split across cobra subcommands instead of
// the teacher's single-verb main.go, because the synthesized service
// units (4.F) invoke this binary with a different verb at each point in
// the supervision chain.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/observability"
)

// paths bundles the well-known directories every subcommand needs
// (spec §6 "Persisted state layout").
type paths struct {
	stateDir     string
	configDir    string
	workspaceDir string
	logDir       string
	gatewayBin   string
	unitDir      string
}

func (p paths) logger(component string) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("TEST_MODE") != "" {
		level = slog.LevelDebug
	}
	return observability.NewComponentLogger(p.logDir, component, level)
}

var pth paths

func main() {
	root := &cobra.Command{
		Use:   "hatchery",
		Short: "Supervision Core for provisioned agent habitats",
	}

	root.PersistentFlags().StringVar(&pth.stateDir, "state-dir", envOr("HATCHERY_STATE_DIR", "/var/lib/hatchery"), "state directory (markers/, logs/)")
	root.PersistentFlags().StringVar(&pth.configDir, "config-dir", envOr("HATCHERY_CONFIG_DIR", "/etc/hatchery/configs"), "per-group gateway config directory")
	root.PersistentFlags().StringVar(&pth.workspaceDir, "workspace-dir", envOr("HATCHERY_WORKSPACE_DIR", os.ExpandEnv("$HOME/workspaces")), "host-user workspace root")
	root.PersistentFlags().StringVar(&pth.logDir, "log-dir", envOr("HATCHERY_LOG_DIR", ""), "component log directory (empty: stderr)")
	root.PersistentFlags().StringVar(&pth.gatewayBin, "gateway-binary", envOr("HATCHERY_BINARY", "/usr/local/bin/hatchery"), "path to this binary, as referenced by synthesized units")
	root.PersistentFlags().StringVar(&pth.unitDir, "unit-dir", envOr("HATCHERY_UNIT_DIR", "/etc/systemd/system"), "systemd unit directory")

	root.AddCommand(
		newBootCmd(),
		newGatewayCmd(),
		newHealthProbeCmd(),
		newE2EProbeCmd(),
		newSafeModeCmd(),
		newServeCmd(),
		newSyncCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
