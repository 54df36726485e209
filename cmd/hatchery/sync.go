package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/markers"
	"github.com/dfrysinger/hatchery/internal/syncengine"
)

// newSyncCmd wraps the workspace sync engine's two directions (spec
// §4.L): `sync restore` runs once at boot before any agent starts;
// `sync up` runs on a schedule (or via the control plane's /sync) and
// refuses without the restore guard.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "copy workspace state to or from the shared remote mount",
	}
	cmd.AddCommand(newSyncUpCmd(), newSyncRestoreCmd())
	return cmd
}

func newSyncUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "copy local workspace state up to the shared remote mount",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildSyncEngine()
			if err != nil {
				return err
			}
			return eng.Upload()
		},
	}
}

func newSyncRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "copy shared remote state down into the local workspace root",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildSyncEngine()
			if err != nil {
				return err
			}
			return eng.Restore()
		},
	}
}

func buildSyncEngine() (*syncengine.Engine, error) {
	env, err := loadManifestEnv(pth)
	if err != nil {
		return nil, err
	}
	if len(env.SharedPaths) == 0 {
		return nil, fmt.Errorf("sync: manifest declares no shared_paths")
	}
	m := markerStore(pth)
	return &syncengine.Engine{
		LocalRoot:   pth.workspaceDir,
		RemoteRoot:  env.SharedPaths[0],
		GuardExists: func() bool { return m.Exists(markers.RestoreGuard) },
		SetGuard:    func() error { return m.Touch(markers.RestoreGuard) },
	}, nil
}
