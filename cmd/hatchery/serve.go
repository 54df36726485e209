package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dfrysinger/hatchery/internal/controlplane"
)

// newServeCmd runs the signed HTTP control plane (spec §4.K). Bind
// address and secret come from the manifest's api_bind_address/
// api_secret fields, not a flag, since the control plane's identity is
// part of the provisioned habitat rather than an operator choice made
// at invocation time.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the signed HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadManifestEnv(pth)
			if err != nil {
				return err
			}
			if env.APIBindAddress == "" {
				return fmt.Errorf("serve: api_bind_address not configured in manifest")
			}

			srv := controlplane.New(controlplane.Server{
				Secret:  env.APISecret,
				Status:  cpStatusProvider{p: pth},
				Writer:  cpConfigWriter{p: pth},
				Service: cpServiceController{p: pth},
				Markers: markerStore(pth),
			})

			httpSrv := &http.Server{
				Addr:    env.APIBindAddress,
				Handler: srv.Router(),
			}

			go func() {
				<-cmd.Context().Done()
				_ = httpSrv.Close()
			}()

			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}
