// File: cmd/serve.go
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/taxokit/kwsync/internal/observability"
	"github.com/taxokit/kwsync/internal/server"
)

// serveCmd hosts the sync HTTP API until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the keyword sync HTTP server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		a, err := newApp(cmd.Context(), loadedCfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		caps := server.NewCapabilityRegistry()
		handlers := server.NewHandlers(a.cfg, a.store, a.exporter, a.reconciler, a.orchestrator, caps, logger)
		srv := server.NewServer(a.cfg, handlers, caps, logger)
		return srv.Start(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
