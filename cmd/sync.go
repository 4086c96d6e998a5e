// File: cmd/sync.go
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/observability"
	"github.com/taxokit/kwsync/internal/orchestrator"
)

var syncTarget string

// syncCmd pushes the local graph to one or all configured targets and waits
// for the outcome.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the local keyword graph to the configured targets.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		a, err := newApp(cmd.Context(), loadedCfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		var runs map[string]orchestrator.Run
		if syncTarget != "" {
			run, err := a.orchestrator.SyncTarget(cmd.Context(), syncTarget)
			if err != nil {
				return err
			}
			runs = map[string]orchestrator.Run{syncTarget: run}
		} else {
			var syncErr error
			runs, syncErr = a.orchestrator.SyncAll(cmd.Context())
			if syncErr != nil {
				logger.Warn("One or more targets failed to sync.", zap.Error(syncErr))
			}
		}

		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			return fmt.Errorf("failed to print sync results: %w", err)
		}
		for _, run := range runs {
			if run.State != schemas.RunSucceeded && run.State != schemas.RunPartiallySucceeded {
				return fmt.Errorf("sync to %q finished in state %s", run.Target, run.State)
			}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVarP(&syncTarget, "target", "t", "", "sync only this configured target")
	rootCmd.AddCommand(syncCmd)
}
