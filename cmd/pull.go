// File: cmd/pull.go
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/taxokit/kwsync/internal/observability"
	"github.com/taxokit/kwsync/internal/transport"
)

var pullTarget string

// pullCmd is the inverse of sync: fetch a target's snapshot and reconcile
// the local graph to it.
var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch a target's keyword graph and apply it locally.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		a, err := newApp(cmd.Context(), loadedCfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		target, ok := a.cfg.Target(pullTarget)
		if !ok {
			return fmt.Errorf("no configured target named %q", pullTarget)
		}

		client := transport.NewClient(a.cfg.Sync, target, logger)
		snap, err := client.FetchSnapshot(cmd.Context())
		if err != nil {
			return err
		}

		record, err := a.reconciler.Reconcile(cmd.Context(), target.Name, snap)
		if record != nil {
			enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(record)
		}
		return err
	},
}

func init() {
	pullCmd.Flags().StringVarP(&pullTarget, "target", "t", "", "configured target to pull from (required)")
	_ = pullCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(pullCmd)
}
