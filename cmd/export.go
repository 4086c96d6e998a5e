// File: cmd/export.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taxokit/kwsync/internal/observability"
	"github.com/taxokit/kwsync/internal/transport"
)

var exportOutput string

// exportCmd writes the current graph snapshot in wire format.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the keyword graph as a wire-format snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		a, err := newApp(cmd.Context(), loadedCfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.exporter.Export(cmd.Context())
		if err != nil {
			return err
		}
		payload, err := transport.Encode(snap)
		if err != nil {
			return err
		}

		if exportOutput == "" || exportOutput == "-" {
			_, err = os.Stdout.Write(append(payload, '\n'))
			return err
		}
		if err := os.WriteFile(exportOutput, payload, 0o644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Wrote %d keywords, %d subcategories, %d dependencies to %s\n",
			len(snap.Keywords), len(snap.Subcategories), len(snap.Dependencies), exportOutput)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write the snapshot to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
