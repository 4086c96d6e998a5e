// File: cmd/status.go
package cmd

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taxokit/kwsync/api/schemas"
	"github.com/taxokit/kwsync/internal/graph"
	"github.com/taxokit/kwsync/internal/observability"
	"github.com/taxokit/kwsync/internal/transport"
)

// statusCmd prints the local graph status and, when targets are configured,
// each target's status with a content hash comparison.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local and target sync status.",
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
		hash, err := graph.ContentHash(snap)
		if err != nil {
			return err
		}
		local := schemas.TargetStatus{
			ServerType:           a.cfg.Sync.Source,
			TotalKeywords:        len(snap.Keywords),
			TotalSubcategories:   len(snap.Subcategories),
			TotalDependencies:    len(snap.Dependencies),
			CategoryDistribution: graph.CategoryDistribution(snap),
			ContentHash:          hash,
			SyncReady:            true,
			LastCheck:            time.Now().UTC(),
		}

		type targetReport struct {
			Status schemas.TargetStatus `json:"status"`
			InSync bool                 `json:"in_sync"`
			Error  string               `json:"error,omitempty"`
		}
		report := struct {
			Local   schemas.TargetStatus    `json:"local"`
			Targets map[string]targetReport `json:"targets,omitempty"`
		}{Local: local}

		if len(a.cfg.Sync.Targets) > 0 {
			report.Targets = make(map[string]targetReport, len(a.cfg.Sync.Targets))
			for _, target := range a.cfg.Sync.Targets {
				client := transport.NewClient(a.cfg.Sync, target, logger)
				remote, err := client.FetchStatus(cmd.Context())
				if err != nil {
					logger.Warn("Failed to fetch target status.",
						zap.String("target", target.Name), zap.Error(err))
					report.Targets[target.Name] = targetReport{Error: err.Error()}
					continue
				}
				report.Targets[target.Name] = targetReport{
					Status: *remote,
					InSync: remote.ContentHash == hash,
				}
			}
		}

		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
