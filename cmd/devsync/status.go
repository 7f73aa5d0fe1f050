package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closer, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer svc.Stop()

		counts, err := svc.Store().Counts(cmd.Context())
		if err != nil {
			return err
		}

		size := "unknown"
		if info, err := os.Stat(svc.Store().Path()); err == nil {
			size = fmt.Sprintf("%.1f KB", float64(info.Size())/1024)
		}

		conflicts := fmt.Sprint(counts.UnresolvedConflict)
		if counts.UnresolvedConflict > 0 {
			conflicts = ui.RenderWarn(conflicts)
		} else {
			conflicts = ui.RenderPass(conflicts)
		}

		fmt.Println(ui.RenderPanel("devsync",
			ui.Field{Label: "Database", Value: svc.Store().Path()},
			ui.Field{Label: "Size", Value: size},
			ui.Field{Label: "Records", Value: counts.Records},
			ui.Field{Label: "Deleted records", Value: counts.DeletedRecords},
			ui.Field{Label: "Unresolved conflicts", Value: conflicts},
			ui.Field{Label: "Audit entries", Value: counts.SyncLogEntries},
		))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
