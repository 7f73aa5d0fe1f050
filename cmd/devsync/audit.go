package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "data",
	Short:   "Show the sync audit log",
	Long: `Show audit entries in commit order.

--since accepts RFC3339 timestamps, durations ("90m") or plain English
("2 hours ago", "yesterday", "last monday").

Example usage:
  devsync audit --since "2 hours ago"
  devsync audit --since 2025-01-02T15:04:05Z --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		since, err := parseSince(sinceStr, time.Now())
		if err != nil {
			return err
		}

		svc, closer, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer svc.Stop()

		entries, err := svc.SyncLog(cmd.Context(), since, limit)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No audit entries"))
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-7s %-12s %s/%s  %s\n",
				ui.RenderMuted(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
				e.Operation,
				e.DeviceID,
				e.Collection,
				e.RecordID,
				ui.RenderMuted(e.ID),
			)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().String("since", "24h", "show entries at or after this time")
	auditCmd.Flags().Int("limit", 100, "maximum entries (0 = all)")
	auditCmd.Flags().Bool("json", false, "output JSON")
	rootCmd.AddCommand(auditCmd)
}
