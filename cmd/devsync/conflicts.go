package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/devsync/internal/store"
	dsync "github.com/mschirtzinger/devsync/internal/sync"
	"github.com/mschirtzinger/devsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "data",
	Short:   "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		svc, closer, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer svc.Stop()

		conflicts, err := svc.ListConflicts(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(conflicts)
		}

		if len(conflicts) == 0 {
			fmt.Printf("%s No unresolved conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("%s %d unresolved conflict(s)\n\n", ui.RenderWarn("⚠"), len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("%s  record %s (%s)\n", ui.RenderAccent(c.ID), c.RecordID, c.Collection)
			fmt.Printf("   local:  v%d by %s at %s\n", c.Local.Version, c.Local.DeviceID, c.Local.UpdatedAt.Format(time.RFC3339))
			fmt.Printf("   remote: v%d by %s at %s\n", c.Remote.Version, c.Remote.DeviceID, c.Remote.UpdatedAt.Format(time.RFC3339))
			fmt.Printf("   %s\n", ui.RenderMuted("detected "+c.CreatedAt.Format(time.RFC3339)))
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict and apply the winning snapshot to the record.

The only strategy is last_write_wins: the snapshot with the later updatedAt
wins, and the remote snapshot wins a tie. Resolving an already resolved
conflict changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		device, _ := cmd.Flags().GetString("device")
		yes, _ := cmd.Flags().GetBool("yes")

		svc, closer, err := openService(cmd)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer svc.Stop()

		if !yes && ui.IsTerminal(os.Stdin) {
			c, err := svc.GetConflict(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !c.Resolved {
				ok, err := confirmResolve(c)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Cancelled")
					return nil
				}
			}
		}

		res, err := svc.ResolveConflict(cmd.Context(), args[0], dsync.Strategy(strategy), device)
		if err != nil {
			return err
		}

		if res.AlreadyResolved {
			fmt.Printf("%s Conflict %s was already resolved\n", ui.RenderMuted("•"), args[0])
			return nil
		}
		fmt.Printf("%s Resolved %s: %s wins, record %s now at v%d\n",
			ui.RenderPass("✓"), args[0], res.Conflict.Resolution.DeviceID, res.Record.ID, res.Record.Version)
		return nil
	},
}

// confirmResolve shows both sides of c and asks before overwriting the record.
func confirmResolve(c *store.Conflict) (bool, error) {
	side := func(name string, s store.Snapshot) string {
		return fmt.Sprintf("%s: v%d by %s at %s\n  %s", name, s.Version, s.DeviceID, s.UpdatedAt.Format(time.RFC3339), s.Data)
	}

	ok := true
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Resolve conflict on record %s?", c.RecordID)).
			Description(side("local", c.Local)+"\n"+side("remote", c.Remote)+"\n\nThe later write wins.").
			Affirmative("Resolve").
			Negative("Cancel").
			Value(&ok),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func init() {
	conflictsListCmd.Flags().Int("limit", 0, "maximum conflicts to show (0 = all)")
	conflictsListCmd.Flags().Bool("json", false, "output JSON")

	conflictsResolveCmd.Flags().String("strategy", string(dsync.LastWriteWins), "resolution strategy")
	conflictsResolveCmd.Flags().String("device", "cli", "device id recorded in the audit log")
	conflictsResolveCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
