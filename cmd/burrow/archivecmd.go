package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowlabs/burrow/pkg/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Compact aged bus history",
}

var archiveSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Move aged processed packets into the archive database",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		retention, _ := cmd.Flags().GetDuration("retention")

		a, err := archive.OpenDefault(rt.store)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Sweep(rt.store, retention)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Swept %d of %d processed packets (%d receipts)\n",
			res.Archived, res.Scanned, res.Receipts)
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived packets, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := archive.OpenDefault(rt.store)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.List(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Archive is empty")
			return nil
		}
		for _, e := range entries {
			archived := time.UnixMilli(e.ArchivedAtMs).Format(time.RFC3339)
			fmt.Printf("%-12s %-24s %-20s %s  %s\n", e.Agent, e.ID, e.Kind, archived, e.Title)
		}
		return nil
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore AGENT TASK_ID",
	Short: "Restore an archived packet back to its processed directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		a, err := archive.OpenDefault(rt.store)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Restore(rt.store, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Restored %s/%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	archiveSweepCmd.Flags().Duration("retention", 7*24*time.Hour, "Keep processed packets younger than this")
	archiveListCmd.Flags().Int("limit", 50, "Maximum entries to show")

	archiveCmd.AddCommand(archiveSweepCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)
	rootCmd.AddCommand(archiveCmd)
}
