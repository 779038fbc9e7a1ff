package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrowlabs/burrow/pkg/lock"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and rotate worker locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker locks with holder liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		locks := lock.NewManager(rt.store.StatePath("worker-locks"))
		statuses, err := locks.List()
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No locks held")
			return nil
		}
		for _, st := range statuses {
			liveness := "stale"
			if st.Alive {
				liveness = "alive"
			}
			acquired := time.UnixMilli(st.AcquiredMs).Format(time.RFC3339)
			fmt.Printf("%-16s pid=%-8d %-6s acquired=%s\n", st.Agent, st.PID, liveness, acquired)
		}
		return nil
	},
}

var locksRotateCmd = &cobra.Command{
	Use:   "rotate AGENT",
	Short: "Remove a stale lock so a new supervisor can start",
	Long: `Remove a stale lock so a new supervisor can start.

Refuses to rotate a lock whose holder pid is still alive; stop the
running supervisor instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		locks := lock.NewManager(rt.store.StatePath("worker-locks"))
		if err := locks.Rotate(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Lock rotated for %s\n", args[0])
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksListCmd)
	locksCmd.AddCommand(locksRotateCmd)
	rootCmd.AddCommand(locksCmd)
}
