package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show inbox depths for every agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		summary, err := rt.store.StatusSummary(nil)
		if err != nil {
			return err
		}
		fmt.Print(summary.String())
		return nil
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox AGENT",
	Short: "List an agent's open tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		root, _ := cmd.Flags().GetString("root")
		pkts, err := rt.store.OpenTasks(args[0], root)
		if err != nil {
			return err
		}
		if len(pkts) == 0 {
			fmt.Println("No open tasks")
			return nil
		}
		for _, pkt := range pkts {
			fmt.Printf("%-12s %-24s %-20s %s\n",
				pkt.State, pkt.Meta.ID, pkt.Meta.Signals.Kind, pkt.Meta.Title)
		}
		return nil
	},
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts AGENT",
	Short: "List an agent's recent receipts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		receipts, err := rt.store.RecentReceipts(args[0], limit)
		if err != nil {
			return err
		}
		if len(receipts) == 0 {
			fmt.Println("No receipts")
			return nil
		}
		for _, r := range receipts {
			closed := time.UnixMilli(r.ClosedAtMs).Format(time.RFC3339)
			fmt.Printf("%-24s %-14s %s  %s\n", r.TaskID, r.Outcome, closed, r.Task.Title)
			if r.Note != "" {
				fmt.Printf("    %s\n", firstLine(r.Note))
			}
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show AGENT TASK_ID",
	Short: "Print one packet, wherever it currently is",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		pkt, err := rt.store.Open(args[0], args[1], false)
		if err != nil {
			return err
		}
		fmt.Printf("state: %s\npath:  %s\n\n", pkt.State, pkt.Path)
		fmt.Println(pkt.Body)
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect runtime lifecycle events",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the event log written by running components",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		return tailFile(rt.store.StatePath("events.jsonl"))
	},
}

func init() {
	inboxCmd.Flags().String("root", "", "Filter by workflow root id")
	receiptsCmd.Flags().Int("limit", 20, "Maximum receipts to show")
	eventsCmd.AddCommand(eventsWatchCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(receiptsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(eventsCmd)
}

// tailFile prints appended lines until interrupted. Plain polling keeps
// it portable; the event log is low-volume.
func tailFile(path string) error {
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	fmt.Printf("Watching %s (Ctrl+C to stop)\n", path)

	for {
		info, err := os.Stat(path)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}
		if info.Size() < offset {
			// Truncated or rotated; start over.
			offset = 0
		}
		if info.Size() > offset {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return err
			}
			offset += int64(len(data))
			fmt.Print(string(data))
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
