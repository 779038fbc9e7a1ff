package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/metrics"
	"github.com/burrowlabs/burrow/pkg/roster"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - File-backed message bus for agent orchestration",
	Long: `Burrow coordinates a roster of coding agents over a plain directory
tree. Tasks are markdown packets moved between state directories by
atomic rename; receipts make every closure durable and auditable.

No daemon, no database, no network listener: the filesystem is the bus.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "burrow.yaml", "Runtime configuration file")
	rootCmd.PersistentFlags().String("bus", "", "Bus root directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

// runtime bundles what every subcommand opens: parsed config, the bus
// store, and the roster.
type runtime struct {
	cfg    *config.Config
	store  *bus.Store
	roster *roster.Roster
}

// openRuntime loads config, initializes logging, and opens the bus root.
// Commands that only read the bus use this too; Open is create-if-missing
// and cheap on an existing root.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if root, _ := cmd.Flags().GetString("bus"); root != "" {
		cfg.BusRoot = root
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return nil, err
	}

	ros, err := loadRoster(cfg)
	if err != nil {
		return nil, err
	}
	store.SetOrchestratorAgent(ros.Orchestrator())

	return &runtime{cfg: cfg, store: store, roster: ros}, nil
}

// loadRoster reads the configured roster file, falling back to the
// starter roster when none exists yet.
func loadRoster(cfg *config.Config) (*roster.Roster, error) {
	if _, err := os.Stat(cfg.RosterPath); os.IsNotExist(err) {
		return roster.Default(), nil
	}
	return roster.Load(cfg.RosterPath)
}
