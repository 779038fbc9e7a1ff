package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a bus root",
	Long: `Initialize a bus root: the inbox tree for every roster agent, the
shared state directory, and starter roster and configuration files.

Safe to re-run; existing files are left alone.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if root, _ := cmd.Flags().GetString("bus"); root != "" {
		cfg.BusRoot = root
	}

	fmt.Printf("Initializing bus root at %s\n", cfg.BusRoot)

	store, err := bus.Open(cfg.BusRoot)
	if err != nil {
		return err
	}

	ros, err := loadRoster(cfg)
	if err != nil {
		return err
	}
	for _, name := range ros.Names() {
		if err := store.EnsureAgent(name); err != nil {
			return err
		}
		fmt.Printf("  ✓ inbox %s\n", name)
	}

	if _, err := os.Stat(cfg.RosterPath); os.IsNotExist(err) {
		data, err := ros.Marshal()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.RosterPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(cfg.RosterPath, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("  ✓ roster %s\n", cfg.RosterPath)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("  ✓ config %s\n", cfgPath)
	}

	fmt.Println("✓ Bus root ready")
	return nil
}
