package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/types"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver a task packet",
	Long: `Deliver a task packet to one or more agent inboxes.

Examples:
  # Inline task
  burrow send --to exec --title "Fix the flaky test" --kind EXECUTE --phase build

  # Body from stdin
  echo "Details here" | burrow send --to plan --title "Plan the migration" --kind PLAN_REQUEST

  # Task manifest
  burrow send -f task.yaml`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringP("file", "f", "", "Task manifest YAML")
	sendCmd.Flags().StringSlice("to", nil, "Recipient agents")
	sendCmd.Flags().String("from", "operator", "Sender name")
	sendCmd.Flags().String("title", "", "Task title")
	sendCmd.Flags().String("kind", "", "Signal kind (EXECUTE, PLAN_REQUEST, ...)")
	sendCmd.Flags().String("phase", "", "Workflow phase")
	sendCmd.Flags().String("root", "", "Workflow root id")
	sendCmd.Flags().String("parent", "", "Parent task id")
	sendCmd.Flags().String("priority", "P2", "Priority: P1, P2 or P3")
	sendCmd.Flags().String("body", "", "Packet body (stdin when omitted)")
	sendCmd.Flags().Bool("no-notify", false, "Suppress the TASK_COMPLETE on closure")

	rootCmd.AddCommand(sendCmd)
}

// TaskManifest is the YAML form accepted by send -f.
type TaskManifest struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Metadata   ManifestMetadata  `yaml:"metadata"`
	Spec       TaskSpec          `yaml:"spec"`
	References map[string]string `yaml:"references,omitempty"`
}

type ManifestMetadata struct {
	Title    string `yaml:"title"`
	Priority string `yaml:"priority,omitempty"`
}

type TaskSpec struct {
	To      []string        `yaml:"to"`
	From    string          `yaml:"from,omitempty"`
	Signals ManifestSignals `yaml:"signals"`
	Body    string          `yaml:"body,omitempty"`
}

// ManifestSignals mirrors types.Signals with YAML field names.
type ManifestSignals struct {
	Kind               string `yaml:"kind"`
	Phase              string `yaml:"phase,omitempty"`
	RootID             string `yaml:"rootId,omitempty"`
	ParentID           string `yaml:"parentId,omitempty"`
	Smoke              bool   `yaml:"smoke,omitempty"`
	NotifyOrchestrator *bool  `yaml:"notifyOrchestrator,omitempty"`
}

func (m ManifestSignals) signals() types.Signals {
	return types.Signals{
		Kind:               types.Kind(m.Kind),
		Phase:              m.Phase,
		RootID:             m.RootID,
		ParentID:           m.ParentID,
		Smoke:              m.Smoke,
		NotifyOrchestrator: m.NotifyOrchestrator,
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}

	meta := types.Meta{ID: types.NewID()}
	var body string

	if file, _ := cmd.Flags().GetString("file"); file != "" {
		meta, body, err = manifestPacket(file)
		if err != nil {
			return err
		}
	} else {
		meta.To, _ = cmd.Flags().GetStringSlice("to")
		meta.From, _ = cmd.Flags().GetString("from")
		meta.Title, _ = cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")
		meta.Signals.Kind = types.Kind(kind)
		meta.Signals.Phase, _ = cmd.Flags().GetString("phase")
		meta.Signals.RootID, _ = cmd.Flags().GetString("root")
		meta.Signals.ParentID, _ = cmd.Flags().GetString("parent")
		priority, _ := cmd.Flags().GetString("priority")
		meta.Priority = types.Priority(priority)

		body, _ = cmd.Flags().GetString("body")
		if body == "" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read body from stdin: %v", err)
			}
			body = string(data)
		}
	}

	if noNotify, _ := cmd.Flags().GetBool("no-notify"); noNotify {
		meta.Signals.NotifyOrchestrator = types.Bool(false)
	}
	if meta.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if len(meta.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}

	deliverer := bus.NewDeliverer(rt.store, rt.roster)
	paths, err := deliverer.Deliver(meta, body)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Printf("✓ Delivered %s -> %s\n", meta.ID, p)
	}
	return nil
}

// manifestPacket converts a task manifest file into packet meta and body.
func manifestPacket(path string) (types.Meta, string, error) {
	var meta types.Meta

	data, err := os.ReadFile(path)
	if err != nil {
		return meta, "", fmt.Errorf("failed to read manifest: %v", err)
	}

	var manifest TaskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return meta, "", fmt.Errorf("failed to parse manifest: %v", err)
	}
	if manifest.Kind != "Task" {
		return meta, "", fmt.Errorf("unsupported manifest kind: %s", manifest.Kind)
	}
	if manifest.APIVersion != "" && !strings.HasPrefix(manifest.APIVersion, "burrow/") {
		return meta, "", fmt.Errorf("unsupported apiVersion: %s", manifest.APIVersion)
	}

	meta = types.Meta{
		ID:         types.NewID(),
		To:         manifest.Spec.To,
		From:       manifest.Spec.From,
		Title:      manifest.Metadata.Title,
		Priority:   types.Priority(manifest.Metadata.Priority),
		Signals:    manifest.Spec.Signals.signals(),
		References: manifest.References,
	}
	if meta.From == "" {
		meta.From = "operator"
	}
	return meta, manifest.Spec.Body, nil
}
