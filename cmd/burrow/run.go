package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/burrowlabs/burrow/pkg/coordinator"
	"github.com/burrowlabs/burrow/pkg/events"
	"github.com/burrowlabs/burrow/pkg/lock"
	"github.com/burrowlabs/burrow/pkg/metrics"
	"github.com/burrowlabs/burrow/pkg/observer"
	"github.com/burrowlabs/burrow/pkg/orchestrator"
	"github.com/burrowlabs/burrow/pkg/runner"
	"github.com/burrowlabs/burrow/pkg/supervisor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent supervisors",
}

var agentRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run the supervisor loop for one agent",
	Long: `Run the supervisor loop for one roster agent: poll its inbox, claim
tasks, execute turns, dispatch follow-ups, write receipts. One
supervisor per agent per bus root, enforced by the worker lock.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgent,
}

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Manage the completion forwarder",
}

var orchestratorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the completion forwarder loop",
	RunE:  runOrchestrator,
}

var observerCmd = &cobra.Command{
	Use:   "observer",
	Short: "Manage the review-source observer",
}

var observerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the review-source scanner loop",
	RunE:  runObserver,
}

func init() {
	agentCmd.AddCommand(agentRunCmd)
	orchestratorCmd.AddCommand(orchestratorRunCmd)
	observerCmd.AddCommand(observerRunCmd)

	for _, c := range []*cobra.Command{agentRunCmd, orchestratorRunCmd, observerRunCmd} {
		c.Flags().String("metrics-addr", "", "Serve /metrics, /health and /ready on this address")
	}
	agentRunCmd.Flags().StringSlice("command", nil, "Agent engine command (overrides config)")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(orchestratorCmd)
	rootCmd.AddCommand(observerCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	name := args[0]
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}

	agent, ok := rt.roster.Get(name)
	if !ok {
		return fmt.Errorf("agent %q not in roster", name)
	}

	command := rt.cfg.AgentCommand
	if override, _ := cmd.Flags().GetStringSlice("command"); len(override) > 0 {
		command = override
	}
	if len(command) == 0 {
		return fmt.Errorf("no agent command configured; set agentCommand in %s or pass --command",
			mustString(cmd, "config"))
	}

	engine := rt.cfg.EngineFor(agent)
	run, err := runner.New(string(engine), command, rt.cfg.KillGrace.D())
	if err != nil {
		return err
	}

	coord := coordinator.New(
		rt.store.StatePath(coordinator.SemaphoreDirName),
		rt.store.StatePath(coordinator.CooldownFileName),
		rt.cfg.MaxInflight,
	)
	locks := lock.NewManager(rt.store.StatePath("worker-locks"))
	broker := startBroker(rt)

	metrics.SetCritical("bus", "runner")
	metrics.RegisterComponent("bus", true, "")
	metrics.RegisterComponent("runner", true, "")
	metrics.NewCollector(rt.store, coord).Start()

	sup := supervisor.New(agent, rt.roster, rt.store, coord, locks, run,
		string(engine), broker, supervisor.OptionsFrom(rt.cfg))

	fmt.Printf("Supervising %s (engine %s). Press Ctrl+C to stop.\n", name, engine)
	return serveLoop(cmd, rt.cfg.MetricsAddr, sup.Run)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}

	locks := lock.NewManager(rt.store.StatePath("worker-locks"))
	broker := startBroker(rt)

	metrics.SetCritical("bus")
	metrics.RegisterComponent("bus", true, "")

	fwd := orchestrator.New(rt.store, rt.roster, locks, broker, orchestrator.OptionsFrom(rt.cfg))

	fmt.Println("Forwarding completions. Press Ctrl+C to stop.")
	return serveLoop(cmd, rt.cfg.MetricsAddr, fwd.Run)
}

func runObserver(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}

	broker := startBroker(rt)

	metrics.SetCritical("bus")
	metrics.RegisterComponent("bus", true, "")

	source := &observer.GitHubPRSource{Repo: rt.cfg.Observer.Repo}
	obs := observer.New(rt.store, rt.roster, source, broker, observer.OptionsFrom(rt.cfg))

	fmt.Printf("Observing %s (cold start %s). Press Ctrl+C to stop.\n",
		source.ID(), rt.cfg.Observer.ColdStart)
	return serveLoop(cmd, rt.cfg.MetricsAddr, obs.Run)
}

// serveLoop runs the component loop with signal-driven shutdown plus the
// optional metrics listener and returns when either stops the process.
func serveLoop(cmd *cobra.Command, cfgAddr string, loop func(context.Context) error) error {
	addr := cfgAddr
	if flagAddr, _ := cmd.Flags().GetString("metrics-addr"); flagAddr != "" {
		addr = flagAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	var server *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		server = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
				cancel()
			}
		}()
		fmt.Printf("Metrics on http://%s/metrics\n", addr)
	}

	err := loop(ctx)
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if err == context.Canceled {
		fmt.Println("✓ Shutdown complete")
		return nil
	}
	return err
}

// startBroker starts the event broker and mirrors every event into the
// JSONL log that `burrow events watch` tails.
func startBroker(rt *runtime) *events.Broker {
	broker := events.NewBroker()
	broker.Start()

	sub := broker.Subscribe()
	logPath := rt.store.StatePath("events.jsonl")
	go func() {
		for event := range sub {
			line, err := json.Marshal(event)
			if err != nil {
				continue
			}
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				continue
			}
			f.Write(append(line, '\n'))
			f.Close()
		}
	}()
	return broker
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
