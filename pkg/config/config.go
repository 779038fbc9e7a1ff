// Package config holds the enumerated runtime options. The file is parsed
// once at process start; nothing re-reads configuration mid-turn. Every
// option has a deterministic default so a missing file still yields a
// fully specified runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/types"
)

// Duration is time.Duration with YAML support. Accepts Go duration
// strings ("400ms", "2h") and bare integers, read as milliseconds.
type Duration time.Duration

// D converts to the stdlib type.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DigestMode selects how much of a completion lands in a forwarded digest.
type DigestMode string

const (
	DigestCompact DigestMode = "compact"
	DigestVerbose DigestMode = "verbose"
)

// ColdStartMode is the observer's first-contact policy for a source.
type ColdStartMode string

const (
	// ColdStartBaseline records current items as seen without emitting.
	ColdStartBaseline ColdStartMode = "baseline"
	// ColdStartReplay emits a packet for every open item.
	ColdStartReplay ColdStartMode = "replay"
)

// OrchestratorConfig tunes the completion forwarder.
type OrchestratorConfig struct {
	AutopilotDigest     DigestMode `yaml:"autopilotDigest"`
	OperatorDigest      DigestMode `yaml:"operatorDigest"`
	ForwardToOperator   bool       `yaml:"forwardToOperator"`
	MaxRemediationDepth int        `yaml:"maxRemediationDepth"`
	DigestMaxChars      int        `yaml:"digestMaxChars"`
	PollInterval        Duration   `yaml:"pollInterval"`
}

// ObserverConfig tunes the review-source scanner.
type ObserverConfig struct {
	ColdStart    ColdStartMode `yaml:"coldStart"`
	PollInterval Duration      `yaml:"pollInterval"`
	MinItem      int           `yaml:"minItem"`
	Items        []int         `yaml:"items,omitempty"`
	Repo         string        `yaml:"repo,omitempty"`
}

// Config is the whole runtime configuration.
type Config struct {
	BusRoot       string `yaml:"busRoot"`
	RosterPath    string `yaml:"rosterPath"`
	WorktreesRoot string `yaml:"worktreesRoot"`

	PollInterval  Duration `yaml:"pollInterval"`
	TurnTimeout   Duration `yaml:"turnTimeout"`
	KillGrace     Duration `yaml:"killGrace"`
	SupersedePoll Duration `yaml:"supersedePoll"`

	MaxInflight    int      `yaml:"maxInflight"`
	MinCooldown    Duration `yaml:"minCooldown"`
	RetryBase      Duration `yaml:"retryBase"`
	RetryMax       Duration `yaml:"retryMax"`
	RetryJitter    Duration `yaml:"retryJitter"`
	MaxTurnRetries int      `yaml:"maxTurnRetries"`

	Engine       roster.Engine `yaml:"engine"`
	AgentCommand []string      `yaml:"agentCommand,omitempty"`
	MaxFollowUps int           `yaml:"maxFollowUps"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Observer     ObserverConfig     `yaml:"observer"`

	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJson"`
}

// Default returns the fully specified default configuration.
func Default() *Config {
	return &Config{
		BusRoot:       ".burrow",
		RosterPath:    ".burrow/roster.yaml",
		WorktreesRoot: ".burrow/worktrees",

		PollInterval:  Duration(400 * time.Millisecond),
		TurnTimeout:   Duration(2 * time.Hour),
		KillGrace:     Duration(10 * time.Second),
		SupersedePoll: Duration(time.Second),

		MaxInflight:    3,
		MinCooldown:    Duration(30 * time.Second),
		RetryBase:      Duration(2 * time.Second),
		RetryMax:       Duration(60 * time.Second),
		RetryJitter:    Duration(time.Second),
		MaxTurnRetries: 3,

		Engine:       roster.EngineOneShot,
		MaxFollowUps: 5,

		Orchestrator: OrchestratorConfig{
			AutopilotDigest:     DigestCompact,
			OperatorDigest:      DigestCompact,
			ForwardToOperator:   false,
			MaxRemediationDepth: 1,
			DigestMaxChars:      400,
			PollInterval:        Duration(time.Second),
		},
		Observer: ObserverConfig{
			ColdStart:    ColdStartBaseline,
			PollInterval: Duration(60 * time.Second),
		},

		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing file returns pure defaults;
// any other read or parse failure is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, types.E(types.ErrIO, "config.load", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, types.E(types.ErrSchemaInvalid, "config.load", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no component can honor.
func (c *Config) Validate() error {
	if c.MaxInflight < 1 {
		return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("maxInflight must be >= 1, got %d", c.MaxInflight))
	}
	if c.MaxFollowUps < 0 {
		return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("maxFollowUps must be >= 0, got %d", c.MaxFollowUps))
	}
	if c.Orchestrator.MaxRemediationDepth < 0 {
		return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("maxRemediationDepth must be >= 0, got %d", c.Orchestrator.MaxRemediationDepth))
	}
	switch c.Engine {
	case roster.EngineOneShot, roster.EngineLongLived:
	default:
		return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("engine must be one-shot or long-lived, got %q", c.Engine))
	}
	switch c.Observer.ColdStart {
	case ColdStartBaseline, ColdStartReplay:
	default:
		return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("observer coldStart must be baseline or replay, got %q", c.Observer.ColdStart))
	}
	for _, m := range []DigestMode{c.Orchestrator.AutopilotDigest, c.Orchestrator.OperatorDigest} {
		switch m {
		case DigestCompact, DigestVerbose:
		default:
			return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("digest mode must be compact or verbose, got %q", m))
		}
	}
	for _, d := range []Duration{c.PollInterval, c.SupersedePoll} {
		if d.D() <= 0 {
			return types.E(types.ErrSchemaInvalid, "config.validate", "", fmt.Errorf("poll intervals must be positive"))
		}
	}
	return nil
}

// EngineFor resolves the effective turn engine for one agent: roster entry
// first, then the process-wide default.
func (c *Config) EngineFor(a *roster.Agent) roster.Engine {
	if a != nil && a.Engine != roster.EngineDefault {
		return a.Engine
	}
	return c.Engine
}
