package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/pkg/roster"
)

func TestDefaultsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 400*time.Millisecond, cfg.PollInterval.D())
	assert.Equal(t, 2*time.Hour, cfg.TurnTimeout.D())
	assert.Equal(t, 3, cfg.MaxInflight)
	assert.Equal(t, 5, cfg.MaxFollowUps)
	assert.Equal(t, 1, cfg.Orchestrator.MaxRemediationDepth)
	assert.Equal(t, ColdStartBaseline, cfg.Observer.ColdStart)
	assert.Equal(t, roster.EngineOneShot, cfg.Engine)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
busRoot: /var/lib/burrow
pollInterval: 250ms
turnTimeout: 1h
maxInflight: 8
engine: long-lived
orchestrator:
  autopilotDigest: verbose
  operatorDigest: compact
  forwardToOperator: true
  maxRemediationDepth: 2
  digestMaxChars: 400
  pollInterval: 500
observer:
  coldStart: replay
  pollInterval: 30s
  minItem: 100
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/burrow", cfg.BusRoot)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval.D())
	assert.Equal(t, time.Hour, cfg.TurnTimeout.D())
	assert.Equal(t, 8, cfg.MaxInflight)
	assert.Equal(t, roster.EngineLongLived, cfg.Engine)
	assert.Equal(t, DigestVerbose, cfg.Orchestrator.AutopilotDigest)
	assert.True(t, cfg.Orchestrator.ForwardToOperator)
	assert.Equal(t, 2, cfg.Orchestrator.MaxRemediationDepth)
	// bare integers read as milliseconds
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.PollInterval.D())
	assert.Equal(t, ColdStartReplay, cfg.Observer.ColdStart)
	assert.Equal(t, 100, cfg.Observer.MinItem)

	// untouched options keep their defaults
	assert.Equal(t, 10*time.Second, cfg.KillGrace.D())
	assert.Equal(t, 5, cfg.MaxFollowUps)
}

func TestLoadMissingFileIsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().PollInterval, cfg.PollInterval)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero inflight", func(c *Config) { c.MaxInflight = 0 }},
		{"negative followups", func(c *Config) { c.MaxFollowUps = -1 }},
		{"negative depth", func(c *Config) { c.Orchestrator.MaxRemediationDepth = -1 }},
		{"bad engine", func(c *Config) { c.Engine = "teleport" }},
		{"bad cold start", func(c *Config) { c.Observer.ColdStart = "warm" }},
		{"bad digest mode", func(c *Config) { c.Orchestrator.AutopilotDigest = "chatty" }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEngineFor(t *testing.T) {
	cfg := Default()
	assert.Equal(t, roster.EngineOneShot, cfg.EngineFor(nil))
	assert.Equal(t, roster.EngineOneShot, cfg.EngineFor(&roster.Agent{Name: "a"}))
	assert.Equal(t, roster.EngineLongLived, cfg.EngineFor(&roster.Agent{Name: "a", Engine: roster.EngineLongLived}))
}
