/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps zerolog with a package-global logger, configurable
level and format, and helpers that attach the context fields used across
the codebase (component, agent, task_id).

# Usage

Initializing the logger:

	// JSON output (services)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (operator at a terminal)
	log.Init(log.Config{
		Level: log.DebugLevel,
	})

Component loggers:

	busLog := log.WithComponent("bus")
	busLog.Info().Str("task_id", id).Msg("packet delivered")

	turnLog := log.WithTask("exec", taskID)
	turnLog.Warn().Dur("elapsed", d).Msg("turn running long")

Structured fields over string interpolation, always:

	log.Logger.Error().
		Err(err).
		Str("agent", agent).
		Msg("claim failed")

# Output Examples

JSON format:

	{"level":"info","component":"supervisor","agent":"exec","task_id":"1700000000000-3f2a91bc","time":"2026-08-24T10:30:00Z","message":"turn completed"}

Console format:

	10:30:00 INF turn completed component=supervisor agent=exec task_id=1700000000000-3f2a91bc

# Conventions

  - Long-running commands (agent run, orchestrator run, observer run)
    default to JSON; one-shot operator commands default to console.
  - Every package logs through WithComponent(<package name>).
  - Secrets and prompt bodies are never logged; log ids and lengths.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
