/*
Package runner executes single agent turns against an engine child process.

A turn takes a prompt and must end in exactly one of five states: ok with a
parsed JSON output, superseded, timed out, transient failure, or fatal
failure. The supervisor reacts to the tag; the runner owns process
lifecycle, abort delivery, and output parsing.

# Realizations

OneShot spawns a fresh child per turn. The child reads the prompt on
stdin, announces its thread with a "session id: <id>" stderr line, writes
the final JSON to BURROW_OUTPUT, and exits 0. Abort is SIGTERM to the
child's process group, SIGKILL after the grace period.

LongLived keeps one child alive across turns and speaks line-delimited
JSON-RPC over its stdio: thread/start, thread/resume, turn/start, and
turn/interrupt requests; turn/started, turn/completed,
item/agentMessage/delta, item/completed, and
item/commandExecution/outputDelta notifications. The final agent message
must parse as the output JSON; it is persisted to the same output path as
a one-shot run so downstream consumers cannot tell the engines apart.

# Watch conditions

The caller races a turn against external conditions through Watch:

	watch := runner.Watch{
		Supersede: supersedeCh, // closed when the packet file changed
		Timeout:   timeoutCh,   // fires when the watchdog expires
	}
	result := r.RunTurn(ctx, req, watch)

Whichever condition fires first wins; the runner interrupts the engine,
escalates to kill after the grace period, and tags the result so the
supervisor can restart (superseded) or close blocked (timeout).

# Failure classification

Engine failure text is classified once, here: rate-limit markers map to
rate_limited with an optional Retry-After extracted from the text, and
connection markers map to stream_disconnected. Both are transient; the
supervisor retries them with backoff and writes the global cooldown on
rate limits. Everything else is fatal to the current task.
*/
package runner
