/*
Package supervisor drives one agent's task lifecycle: poll the inbox,
claim a packet, run an engine turn, dispatch follow-ups, close with a
receipt. One supervisor process per agent per bus root; the worker lock
(pkg/lock) turns a double start into a startup error.

# The loop

Each poll enumerates in_progress, then new, then seen (resume before
fresh work), deduplicates preserving that order, and processes each id
once per cycle:

	claim ──► wait cooldown ──► acquire semaphore slot
	      ──► re-open packet, record mtime baseline
	      ──► run turn, racing:
	            · supersede poller (packet mtime > baseline)
	            · turn watchdog (absolute deadline for the task)
	            · the engine's own completion
	      ──► ok?         parse output, dispatch follow-ups, close
	          superseded? loop back to re-open: the update is now
	                      visible in the prompt
	          timeout?    close blocked, status packet to operator
	          transient?  backoff and retry (cooldown on rate limits)
	          fatal?      close failed

Every path that keeps the claim ends in exactly one close, so the
receipt-iff-processed invariant survives any ordering of these events.

# Supersede

An Update to a claimed packet bumps its file mtime. The poller watches
the file at the configured interval; when the mtime passes the baseline
the turn is interrupted (engine interrupt, then kill after the grace
period) and the loop restarts against the rewritten packet. The watchdog
deadline is absolute per task, so supersede restarts cannot extend a
task's wall-clock budget.

# Sessions

Thread ids reported by the engine are pinned per (agent, task) so a
retry resumes the same conversation. Autopilot agents additionally pin
per workflow root and keep their first thread as the agent session, which
is what makes a warm-resumed ORCHESTRATOR_UPDATE cheap: the thread
already holds the context, so the prompt carries only the thin snapshot.

# Follow-ups

A turn's output may request follow-up packets. Dispatch is capped per
turn, validates recipients/title/body/signals, and rejects any follow-up
targeting the dispatching agent itself (the loop breaker). Failures are
collected into receiptExtra.followUpDispatchErrors and downgrade a done
outcome to needs_review; they never block the close.
*/
package supervisor
