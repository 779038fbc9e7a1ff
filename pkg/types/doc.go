/*
Package types defines the core data structures used throughout Burrow.

This package contains the fundamental types of Burrow's domain model:
packets (tasks addressed to agents), receipts (closure records), signals
(the typed routing envelope), the inbox state machine, the error taxonomy,
and packet id generation. Every other package depends on it; it depends on
nothing inside the repo.

# Core Types

Packets and closure:
  - Meta: the JSON header of a packet file (id, to, from, priority,
    title, signals, references)
  - Signals: kind, phase, rootId, parentId, smoke, notifyOrchestrator
  - Receipt: durable closure record for one (agent, task) pair
  - TurnOutput / FollowUp: the subset of an agent's JSON result the
    runtime interprets

Lifecycle:
  - InboxState: new → seen → in_progress → processed
  - Outcome: done, needs_review, blocked, failed, skipped

Coordination:
  - Cooldown: global advisory pause record (max-wins on merge)
  - SessionPin: (agent, task) → LLM thread binding

# State Machine

Packets move through exactly four states, each a directory inside the
owning agent's inbox:

	new → seen → in_progress → processed

Valid transitions:
  - new → seen (supervisor observed, no commitment)
  - new/seen → in_progress (claim: observation plus commitment)
  - in_progress → in_progress (re-claim is a no-op)
  - any non-processed → processed (close, paired with a receipt write)

processed is terminal. Nothing in the runtime deletes a packet; archival
and deletion belong to operator tooling.

# Error Taxonomy

Failures crossing a component boundary carry an ErrorKind inside a
*types.Error, checked with errors.As via KindOf and IsKind:

	if types.IsKind(err, types.ErrClaimConflict) {
		// lost the race, move on
	}

Kinds are closed-world: not_found, already_exists, already_processed,
claim_conflict, io_error, schema_invalid, rate_limited,
stream_disconnected, turn_timeout, superseded, dependency_missing.

# Wire Format

Meta and Receipt marshal to the on-disk JSON formats. The json tags are
the wire contract; renaming a field breaks every reader of an existing
bus root.

# See Also

  - pkg/bus for the on-disk layout and state transitions
  - pkg/supervisor for how outcomes are decided
*/
package types
