// Package observer bridges an external review surface onto the bus.
//
// An Observer periodically polls a Source for open items and compares
// the result against per-item state files under
// state/observer/<source>/<id>.json. An item with no state file is new:
// if it passes the author and selection filters it becomes a
// REVIEW_ACTION_REQUIRED packet addressed to the orchestrator, then a
// state file records it so it is never emitted twice. Items are keyed
// by identity, not content; edits to an already-seen item do not
// re-emit.
//
// The first poll of a source is special. In baseline mode every open
// item is recorded without emitting, so pointing a fresh observer at a
// busy repository does not convert months of backlog into packets.
// Replay mode emits the full backlog instead, for operators who want
// the queue worked down.
//
// Bot-authored items are skipped unless their text carries a blocking
// keyword, since approval chatter and auto-merge notices need no agent
// turn. State writes go through the bus's atomic write helper, so a
// crash between emit and record can at worst re-emit one item.
package observer
