/*
Package bus implements the AgentBus: Burrow's file-backed task and receipt
store. Every other component is a client of this package; nothing else in
the repo touches the packet files directly.

# Architecture

One directory tree is the whole store. There is no daemon, no index, no
cache: the filesystem is the database and atomic rename is the only
state-changing primitive.

	<busRoot>/
	├── inbox/
	│   └── <agent>/
	│       ├── new/           ← delivered, unobserved
	│       ├── seen/          ← observed, no commitment
	│       ├── in_progress/   ← claimed
	│       └── processed/     ← closed (terminal)
	├── receipts/
	│   └── <agent>/<id>.json  ← closure record, written before the
	│                            processed rename
	├── artifacts/
	│   └── <agent>/<id>.<label>.json
	└── state/                 ← locks, leases, cooldown, pins,
	                             observer watermarks

A packet file is a delimiter line, a JSON meta object, a delimiter line,
then the free-form body:

	---
	{
	  "id": "1700000000000-3f2a91bc",
	  "to": ["exec"],
	  "from": "autopilot",
	  "priority": "P2",
	  "title": "Implement retry backoff",
	  "signals": {"kind": "EXECUTE", "rootId": "r1", "parentId": "t1"}
	}
	---
	Body text the agent reads.

Filenames are <id>[__suffix].md. The id prefix is authoritative; suffixes
only exist so sibling copies of one logical task can coexist in a
directory.

# Atomicity

Three primitives, used everywhere, nothing else:

  - tmp-write-then-rename (WriteAtomic): readers never see a partial
    file; a crash leaves old content or new content, never a mix.
  - rename between state directories: a packet is in exactly one state
    at any instant; a crash leaves it in the prior state or the next.
  - exclusive create (CreateExclusive): the cross-process lock
    primitive for leases and lock files.

Close writes the receipt before renaming the packet into processed, so
anything that can see a processed packet can read its receipt. The store
never deletes and never repairs; operator tooling owns destruction.

# Operations

  - Deliver: one copy per recipient into new/. Idempotent by id per
    recipient; re-delivering an id the recipient already progressed past
    new is already_exists.
  - ListInbox: distinct ids in one state, mtime ascending.
  - Open: read in any state; markSeen renames new → seen first.
  - Claim: rename into in_progress. Already in_progress claims
    idempotently; losing the rename race is claim_conflict.
  - Update: in-place rewrite (tmp-and-rename) appending body text and
    shallow-merging signals/references. The rewrite bumps mtime; that
    mtime bump is the supersede signal supervisors watch for.
  - Close: receipt write, processed rename, then a TASK_COMPLETE packet
    to the orchestrator unless suppressed.
  - ReadReceipt / RecentReceipts / StatusSummary / OpenTasks: read paths.

# Concurrency Model

Any number of readers, always. Writers are coordinated two ways: rename
semantics arbitrate racing transitions on a single packet, and the
per-agent worker lock (pkg/lock) keeps mutating traffic on one agent's
inbox to a single supervisor process. Cross-agent writes are independent
by construction because they touch disjoint paths.

No ordering is guaranteed between recipients of a broadcast. Within one
(agent, id) the rename chain is a total order.

# Usage

	store, err := bus.Open("/var/lib/burrow")
	if err != nil { ... }

	d := bus.NewDeliverer(store, roster)
	paths, err := d.Deliver(types.Meta{
		To:      []string{"plan"},
		From:    "operator",
		Title:   "Plan the migration",
		Signals: types.Signals{Kind: types.KindPlanRequest, RootID: "r1"},
	}, "Details...")

	pkt, err := store.Claim("plan", id)
	...
	_, err = store.Close("plan", id, bus.CloseRequest{
		Outcome:            types.OutcomeDone,
		Note:               "plan written",
		NotifyOrchestrator: pkt.Meta.Signals.WantsOrchestratorNotify(),
	})

# Integration Points

  - pkg/supervisor: claims, re-opens, updates baselines, closes
  - pkg/orchestrator: consumes TASK_COMPLETE, coalesces via Update
  - pkg/observer: delivers REVIEW_ACTION_REQUIRED packets
  - pkg/archive: sweeps processed packets and receipts out of the tree
  - cmd/burrow: send/inbox/receipts/status commands

# See Also

  - pkg/types for the meta, receipt and error-kind definitions
  - pkg/coordinator for the semaphore and cooldown files under state/
*/
package bus
