/*
Package orchestrator forwards completion notifications to the autopilot.

Every Close on the bus (unless suppressed) drops a TASK_COMPLETE packet
into the orchestrator inbox. The forwarder claims each one, reads the
referenced receipt, and delivers a compact digest (source kind and
agent, task and workflow ids, outcome, commit, trimmed note) to the
autopilot as an ORCHESTRATOR_UPDATE, and optionally to the operator. A
completed EXECUTE that ended done with a commit is flagged review
required.

Two rules keep the forwarding graph a DAG:

  - Loop break: a TASK_COMPLETE whose completed kind is itself
    ORCHESTRATOR_UPDATE is not forwarded back, with one exception. When
    the autopilot closed its own digest task as anything but done, the
    forwarder sends a single remediation digest, incrementing a depth
    counter carried in the packet signals. The configured cap (default 1)
    bounds how many times the autopilot may fail at remediating itself.
  - Self-notify suppression: the forwarder closes every incoming packet
    with notifyOrchestrator=false, so its own closes never re-enter its
    inbox.

Observer alerts (REVIEW_ACTION_REQUIRED) pass through here too, with
coalescing: a second alert for the same workflow root and source agent
folds into the autopilot's existing open digest task via Update rather
than piling up as new packets. The Update also bumps that task's mtime
and supersedes any turn the autopilot is running against it, exactly
the refresh the new information warrants.
*/
package orchestrator
