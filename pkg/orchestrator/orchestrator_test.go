package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
	"github.com/burrowlabs/burrow/pkg/lock"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/types"
)

type rig struct {
	fwd   *Forwarder
	store *bus.Store
}

func newRig(t *testing.T, mod func(*Options)) *rig {
	t.Helper()
	store, err := bus.Open(t.TempDir())
	require.NoError(t, err)
	ros := roster.Default()
	locks := lock.NewManager(store.StatePath("worker-locks"))

	opts := Options{
		AutopilotDigest:     config.DigestCompact,
		OperatorDigest:      config.DigestCompact,
		MaxRemediationDepth: 1,
		DigestMaxChars:      400,
		PollInterval:        10 * time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	return &rig{fwd: New(store, ros, locks, nil, opts), store: store}
}

// closeTask delivers a packet to agent, claims and closes it, which
// emits the TASK_COMPLETE the forwarder consumes.
func (r *rig) closeTask(t *testing.T, agent string, meta types.Meta, req bus.CloseRequest) {
	t.Helper()
	_, err := r.store.Deliver(meta, "body")
	require.NoError(t, err)
	_, err = r.store.Claim(agent, meta.ID)
	require.NoError(t, err)
	req.NotifyOrchestrator = true
	_, err = r.store.Close(agent, meta.ID, req)
	require.NoError(t, err)
}

func (r *rig) autopilotInbox(t *testing.T) []*bus.Packet {
	t.Helper()
	var pkts []*bus.Packet
	for _, state := range []types.InboxState{types.StateNew, types.StateSeen, types.StateInProgress} {
		ids, err := r.store.ListInbox("autopilot", state)
		require.NoError(t, err)
		for _, id := range ids {
			pkt, err := r.store.Open("autopilot", id, false)
			require.NoError(t, err)
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

func TestForwardExecuteCompletionReviewRequired(t *testing.T) {
	r := newRig(t, nil)
	r.closeTask(t, "exec", types.Meta{
		ID: "t2", To: []string{"exec"}, From: "autopilot", Title: "implement feature",
		Signals: types.Signals{Kind: types.KindExecute, Phase: "build", RootID: "r1", ParentID: "t1"},
	}, bus.CloseRequest{Outcome: types.OutcomeDone, Note: "shipped", CommitSha: "deadbeef"})

	r.fwd.PollOnce(context.Background())

	pkts := r.autopilotInbox(t)
	require.Len(t, pkts, 1)
	d := pkts[0]
	assert.Equal(t, types.KindOrchestratorUpdate, d.Meta.Signals.Kind)
	assert.Equal(t, "r1", d.Meta.Signals.RootID)
	assert.Equal(t, "t2", d.Meta.Signals.ParentID)
	assert.Equal(t, "exec", d.Meta.Ref(types.RefSourceAgent))
	assert.Equal(t, "true", d.Meta.Ref("reviewRequired"))
	assert.Equal(t, "deadbeef", d.Meta.Ref(types.RefCommitSha))
	assert.Contains(t, d.Body, "review required")

	// Incoming TASK_COMPLETE was closed without re-notifying.
	summary, err := r.store.StatusSummary([]string{"orchestrator"})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Agents[0].New)
	assert.Equal(t, 1, summary.Agents[0].Processed)
}

func TestNoReviewRequiredWithoutCommit(t *testing.T) {
	r := newRig(t, nil)
	r.closeTask(t, "plan", types.Meta{
		ID: "t3", To: []string{"plan"}, From: "operator", Title: "plan it",
		Signals: types.Signals{Kind: types.KindPlanRequest, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeDone, Note: "plan written"})

	r.fwd.PollOnce(context.Background())

	pkts := r.autopilotInbox(t)
	require.Len(t, pkts, 1)
	assert.Empty(t, pkts[0].Meta.Ref("reviewRequired"))
}

func TestLoopBreakOnOrchestratorUpdateDone(t *testing.T) {
	r := newRig(t, nil)
	// Autopilot closes a digest task cleanly: nothing bounces back.
	r.closeTask(t, "autopilot", types.Meta{
		ID: "t4", To: []string{"autopilot"}, From: "orchestrator", Title: "digest",
		Signals: types.Signals{Kind: types.KindOrchestratorUpdate, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeDone})

	r.fwd.PollOnce(context.Background())
	assert.Empty(t, r.autopilotInbox(t))
}

func TestSelfRemediationForwardsOnceThenCaps(t *testing.T) {
	r := newRig(t, nil)

	// Depth 0: autopilot fails its digest task; one remediation forward.
	r.closeTask(t, "autopilot", types.Meta{
		ID: "t5", To: []string{"autopilot"}, From: "orchestrator", Title: "digest",
		Signals: types.Signals{Kind: types.KindOrchestratorUpdate, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeBlocked, Note: "could not act"})

	r.fwd.PollOnce(context.Background())
	pkts := r.autopilotInbox(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, 1, pkts[0].Meta.Signals.RemediationDepth)
	assert.Contains(t, pkts[0].Meta.Title, "Remediate")

	// Depth 1: autopilot fails the remediation too; the cap holds.
	_, err := r.store.Claim("autopilot", pkts[0].Meta.ID)
	require.NoError(t, err)
	_, err = r.store.Close("autopilot", pkts[0].Meta.ID, bus.CloseRequest{
		Outcome:            types.OutcomeBlocked,
		Note:               "still stuck",
		NotifyOrchestrator: true,
	})
	require.NoError(t, err)

	r.fwd.PollOnce(context.Background())
	assert.Empty(t, r.autopilotInbox(t), "remediation depth cap must stop the loop")
}

func TestNonAutopilotOrchestratorUpdateNeverForwarded(t *testing.T) {
	r := newRig(t, nil)
	r.closeTask(t, "exec", types.Meta{
		ID: "t6", To: []string{"exec"}, From: "orchestrator", Title: "digest",
		Signals: types.Signals{Kind: types.KindOrchestratorUpdate, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeFailed})

	r.fwd.PollOnce(context.Background())
	assert.Empty(t, r.autopilotInbox(t))
}

func reviewAlert(id, rootID, item string) types.Meta {
	return types.Meta{
		ID: id, To: []string{"orchestrator"}, From: "observer",
		Title:   "PR #" + item + " needs attention",
		Signals: types.Signals{Kind: types.KindReviewActionRequired, RootID: rootID},
		References: map[string]string{
			types.RefSourceAgent: "observer:pr",
			types.RefReviewItem:  item,
		},
	}
}

func TestReviewAlertsCoalesceByRoot(t *testing.T) {
	r := newRig(t, nil)

	_, err := r.store.Deliver(reviewAlert("t7", "pr-41", "41"), "first comment")
	require.NoError(t, err)
	r.fwd.PollOnce(context.Background())

	pkts := r.autopilotInbox(t)
	require.Len(t, pkts, 1)
	first := pkts[0]
	assert.Equal(t, types.KindOrchestratorUpdate, first.Meta.Signals.Kind)
	assert.Equal(t, "observer:pr", first.Meta.Ref(types.RefSourceAgent))

	// Second alert for the same root coalesces into the same task.
	_, err = r.store.Deliver(reviewAlert("t8", "pr-41", "41"), "second comment")
	require.NoError(t, err)
	r.fwd.PollOnce(context.Background())

	pkts = r.autopilotInbox(t)
	require.Len(t, pkts, 1, "alerts for one root collapse onto one task")
	assert.Equal(t, first.Meta.ID, pkts[0].Meta.ID)
	assert.Contains(t, pkts[0].Body, "first comment")
	assert.Contains(t, pkts[0].Body, "second comment")

	// A different root still gets its own task.
	_, err = r.store.Deliver(reviewAlert("t9", "pr-42", "42"), "other PR")
	require.NoError(t, err)
	r.fwd.PollOnce(context.Background())
	assert.Len(t, r.autopilotInbox(t), 2)
}

func TestForwardToOperatorWhenEnabled(t *testing.T) {
	r := newRig(t, func(o *Options) {
		o.ForwardToOperator = true
		o.OperatorDigest = config.DigestVerbose
	})
	r.closeTask(t, "exec", types.Meta{
		ID: "t10", To: []string{"exec"}, From: "autopilot", Title: "work",
		Signals: types.Signals{Kind: types.KindExecute, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeDone, Note: "line one\nline two", CommitSha: "abc"})

	r.fwd.PollOnce(context.Background())

	ids, err := r.store.ListInbox("operator", types.StateNew)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	pkt, err := r.store.Open("operator", ids[0], false)
	require.NoError(t, err)
	assert.Contains(t, pkt.Body, "line one\nline two", "verbose digest keeps the note intact")
}

func TestDigestCompactCapsLength(t *testing.T) {
	r := newRig(t, func(o *Options) { o.DigestMaxChars = 80 })

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	r.closeTask(t, "exec", types.Meta{
		ID: "t11", To: []string{"exec"}, From: "autopilot", Title: "work",
		Signals: types.Signals{Kind: types.KindExecute, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeDone, Note: string(long)})

	r.fwd.PollOnce(context.Background())

	pkts := r.autopilotInbox(t)
	require.Len(t, pkts, 1)
	assert.LessOrEqual(t, len(pkts[0].Body), 83, "compact digest respects the budget")
}

func TestDigestCompactCutsOnRuneBoundary(t *testing.T) {
	r := newRig(t, func(o *Options) { o.DigestMaxChars = 80 })

	// Multi-byte notes must survive the cap without byte-level damage.
	note := strings.Repeat("é", 200)
	r.closeTask(t, "exec", types.Meta{
		ID: "t12", To: []string{"exec"}, From: "autopilot", Title: "work",
		Signals: types.Signals{Kind: types.KindExecute, RootID: "r1"},
	}, bus.CloseRequest{Outcome: types.OutcomeDone, Note: note})

	r.fwd.PollOnce(context.Background())

	pkts := r.autopilotInbox(t)
	require.Len(t, pkts, 1)
	assert.True(t, utf8.ValidString(pkts[0].Body),
		"compact digest must stay valid UTF-8: %q", pkts[0].Body)
	assert.LessOrEqual(t, len(pkts[0].Body), 83)
}
