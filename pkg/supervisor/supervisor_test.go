package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/coordinator"
	"github.com/burrowlabs/burrow/pkg/lock"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/runner"
	"github.com/burrowlabs/burrow/pkg/types"
)

// stubRunner replays a scripted behavior per turn attempt. The last
// entry repeats when attempts outnumber the script.
type stubRunner struct {
	mu      sync.Mutex
	script  []func(req runner.Request, watch runner.Watch) runner.Result
	calls   []runner.Request
	started []time.Time
}

func (r *stubRunner) RunTurn(_ context.Context, req runner.Request, watch runner.Watch) runner.Result {
	r.mu.Lock()
	idx := len(r.calls)
	r.calls = append(r.calls, req)
	r.started = append(r.started, time.Now())
	if idx >= len(r.script) {
		idx = len(r.script) - 1
	}
	fn := r.script[idx]
	r.mu.Unlock()
	return fn(req, watch)
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *stubRunner) call(i int) runner.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func okTurn(out types.TurnOutput, threadID string) func(runner.Request, runner.Watch) runner.Result {
	return func(runner.Request, runner.Watch) runner.Result {
		o := out
		return runner.Result{Status: runner.StatusOK, Output: &o, ThreadID: threadID}
	}
}

// waitWatch blocks until a watch condition fires, like a real engine
// being interrupted.
func waitWatch(_ runner.Request, watch runner.Watch) runner.Result {
	select {
	case <-watch.Supersede:
		return runner.Result{Status: runner.StatusSuperseded}
	case <-watch.Timeout:
		return runner.Result{
			Status: runner.StatusTimeout,
			Err:    types.E(types.ErrTurnTimeout, "stub", "", nil),
		}
	}
}

func transientTurn(kind types.ErrorKind, retryAfter time.Duration) func(runner.Request, runner.Watch) runner.Result {
	return func(runner.Request, runner.Watch) runner.Result {
		return runner.Result{
			Status:     runner.StatusTransient,
			RetryAfter: retryAfter,
			Err:        types.E(kind, "stub", "", nil),
		}
	}
}

type rig struct {
	sup   *Supervisor
	store *bus.Store
	coord *coordinator.Coordinator
	stub  *stubRunner
}

func newRig(t *testing.T, agentName string, script []func(runner.Request, runner.Watch) runner.Result, mod func(*Options)) *rig {
	t.Helper()
	store, err := bus.Open(t.TempDir())
	require.NoError(t, err)

	ros := roster.Default()
	agent, ok := ros.Get(agentName)
	require.True(t, ok, "agent %s not in default roster", agentName)

	coord := coordinator.New(
		store.StatePath(coordinator.SemaphoreDirName),
		store.StatePath(coordinator.CooldownFileName),
		2,
	)
	locks := lock.NewManager(store.StatePath("worker-locks"))
	stub := &stubRunner{script: script}

	opts := Options{
		PollInterval:    10 * time.Millisecond,
		TurnTimeout:     5 * time.Second,
		SupersedePoll:   10 * time.Millisecond,
		MinCooldown:     80 * time.Millisecond,
		RetryBase:       5 * time.Millisecond,
		RetryMax:        20 * time.Millisecond,
		MaxTurnRetries:  3,
		MaxFollowUps:    5,
		PinAgentSession: true,
	}
	if mod != nil {
		mod(&opts)
	}

	sup := New(agent, ros, store, coord, locks, stub, "one-shot", nil, opts)
	return &rig{sup: sup, store: store, coord: coord, stub: stub}
}

func (r *rig) deliver(t *testing.T, meta types.Meta, body string) {
	t.Helper()
	_, err := r.store.Deliver(meta, body)
	require.NoError(t, err)
}

func execMeta(id string) types.Meta {
	return types.Meta{
		ID:    id,
		To:    []string{"exec"},
		From:  "autopilot",
		Title: "do the thing",
		Signals: types.Signals{
			Kind:   types.KindExecute,
			Phase:  "build",
			RootID: "r1",
		},
	}
}

func TestProcessTaskDone(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		okTurn(types.TurnOutput{
			Outcome:   types.OutcomeDone,
			Note:      "implemented",
			CommitSha: "deadbeef",
		}, "th-1"),
	}, nil)
	r.deliver(t, execMeta("t1"), "build the retry backoff")

	r.sup.processTask(context.Background(), "t1")

	receipt, err := r.store.ReadReceipt("exec", "t1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDone, receipt.Outcome)
	assert.Equal(t, "deadbeef", receipt.CommitSha)

	state, _, err := r.store.Locate("exec", "t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateProcessed, state)

	// Close emitted TASK_COMPLETE to the orchestrator.
	ids, err := r.store.ListInbox("orchestrator", types.StateNew)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	pkt, err := r.store.Open("orchestrator", ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, types.KindTaskComplete, pkt.Meta.Signals.Kind)
	assert.Equal(t, "t1", pkt.Meta.Ref(types.RefSourceTaskID))
	assert.Equal(t, "deadbeef", pkt.Meta.Ref(types.RefCommitSha))
}

func TestNotifySuppressedByPacketSignal(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone}, ""),
	}, nil)
	meta := execMeta("t1")
	meta.Signals.NotifyOrchestrator = types.Bool(false)
	r.deliver(t, meta, "quiet task")

	r.sup.processTask(context.Background(), "t1")

	_, err := r.store.ReadReceipt("exec", "t1")
	require.NoError(t, err)
	ids, err := r.store.ListInbox("orchestrator", types.StateNew)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFollowUpDispatchAndSelfLoopBreaker(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		okTurn(types.TurnOutput{
			Outcome: types.OutcomeDone,
			FollowUps: []types.FollowUp{
				{
					To:      []string{"plan"},
					Title:   "plan the next phase",
					Body:    "details",
					Signals: types.Signals{Kind: types.KindPlanRequest, Phase: "plan"},
				},
				{
					// Self-target: must be rejected, never delivered.
					To:      []string{"exec"},
					Title:   "feed myself",
					Body:    "loop",
					Signals: types.Signals{Kind: types.KindExecute, Phase: "build"},
				},
			},
		}, ""),
	}, nil)
	r.deliver(t, execMeta("t1"), "body")

	r.sup.processTask(context.Background(), "t1")

	receipt, err := r.store.ReadReceipt("exec", "t1")
	require.NoError(t, err)
	// Dispatch errors downgrade done to needs_review.
	assert.Equal(t, types.OutcomeNeedsReview, receipt.Outcome)

	errsVal, ok := receipt.ReceiptExtra[extraDispatchErrors]
	require.True(t, ok, "dispatch errors should be recorded")
	errs, ok := errsVal.([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(string), "self-targeted")

	// The valid follow-up reached plan with inherited workflow identity.
	ids, err := r.store.ListInbox("plan", types.StateNew)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	pkt, err := r.store.Open("plan", ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, "r1", pkt.Meta.Signals.RootID)
	assert.Equal(t, "t1", pkt.Meta.Signals.ParentID)
	assert.Equal(t, "exec", pkt.Meta.From)

	// Nothing new landed in exec's own inbox.
	ids, err = r.store.ListInbox("exec", types.StateNew)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSupersedeRestartsWithFreshPrompt(t *testing.T) {
	firstStarted := make(chan struct{})
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		func(req runner.Request, watch runner.Watch) runner.Result {
			close(firstStarted)
			return waitWatch(req, watch)
		},
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone, Note: "redone"}, ""),
	}, nil)
	r.deliver(t, execMeta("t3"), "original body")

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.sup.processTask(context.Background(), "t3")
	}()

	select {
	case <-firstStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never started")
	}
	// Mid-turn update: bumps the packet mtime, which the watcher turns
	// into a supersede.
	require.NoError(t, r.store.Update("exec", "t3", bus.UpdateRequest{
		From:       "operator",
		AppendBody: "and also X",
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processTask did not finish after supersede")
	}

	require.Equal(t, 2, r.stub.callCount())
	assert.Contains(t, r.stub.call(1).Prompt, "and also X",
		"restarted turn must see the updated body")
	assert.Contains(t, r.stub.call(1).Prompt, "original body")

	// Exactly one receipt, from the second attempt.
	receipt, err := r.store.ReadReceipt("exec", "t3")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDone, receipt.Outcome)
	assert.Equal(t, "redone", receipt.Note)
}

func TestTimeoutClosesBlockedAndNotifiesOperator(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		waitWatch,
	}, func(o *Options) {
		o.TurnTimeout = 60 * time.Millisecond
	})
	r.deliver(t, execMeta("t4"), "slow work")

	r.sup.processTask(context.Background(), "t4")

	receipt, err := r.store.ReadReceipt("exec", "t4")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeBlocked, receipt.Outcome)
	assert.Contains(t, receipt.Note, "watchdog")
	assert.Equal(t, "turn_timeout", receipt.ReceiptExtra["error"])

	// The operator got a throttled STATUS packet.
	ids, err := r.store.ListInbox("operator", types.StateNew)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	pkt, err := r.store.Open("operator", ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, types.KindStatus, pkt.Meta.Signals.Kind)
	assert.Contains(t, pkt.Meta.Title, "timeout")
}

func TestRateLimitSetsCooldownThenRetriesSucceed(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		transientTurn(types.ErrRateLimited, 0),
		transientTurn(types.ErrRateLimited, 0),
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone}, ""),
	}, nil)
	r.deliver(t, execMeta("t5"), "rate limited work")

	start := time.Now()
	r.sup.processTask(context.Background(), "t5")

	require.Equal(t, 3, r.stub.callCount())
	receipt, err := r.store.ReadReceipt("exec", "t5")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDone, receipt.Outcome)

	// The cooldown gated the retries: two pauses of MinCooldown each.
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond,
		"retries should have waited out the cooldown")
}

func TestTransientRetriesExhaustedClosesFailed(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		transientTurn(types.ErrStreamDisconnected, 0),
	}, func(o *Options) {
		o.MaxTurnRetries = 2
	})
	r.deliver(t, execMeta("t6"), "flaky engine")

	r.sup.processTask(context.Background(), "t6")

	require.Equal(t, 3, r.stub.callCount(), "initial attempt plus two retries")
	receipt, err := r.store.ReadReceipt("exec", "t6")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, receipt.Outcome)
	assert.Contains(t, receipt.ReceiptExtra["error"].(string), "stream_disconnected")
}

func TestFatalClosesFailed(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		func(runner.Request, runner.Watch) runner.Result {
			return runner.Result{
				Status: runner.StatusFatal,
				Err:    types.E(types.ErrSchemaInvalid, "stub", "", nil),
			}
		},
	}, nil)
	r.deliver(t, execMeta("t7"), "broken output")

	r.sup.processTask(context.Background(), "t7")

	receipt, err := r.store.ReadReceipt("exec", "t7")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFailed, receipt.Outcome)
	assert.NotEmpty(t, receipt.ReceiptExtra["error"])
	require.Equal(t, 1, r.stub.callCount(), "fatal failures are not retried")
}

func TestShutdownMidTurnLeavesTaskClaimed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		func(runner.Request, runner.Watch) runner.Result {
			// Shutdown lands while the engine is mid-turn.
			cancel()
			return runner.Result{Status: runner.StatusFatal, Err: context.Canceled}
		},
	}, nil)
	r.deliver(t, execMeta("t12"), "interrupted work")

	r.sup.processTask(ctx, "t12")

	state, _, err := r.store.Locate("exec", "t12")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, state,
		"shutdown must leave the claim for the next run to resume")

	_, err = r.store.ReadReceipt("exec", "t12")
	assert.True(t, types.IsKind(err, types.ErrNotFound),
		"no receipt may be written for a turn shutdown aborted")
}

func TestAutopilotResumesPinnedSession(t *testing.T) {
	r := newRig(t, "autopilot", []func(runner.Request, runner.Watch) runner.Result{
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone}, "th-main"),
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone}, "th-main"),
	}, nil)

	first := types.Meta{
		ID: "t8", To: []string{"autopilot"}, From: "operator", Title: "plan it",
		Signals: types.Signals{Kind: types.KindUserRequest, Phase: "plan", RootID: "r9"},
	}
	r.deliver(t, first, "plan request")
	r.sup.processTask(context.Background(), "t8")

	assert.Empty(t, r.stub.call(0).ResumeThread, "first turn starts a fresh thread")
	assert.Equal(t, "th-main", r.sup.sessions.TaskThread("autopilot", "t8"))
	assert.Equal(t, "th-main", r.sup.sessions.RootThread("autopilot", "r9"))
	assert.Equal(t, "th-main", r.sup.sessions.AgentSession("autopilot"))

	second := types.Meta{
		ID: "t9", To: []string{"autopilot"}, From: "orchestrator", Title: "digest",
		Signals: types.Signals{Kind: types.KindOrchestratorUpdate, Phase: "review", RootID: "r9"},
	}
	r.deliver(t, second, "digest body")
	r.sup.processTask(context.Background(), "t9")

	require.Equal(t, 2, r.stub.callCount())
	assert.Equal(t, "th-main", r.stub.call(1).ResumeThread,
		"later autopilot turns resume the pinned session")
}

func TestStatusPacketsThrottledPerTitle(t *testing.T) {
	r := newRig(t, "exec", nil, nil)

	r.sup.notifyOperator("exec stuck", "first", nil)
	r.sup.notifyOperator("exec stuck", "second within the quiet period", nil)
	r.sup.notifyOperator("different title", "goes through", nil)

	ids, err := r.store.ListInbox("operator", types.StateNew)
	require.NoError(t, err)
	assert.Len(t, ids, 2, "duplicate title inside the TTL is suppressed")
}

func TestRunRefusesSecondSupervisor(t *testing.T) {
	r := newRig(t, "exec", nil, nil)
	locks := lock.NewManager(r.store.StatePath("worker-locks"))
	held, err := locks.Acquire("exec")
	require.NoError(t, err)
	defer func() { require.NoError(t, held.Release()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = r.sup.Run(ctx)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrAlreadyExists))
	assert.Contains(t, err.Error(), "already supervised")
}

func TestRunDrivesDeliveredTaskToReceipt(t *testing.T) {
	r := newRig(t, "exec", []func(runner.Request, runner.Watch) runner.Result{
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone}, ""),
	}, nil)
	r.deliver(t, execMeta("t10"), "end to end")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := r.store.ReadReceipt("exec", "t10")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	// The lock was released on exit.
	locks := lock.NewManager(r.store.StatePath("worker-locks"))
	_, _, err := locks.Inspect("exec")
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}

func TestPromptCarriesSkillTokens(t *testing.T) {
	r := newRig(t, "plan", []func(runner.Request, runner.Watch) runner.Result{
		okTurn(types.TurnOutput{Outcome: types.OutcomeDone}, ""),
	}, nil)
	meta := types.Meta{
		ID: "t11", To: []string{"plan"}, From: "operator", Title: "plan the migration",
		Signals: types.Signals{Kind: types.KindPlanRequest, Phase: "plan", RootID: "r2"},
	}
	r.deliver(t, meta, "migrate the storage layer")

	r.sup.processTask(context.Background(), "t11")

	require.Equal(t, 1, r.stub.callCount())
	prompt := r.stub.call(0).Prompt
	assert.True(t, strings.Contains(prompt, "$plan-project"), "planning skill token missing:\n%s", prompt)
	assert.Contains(t, prompt, "migrate the storage layer")
}
