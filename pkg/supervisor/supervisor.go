package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
	"github.com/burrowlabs/burrow/pkg/coordinator"
	"github.com/burrowlabs/burrow/pkg/events"
	"github.com/burrowlabs/burrow/pkg/lock"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/metrics"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/runner"
	"github.com/burrowlabs/burrow/pkg/types"
)

// Options are the supervisor tunables, normally derived from the runtime
// config with OptionsFrom.
type Options struct {
	PollInterval  time.Duration
	TurnTimeout   time.Duration
	SupersedePoll time.Duration
	MinCooldown   time.Duration

	RetryBase      time.Duration
	RetryMax       time.Duration
	RetryJitter    time.Duration
	MaxTurnRetries int

	MaxFollowUps int

	// PinAgentSession keeps an autopilot's first thread as its session
	// for the life of the bus root.
	PinAgentSession bool
}

// OptionsFrom maps the runtime config onto supervisor options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		PollInterval:    cfg.PollInterval.D(),
		TurnTimeout:     cfg.TurnTimeout.D(),
		SupersedePoll:   cfg.SupersedePoll.D(),
		MinCooldown:     cfg.MinCooldown.D(),
		RetryBase:       cfg.RetryBase.D(),
		RetryMax:        cfg.RetryMax.D(),
		RetryJitter:     cfg.RetryJitter.D(),
		MaxTurnRetries:  cfg.MaxTurnRetries,
		MaxFollowUps:    cfg.MaxFollowUps,
		PinAgentSession: true,
	}
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 400 * time.Millisecond
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 2 * time.Hour
	}
	if o.SupersedePoll <= 0 {
		o.SupersedePoll = time.Second
	}
	if o.MinCooldown <= 0 {
		o.MinCooldown = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMax < o.RetryBase {
		o.RetryMax = 30 * o.RetryBase
	}
	if o.MaxTurnRetries <= 0 {
		o.MaxTurnRetries = 3
	}
	if o.MaxFollowUps <= 0 {
		o.MaxFollowUps = 5
	}
}

// Supervisor drives one agent's task lifecycle end to end: claim, turn,
// follow-ups, receipt. One supervisor per agent per bus root, enforced
// by the worker lock.
type Supervisor struct {
	agent     *roster.Agent
	roster    *roster.Roster
	store     *bus.Store
	deliverer *bus.Deliverer
	coord     *coordinator.Coordinator
	locks     *lock.Manager
	runner    runner.Runner
	sessions  *SessionStore
	broker    *events.Broker
	throttle  *cache.Cache
	opts      Options
	engine    string
	logger    zerolog.Logger
}

// New assembles a supervisor. broker may be nil when nothing consumes
// lifecycle events.
func New(agent *roster.Agent, ros *roster.Roster, store *bus.Store, coord *coordinator.Coordinator,
	locks *lock.Manager, run runner.Runner, engine string, broker *events.Broker, opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		agent:     agent,
		roster:    ros,
		store:     store,
		deliverer: bus.NewDeliverer(store, ros),
		coord:     coord,
		locks:     locks,
		runner:    run,
		sessions:  NewSessionStore(store),
		broker:    broker,
		throttle:  newStatusThrottle(),
		opts:      opts,
		engine:    engine,
		logger:    log.WithComponent("supervisor").With().Str("agent", agent.Name).Logger(),
	}
}

func (s *Supervisor) emit(t events.EventType, taskID, message string) {
	if s.broker != nil {
		s.broker.Emit(t, s.agent.Name, taskID, message)
	}
}

// Run acquires the worker lock and polls the agent's inbox until ctx is
// done. A lock held by a live pid is a startup error, not something to
// wait out: two supervisors on one inbox would break the single-writer
// discipline the bus depends on.
func (s *Supervisor) Run(ctx context.Context) error {
	held, err := s.locks.Acquire(s.agent.Name)
	if err != nil {
		return fmt.Errorf("supervisor for %q cannot start: %w", s.agent.Name, err)
	}
	defer func() {
		if rerr := held.Release(); rerr != nil {
			s.logger.Warn().Err(rerr).Msg("worker lock release failed")
		}
	}()

	if err := s.store.EnsureAgent(s.agent.Name); err != nil {
		return err
	}
	s.logger.Info().
		Str("engine", s.engine).
		Dur("poll_interval", s.opts.PollInterval).
		Msg("supervisor started")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("supervisor stopping")
			return ctx.Err()
		case <-ticker.C:
		}
		s.pollOnce(ctx)
	}
}

// pollOnce enumerates the inbox in resume-before-fresh order and
// processes each id once: in_progress first, then new, then seen, each
// slice already mtime ascending from the store.
func (s *Supervisor) pollOnce(ctx context.Context) {
	var order []string
	seen := make(map[string]bool)
	for _, state := range []types.InboxState{types.StateInProgress, types.StateNew, types.StateSeen} {
		ids, err := s.store.ListInbox(s.agent.Name, state)
		if err != nil {
			s.logger.Warn().Err(err).Str("state", string(state)).Msg("inbox list failed")
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
	}

	for _, id := range order {
		if ctx.Err() != nil {
			return
		}
		s.processTask(ctx, id)
	}
}

// processTask runs the claim → turn → close lifecycle for one task. The
// outer loop restarts the turn on supersede and retries transients with
// backoff; every path out of here that keeps the claim ends in a close.
func (s *Supervisor) processTask(ctx context.Context, id string) {
	pkt, err := s.store.Claim(s.agent.Name, id)
	if err != nil {
		switch types.KindOf(err) {
		case types.ErrClaimConflict:
			metrics.ClaimConflicts.Inc()
			s.logger.Debug().Str("task_id", id).Msg("lost claim race")
		case types.ErrAlreadyProcessed, types.ErrNotFound:
			s.logger.Debug().Str("task_id", id).Msg("task no longer claimable")
		default:
			s.logger.Warn().Err(err).Str("task_id", id).Msg("claim failed")
		}
		return
	}
	s.emit(events.EventTaskClaimed, id, pkt.Meta.Title)

	deadline := time.Now().Add(s.opts.TurnTimeout)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.RetryBase
	bo.MaxInterval = s.opts.RetryMax
	bo.MaxElapsedTime = 0
	retries := 0

	for {
		if err := s.coord.WaitCooldown(ctx); err != nil {
			return
		}
		slot, err := s.coord.Acquire(ctx, s.agent.Name+"/"+id)
		if err != nil {
			return
		}

		res, current := s.runOnce(ctx, id, deadline)
		releaseErr := slot.Release()
		if releaseErr != nil {
			s.logger.Warn().Err(releaseErr).Msg("semaphore release failed")
		}
		if current == nil {
			// Packet left the inbox states mid-turn.
			s.closeSkipped(id)
			return
		}

		metrics.TurnsTotal.WithLabelValues(s.agent.Name, string(res.Status)).Inc()

		switch res.Status {
		case runner.StatusOK:
			s.finishTurn(current, res)
			return

		case runner.StatusSuperseded:
			s.emit(events.EventTurnSuperseded, id, "packet updated mid-turn, restarting")
			s.logger.Info().Str("task_id", id).Msg("turn superseded, restarting with fresh prompt")
			continue

		case runner.StatusTimeout:
			s.emit(events.EventTurnTimeout, id, "turn watchdog expired")
			note := fmt.Sprintf("turn exceeded the %s watchdog and was aborted", s.opts.TurnTimeout)
			s.notifyOperator(
				fmt.Sprintf("%s blocked on %s: turn timeout", s.agent.Name, id),
				fmt.Sprintf("Task %q (%s) ran past the configured turn timeout of %s. Closed as blocked; re-enqueue to retry.",
					current.Meta.Title, id, s.opts.TurnTimeout),
				&current.Meta)
			s.close(current, bus.CloseRequest{
				Outcome:            types.OutcomeBlocked,
				Note:               note,
				ReceiptExtra:       map[string]interface{}{"error": "turn_timeout"},
				NotifyOrchestrator: current.Meta.Signals.WantsOrchestratorNotify(),
			})
			return

		case runner.StatusTransient:
			retries++
			metrics.TurnRetries.WithLabelValues(s.agent.Name).Inc()
			if types.IsKind(res.Err, types.ErrRateLimited) {
				s.setCooldown(id, res)
			}
			if retries > s.opts.MaxTurnRetries {
				s.close(current, bus.CloseRequest{
					Outcome:            types.OutcomeFailed,
					Note:               fmt.Sprintf("turn failed after %d transient retries", retries-1),
					ReceiptExtra:       map[string]interface{}{"error": res.Err.Error()},
					NotifyOrchestrator: current.Meta.Signals.WantsOrchestratorNotify(),
				})
				return
			}
			wait := bo.NextBackOff()
			s.emit(events.EventTurnRetried, id, res.Err.Error())
			s.logger.Warn().Err(res.Err).
				Int("attempt", retries).
				Dur("backoff", wait).
				Msg("transient turn failure, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue

		default: // runner.StatusFatal
			if ctx.Err() != nil || errors.Is(res.Err, context.Canceled) {
				// Shutdown aborted the turn. The claim stays in
				// in_progress so the next run resumes the task instead
				// of recording a failure that never happened.
				s.logger.Info().Str("task_id", id).
					Msg("shutdown during turn, leaving task claimed")
				return
			}
			errText := "turn failed"
			if res.Err != nil {
				errText = res.Err.Error()
			}
			s.close(current, bus.CloseRequest{
				Outcome:            types.OutcomeFailed,
				Note:               "turn failed: " + trim(errText, 300),
				ReceiptExtra:       map[string]interface{}{"error": errText},
				NotifyOrchestrator: current.Meta.Signals.WantsOrchestratorNotify(),
			})
			return
		}
	}
}

// runOnce executes one turn attempt: re-open the packet to pick up any
// updates since the claim, record the supersede baseline, assemble the
// prompt, and race the engine against the watch conditions. A nil packet
// return means the task is no longer in any inbox state.
func (s *Supervisor) runOnce(ctx context.Context, id string, deadline time.Time) (runner.Result, *bus.Packet) {
	pkt, err := s.store.Open(s.agent.Name, id, false)
	if err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			return runner.Result{}, nil
		}
		return runner.Result{Status: runner.StatusFatal,
			Err: fmt.Errorf("reopen before turn: %w", err)}, nil
	}

	baseline, err := pkt.ModTime()
	if err != nil {
		return runner.Result{}, nil
	}

	resume := s.resumeThread(pkt)
	snap := s.snapshotFor(pkt, resume != "")
	skills := selectSkills(s.agent, pkt.Meta.Signals)
	prompt := buildPrompt(s.agent, pkt, snap, skills)

	watch := watchPacket(pkt, baseline, s.opts.SupersedePoll)
	defer watch.Stop()

	s.emit(events.EventTurnStarted, id, "")
	timer := metrics.NewTimer()
	res := s.runner.RunTurn(ctx, runner.Request{
		Agent:        s.agent.Name,
		TaskID:       id,
		Prompt:       prompt,
		OutputPath:   s.store.ArtifactPath(s.agent.Name, id, "output"),
		SchemaRef:    "burrow/turn-output@v1",
		Workdir:      snap.Workdir,
		ResumeThread: resume,
	}, turnWatch(watch, deadline))
	timer.ObserveDurationVec(metrics.TurnDuration, s.agent.Name)
	s.emit(events.EventTurnCompleted, id, string(res.Status))

	if res.ThreadID != "" {
		s.pinThreads(pkt, res.ThreadID)
	}
	if res.Status == runner.StatusSuperseded && watch.Gone() {
		return res, nil
	}
	return res, pkt
}

// resumeThread picks the thread to resume for pkt: the task's own pin
// first, then (autopilot only) the workflow pin, then the agent session.
func (s *Supervisor) resumeThread(pkt *bus.Packet) string {
	if id := s.sessions.TaskThread(s.agent.Name, pkt.Meta.ID); id != "" {
		return id
	}
	if !s.agent.IsAutopilot() {
		return ""
	}
	if root := pkt.Meta.Signals.RootID; root != "" {
		if id := s.sessions.RootThread(s.agent.Name, root); id != "" {
			return id
		}
	}
	return s.sessions.AgentSession(s.agent.Name)
}

func (s *Supervisor) pinThreads(pkt *bus.Packet, threadID string) {
	if err := s.sessions.PinTask(s.agent.Name, pkt.Meta.ID, threadID, s.engine); err != nil {
		s.logger.Warn().Err(err).Msg("task session pin failed")
	}
	if !s.agent.IsAutopilot() {
		return
	}
	if root := pkt.Meta.Signals.RootID; root != "" {
		if err := s.sessions.PinRoot(s.agent.Name, root, threadID, s.engine); err != nil {
			s.logger.Warn().Err(err).Msg("root session pin failed")
		}
	}
	if s.opts.PinAgentSession {
		if err := s.sessions.PinAgentSession(s.agent.Name, threadID); err != nil {
			s.logger.Warn().Err(err).Msg("agent session pin failed")
		}
	}
}

// finishTurn takes a parsed ok result through follow-up dispatch and
// close. Dispatch errors downgrade done to needs_review but never stop
// the close.
func (s *Supervisor) finishTurn(pkt *bus.Packet, res runner.Result) {
	out := res.Output
	extra := make(map[string]interface{}, len(out.ReceiptExtra)+2)
	for k, v := range out.ReceiptExtra {
		extra[k] = v
	}

	outcome := out.Outcome
	if downgrade := s.dispatchFollowUps(&pkt.Meta, out.FollowUps, extra); downgrade && outcome == types.OutcomeDone {
		outcome = types.OutcomeNeedsReview
	}

	s.close(pkt, bus.CloseRequest{
		Outcome:            outcome,
		Note:               out.Note,
		CommitSha:          out.CommitSha,
		ReceiptExtra:       extra,
		NotifyOrchestrator: pkt.Meta.Signals.WantsOrchestratorNotify(),
	})
}

func (s *Supervisor) close(pkt *bus.Packet, req bus.CloseRequest) {
	if _, err := s.store.Close(s.agent.Name, pkt.Meta.ID, req); err != nil {
		s.logger.Error().Err(err).Str("task_id", pkt.Meta.ID).Msg("close failed")
		return
	}
	metrics.TasksClosed.WithLabelValues(s.agent.Name, string(req.Outcome)).Inc()
	s.emit(events.EventTaskClosed, pkt.Meta.ID, string(req.Outcome))
}

// closeSkipped handles a packet that left the inbox states mid-turn:
// normally it was closed out from under us by operator tooling, in which
// case there is nothing left to do; if it somehow still sits in a
// non-terminal state the close lands as skipped.
func (s *Supervisor) closeSkipped(id string) {
	_, err := s.store.Close(s.agent.Name, id, bus.CloseRequest{
		Outcome: types.OutcomeSkipped,
		Note:    "not_in_inbox_states",
	})
	switch {
	case err == nil:
		metrics.TasksClosed.WithLabelValues(s.agent.Name, string(types.OutcomeSkipped)).Inc()
		s.emit(events.EventTaskClosed, id, string(types.OutcomeSkipped))
	case types.IsKind(err, types.ErrNotFound), types.IsKind(err, types.ErrAlreadyProcessed):
		s.logger.Info().Str("task_id", id).Msg("task left inbox states mid-turn")
	default:
		s.logger.Error().Err(err).Str("task_id", id).Msg("skip close failed")
	}
}

func (s *Supervisor) setCooldown(id string, res runner.Result) {
	pause := res.RetryAfter
	if pause < s.opts.MinCooldown {
		pause = s.opts.MinCooldown
	}
	rec := types.Cooldown{
		RetryAtMs:   time.Now().Add(pause).UnixMilli(),
		Reason:      "rate_limited",
		SourceAgent: s.agent.Name,
		TaskID:      id,
	}
	if err := s.coord.SetCooldown(rec); err != nil {
		s.logger.Warn().Err(err).Msg("cooldown write failed")
		return
	}
	metrics.CooldownsSet.Inc()
	s.emit(events.EventCooldownSet, id, fmt.Sprintf("pause %s", pause))
}
