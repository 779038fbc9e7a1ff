package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/config"
	"github.com/burrowlabs/burrow/pkg/events"
	"github.com/burrowlabs/burrow/pkg/lock"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/metrics"
	"github.com/burrowlabs/burrow/pkg/roster"
	"github.com/burrowlabs/burrow/pkg/types"
)

// Options tune the forwarder, normally derived from the runtime config.
type Options struct {
	AutopilotDigest     config.DigestMode
	OperatorDigest      config.DigestMode
	ForwardToOperator   bool
	MaxRemediationDepth int
	DigestMaxChars      int
	PollInterval        time.Duration
}

// OptionsFrom maps the runtime config onto forwarder options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		AutopilotDigest:     cfg.Orchestrator.AutopilotDigest,
		OperatorDigest:      cfg.Orchestrator.OperatorDigest,
		ForwardToOperator:   cfg.Orchestrator.ForwardToOperator,
		MaxRemediationDepth: cfg.Orchestrator.MaxRemediationDepth,
		DigestMaxChars:      cfg.Orchestrator.DigestMaxChars,
		PollInterval:        cfg.Orchestrator.PollInterval.D(),
	}
}

func (o *Options) applyDefaults() {
	if o.AutopilotDigest == "" {
		o.AutopilotDigest = config.DigestCompact
	}
	if o.OperatorDigest == "" {
		o.OperatorDigest = config.DigestCompact
	}
	if o.DigestMaxChars <= 0 {
		o.DigestMaxChars = 400
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

// Forwarder consumes the orchestrator inbox and turns completions and
// review alerts into digest packets for the autopilot (and optionally
// the operator).
type Forwarder struct {
	store     *bus.Store
	deliverer *bus.Deliverer
	locks     *lock.Manager
	broker    *events.Broker
	agent     string
	autopilot string
	operator  string
	opts      Options
	logger    zerolog.Logger
}

// New assembles a forwarder for the roster's orchestrator agent. broker
// may be nil.
func New(store *bus.Store, ros *roster.Roster, locks *lock.Manager, broker *events.Broker, opts Options) *Forwarder {
	opts.applyDefaults()
	agent := ros.Orchestrator()
	return &Forwarder{
		store:     store,
		deliverer: bus.NewDeliverer(store, ros),
		locks:     locks,
		broker:    broker,
		agent:     agent,
		autopilot: ros.Autopilot(),
		operator:  ros.Operator(),
		opts:      opts,
		logger:    log.WithComponent("orchestrator").With().Str("agent", agent).Logger(),
	}
}

// Run holds the orchestrator's worker lock and polls its inbox until ctx
// is done.
func (f *Forwarder) Run(ctx context.Context) error {
	held, err := f.locks.Acquire(f.agent)
	if err != nil {
		return fmt.Errorf("orchestrator forwarder cannot start: %w", err)
	}
	defer func() {
		if rerr := held.Release(); rerr != nil {
			f.logger.Warn().Err(rerr).Msg("worker lock release failed")
		}
	}()

	if err := f.store.EnsureAgent(f.agent); err != nil {
		return err
	}
	f.logger.Info().Dur("poll_interval", f.opts.PollInterval).Msg("orchestrator forwarder started")

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f.PollOnce(ctx)
	}
}

// PollOnce drains one pass over the orchestrator inbox.
func (f *Forwarder) PollOnce(ctx context.Context) {
	var order []string
	seen := make(map[string]bool)
	for _, state := range []types.InboxState{types.StateInProgress, types.StateNew, types.StateSeen} {
		ids, err := f.store.ListInbox(f.agent, state)
		if err != nil {
			f.logger.Warn().Err(err).Msg("inbox list failed")
			return
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
		pkt, err := f.store.Claim(f.agent, id)
		if err != nil {
			f.logger.Debug().Err(err).Str("task_id", id).Msg("claim skipped")
			continue
		}
		note := f.handle(pkt)
		// Close with notify suppressed: forwarding a forward would
		// recurse through this very inbox.
		if _, err := f.store.Close(f.agent, id, bus.CloseRequest{
			Outcome:            types.OutcomeDone,
			Note:               note,
			NotifyOrchestrator: false,
		}); err != nil {
			f.logger.Error().Err(err).Str("task_id", id).Msg("close failed")
		}
	}
}

// handle routes one claimed packet and returns the close note.
func (f *Forwarder) handle(pkt *bus.Packet) string {
	switch pkt.Meta.Signals.Kind {
	case types.KindTaskComplete:
		return f.handleComplete(pkt)
	case types.KindReviewActionRequired:
		return f.handleReview(pkt)
	default:
		f.logger.Debug().
			Str("task_id", pkt.Meta.ID).
			Str("kind", string(pkt.Meta.Signals.Kind)).
			Msg("ignoring packet of unexpected kind")
		return "ignored: unexpected kind"
	}
}

// handleComplete forwards a TASK_COMPLETE as a digest, honoring the
// loop-break and self-remediation rules.
func (f *Forwarder) handleComplete(pkt *bus.Packet) string {
	sourceAgent := pkt.Meta.Ref(types.RefSourceAgent)
	sourceKind := types.Kind(pkt.Meta.Ref(types.RefSourceKind))
	sourceTask := pkt.Meta.Ref(types.RefSourceTaskID)

	receipt, err := f.readReceipt(pkt, sourceAgent, sourceTask)
	if err != nil {
		f.logger.Warn().Err(err).Str("task_id", pkt.Meta.ID).Msg("completion receipt unreadable")
		return "receipt unreadable: " + err.Error()
	}

	depth := pkt.Meta.Signals.RemediationDepth
	remediation := false
	if sourceKind == types.KindOrchestratorUpdate {
		// Never bounce a digest back to the agent that produced it,
		// except one controlled self-remediation forward when the
		// autopilot itself failed to act on the digest.
		if sourceAgent != f.autopilot || receipt.Outcome == types.OutcomeDone {
			return "not forwarded: loop break on ORCHESTRATOR_UPDATE"
		}
		if depth >= f.opts.MaxRemediationDepth {
			f.logger.Info().
				Str("source_task", sourceTask).
				Int("depth", depth).
				Msg("self-remediation depth cap reached")
			return fmt.Sprintf("not forwarded: remediation depth %d capped", depth)
		}
		remediation = true
		depth++
	}

	reviewRequired := sourceKind == types.KindExecute &&
		receipt.Outcome == types.OutcomeDone &&
		receipt.CommitSha != ""

	if f.autopilot != "" {
		title, body := f.digest(receipt, sourceKind, f.opts.AutopilotDigest, reviewRequired, remediation)
		f.forward(f.autopilot, title, body, pkt, receipt, depth, reviewRequired)
	}
	if f.opts.ForwardToOperator {
		title, body := f.digest(receipt, sourceKind, f.opts.OperatorDigest, reviewRequired, remediation)
		f.forward(f.operator, title, body, pkt, receipt, depth, reviewRequired)
	}

	if remediation {
		return fmt.Sprintf("self-remediation forward, depth %d", depth)
	}
	return "digest forwarded"
}

func (f *Forwarder) readReceipt(pkt *bus.Packet, sourceAgent, sourceTask string) (*types.Receipt, error) {
	if path := pkt.Meta.Ref(types.RefReceiptPath); path != "" {
		if receipt, err := f.store.ReadReceiptFile(path); err == nil {
			return receipt, nil
		}
	}
	return f.store.ReadReceipt(sourceAgent, sourceTask)
}

// digest renders the completion summary. Compact is one line capped at
// the configured budget; verbose keeps the note intact on its own lines.
func (f *Forwarder) digest(receipt *types.Receipt, sourceKind types.Kind, mode config.DigestMode, reviewRequired, remediation bool) (title, body string) {
	task := receipt.Task
	title = fmt.Sprintf("%s: %s/%s %s", sourceKind, receipt.Agent, receipt.TaskID, receipt.Outcome)
	if remediation {
		title = "Remediate: " + title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s closed %s (%s) as %s", receipt.Agent, receipt.TaskID, sourceKind, receipt.Outcome)
	if task.Signals.RootID != "" {
		fmt.Fprintf(&b, " [root %s]", task.Signals.RootID)
	}
	if receipt.CommitSha != "" {
		fmt.Fprintf(&b, " commit %s", receipt.CommitSha)
	}
	if reviewRequired {
		b.WriteString(" (review required)")
	}
	if receipt.Note != "" {
		switch mode {
		case config.DigestVerbose:
			b.WriteString("\n\n")
			b.WriteString(receipt.Note)
		default:
			b.WriteString(": ")
			b.WriteString(strings.ReplaceAll(receipt.Note, "\n", " "))
		}
	}

	body = b.String()
	if mode == config.DigestCompact && len(body) > f.opts.DigestMaxChars {
		// Cut on a rune boundary so multi-byte notes are never split.
		cut := f.opts.DigestMaxChars - 1
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "…"
	}
	return title, body
}

func (f *Forwarder) forward(to, title, body string, pkt *bus.Packet, receipt *types.Receipt, depth int, reviewRequired bool) {
	meta := types.Meta{
		ID:       types.NewID(),
		To:       []string{to},
		From:     f.agent,
		Priority: receipt.Task.Priority,
		Title:    title,
		Signals: types.Signals{
			Kind:             types.KindOrchestratorUpdate,
			Phase:            receipt.Task.Signals.Phase,
			RootID:           receipt.Task.Signals.RootID,
			ParentID:         receipt.TaskID,
			RemediationDepth: depth,
		},
		References: map[string]string{
			types.RefSourceAgent:  receipt.Agent,
			types.RefSourceKind:   pkt.Meta.Ref(types.RefSourceKind),
			types.RefSourceTaskID: receipt.TaskID,
		},
	}
	if path := pkt.Meta.Ref(types.RefReceiptPath); path != "" {
		meta.References[types.RefReceiptPath] = path
	}
	if receipt.CommitSha != "" {
		meta.References[types.RefCommitSha] = receipt.CommitSha
	}
	if reviewRequired {
		meta.References["reviewRequired"] = "true"
	}

	if _, err := f.deliverer.Deliver(meta, body); err != nil {
		f.logger.Error().Err(err).Str("to", to).Msg("digest delivery failed")
		return
	}
	metrics.DigestsForwarded.WithLabelValues(to).Inc()
	if f.broker != nil {
		f.broker.Emit(events.EventDigestSent, f.agent, meta.ID, title)
	}
	f.logger.Info().
		Str("to", to).
		Str("source_task", receipt.TaskID).
		Str("outcome", string(receipt.Outcome)).
		Msg("digest forwarded")
}

// handleReview forwards an observer alert, coalescing repeats: a second
// alert for the same workflow root and source folds into the autopilot's
// existing open digest task via Update instead of a new packet.
func (f *Forwarder) handleReview(pkt *bus.Packet) string {
	if f.autopilot == "" {
		return "not forwarded: no autopilot in roster"
	}
	rootID := pkt.Meta.Signals.RootID
	sourceAgent := pkt.Meta.Ref(types.RefSourceAgent)

	if target := f.coalesceTarget(rootID, sourceAgent); target != "" {
		err := f.store.Update(f.autopilot, target, bus.UpdateRequest{
			From:       f.agent,
			AppendBody: pkt.Meta.Title + "\n" + pkt.Body,
			References: map[string]string{types.RefReviewItem: pkt.Meta.Ref(types.RefReviewItem)},
		})
		if err == nil {
			f.logger.Info().
				Str("coalesced_into", target).
				Str("root_id", rootID).
				Msg("review alert coalesced")
			return "coalesced into " + target
		}
		f.logger.Warn().Err(err).Str("target", target).Msg("coalesce update failed, delivering fresh")
	}

	meta := types.Meta{
		ID:       types.NewID(),
		To:       []string{f.autopilot},
		From:     f.agent,
		Priority: pkt.Meta.Priority,
		Title:    pkt.Meta.Title,
		Signals: types.Signals{
			Kind:     types.KindOrchestratorUpdate,
			Phase:    pkt.Meta.Signals.Phase,
			RootID:   rootID,
			ParentID: pkt.Meta.ID,
		},
		References: map[string]string{
			types.RefSourceAgent: sourceAgent,
			types.RefSourceKind:  string(types.KindReviewActionRequired),
			types.RefReviewItem:  pkt.Meta.Ref(types.RefReviewItem),
			types.RefReviewURL:   pkt.Meta.Ref(types.RefReviewURL),
		},
	}
	if _, err := f.deliverer.Deliver(meta, pkt.Body); err != nil {
		f.logger.Error().Err(err).Msg("review digest delivery failed")
		return "delivery failed: " + err.Error()
	}
	metrics.DigestsForwarded.WithLabelValues(f.autopilot).Inc()
	if f.broker != nil {
		f.broker.Emit(events.EventDigestSent, f.agent, meta.ID, meta.Title)
	}
	return "review digest forwarded"
}

// coalesceTarget finds the autopilot's most recent open digest task for
// (rootID, sourceAgent), "" when none exists.
func (f *Forwarder) coalesceTarget(rootID, sourceAgent string) string {
	if rootID == "" || sourceAgent == "" {
		return ""
	}
	open, err := f.store.OpenTasks(f.autopilot, rootID)
	if err != nil {
		return ""
	}
	var best *bus.Packet
	for _, p := range open {
		if p.Meta.From != f.agent || p.Meta.Ref(types.RefSourceAgent) != sourceAgent {
			continue
		}
		if best == nil || p.Meta.CreatedAtMs > best.Meta.CreatedAtMs {
			best = p
		}
	}
	if best == nil {
		return ""
	}
	return best.Meta.ID
}
