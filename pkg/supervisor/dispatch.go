package supervisor

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/burrowlabs/burrow/pkg/events"
	"github.com/burrowlabs/burrow/pkg/metrics"
	"github.com/burrowlabs/burrow/pkg/types"
)

// receiptExtra keys populated by the dispatcher.
const (
	extraFollowUps      = "followUps"
	extraDispatchErrors = "followUpDispatchErrors"
)

// dispatchedFollowUp is the receiptExtra record for one delivered
// follow-up.
type dispatchedFollowUp struct {
	ID    string   `json:"id"`
	To    []string `json:"to"`
	Title string   `json:"title"`
	Kind  string   `json:"kind"`
}

// dispatchFollowUps delivers the follow-ups an agent's turn requested.
// Dispatch is best-effort with partial success: every rejection or
// delivery failure lands in receiptExtra.followUpDispatchErrors and the
// close outcome downgrades done → needs_review, but nothing here ever
// prevents the close itself.
func (s *Supervisor) dispatchFollowUps(parent *types.Meta, followUps []types.FollowUp, extra map[string]interface{}) (downgrade bool) {
	if len(followUps) == 0 {
		return false
	}

	var errs *multierror.Error
	var sent []dispatchedFollowUp

	for i, fu := range followUps {
		if i >= s.opts.MaxFollowUps {
			errs = multierror.Append(errs, fmt.Errorf(
				"follow-up %d %q dropped: cap is %d per turn", i, fu.Title, s.opts.MaxFollowUps))
			continue
		}
		if err := s.validateFollowUp(fu); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("follow-up %d: %w", i, err))
			continue
		}

		signals := fu.Signals
		if signals.RootID == "" {
			signals.RootID = parent.Signals.RootID
		}
		if signals.ParentID == "" {
			signals.ParentID = parent.ID
		}

		meta := types.Meta{
			ID:         types.NewID(),
			To:         fu.To,
			From:       s.agent.Name,
			Priority:   fu.Priority,
			Title:      fu.Title,
			Signals:    signals,
			References: map[string]string{types.RefSourceTaskID: parent.ID},
		}

		if _, err := s.deliverer.Deliver(meta, fu.Body); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("follow-up %d %q: %w", i, fu.Title, err))
			continue
		}

		sent = append(sent, dispatchedFollowUp{
			ID:    meta.ID,
			To:    meta.To,
			Title: meta.Title,
			Kind:  string(signals.Kind),
		})
		metrics.FollowUpsDispatched.Inc()
		s.emit(events.EventFollowUpSent, meta.ID, fmt.Sprintf("follow-up to %v: %s", meta.To, meta.Title))
		s.logger.Info().
			Str("followup_id", meta.ID).
			Strs("to", meta.To).
			Str("kind", string(signals.Kind)).
			Msg("follow-up dispatched")
	}

	if len(sent) > 0 {
		extra[extraFollowUps] = sent
	}
	if err := errs.ErrorOrNil(); err != nil {
		var messages []string
		for _, e := range errs.Errors {
			messages = append(messages, e.Error())
			metrics.FollowUpErrors.Inc()
		}
		extra[extraDispatchErrors] = messages
		s.logger.Warn().Int("errors", len(messages)).Msg("follow-up dispatch had failures")
		return true
	}
	return false
}

// validateFollowUp enforces the dispatch contract: recipients, title,
// body, and a signals envelope with at least kind and phase. The loop
// breaker lives here too: a follow-up naming the dispatching agent is
// rejected so an agent cannot feed itself work forever.
func (s *Supervisor) validateFollowUp(fu types.FollowUp) error {
	if len(fu.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	if fu.Title == "" {
		return fmt.Errorf("empty title")
	}
	if fu.Body == "" {
		return fmt.Errorf("empty body")
	}
	if fu.Signals.Kind == "" {
		return fmt.Errorf("signals.kind missing")
	}
	if fu.Signals.Phase == "" {
		return fmt.Errorf("signals.phase missing")
	}
	for _, to := range fu.To {
		if to == s.agent.Name {
			return fmt.Errorf("self-targeted follow-up to %q rejected", to)
		}
	}
	return nil
}
