package supervisor

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/burrowlabs/burrow/pkg/types"
)

// statusThrottleTTL is the per-(agent, title) quiet period between
// operator status packets. A stuck turn that times out on every retry
// produces one packet, not one per attempt.
const statusThrottleTTL = 10 * time.Minute

func newStatusThrottle() *cache.Cache {
	return cache.New(statusThrottleTTL, statusThrottleTTL)
}

// notifyOperator delivers a STATUS packet to the operator inbox,
// throttled per agent+title. Status traffic is advisory; failures are
// logged and dropped.
func (s *Supervisor) notifyOperator(title, body string, related *types.Meta) {
	key := s.agent.Name + "|" + title
	if _, throttled := s.throttle.Get(key); throttled {
		s.logger.Debug().Str("title", title).Msg("status packet throttled")
		return
	}
	s.throttle.SetDefault(key, struct{}{})

	meta := types.Meta{
		ID:       types.NewID(),
		To:       []string{s.roster.Operator()},
		From:     s.agent.Name,
		Priority: types.PriorityP3,
		Title:    title,
		Signals:  types.Signals{Kind: types.KindStatus},
	}
	if related != nil {
		meta.Signals.RootID = related.Signals.RootID
		meta.Signals.ParentID = related.ID
		meta.SetRef(types.RefSourceTaskID, related.ID)
	}

	if _, err := s.deliverer.Deliver(meta, body); err != nil {
		s.logger.Warn().Err(err).Str("title", title).Msg("status packet delivery failed")
	}
}
