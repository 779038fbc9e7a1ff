package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/burrowlabs/burrow/pkg/types"
)

// AgentStatus is one agent's inbox depth plus its most recent closure.
type AgentStatus struct {
	Agent        string        `json:"agent"`
	New          int           `json:"new"`
	Seen         int           `json:"seen"`
	InProgress   int           `json:"inProgress"`
	Processed    int           `json:"processed"`
	LastTaskID   string        `json:"lastTaskId,omitempty"`
	LastOutcome  types.Outcome `json:"lastOutcome,omitempty"`
	LastClosedMs int64         `json:"lastClosedMs,omitempty"`
}

// Summary is a point-in-time view of the whole bus.
type Summary struct {
	GeneratedAtMs int64         `json:"generatedAtMs"`
	Agents        []AgentStatus `json:"agents"`
}

// StatusSummary counts inbox states for the given agents (all known
// agents when nil) and annotates each with its latest receipt.
func (s *Store) StatusSummary(agents []string) (*Summary, error) {
	if agents == nil {
		known, err := s.Agents()
		if err != nil {
			return nil, err
		}
		agents = known
	}

	summary := &Summary{GeneratedAtMs: time.Now().UnixMilli()}
	for _, agent := range agents {
		st := AgentStatus{Agent: agent}
		for _, state := range types.InboxStates() {
			ids, err := s.ListInbox(agent, state)
			if err != nil {
				return nil, err
			}
			switch state {
			case types.StateNew:
				st.New = len(ids)
			case types.StateSeen:
				st.Seen = len(ids)
			case types.StateInProgress:
				st.InProgress = len(ids)
			case types.StateProcessed:
				st.Processed = len(ids)
			}
		}

		if recent, err := s.RecentReceipts(agent, 1); err == nil && len(recent) > 0 {
			st.LastTaskID = recent[0].TaskID
			st.LastOutcome = recent[0].Outcome
			st.LastClosedMs = recent[0].ClosedAtMs
		}
		summary.Agents = append(summary.Agents, st)
	}
	return summary, nil
}

// String renders the summary as the compact text used in CLI output and
// autopilot context snapshots.
func (s *Summary) String() string {
	var b strings.Builder
	for _, a := range s.Agents {
		fmt.Fprintf(&b, "%s: new=%d seen=%d in_progress=%d processed=%d",
			a.Agent, a.New, a.Seen, a.InProgress, a.Processed)
		if a.LastTaskID != "" {
			fmt.Fprintf(&b, " last=%s(%s)", a.LastTaskID, a.LastOutcome)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// OpenTasks returns ids in non-terminal states for one agent, optionally
// filtered to one workflow root.
func (s *Store) OpenTasks(agent, rootID string) ([]*Packet, error) {
	var open []*Packet
	for _, state := range []types.InboxState{types.StateInProgress, types.StateNew, types.StateSeen} {
		ids, err := s.ListInbox(agent, state)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			pkt, err := s.Open(agent, id, false)
			if err != nil {
				continue
			}
			if rootID != "" && pkt.Meta.Signals.RootID != rootID {
				continue
			}
			open = append(open, pkt)
		}
	}
	return open, nil
}
