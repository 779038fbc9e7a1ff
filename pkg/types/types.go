package types

// Priority orders packets within an inbox. It is a hint for pollers and
// humans, never a delivery guarantee.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Kind classifies the intent of a packet
type Kind string

const (
	KindUserRequest          Kind = "USER_REQUEST"
	KindPlanRequest          Kind = "PLAN_REQUEST"
	KindExecute              Kind = "EXECUTE"
	KindOrchestratorUpdate   Kind = "ORCHESTRATOR_UPDATE"
	KindTaskComplete         Kind = "TASK_COMPLETE"
	KindReviewActionRequired Kind = "REVIEW_ACTION_REQUIRED"
	KindStatus               Kind = "STATUS"
	KindConsultRequest       Kind = "OPUS_CONSULT_REQUEST"
	KindConsultResponse      Kind = "OPUS_CONSULT_RESPONSE"
)

// InboxState is the lifecycle position of a packet inside one agent's inbox.
// State identity is the containing directory; a packet is in exactly one
// state at any time.
type InboxState string

const (
	StateNew        InboxState = "new"
	StateSeen       InboxState = "seen"
	StateInProgress InboxState = "in_progress"
	StateProcessed  InboxState = "processed"
)

// InboxStates returns all states in lifecycle order.
func InboxStates() []InboxState {
	return []InboxState{StateNew, StateSeen, StateInProgress, StateProcessed}
}

// Outcome is the terminal disposition of one (agent, task) pair.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"
)

// ValidOutcome reports whether o is one of the five closed-world outcomes.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeDone, OutcomeNeedsReview, OutcomeBlocked, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Signals is the typed envelope of a packet. RootID names the workflow a
// packet belongs to; ParentID names its direct predecessor.
type Signals struct {
	Kind               Kind   `json:"kind,omitempty"`
	Phase              string `json:"phase,omitempty"`
	RootID             string `json:"rootId,omitempty"`
	ParentID           string `json:"parentId,omitempty"`
	Smoke              bool   `json:"smoke,omitempty"`
	NotifyOrchestrator *bool  `json:"notifyOrchestrator,omitempty"`
	RemediationDepth   int    `json:"remediationDepth,omitempty"`
}

// WantsOrchestratorNotify reports whether closing a packet with these
// signals should emit a TASK_COMPLETE. Unset means yes.
func (s Signals) WantsOrchestratorNotify() bool {
	return s.NotifyOrchestrator == nil || *s.NotifyOrchestrator
}

// Bool returns a pointer to b, for populating NotifyOrchestrator.
func Bool(b bool) *bool { return &b }

// Meta is the JSON header of a packet file. Field names are the wire
// format; changing them breaks every reader of an existing bus root.
type Meta struct {
	ID          string            `json:"id"`
	To          []string          `json:"to"`
	From        string            `json:"from"`
	Priority    Priority          `json:"priority,omitempty"`
	Title       string            `json:"title"`
	Signals     Signals           `json:"signals"`
	References  map[string]string `json:"references,omitempty"`
	CreatedAtMs int64             `json:"createdAtMs,omitempty"`
}

// Ref returns a reference value, "" when absent.
func (m *Meta) Ref(key string) string {
	if m.References == nil {
		return ""
	}
	return m.References[key]
}

// SetRef sets a reference value, allocating the map on first use.
func (m *Meta) SetRef(key, value string) {
	if m.References == nil {
		m.References = make(map[string]string)
	}
	m.References[key] = value
}

// Well-known reference keys carried in Meta.References.
const (
	RefReceiptPath   = "receiptPath"
	RefProcessedPath = "processedPath"
	RefCommitSha     = "commitSha"
	RefSourceAgent   = "sourceAgent"
	RefSourceKind    = "sourceKind"
	RefSourceTaskID  = "sourceTaskId"
	RefReviewItem    = "reviewItem"
	RefReviewURL     = "reviewUrl"
)

// Receipt is the durable closure record for one (agent, task) pair. A
// receipt exists if and only if the matching packet is in processed.
type Receipt struct {
	Agent        string                 `json:"agent"`
	TaskID       string                 `json:"taskId"`
	Outcome      Outcome                `json:"outcome"`
	Note         string                 `json:"note,omitempty"`
	CommitSha    string                 `json:"commitSha,omitempty"`
	Task         Meta                   `json:"task"`
	ReceiptExtra map[string]interface{} `json:"receiptExtra,omitempty"`
	ClosedAtMs   int64                  `json:"closedAtMs"`
}

// FollowUp is one follow-up request taken from an agent's turn output.
type FollowUp struct {
	To       []string `json:"to"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority Priority `json:"priority,omitempty"`
	Signals  Signals  `json:"signals"`
}

// TurnOutput is the slice of the agent's schema-constrained JSON result
// the runtime itself interprets. Everything else rides along in
// ReceiptExtra untouched.
type TurnOutput struct {
	Outcome      Outcome                `json:"outcome"`
	Note         string                 `json:"note,omitempty"`
	CommitSha    string                 `json:"commitSha,omitempty"`
	FollowUps    []FollowUp             `json:"followUps,omitempty"`
	ReceiptExtra map[string]interface{} `json:"receiptExtra,omitempty"`
}

// Cooldown is the global advisory pause record. Concurrent writers merge
// by max(RetryAtMs); an expired record reads as absent.
type Cooldown struct {
	RetryAtMs   int64  `json:"retryAtMs"`
	Reason      string `json:"reason,omitempty"`
	SourceAgent string `json:"sourceAgent,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
}

// SessionPin maps one (agent, task) or (agent, root) to an LLM thread so a
// restart resumes the same conversation.
type SessionPin struct {
	ThreadID    string `json:"threadId"`
	Engine      string `json:"engine,omitempty"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}
