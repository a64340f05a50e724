package domain

type Session struct {
	ID        string  `json:"id"`
	StartedAt string  `json:"started_at" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
	Initiator string  `json:"initiator" enum:"user,system"`
	Mode      string  `json:"mode,omitempty"`
	Status    string  `json:"status" enum:"open,closed"`
	Flagged   bool    `json:"flagged,omitempty"`
	Summary   string  `json:"summary,omitempty"`
}

type Message struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	TS          string `json:"ts" format:"date-time"`
	Role        string `json:"role"`
	Agent       string `json:"agent,omitempty"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	MetaJSON    string `json:"meta_json,omitempty"`
}

// Action is one append-only audit row. Every state-changing operation writes
// at least one Action in the same transaction as the change it records.
type Action struct {
	ID        int64   `json:"id"`
	SessionID *string `json:"session_id,omitempty"`
	TS        string  `json:"ts" format:"date-time"`
	Actor     string  `json:"actor"`
	Type      string  `json:"type"`
	InputRef  string  `json:"input_ref,omitempty"`
	OutputRef string  `json:"output_ref,omitempty"`
	Status    string  `json:"status" enum:"ok,blocked,failed"`
	Reason    string  `json:"reason,omitempty"`
	MetaJSON  string  `json:"meta_json,omitempty"`
}

type Decision struct {
	ID          string  `json:"id"`
	SessionID   *string `json:"session_id,omitempty"`
	TS          string  `json:"ts" format:"date-time"`
	Type        string  `json:"type" enum:"approve,deny,defer,approve_with_flag"`
	Subject     string  `json:"subject"`
	OptionsJSON string  `json:"options_json,omitempty"`
	Selected    string  `json:"selected,omitempty"`
	Rationale   string  `json:"rationale,omitempty"`
	Approver    string  `json:"approver"`
}

type Task struct {
	ID        string   `json:"id"`
	SessionID *string  `json:"session_id,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	DueAt     *string  `json:"due_at,omitempty" format:"date-time"`
	Owner     string   `json:"owner"`
	Status    string   `json:"status" enum:"todo,doing,done,blocked"`
	Title     string   `json:"title"`
	Details   string   `json:"details,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Meta      TaskMeta `json:"meta"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

// TaskMeta accumulates optional sub-records over the task lifecycle. Each
// block has one owner: PolicyGate belongs to the autonomy gate, StopLoss to
// the stop-loss gate, Closure to close operations, Review to the human review
// handler. Blocks are added, never erased.
type TaskMeta struct {
	Intent         string          `json:"intent,omitempty"`
	Source         string          `json:"source,omitempty" enum:"stub,live"`
	RequiresReview bool            `json:"requires_review,omitempty"`
	PolicyGate     *PolicyGateMeta `json:"policy_gate,omitempty"`
	StopLoss       *StopLossMeta   `json:"stop_loss,omitempty"`
	Closure        *ClosureMeta    `json:"closure,omitempty"`
	Review         *ReviewMeta     `json:"review,omitempty"`
}

type PolicyGateMeta struct {
	HILRequired bool   `json:"hil_required"`
	Code        string `json:"code"`
	Reason      string `json:"reason,omitempty"`
	GatedAt     string `json:"gated_at" format:"date-time"`
}

type StopLossMeta struct {
	Triggered   bool   `json:"triggered"`
	FailureType string `json:"failure_type" enum:"REJECTED,HARD_BLOCK,GOVERNANCE_UNRESOLVED,NO_ARTIFACT"`
	Reason      string `json:"reason"`
	Step        string `json:"step,omitempty"`
	Owner       string `json:"owner,omitempty"`
	TriggeredAt string `json:"triggered_at" format:"date-time"`
}

type ClosureMeta struct {
	Reason     string `json:"reason"`
	ArtifactID string `json:"artifact_id,omitempty"`
	ClosedBy   string `json:"closed_by"`
	ClosedAt   string `json:"closed_at" format:"date-time"`
}

type ReviewMeta struct {
	Decision      string `json:"decision" enum:"retry,close,reject"`
	Reason        string `json:"reason,omitempty"`
	Reviewer      string `json:"reviewer"`
	DecidedAt     string `json:"decided_at" format:"date-time"`
	RetryApproved bool   `json:"retry_approved,omitempty"`
}

type Artifact struct {
	ID             string   `json:"id"`
	SessionID      *string  `json:"session_id,omitempty"`
	TS             string   `json:"ts" format:"date-time"`
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	ContentHash    string   `json:"content_hash"`
	Classification string   `json:"classification,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	MetaJSON       string   `json:"meta_json,omitempty"`
}

// Agent is a read-mostly registry entry; changes require a version bump.
type Agent struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	OutputTypes []string `json:"output_types"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// APIKey authenticates surrounding tooling against the HTTP API. Only the
// hash is stored; the key itself is shown once at creation.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RoutingRule maps a keyword set to an intent and a primary agent. Rules are
// evaluated in Position order; the first match wins, and that ordering is
// load-bearing.
type RoutingRule struct {
	Position       int      `json:"position"`
	Keywords       []string `json:"keywords"`
	Intent         string   `json:"intent"`
	PrimaryAgent   string   `json:"primary_agent"`
	SecondaryAgent string   `json:"secondary_agent,omitempty"`
	RequiresReview bool     `json:"requires_review"`
	Version        string   `json:"version"`
}
