package domain

// Intent values form a fixed, versioned enumeration. Routing never selects
// anything outside this set; unmatched requests resolve to IntentGovernanceReview.
const (
	IntentResearchSummary  = "RESEARCH_SUMMARY"
	IntentDataAnalysis     = "DATA_ANALYSIS"
	IntentContentDraft     = "CONTENT_DRAFT"
	IntentTaskTriage       = "TASK_TRIAGE"
	IntentProductOffer     = "PRODUCT_OFFER"
	IntentFinanceChange    = "FINANCE_CHANGE"
	IntentExternalComms    = "EXTERNAL_COMMS"
	IntentInfraChange      = "INFRA_CHANGE"
	IntentSecurityReview   = "SECURITY_REVIEW"
	IntentGovernanceReview = "GOVERNANCE_REVIEW"
)

var intents = map[string]bool{
	IntentResearchSummary:  true,
	IntentDataAnalysis:     true,
	IntentContentDraft:     true,
	IntentTaskTriage:       true,
	IntentProductOffer:     true,
	IntentFinanceChange:    true,
	IntentExternalComms:    true,
	IntentInfraChange:      true,
	IntentSecurityReview:   true,
	IntentGovernanceReview: true,
}

// KnownIntent reports whether s belongs to the intent enumeration.
func KnownIntent(s string) bool {
	return intents[s]
}

// Task statuses.
const (
	TaskTodo    = "todo"
	TaskDoing   = "doing"
	TaskDone    = "done"
	TaskBlocked = "blocked"
)

// Action types written to the ledger.
const (
	ActionRoute             = "route"
	ActionDispatch          = "dispatch"
	ActionTaskUpdate        = "task_update"
	ActionTaskNext          = "task_next"
	ActionTaskClose         = "task_close"
	ActionStopLoss          = "stop_loss"
	ActionStopLossGate      = "stop_loss_gate"
	ActionArtifactCreate    = "artifact_create"
	ActionPolicyGate        = "policy_gate"
	ActionHumanReviewRetry  = "human_review_retry"
	ActionHumanReviewClose  = "human_review_close"
	ActionHumanReviewReject = "human_review_reject"
	ActionSessionOpen       = "session_open"
	ActionSessionClose      = "session_close"
)

// Artifact origin tags. The origin marker is orthogonal to content quality:
// "tagged as automated" never means "not yet real output".
const (
	TagOriginDispatch = "origin:automated-dispatch"
	TagOriginManual   = "origin:manual"
)
