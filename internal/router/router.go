package router

import (
	"fmt"
	"strings"

	"gateline/internal/domain"
)

// OutputVersion is the router output schema version. Consumers must match it
// exactly; a mismatch is a hard reject, never a best-effort pass-through.
const OutputVersion = "1.0.0"

// MaxGoalTextLen bounds the goal text of an inbound request.
const MaxGoalTextLen = 2000

// Request is the intake schema.
type Request struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	TS          string         `json:"timestamp" format:"date-time"`
	Initiator   string         `json:"initiator" enum:"user,system"`
	GoalText    string         `json:"goal_text"`
	Constraints Constraints    `json:"constraints"`
	Context     map[string]any `json:"context,omitempty"`
}

// Constraints are the mandatory boolean flags. All three must be true or the
// request is denied before any routing attempt.
type Constraints struct {
	NoPublicExposure      bool `json:"no_public_exposure"`
	StructuredOutputsOnly bool `json:"structured_outputs_only"`
	OnDemandOnly          bool `json:"on_demand_only"`
}

// Output is the versioned router output. It is only produced for approved or
// flagged requests; a denial emits no output at all.
type Output struct {
	Version        string      `json:"router_output_version"`
	Request        Request     `json:"request"`
	Intent         string      `json:"intent"`
	PrimaryAgent   string      `json:"primary_agent"`
	SecondaryAgent string      `json:"secondary_agent,omitempty"`
	Gate           GateResult  `json:"gate"`
}

// GateResult is the governance gate verdict attached to a routed request.
type GateResult struct {
	Verdict                  string   `json:"verdict" enum:"approve,deny,approve_with_flag"`
	RequiresGovernanceReview bool     `json:"requires_governance_review"`
	Flags                    []string `json:"flags,omitempty"`
	Reason                   string   `json:"reason,omitempty"`
}

// ValidationError rejects malformed intake before any routing or state write.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// ValidateRequest checks the intake schema: required fields present, goal
// text bounded, initiator from the fixed set.
func ValidateRequest(req Request) *ValidationError {
	if strings.TrimSpace(req.ID) == "" {
		return &ValidationError{Field: "id", Message: "required"}
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return &ValidationError{Field: "session_id", Message: "required"}
	}
	if strings.TrimSpace(req.TS) == "" {
		return &ValidationError{Field: "timestamp", Message: "required"}
	}
	if req.Initiator != "user" && req.Initiator != "system" {
		return &ValidationError{Field: "initiator", Message: "must be user or system"}
	}
	if strings.TrimSpace(req.GoalText) == "" {
		return &ValidationError{Field: "goal_text", Message: "required"}
	}
	if len(req.GoalText) > MaxGoalTextLen {
		return &ValidationError{Field: "goal_text", Message: fmt.Sprintf("exceeds %d chars", MaxGoalTextLen)}
	}
	return nil
}

// CheckVersion hard-rejects any output whose schema version does not match.
func CheckVersion(v string) error {
	if v != OutputVersion {
		return fmt.Errorf("router output version %q does not match %q", v, OutputVersion)
	}
	return nil
}

// Router classifies validated requests against an ordered rule table. The
// rule ordering is load-bearing: the first matching rule wins, always.
type Router struct {
	Rules []domain.RoutingRule
}

// Classify returns the first rule whose keyword set matches the goal text
// (case-insensitive substring). No match returns ok=false; callers fall back
// to the governance-review intent, so a request is never dropped silently.
func (r Router) Classify(goalText string) (domain.RoutingRule, bool) {
	text := strings.ToLower(goalText)
	for _, rule := range r.Rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				return rule, true
			}
		}
	}
	return domain.RoutingRule{}, false
}

// Result of one routing run. Output is nil when the gate denies.
type Result struct {
	Output *Output    `json:"output,omitempty"`
	Gate   GateResult `json:"gate"`
	Intent string     `json:"intent,omitempty"`
}

// Route validates, gates and classifies a request. It is pure: all ledger
// writes for a routing run belong to the engine.
func (r Router) Route(req Request) (Result, *ValidationError) {
	if verr := ValidateRequest(req); verr != nil {
		return Result{}, verr
	}
	if gate := denyCheck(req); gate != nil {
		return Result{Gate: *gate}, nil
	}
	rule, matched := r.Classify(req.GoalText)
	intent := rule.Intent
	primary := rule.PrimaryAgent
	secondary := rule.SecondaryAgent
	if !matched {
		intent = domain.IntentGovernanceReview
		primary = "governor"
		secondary = ""
	}
	gate := flagCheck(req, rule, matched, intent)
	out := &Output{
		Version:        OutputVersion,
		Request:        req,
		Intent:         intent,
		PrimaryAgent:   primary,
		SecondaryAgent: secondary,
		Gate:           gate,
	}
	return Result{Output: out, Gate: gate, Intent: intent}, nil
}
