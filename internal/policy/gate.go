package policy

import (
	"strings"
)

// Verdict is the autonomy gate outcome. A gate firing is an expected
// operational result, not an error.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
}

// Verdict codes.
const (
	CodeOK                = "ok"
	CodeForbiddenPhrase   = "forbidden_phrase"
	CodeMissingIntent     = "missing_intent"
	CodeEscalateTier      = "escalate_tier"
	CodeHumanOnlyTier     = "human_only_tier"
	CodeUnknownIntent     = "unknown_intent"
	CodePolicyUnavailable = "policy_unavailable"
)

// Gate checks whether a task may be popped for unattended execution. Each
// Check loads the policy document fresh; a load or parse failure gates every
// task until the document is fixed.
type Gate struct {
	Workspace string
}

func (g Gate) Check(title, details, intent string) Verdict {
	p, err := Load(g.Workspace)
	if err != nil {
		return Verdict{Allowed: false, Code: CodePolicyUnavailable, Reason: err.Error()}
	}
	return Evaluate(p, title, details, intent)
}

// Evaluate applies the gate rules in fixed order: forbidden phrases override
// everything, then intent tiers, then default-deny.
func Evaluate(p *Policy, title, details, intent string) Verdict {
	text := strings.ToLower(title + "\n" + details)
	for _, phrase := range p.ForbiddenPhrases {
		if strings.Contains(text, strings.ToLower(phrase)) {
			return Verdict{Allowed: false, Code: CodeForbiddenPhrase, Reason: "matched forbidden phrase: " + phrase}
		}
	}
	if intent == "" {
		return Verdict{Allowed: false, Code: CodeMissingIntent, Reason: "task has no classified intent"}
	}
	if contains(p.Tiers.AlwaysEscalate, intent) {
		return Verdict{Allowed: false, Code: CodeEscalateTier, Reason: "intent " + intent + " always escalates to human review"}
	}
	if contains(p.Tiers.HumanOnly, intent) {
		return Verdict{Allowed: false, Code: CodeHumanOnlyTier, Reason: "intent " + intent + " is restricted to human-initiated workflows"}
	}
	if contains(p.Tiers.AutoExecute, intent) {
		return Verdict{Allowed: true, Code: CodeOK}
	}
	return Verdict{Allowed: false, Code: CodeUnknownIntent, Reason: "intent " + intent + " is not in any tier"}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
