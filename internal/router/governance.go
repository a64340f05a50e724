package router

import (
	"strings"

	"gateline/internal/domain"
)

// High-risk phrases that deny a request outright unless the goal text carries
// an explicit "internal" qualifier. These cover unrestricted external
// publication, uncontrolled scale-out and unvetted external data stores.
var blockPhrases = []string{
	"send email",
	"publish",
	"post to",
	"scale out",
	"external database",
	"share with client",
	"upload to",
}

// Secondary risk phrases flag a request for governance review without
// blocking it.
var flagPhrases = []string{
	"export",
	"credential",
	"key",
	"security",
	"architecture change",
	"migration",
}

// Intents that are flagged by definition, independent of goal text.
var sensitiveIntents = map[string]bool{
	domain.IntentProductOffer:     true,
	domain.IntentFinanceChange:    true,
	domain.IntentExternalComms:    true,
	domain.IntentInfraChange:      true,
	domain.IntentSecurityReview:   true,
	domain.IntentGovernanceReview: true,
}

// denyCheck is gate tier 1. A non-nil result is a deny: no router output is
// emitted and the session is flagged for operator review.
func denyCheck(req Request) *GateResult {
	c := req.Constraints
	if !c.NoPublicExposure || !c.StructuredOutputsOnly || !c.OnDemandOnly {
		return &GateResult{Verdict: "deny", Reason: "constraint flags must all be true"}
	}
	text := strings.ToLower(req.GoalText)
	if !strings.Contains(text, "internal") {
		for _, phrase := range blockPhrases {
			if strings.Contains(text, phrase) {
				return &GateResult{Verdict: "deny", Reason: "unqualified high-risk phrase: " + phrase}
			}
		}
	}
	return nil
}

// flagCheck is gate tiers 2 and 3: approve_with_flag when the intent is
// sensitive, a secondary risk phrase appears, or the matched rule declares a
// review requirement; plain approve otherwise.
func flagCheck(req Request, rule domain.RoutingRule, matched bool, intent string) GateResult {
	var flags []string
	if sensitiveIntents[intent] {
		flags = append(flags, "sensitive_intent:"+intent)
	}
	text := strings.ToLower(req.GoalText)
	for _, phrase := range flagPhrases {
		if strings.Contains(text, phrase) {
			flags = append(flags, "risk_phrase:"+phrase)
		}
	}
	if matched && rule.RequiresReview {
		flags = append(flags, "rule_requires_review")
	}
	if len(flags) > 0 {
		return GateResult{
			Verdict:                  "approve_with_flag",
			RequiresGovernanceReview: true,
			Flags:                    flags,
		}
	}
	return GateResult{Verdict: "approve"}
}
