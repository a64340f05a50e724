package server

import (
	"gateline/internal/domain"
	"gateline/internal/policy"
	"gateline/internal/router"
)

// Request bodies. Responses reuse the domain and engine result types, which
// already carry their wire tags.

type RouteRequest struct {
	Request router.Request `json:"request"`
}

type TaskNextRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	ExcludeStubs bool   `json:"exclude_stubs,omitempty"`
}

type TaskCloseRequest struct {
	Reason     string `json:"reason"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

type StopLossRequest struct {
	FailureType string `json:"failure_type" enum:"REJECTED,HARD_BLOCK,GOVERNANCE_UNRESOLVED,NO_ARTIFACT"`
	Reason      string `json:"reason"`
	Step        string `json:"step,omitempty"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"retry,close,reject"`
	Reason   string `json:"reason,omitempty"`
}

type PolicyCheckRequest struct {
	Title   string `json:"title"`
	Details string `json:"details,omitempty"`
	Intent  string `json:"intent,omitempty"`
}

type PolicyCheckResponse struct {
	OK      bool           `json:"ok"`
	Verdict policy.Verdict `json:"verdict"`
}

type PolicyValidateRequest struct {
	Document string `json:"document,omitempty"`
}

type PolicyValidateResponse struct {
	OK      bool   `json:"ok"`
	Version int    `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SessionOpenRequest struct {
	ID        string `json:"id,omitempty"`
	Initiator string `json:"initiator" enum:"user,system"`
}

type SessionCloseRequest struct {
	Summary string `json:"summary,omitempty"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type SessionListResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

type AgentListResponse struct {
	Agents []domain.Agent `json:"agents"`
}

type ActionListResponse struct {
	Actions []domain.Action `json:"actions"`
}
