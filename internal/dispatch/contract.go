package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

// AgentOutput is the contract every dispatched agent must honor. The core
// verifies it; nothing here is trusted from the agent side.
type AgentOutput struct {
	Agent        string            `json:"agent"`
	Version      string            `json:"version"`
	Intent       string            `json:"intent"`
	Summary      string            `json:"summary"`
	Outputs      []ArtifactPayload `json:"outputs"`
	LedgerWrites []LedgerWrite     `json:"ledger_writes"`
}

type ArtifactPayload struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type LedgerWrite struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Action names that must never appear anywhere in an agent's output,
// regardless of field.
var forbiddenActions = []string{"publish", "send", "deploy"}

// ContractError is a rejection of agent output against the contract.
type ContractError struct {
	Code    string
	Message string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("agent contract violation (%s): %s", e.Code, e.Message)
}

// ValidateOutput checks required fields, declared artifact types and the
// forbidden action-name scan.
func ValidateOutput(out AgentOutput, decl domain.Agent) *ContractError {
	if out.Agent == "" || out.Version == "" || out.Intent == "" || out.Summary == "" {
		return &ContractError{Code: "missing_field", Message: "agent, version, intent and summary are required"}
	}
	if out.Agent != decl.Name {
		return &ContractError{Code: "agent_mismatch", Message: fmt.Sprintf("output claims agent %s, dispatched %s", out.Agent, decl.Name)}
	}
	if out.Outputs == nil {
		return &ContractError{Code: "missing_field", Message: "outputs is required"}
	}
	if out.LedgerWrites == nil {
		return &ContractError{Code: "missing_field", Message: "ledger_writes is required"}
	}
	declared := map[string]bool{}
	for _, t := range decl.OutputTypes {
		declared[t] = true
	}
	for _, o := range out.Outputs {
		if !declared[o.Type] {
			return &ContractError{Code: "undeclared_output_type", Message: fmt.Sprintf("agent %s does not produce %q", decl.Name, o.Type)}
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return &ContractError{Code: "unserializable", Message: err.Error()}
	}
	lowered := strings.ToLower(string(raw))
	for _, name := range forbiddenActions {
		if strings.Contains(lowered, name) {
			return &ContractError{Code: "forbidden_action", Message: fmt.Sprintf("output contains forbidden action name %q", name)}
		}
	}
	return nil
}
