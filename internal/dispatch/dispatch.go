package dispatch

import (
	"context"

	"gateline/internal/domain"
)

// Failure classes recognized by the stop-loss post-execution gate.
const (
	FailureRejected             = "REJECTED"
	FailureHardBlock            = "HARD_BLOCK"
	FailureGovernanceUnresolved = "GOVERNANCE_UNRESOLVED"
	FailureNoArtifact           = "NO_ARTIFACT"
)

// Request hands one claimed task to an agent backend.
type Request struct {
	Task  domain.Task
	Agent domain.Agent
}

// Dispatcher executes one task against an agent backend. Implementations must
// respect ctx cancellation; the caller bounds every call with a timeout.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (AgentOutput, error)
}

// ClassifyContract maps a contract rejection to its stop-loss failure class.
// A forbidden action name is a policy violation, not a malformed payload.
func ClassifyContract(err *ContractError) string {
	if err.Code == "forbidden_action" {
		return FailureHardBlock
	}
	return FailureRejected
}

// Stub is a backend-free dispatcher producing a minimal compliant output. It
// serves tests and dry runs where no inference backend is wired.
type Stub struct{}

func (Stub) Dispatch(ctx context.Context, req Request) (AgentOutput, error) {
	if err := ctx.Err(); err != nil {
		return AgentOutput{}, err
	}
	outType := "report"
	if len(req.Agent.OutputTypes) > 0 {
		outType = req.Agent.OutputTypes[0]
	}
	return AgentOutput{
		Agent:   req.Agent.Name,
		Version: req.Agent.Version,
		Intent:  req.Task.Meta.Intent,
		Summary: "completed with no external effects",
		Outputs: []ArtifactPayload{{
			Type:    outType,
			Title:   "stub output",
			Content: "placeholder content produced without an inference backend",
		}},
		LedgerWrites: []LedgerWrite{{Kind: "task", Ref: req.Task.ID}},
	}, nil
}
