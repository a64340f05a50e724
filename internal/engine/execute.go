package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/actions"
	"gateline/internal/dispatch"
	"gateline/internal/domain"
	"gateline/internal/policy"
	"gateline/internal/repo"
)

// ExecuteResult is the structured outcome of one pop-dispatch-close cycle.
type ExecuteResult struct {
	OK          bool         `json:"ok"`
	Code        string       `json:"code,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	FailureType string       `json:"failure_type,omitempty"`
	HILRequired bool         `json:"hil_required,omitempty"`
	Task        *domain.Task `json:"task,omitempty"`
	ArtifactID  string       `json:"artifact_id,omitempty"`
}

// Execute result codes beyond the pop codes.
const (
	ExecDispatched = "dispatched"
	ExecStopLoss   = "stop_loss"
)

// ExecuteNext runs one full cycle: pop the next eligible task, dispatch it to
// its owner agent, verify the output contract, persist the artifacts and close
// the task. Any qualifying failure is contained by the stop-loss gate; the
// task is never left stranded in doing.
func (e Engine) ExecuteNext(ctx context.Context, opts PopOptions) (ExecuteResult, error) {
	pop, err := e.PopNext(ctx, opts)
	if err != nil {
		return ExecuteResult{}, err
	}
	if !pop.OK {
		return ExecuteResult{
			OK:          false,
			Code:        pop.Code,
			Reason:      pop.Reason,
			HILRequired: pop.HILRequired,
			Task:        pop.Task,
		}, nil
	}
	t := *pop.Task

	if t.Meta.RequiresReview {
		resolved, err := e.governanceResolved(ctx, t.ID)
		if err != nil {
			return ExecuteResult{}, err
		}
		if !resolved {
			return e.containFailure(ctx, t, dispatch.FailureGovernanceUnresolved,
				"governance review required and no approval on record", "pre-dispatch", opts.Actor)
		}
	}

	decl, err := e.Repo.GetAgent(ctx, t.Owner)
	if err == repo.ErrNotFound {
		return e.containFailure(ctx, t, dispatch.FailureHardBlock,
			"owner "+t.Owner+" is not in the agent registry", "pre-dispatch", opts.Actor)
	}
	if err != nil {
		return ExecuteResult{}, err
	}

	out, derr := e.dispatchOnce(ctx, t, decl)
	if derr != nil {
		return e.containFailure(ctx, t, dispatch.FailureNoArtifact,
			"dispatch failed: "+derr.Error(), "dispatch", opts.Actor)
	}
	if cerr := dispatch.ValidateOutput(out, decl); cerr != nil {
		// One repair attempt, then the rejection stands.
		out, derr = e.dispatchOnce(ctx, t, decl)
		if derr != nil {
			return e.containFailure(ctx, t, dispatch.FailureNoArtifact,
				"repair dispatch failed: "+derr.Error(), "repair", opts.Actor)
		}
		if cerr = dispatch.ValidateOutput(out, decl); cerr != nil {
			return e.containFailure(ctx, t, dispatch.ClassifyContract(cerr),
				cerr.Error(), "contract", opts.Actor)
		}
	}

	if len(out.Outputs) == 0 {
		return e.containFailure(ctx, t, dispatch.FailureNoArtifact,
			"agent "+decl.Name+" produced no artifact", "artifact", opts.Actor)
	}

	artifactID, err := e.persistDispatch(ctx, t, out, opts.Actor)
	if err != nil {
		return ExecuteResult{}, err
	}
	if artifactID != "" {
		if _, err := e.fetchArtifact(ctx, artifactID); err != nil {
			if err == repo.ErrNotFound {
				return e.containFailure(ctx, t, dispatch.FailureNoArtifact,
					"artifact "+artifactID+" not visible after dispatch", "artifact-fetch", opts.Actor)
			}
			return ExecuteResult{}, err
		}
	}

	closed, err := e.Close(ctx, CloseOptions{
		TaskID:     t.ID,
		Reason:     "completed by " + decl.Name,
		ArtifactID: artifactID,
		Actor:      opts.Actor,
	})
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{OK: true, Code: ExecDispatched, Task: &closed, ArtifactID: artifactID}, nil
}

func (e Engine) dispatchOnce(ctx context.Context, t domain.Task, decl domain.Agent) (dispatch.AgentOutput, error) {
	timeout := e.DispatchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.Dispatcher.Dispatch(dctx, dispatch.Request{Task: t, Agent: decl})
}

// governanceResolved reports whether a human approval decision exists for the
// task. A review retry writes one; a flagged task without it stays unresolved.
func (e Engine) governanceResolved(ctx context.Context, taskID string) (bool, error) {
	decisions, err := e.Repo.ListDecisions(ctx, repo.DecisionFilters{Subject: "task:" + taskID, Type: "approve"})
	if err != nil {
		return false, err
	}
	return len(decisions) > 0, nil
}

// containFailure applies the stop-loss gate to a just-failed dispatch.
func (e Engine) containFailure(ctx context.Context, t domain.Task, failureType, reason, step, actor string) (ExecuteResult, error) {
	blocked, err := e.ApplyStopLoss(ctx, StopLossOptions{
		TaskID:      t.ID,
		FailureType: failureType,
		Reason:      reason,
		Step:        step,
		Actor:       actor,
	})
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{
		OK:          false,
		Code:        ExecStopLoss,
		Reason:      reason,
		FailureType: failureType,
		HILRequired: true,
		Task:        &blocked,
	}, nil
}

// persistDispatch writes the agent's artifacts and the dispatch action in one
// transaction and returns the primary artifact id.
func (e Engine) persistDispatch(ctx context.Context, t domain.Task, out dispatch.AgentOutput, actor string) (string, error) {
	now := e.nowRFC3339()
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var primary string
	for _, payload := range out.Outputs {
		a := domain.Artifact{
			ID:          uuid.NewString(),
			SessionID:   t.SessionID,
			TS:          now,
			Type:        payload.Type,
			Title:       payload.Title,
			Content:     payload.Content,
			ContentHash: hash(payload.Content),
			Tags:        []string{domain.TagOriginDispatch},
		}
		if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
			return "", fmt.Errorf("insert artifact: %w", err)
		}
		if primary == "" {
			primary = a.ID
		}
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     actor,
		Type:      domain.ActionDispatch,
		InputRef:  t.ID,
		OutputRef: primary,
		Meta: actions.Meta{
			"agent":     out.Agent,
			"intent":    out.Intent,
			"summary":   out.Summary,
			"artifacts": len(out.Outputs),
		},
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return primary, nil
}

// fetchArtifact reads a just-produced artifact, absorbing write-visibility lag
// with one fixed-delay retry. Never a loop.
func (e Engine) fetchArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	a, err := e.Repo.GetArtifact(ctx, id)
	if err != repo.ErrNotFound {
		return a, err
	}
	delay := 2 * time.Second
	if p, perr := policy.Load(e.Workspace); perr == nil {
		delay = time.Duration(p.RetryDelaySeconds) * time.Second
	}
	select {
	case <-ctx.Done():
		return domain.Artifact{}, ctx.Err()
	case <-time.After(delay):
	}
	return e.Repo.GetArtifact(ctx, id)
}
