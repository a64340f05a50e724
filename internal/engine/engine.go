package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateline/internal/actions"
	"gateline/internal/dispatch"
	"gateline/internal/domain"
	"gateline/internal/policy"
	"gateline/internal/repo"
	"gateline/internal/router"
)

// MaxCloseReasonLen bounds closure reasons written into task metadata.
const MaxCloseReasonLen = 500

// Engine owns every state-changing operation against the ledger. Each
// operation runs in one short-lived transaction: the mutation and its audit
// action rows commit together or not at all.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Actions    actions.Writer
	Gate       policy.Gate
	Dispatcher dispatch.Dispatcher
	Workspace  string

	// DispatchTimeout bounds one external agent call.
	DispatchTimeout time.Duration

	Now func() time.Time
}

func New(db *sql.DB, workspace string) Engine {
	return Engine{
		DB:              db,
		Repo:            repo.Repo{DB: db},
		Actions:         actions.Writer{DB: db},
		Gate:            policy.Gate{Workspace: workspace},
		Dispatcher:      dispatch.Stub{},
		Workspace:       workspace,
		DispatchTimeout: 30 * time.Second,
		Now:             time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) writer() actions.Writer {
	w := e.Actions
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// CodedError is a guard, validation or idempotency rejection. The code is
// stable and machine-readable; callers surface it instead of a bare message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return e.Code + ": " + e.Message
}

// Rejection codes.
const (
	CodeValidation      = "validation"
	CodeCloseGuard      = "close_guard"
	CodeStopLossGuard   = "stop_loss_guard"
	CodeStopLossApplied = "stop_loss_already_applied"
	CodeNotReviewable   = "not_reviewable"
	CodeAlreadyReviewed = "already_reviewed"
)

func hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// --- sessions ---

// OpenSession creates an open session if the id is new and records the open
// in the ledger.
func (e Engine) OpenSession(ctx context.Context, id, initiator, actor string) (domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if initiator != "user" && initiator != "system" {
		return domain.Session{}, &CodedError{Code: CodeValidation, Message: "initiator must be user or system"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.EnsureSessionTx(ctx, tx, id, initiator, e.nowRFC3339()); err != nil {
		return domain.Session{}, err
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: id,
		Actor:     actor,
		Type:      domain.ActionSessionOpen,
		OutputRef: id,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return e.Repo.GetSession(ctx, id)
}

// CloseSession closes an open session with a terminal summary.
func (e Engine) CloseSession(ctx context.Context, id, summary, actor string) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CloseSession(ctx, tx, id, e.nowRFC3339(), summary); err != nil {
		return domain.Session{}, err
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: id,
		Actor:     actor,
		Type:      domain.ActionSessionClose,
		InputRef:  id,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return e.Repo.GetSession(ctx, id)
}

// --- routing ---

// RouteResult reports one routing run. Output is nil on a denial; Task is the
// queued work item created for approved or flagged requests.
type RouteResult struct {
	Output *router.Output    `json:"output,omitempty"`
	Gate   router.GateResult `json:"gate"`
	Task   *domain.Task      `json:"task,omitempty"`
}

// Route validates and classifies a request, applies the governance gate, and
// commits the full trail in one transaction: the inbound message, the gate
// decision, the queued task when the gate passes, and the route action.
func (e Engine) Route(ctx context.Context, req router.Request, actor string) (RouteResult, error) {
	if verr := router.ValidateRequest(req); verr != nil {
		return RouteResult{}, verr
	}
	rules, err := e.Repo.ListRoutingRules(ctx)
	if err != nil {
		return RouteResult{}, err
	}
	res, verr := router.Router{Rules: rules}.Route(req)
	if verr != nil {
		return RouteResult{}, verr
	}
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RouteResult{}, err
	}
	defer tx.Rollback()

	created, err := e.Repo.EnsureSessionTx(ctx, tx, req.SessionID, req.Initiator, now)
	if err != nil {
		return RouteResult{}, err
	}
	if created {
		if err := e.writer().Append(ctx, tx, actions.Entry{
			SessionID: req.SessionID,
			Actor:     actor,
			Type:      domain.ActionSessionOpen,
			OutputRef: req.SessionID,
		}); err != nil {
			return RouteResult{}, err
		}
	}

	if err := e.Repo.InsertMessageTx(ctx, tx, domain.Message{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		TS:          now,
		Role:        req.Initiator,
		Content:     req.GoalText,
		ContentHash: hash(req.GoalText),
	}); err != nil {
		return RouteResult{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Repo.InsertDecisionTx(ctx, tx, domain.Decision{
		ID:        uuid.NewString(),
		SessionID: &req.SessionID,
		TS:        now,
		Type:      res.Gate.Verdict,
		Subject:   "request:" + req.ID,
		Selected:  res.Intent,
		Rationale: gateRationale(res.Gate),
		Approver:  "governance-gate",
	}); err != nil {
		return RouteResult{}, fmt.Errorf("insert decision: %w", err)
	}

	if res.Gate.Verdict == "deny" {
		if err := e.Repo.FlagSession(ctx, tx, req.SessionID); err != nil {
			return RouteResult{}, err
		}
		if err := e.writer().Append(ctx, tx, actions.Entry{
			SessionID: req.SessionID,
			Actor:     actor,
			Type:      domain.ActionRoute,
			InputRef:  req.ID,
			Status:    "blocked",
			Reason:    res.Gate.Reason,
		}); err != nil {
			return RouteResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return RouteResult{}, err
		}
		return RouteResult{Gate: res.Gate}, nil
	}

	out := res.Output
	t := domain.Task{
		ID:        uuid.NewString(),
		SessionID: &req.SessionID,
		CreatedAt: now,
		Owner:     out.PrimaryAgent,
		Status:    domain.TaskTodo,
		Title:     taskTitle(req.GoalText),
		Details:   req.GoalText,
		Meta: domain.TaskMeta{
			Intent:         res.Intent,
			Source:         "live",
			RequiresReview: res.Gate.RequiresGovernanceReview,
		},
		UpdatedAt: now,
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return RouteResult{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: req.SessionID,
		Actor:     actor,
		Type:      domain.ActionRoute,
		InputRef:  req.ID,
		OutputRef: t.ID,
		Meta: actions.Meta{
			"intent":        res.Intent,
			"primary_agent": out.PrimaryAgent,
			"verdict":       res.Gate.Verdict,
			"flags":         res.Gate.Flags,
		},
	}); err != nil {
		return RouteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RouteResult{}, err
	}
	return RouteResult{Output: out, Gate: res.Gate, Task: &t}, nil
}

func gateRationale(g router.GateResult) string {
	if g.Reason != "" {
		return g.Reason
	}
	if len(g.Flags) > 0 {
		return "flags: " + strings.Join(g.Flags, ", ")
	}
	return ""
}

// taskTitle derives a short title from the goal text. Truncation counts
// runes, never bytes, so a multi-byte boundary cannot corrupt the title.
func taskTitle(goal string) string {
	runes := []rune(strings.TrimSpace(goal))
	if len(runes) <= 80 {
		return string(runes)
	}
	return string(runes[:77]) + "..."
}

// --- task lifecycle ---

// PopOptions scope a pop to a session or owner; ExcludeStubs skips tasks whose
// metadata marks them as placeholders.
type PopOptions struct {
	SessionID    string
	Owner        string
	ExcludeStubs bool
	Actor        string
}

// PopResult is the structured outcome of a pop. A gate firing is an expected
// result, not an error: OK=false with a code and, for gates, HILRequired.
type PopResult struct {
	OK          bool         `json:"ok"`
	Code        string       `json:"code,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	HILRequired bool         `json:"hil_required,omitempty"`
	Task        *domain.Task `json:"task,omitempty"`
}

// Pop result codes for the non-error outcomes.
const (
	PopNoTask            = "no_task"
	PopPolicyGated       = "policy_gated"
	PopStopLossThreshold = "stop_loss_threshold"
)

// PopNext claims the oldest eligible todo task for execution. The autonomy
// policy gate and the stop-loss threshold check both run before the claim;
// either firing means the claim is never attempted. Losing a claim race to a
// concurrent pop reports no_task, not an error.
func (e Engine) PopNext(ctx context.Context, opts PopOptions) (PopResult, error) {
	t, err := e.Repo.OldestEligible(ctx, repo.PopFilters{
		SessionID:    opts.SessionID,
		Owner:        opts.Owner,
		ExcludeStubs: opts.ExcludeStubs,
	})
	if err == repo.ErrNotFound {
		return PopResult{OK: false, Code: PopNoTask, Reason: "no eligible task"}, nil
	}
	if err != nil {
		return PopResult{}, err
	}

	if verdict := e.Gate.Check(t.Title, t.Details, t.Meta.Intent); !verdict.Allowed {
		blocked, err := e.gateTask(ctx, t, verdict, opts.Actor)
		if err != nil {
			return PopResult{}, err
		}
		return PopResult{
			OK:          false,
			Code:        PopPolicyGated,
			Reason:      verdict.Reason,
			HILRequired: true,
			Task:        &blocked,
		}, nil
	}

	if t.Meta.StopLoss != nil && t.Meta.StopLoss.Triggered && !retryApproved(t.Meta) {
		reason := "prior stop-loss on record; human review required"
		if err := e.recordThresholdGate(ctx, t, reason, opts.Actor); err != nil {
			return PopResult{}, err
		}
		return PopResult{
			OK:          false,
			Code:        PopStopLossThreshold,
			Reason:      reason,
			HILRequired: true,
			Task:        &t,
		}, nil
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PopResult{}, err
	}
	defer tx.Rollback()

	claimed, err := e.Repo.ClaimTaskTx(ctx, tx, t.ID, t.Meta, now)
	if err != nil {
		return PopResult{}, err
	}
	if !claimed {
		return PopResult{OK: false, Code: PopNoTask, Reason: "claimed by a concurrent pop"}, nil
	}
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     opts.Actor,
		Type:      domain.ActionTaskUpdate,
		InputRef:  t.ID,
		Meta:      actions.Meta{"from": domain.TaskTodo, "to": domain.TaskDoing},
	}); err != nil {
		return PopResult{}, err
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     opts.Actor,
		Type:      domain.ActionTaskNext,
		OutputRef: t.ID,
		Meta:      actions.Meta{"owner": t.Owner, "intent": t.Meta.Intent},
	}); err != nil {
		return PopResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PopResult{}, err
	}
	t.Status = domain.TaskDoing
	t.UpdatedAt = now
	return PopResult{OK: true, Task: &t}, nil
}

func retryApproved(m domain.TaskMeta) bool {
	return m.Review != nil && m.Review.RetryApproved
}

// recordThresholdGate writes the trail for a pop refused by the stop-loss
// threshold. The task itself does not change; the refusal still must be
// replayable from the ledger.
func (e Engine) recordThresholdGate(ctx context.Context, t domain.Task, reason, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     actor,
		Type:      domain.ActionStopLossGate,
		InputRef:  t.ID,
		Status:    "blocked",
		Reason:    reason,
		Meta:      actions.Meta{"failure_type": t.Meta.StopLoss.FailureType},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// gateTask marks a task blocked under the autonomy gate with the hil_required
// flag and writes the policy_gate action, atomically.
func (e Engine) gateTask(ctx context.Context, t domain.Task, v policy.Verdict, actor string) (domain.Task, error) {
	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t.Meta.PolicyGate = &domain.PolicyGateMeta{
		HILRequired: true,
		Code:        v.Code,
		Reason:      v.Reason,
		GatedAt:     now,
	}
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, t.ID, domain.TaskBlocked, t.Meta, now); err != nil {
		return domain.Task{}, err
	}
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     actor,
		Type:      domain.ActionPolicyGate,
		InputRef:  t.ID,
		Status:    "blocked",
		Reason:    v.Reason,
		Meta:      actions.Meta{"code": v.Code, "intent": t.Meta.Intent},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskBlocked
	t.UpdatedAt = now
	return t, nil
}

// CloseOptions close a doing task with a bounded reason and an optional
// artifact reference.
type CloseOptions struct {
	TaskID     string
	Reason     string
	ArtifactID string
	Actor      string
}

// Close transitions doing -> done. Any other current status is a guard
// failure with no mutation.
func (e Engine) Close(ctx context.Context, opts CloseOptions) (domain.Task, error) {
	if opts.TaskID == "" {
		return domain.Task{}, &CodedError{Code: CodeValidation, Message: "task id is required"}
	}
	if len(opts.Reason) > MaxCloseReasonLen {
		return domain.Task{}, &CodedError{Code: CodeValidation, Message: fmt.Sprintf("reason exceeds %d chars", MaxCloseReasonLen)}
	}
	if opts.ArtifactID != "" {
		if _, err := e.Repo.GetArtifact(ctx, opts.ArtifactID); err != nil {
			if err == repo.ErrNotFound {
				return domain.Task{}, &CodedError{Code: CodeValidation, Message: "artifact " + opts.ArtifactID + " not found"}
			}
			return domain.Task{}, err
		}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskDoing {
		return domain.Task{}, &CodedError{Code: CodeCloseGuard, Message: "task is " + t.Status + ", close requires doing"}
	}
	t.Meta.Closure = &domain.ClosureMeta{
		Reason:     opts.Reason,
		ArtifactID: opts.ArtifactID,
		ClosedBy:   opts.Actor,
		ClosedAt:   now,
	}
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, t.ID, domain.TaskDone, t.Meta, now); err != nil {
		return domain.Task{}, err
	}
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     opts.Actor,
		Type:      domain.ActionTaskClose,
		InputRef:  t.ID,
		OutputRef: opts.ArtifactID,
		Reason:    opts.Reason,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskDone
	t.UpdatedAt = now
	return t, nil
}

// StopLossOptions classify a dispatch failure against a task.
type StopLossOptions struct {
	TaskID      string
	FailureType string
	Reason      string
	Step        string
	Actor       string
}

var failureTypes = map[string]bool{
	"REJECTED":              true,
	"HARD_BLOCK":            true,
	"GOVERNANCE_UNRESOLVED": true,
	"NO_ARTIFACT":           true,
}

// ApplyStopLoss blocks a task after a qualifying failure. Re-applying to an
// already stop-lossed task is rejected, never double-applied.
func (e Engine) ApplyStopLoss(ctx context.Context, opts StopLossOptions) (domain.Task, error) {
	if !failureTypes[opts.FailureType] {
		return domain.Task{}, &CodedError{Code: CodeValidation, Message: "unknown failure type " + opts.FailureType}
	}
	if opts.Reason == "" {
		return domain.Task{}, &CodedError{Code: CodeValidation, Message: "reason is required"}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	// Idempotency guard: a blocked task already carrying a trigger is never
	// double-applied. A task re-queued by an approved retry may trigger again
	// on its next failure; the earlier trigger stays in the action ledger.
	if t.Status == domain.TaskBlocked && t.Meta.StopLoss != nil && t.Meta.StopLoss.Triggered {
		return domain.Task{}, &CodedError{Code: CodeStopLossApplied, Message: "stop-loss already applied to task " + t.ID}
	}
	if t.Status == domain.TaskDone {
		return domain.Task{}, &CodedError{Code: CodeStopLossGuard, Message: "task is done; nothing to contain"}
	}
	t.Meta.StopLoss = &domain.StopLossMeta{
		Triggered:   true,
		FailureType: opts.FailureType,
		Reason:      opts.Reason,
		Step:        opts.Step,
		Owner:       t.Owner,
		TriggeredAt: now,
	}
	// A retry approval is consumed by the failure that followed it.
	if t.Meta.Review != nil && t.Meta.Review.RetryApproved {
		t.Meta.Review.RetryApproved = false
	}
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, t.ID, domain.TaskBlocked, t.Meta, now); err != nil {
		return domain.Task{}, err
	}
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     opts.Actor,
		Type:      domain.ActionStopLoss,
		InputRef:  t.ID,
		Status:    "blocked",
		Reason:    opts.Reason,
		Meta: actions.Meta{
			"failure_type": opts.FailureType,
			"step":         opts.Step,
			"owner":        t.Owner,
		},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskBlocked
	t.UpdatedAt = now
	return t, nil
}

// ReviewOptions carry one human review decision.
type ReviewOptions struct {
	TaskID   string
	Decision string
	Reason   string
	Reviewer string
}

// Review is the only path that clears a blocked status. retry re-queues the
// task with an approval flag and keeps the original blocking fields as
// permanent history; close disposes of it as done; reject leaves it blocked
// with a terminal annotation.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (domain.Task, error) {
	switch opts.Decision {
	case "retry", "close", "reject":
	default:
		return domain.Task{}, &CodedError{Code: CodeValidation, Message: "decision must be retry, close or reject"}
	}
	if opts.Reviewer == "" {
		return domain.Task{}, &CodedError{Code: CodeValidation, Message: "reviewer is required"}
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Meta.Review != nil && t.Meta.Review.Decision == opts.Decision {
		return domain.Task{}, &CodedError{Code: CodeAlreadyReviewed, Message: opts.Decision + " already applied to task " + t.ID}
	}
	if t.Status != domain.TaskBlocked {
		return domain.Task{}, &CodedError{Code: CodeNotReviewable, Message: "task is " + t.Status + ", review requires blocked"}
	}
	stopLossed := t.Meta.StopLoss != nil && t.Meta.StopLoss.Triggered
	policyGated := t.Meta.PolicyGate != nil && t.Meta.PolicyGate.HILRequired
	if !stopLossed && !policyGated {
		return domain.Task{}, &CodedError{Code: CodeNotReviewable, Message: "task carries no stop-loss or policy-gate flag"}
	}
	if t.Meta.Review != nil && t.Meta.Review.Decision == "reject" {
		return domain.Task{}, &CodedError{Code: CodeNotReviewable, Message: "task was terminally rejected"}
	}

	var (
		nextStatus   string
		decisionType string
		actionType   string
	)
	review := &domain.ReviewMeta{
		Decision:  opts.Decision,
		Reason:    opts.Reason,
		Reviewer:  opts.Reviewer,
		DecidedAt: now,
	}
	switch opts.Decision {
	case "retry":
		nextStatus = domain.TaskTodo
		decisionType = "approve"
		actionType = domain.ActionHumanReviewRetry
		review.RetryApproved = true
	case "close":
		nextStatus = domain.TaskDone
		decisionType = "approve"
		actionType = domain.ActionHumanReviewClose
		t.Meta.Closure = &domain.ClosureMeta{
			Reason:   opts.Reason,
			ClosedBy: opts.Reviewer,
			ClosedAt: now,
		}
	case "reject":
		nextStatus = domain.TaskBlocked
		decisionType = "deny"
		actionType = domain.ActionHumanReviewReject
	}
	// Blocking history is never erased; the review block sits alongside it.
	t.Meta.Review = review

	if err := e.Repo.InsertDecisionTx(ctx, tx, domain.Decision{
		ID:        uuid.NewString(),
		SessionID: t.SessionID,
		TS:        now,
		Type:      decisionType,
		Subject:   "task:" + t.ID,
		Selected:  opts.Decision,
		Rationale: opts.Reason,
		Approver:  opts.Reviewer,
	}); err != nil {
		return domain.Task{}, fmt.Errorf("insert decision: %w", err)
	}
	if err := e.Repo.UpdateTaskStateTx(ctx, tx, t.ID, nextStatus, t.Meta, now); err != nil {
		return domain.Task{}, err
	}
	sessionID := ""
	if t.SessionID != nil {
		sessionID = *t.SessionID
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: sessionID,
		Actor:     opts.Reviewer,
		Type:      actionType,
		InputRef:  t.ID,
		Reason:    opts.Reason,
		Meta:      actions.Meta{"decision": opts.Decision},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Status = nextStatus
	t.UpdatedAt = now
	return t, nil
}

// --- artifacts ---

// ArtifactOptions create one artifact row.
type ArtifactOptions struct {
	SessionID      string
	Type           string
	Title          string
	Content        string
	Classification string
	Tags           []string
	Actor          string
}

// CreateArtifact records an agent or operator output. The tag set always
// carries an origin marker.
func (e Engine) CreateArtifact(ctx context.Context, opts ArtifactOptions) (domain.Artifact, error) {
	if opts.Type == "" || opts.Title == "" {
		return domain.Artifact{}, &CodedError{Code: CodeValidation, Message: "type and title are required"}
	}
	tags := opts.Tags
	if !hasOriginTag(tags) {
		tags = append(tags, domain.TagOriginManual)
	}
	now := e.nowRFC3339()
	a := domain.Artifact{
		ID:             uuid.NewString(),
		TS:             now,
		Type:           opts.Type,
		Title:          opts.Title,
		Content:        opts.Content,
		ContentHash:    hash(opts.Content),
		Classification: opts.Classification,
		Tags:           tags,
	}
	if opts.SessionID != "" {
		a.SessionID = &opts.SessionID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.writer().Append(ctx, tx, actions.Entry{
		SessionID: opts.SessionID,
		Actor:     opts.Actor,
		Type:      domain.ActionArtifactCreate,
		OutputRef: a.ID,
		Meta:      actions.Meta{"type": a.Type, "tags": tags},
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

func hasOriginTag(tags []string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, "origin:") {
			return true
		}
	}
	return false
}
