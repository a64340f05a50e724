package engine_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"gateline/internal/db"
	"gateline/internal/dispatch"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/policy"
	"gateline/internal/repo"
	"gateline/internal/router"
)

type testEnv struct {
	Engine    engine.Engine
	Workspace string
	Ctx       context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := policy.WriteDefault(dir); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	eng := engine.New(conn, dir)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Workspace: dir, Ctx: context.Background()}
}

// addTask inserts a task directly, bypassing routing, so tests can start from
// any lifecycle state.
func (env *testEnv) addTask(t *testing.T, task domain.Task) domain.Task {
	t.Helper()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = domain.TaskTodo
	}
	if task.Owner == "" {
		task.Owner = "analyst"
	}
	if task.Title == "" {
		task.Title = "summarize internal findings"
	}
	if task.CreatedAt == "" {
		task.CreatedAt = "2024-03-01T10:00:00Z"
	}
	if task.UpdatedAt == "" {
		task.UpdatedAt = task.CreatedAt
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.InsertTaskTx(env.Ctx, tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return task
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var cerr *engine.CodedError
	if !errors.As(err, &cerr) {
		t.Fatalf("want coded error %s, got %v", code, err)
	}
	if cerr.Code != code {
		t.Fatalf("want code %s, got %s", code, cerr.Code)
	}
}

func validRequest(goal string) router.Request {
	return router.Request{
		ID:        uuid.NewString(),
		SessionID: "sess-1",
		TS:        "2024-03-01T11:00:00Z",
		Initiator: "user",
		GoalText:  goal,
		Constraints: router.Constraints{
			NoPublicExposure:      true,
			StructuredOutputsOnly: true,
			OnDemandOnly:          true,
		},
	}
}

func TestRouteClassifiesAndQueues(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Route(env.Ctx, validRequest("please summarize the quarterly research notes"), "tester")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Output == nil || res.Task == nil {
		t.Fatalf("expected output and task")
	}
	if res.Output.Intent != domain.IntentResearchSummary {
		t.Fatalf("intent = %s", res.Output.Intent)
	}
	if res.Gate.Verdict != "approve" {
		t.Fatalf("verdict = %s", res.Gate.Verdict)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskTodo || got.Meta.Intent != domain.IntentResearchSummary {
		t.Fatalf("task %+v", got)
	}
}

func TestRouteUnmatchedFallsBackToGovernance(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Route(env.Ctx, validRequest("qwzx completely unclassifiable request"), "tester")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Output == nil {
		t.Fatalf("fallback must still produce output")
	}
	if res.Output.Intent != domain.IntentGovernanceReview {
		t.Fatalf("intent = %s", res.Output.Intent)
	}
	if res.Gate.Verdict != "approve_with_flag" || !res.Gate.RequiresGovernanceReview {
		t.Fatalf("gate = %+v", res.Gate)
	}
}

func TestRouteDeniesRiskPhrase(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Route(env.Ctx, validRequest("send email to client about invoice"), "tester")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Output != nil || res.Task != nil {
		t.Fatalf("deny must not emit output")
	}
	if res.Gate.Verdict != "deny" {
		t.Fatalf("verdict = %s", res.Gate.Verdict)
	}
	sess, err := env.Engine.Repo.GetSession(env.Ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !sess.Flagged {
		t.Fatalf("denied session must be flagged")
	}
}

func TestRouteDeniesFalseConstraint(t *testing.T) {
	env := newTestEnv(t)
	req := validRequest("summarize internal notes")
	req.Constraints.OnDemandOnly = false
	res, err := env.Engine.Route(env.Ctx, req, "tester")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Gate.Verdict != "deny" || res.Output != nil {
		t.Fatalf("expected deny without output, got %+v", res)
	}
}

func TestRouteOpensSessionWithTrail(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Route(env.Ctx, validRequest("summarize the meeting notes"), "tester"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if _, err := env.Engine.Route(env.Ctx, validRequest("summarize the follow-up notes"), "tester"); err != nil {
		t.Fatalf("route: %v", err)
	}
	// The implicit session create is audited exactly once per session.
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{SessionID: "sess-1", Type: domain.ActionSessionOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 {
		t.Fatalf("session_open actions = %d", len(acts))
	}
}

func TestRouteTitleTruncatesOnRuneBoundary(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Route(env.Ctx, validRequest(strings.Repeat("é", 100)), "tester")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	title := res.Task.Title
	if !utf8.ValidString(title) {
		t.Fatalf("title is not valid utf-8: %q", title)
	}
	if utf8.RuneCountInString(title) != 80 || !strings.HasSuffix(title, "...") {
		t.Fatalf("title = %q", title)
	}
}

func TestOpenSessionWritesTrail(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.OpenSession(env.Ctx, "", "user", "tester")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{SessionID: s.ID, Type: domain.ActionSessionOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 || acts[0].OutputRef != s.ID {
		t.Fatalf("session_open actions = %+v", acts)
	}
}

func TestCreateArtifactWritesTrail(t *testing.T) {
	env := newTestEnv(t)
	art, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactOptions{
		Type:  "report",
		Title: "weekly digest",
		Actor: "tester",
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{Type: domain.ActionArtifactCreate})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 || acts[0].OutputRef != art.ID {
		t.Fatalf("artifact_create actions = %+v", acts)
	}
}

func TestCloseGuard(t *testing.T) {
	env := newTestEnv(t)
	for _, status := range []string{domain.TaskTodo, domain.TaskBlocked, domain.TaskDone} {
		task := env.addTask(t, domain.Task{Status: status})
		_, err := env.Engine.Close(env.Ctx, engine.CloseOptions{TaskID: task.ID, Reason: "r", Actor: "tester"})
		wantCode(t, err, engine.CodeCloseGuard)
		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != status {
			t.Fatalf("guard failure must not mutate: %s -> %s", status, got.Status)
		}
	}
}

func TestCloseRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	art, err := env.Engine.CreateArtifact(env.Ctx, engine.ArtifactOptions{
		Type:  "report",
		Title: "q1 summary",
		Actor: "tester",
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	task := env.addTask(t, domain.Task{Status: domain.TaskDoing})
	if _, err := env.Engine.Close(env.Ctx, engine.CloseOptions{
		TaskID:     task.ID,
		Reason:     "reviewed and delivered",
		ArtifactID: art.ID,
		Actor:      "tester",
	}); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskDone {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Meta.Closure == nil || got.Meta.Closure.Reason != "reviewed and delivered" || got.Meta.Closure.ArtifactID != art.ID {
		t.Fatalf("closure = %+v", got.Meta.Closure)
	}
}

func TestPopConcurrentCallers(t *testing.T) {
	env := newTestEnv(t)
	// The ledger is single-writer; a one-connection pool makes the two
	// callers contend on the claim itself instead of on driver locks.
	env.Engine.DB.SetMaxOpenConns(1)
	env.addTask(t, domain.Task{Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})

	var wg sync.WaitGroup
	results := make([]engine.PopResult, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "worker"})
		}(i)
	}
	wg.Wait()

	claims := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("pop %d: %v", i, errs[i])
		}
		if results[i].OK {
			claims++
		} else if results[i].Code != engine.PopNoTask {
			t.Fatalf("loser code = %s", results[i].Code)
		}
	}
	if claims != 1 {
		t.Fatalf("claims = %d, want exactly 1", claims)
	}
}

func TestPopClaimsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})

	first, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "worker-a"})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !first.OK || first.Task.ID != task.ID {
		t.Fatalf("first pop = %+v", first)
	}

	// A racing claim against the already-claimed row loses cleanly.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := env.Engine.Repo.ClaimTaskTx(env.Ctx, tx, task.ID, task.Meta, "2024-03-01T12:01:00Z")
	tx.Rollback()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed {
		t.Fatalf("task claimed twice")
	}

	second, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "worker-b"})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if second.OK || second.Code != engine.PopNoTask {
		t.Fatalf("second pop = %+v", second)
	}
}

func TestPopSkipsStubTasks(t *testing.T) {
	env := newTestEnv(t)
	env.addTask(t, domain.Task{
		CreatedAt: "2024-03-01T09:00:00Z",
		Meta:      domain.TaskMeta{Intent: domain.IntentResearchSummary, Source: "stub"},
	})
	live := env.addTask(t, domain.Task{
		CreatedAt: "2024-03-01T10:00:00Z",
		Meta:      domain.TaskMeta{Intent: domain.IntentResearchSummary, Source: "live"},
	})
	res, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{ExcludeStubs: true, Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Task.ID != live.ID {
		t.Fatalf("pop = %+v", res)
	}
}

func TestPolicyGateBlocksEscalateTier(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{
		Owner: "strategist",
		Title: "prepare offer revision",
		Meta:  domain.TaskMeta{Intent: domain.IntentProductOffer},
	})
	res, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if res.OK || res.Code != engine.PopPolicyGated || !res.HILRequired {
		t.Fatalf("pop = %+v", res)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskBlocked {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Meta.PolicyGate == nil || !got.Meta.PolicyGate.HILRequired {
		t.Fatalf("policy gate meta = %+v", got.Meta.PolicyGate)
	}
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{Type: domain.ActionPolicyGate, InputRef: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 {
		t.Fatalf("policy_gate actions = %d", len(acts))
	}
}

func TestPolicyGateFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(policy.Path(env.Workspace), []byte("version: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	task := env.addTask(t, domain.Task{Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	res, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if res.OK || res.Code != engine.PopPolicyGated {
		t.Fatalf("pop = %+v", res)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskBlocked || got.Meta.PolicyGate == nil || got.Meta.PolicyGate.Code != policy.CodePolicyUnavailable {
		t.Fatalf("task = %+v", got.Meta.PolicyGate)
	}
}

func TestStopLossIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{Status: domain.TaskDoing, Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	blocked, err := env.Engine.ApplyStopLoss(env.Ctx, engine.StopLossOptions{
		TaskID:      task.ID,
		FailureType: dispatch.FailureRejected,
		Reason:      "contract rejected, repair exhausted",
		Step:        "contract",
		Actor:       "tester",
	})
	if err != nil {
		t.Fatalf("stop-loss: %v", err)
	}
	if blocked.Status != domain.TaskBlocked || blocked.Meta.StopLoss == nil || !blocked.Meta.StopLoss.Triggered {
		t.Fatalf("blocked = %+v", blocked)
	}
	_, err = env.Engine.ApplyStopLoss(env.Ctx, engine.StopLossOptions{
		TaskID:      task.ID,
		FailureType: dispatch.FailureRejected,
		Reason:      "again",
		Actor:       "tester",
	})
	wantCode(t, err, engine.CodeStopLossApplied)
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{Type: domain.ActionStopLoss, InputRef: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 {
		t.Fatalf("stop_loss actions = %d", len(acts))
	}
}

func TestStopLossThresholdBlocksPop(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{
		Meta: domain.TaskMeta{
			Intent:   domain.IntentResearchSummary,
			StopLoss: &domain.StopLossMeta{Triggered: true, FailureType: dispatch.FailureNoArtifact, Reason: "prior failure", TriggeredAt: "2024-02-29T00:00:00Z"},
		},
	})
	res, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Code != engine.PopStopLossThreshold || !res.HILRequired {
		t.Fatalf("pop = %+v", res)
	}
	// The refusal leaves its own trail; nothing fires silently.
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{Type: domain.ActionStopLossGate, InputRef: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 || acts[0].Status != "blocked" {
		t.Fatalf("stop_loss_gate actions = %+v", acts)
	}
}

func TestReviewRetryPreservesHistory(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{Status: domain.TaskDoing, Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	if _, err := env.Engine.ApplyStopLoss(env.Ctx, engine.StopLossOptions{
		TaskID:      task.ID,
		FailureType: dispatch.FailureNoArtifact,
		Reason:      "no artifact after dispatch",
		Actor:       "tester",
	}); err != nil {
		t.Fatal(err)
	}

	reviewed, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{
		TaskID:   task.ID,
		Decision: "retry",
		Reason:   "transient backend outage",
		Reviewer: "ops-lead",
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if reviewed.Status != domain.TaskTodo {
		t.Fatalf("status = %s", reviewed.Status)
	}
	if reviewed.Meta.StopLoss == nil || !reviewed.Meta.StopLoss.Triggered || reviewed.Meta.StopLoss.Reason != "no artifact after dispatch" {
		t.Fatalf("stop-loss history erased: %+v", reviewed.Meta.StopLoss)
	}
	if reviewed.Meta.Review == nil || !reviewed.Meta.Review.RetryApproved {
		t.Fatalf("review = %+v", reviewed.Meta.Review)
	}

	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, Decision: "retry", Reviewer: "ops-lead"})
	wantCode(t, err, engine.CodeAlreadyReviewed)

	// The threshold gate passes specifically because of the approval flag.
	res, err := env.Engine.PopNext(env.Ctx, engine.PopOptions{Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Task.ID != task.ID {
		t.Fatalf("pop after retry = %+v", res)
	}
}

func TestReviewCloseAndReject(t *testing.T) {
	env := newTestEnv(t)
	closeTask := env.addTask(t, domain.Task{Status: domain.TaskDoing, Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	rejectTask := env.addTask(t, domain.Task{Status: domain.TaskDoing, Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	for _, id := range []string{closeTask.ID, rejectTask.ID} {
		if _, err := env.Engine.ApplyStopLoss(env.Ctx, engine.StopLossOptions{
			TaskID: id, FailureType: dispatch.FailureHardBlock, Reason: "blocked", Actor: "tester",
		}); err != nil {
			t.Fatal(err)
		}
	}

	closed, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: closeTask.ID, Decision: "close", Reason: "not worth retrying", Reviewer: "ops-lead"})
	if err != nil {
		t.Fatalf("review close: %v", err)
	}
	if closed.Status != domain.TaskDone || closed.Meta.Closure == nil {
		t.Fatalf("closed = %+v", closed)
	}

	rejected, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: rejectTask.ID, Decision: "reject", Reason: "out of scope", Reviewer: "ops-lead"})
	if err != nil {
		t.Fatalf("review reject: %v", err)
	}
	if rejected.Status != domain.TaskBlocked || rejected.Meta.Review.Decision != "reject" {
		t.Fatalf("rejected = %+v", rejected)
	}
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: rejectTask.ID, Decision: "retry", Reviewer: "ops-lead"})
	wantCode(t, err, engine.CodeNotReviewable)
}

func TestReviewRequiresBlockedWithFlag(t *testing.T) {
	env := newTestEnv(t)
	doing := env.addTask(t, domain.Task{Status: domain.TaskDoing})
	_, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: doing.ID, Decision: "retry", Reviewer: "ops-lead"})
	wantCode(t, err, engine.CodeNotReviewable)

	bare := env.addTask(t, domain.Task{Status: domain.TaskBlocked})
	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: bare.ID, Decision: "retry", Reviewer: "ops-lead"})
	wantCode(t, err, engine.CodeNotReviewable)
}

type dispatcherFunc func(ctx context.Context, req dispatch.Request) (dispatch.AgentOutput, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.AgentOutput, error) {
	return f(ctx, req)
}

func TestExecuteHappyPath(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	res, err := env.Engine.ExecuteNext(env.Ctx, engine.PopOptions{Actor: "runner"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK || res.Code != engine.ExecDispatched || res.ArtifactID == "" {
		t.Fatalf("execute = %+v", res)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskDone || got.Meta.Closure.ArtifactID != res.ArtifactID {
		t.Fatalf("task = %+v", got)
	}
	art, err := env.Engine.Repo.GetArtifact(env.Ctx, res.ArtifactID)
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if len(art.Tags) != 1 || art.Tags[0] != domain.TagOriginDispatch {
		t.Fatalf("tags = %v", art.Tags)
	}
}

func TestExecuteStopLossOnContractRejection(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary}})
	env.Engine.Dispatcher = dispatcherFunc(func(ctx context.Context, req dispatch.Request) (dispatch.AgentOutput, error) {
		return dispatch.AgentOutput{Agent: req.Agent.Name, Version: "1.0.0", Intent: req.Task.Meta.Intent}, nil
	})
	res, err := env.Engine.ExecuteNext(env.Ctx, engine.PopOptions{Actor: "runner"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK || res.Code != engine.ExecStopLoss || res.FailureType != dispatch.FailureRejected {
		t.Fatalf("execute = %+v", res)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskBlocked || got.Meta.StopLoss.FailureType != dispatch.FailureRejected {
		t.Fatalf("task = %+v", got.Meta.StopLoss)
	}
	acts, err := env.Engine.Repo.LatestActions(env.Ctx, repo.ActionFilters{Type: domain.ActionStopLoss, InputRef: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 1 {
		t.Fatalf("stop_loss actions = %d", len(acts))
	}
}

func TestExecuteGovernanceUnresolved(t *testing.T) {
	env := newTestEnv(t)
	task := env.addTask(t, domain.Task{Meta: domain.TaskMeta{Intent: domain.IntentResearchSummary, RequiresReview: true}})
	res, err := env.Engine.ExecuteNext(env.Ctx, engine.PopOptions{Actor: "runner"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK || res.FailureType != dispatch.FailureGovernanceUnresolved {
		t.Fatalf("execute = %+v", res)
	}

	// A human retry approval resolves the governance requirement.
	if _, err := env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, Decision: "retry", Reason: "reviewed", Reviewer: "ops-lead"}); err != nil {
		t.Fatal(err)
	}
	res, err = env.Engine.ExecuteNext(env.Ctx, engine.PopOptions{Actor: "runner"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("execute after approval = %+v", res)
	}
}
