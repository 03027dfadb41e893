package run

import (
	"context"
	"testing"
	"time"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/observability/alerting"
	"Aurora-Operator/internal/plan"
)

type stubAuthorizer struct {
	response *authz.AuthorizationResponse
	err      error
	calls    int
}

func (a *stubAuthorizer) Authorize(_ context.Context, req authz.AuthorizationRequest) (*authz.AuthorizationResponse, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	resp := *a.response
	if req.Plan != nil {
		resp.PlanID = req.Plan.ID
	}
	return &resp, nil
}

type stubExecutor struct {
	result *engine.ExecutionResult
	err    error
	calls  int
}

func (e *stubExecutor) ExecutePlan(_ context.Context, p *plan.ExecutionPlan, _ *authz.AuthorizationResponse) (*engine.ExecutionResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	result := *e.result
	result.PlanID = p.ID
	return &result, nil
}

type recordingDispatcher struct {
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func allowedResponse() *authz.AuthorizationResponse {
	return &authz.AuthorizationResponse{
		RequestID:  "req-1",
		Decision:   authz.DecisionAllowed,
		RiskScore:  10,
		Level:      authz.LevelGreen,
		ValidForMS: 60_000,
		IssuedAt:   time.Now().Unix(),
	}
}

func TestHandleCompletesRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	authorizer := &stubAuthorizer{response: allowedResponse()}
	executor := &stubExecutor{result: &engine.ExecutionResult{
		Status: engine.StatusCompleted,
		Steps:  []engine.StepResult{{StepID: "s1", Status: engine.StepCompleted}},
	}}
	producer := &recordingProducer{}
	processor := NewProcessor(authorizer, executor, store, nil, producer)

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if authorizer.calls != 1 || executor.calls != 1 {
		t.Fatalf("expected gate and engine to each run once, got %d/%d", authorizer.calls, executor.calls)
	}

	r, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", r.Status)
	}
	if r.Authorization == nil || r.Authorization.Decision != authz.DecisionAllowed {
		t.Fatalf("authorization not persisted: %+v", r.Authorization)
	}
	if r.Result == nil || len(r.Result.Steps) != 1 {
		t.Fatalf("result not persisted: %+v", r.Result)
	}
}

func TestHandleReusesValidAuthorization(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r := newTestRun("run-1", "cli")
	r.Authorization = allowedResponse()
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	authorizer := &stubAuthorizer{response: allowedResponse()}
	executor := &stubExecutor{result: &engine.ExecutionResult{Status: engine.StatusCompleted}}
	processor := NewProcessor(authorizer, executor, store, nil, &recordingProducer{})

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if authorizer.calls != 0 {
		t.Fatalf("expected gate to be skipped for valid authorization, got %d calls", authorizer.calls)
	}
	if executor.calls != 1 {
		t.Fatalf("expected engine to run once, got %d", executor.calls)
	}
}

func TestHandleParksRunAwaitingConfirmation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	authorizer := &stubAuthorizer{response: &authz.AuthorizationResponse{
		RequestID:          "req-1",
		Decision:           authz.DecisionRequiresConfirmation,
		RiskScore:          80,
		Level:              authz.LevelRed,
		ConfirmationPrompt: "confirm",
		ValidForMS:         60_000,
		IssuedAt:           time.Now().Unix(),
	}}
	executor := &stubExecutor{result: &engine.ExecutionResult{Status: engine.StatusCompleted}}
	producer := &recordingProducer{}
	processor := NewProcessor(authorizer, executor, store, nil, producer)

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if executor.calls != 0 {
		t.Fatalf("engine must not run before confirmation, got %d calls", executor.calls)
	}
	if len(producer.published) != 0 {
		t.Fatalf("awaiting run must not be republished: %v", producer.published)
	}

	r, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Status != StatusAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", r.Status)
	}
}

func TestHandleBlockedAuthorization(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	authorizer := &stubAuthorizer{response: &authz.AuthorizationResponse{
		RequestID:  "req-1",
		Decision:   authz.DecisionBlocked,
		RiskScore:  95,
		Level:      authz.LevelRed,
		Reason:     "destructive pattern detected",
		ValidForMS: 60_000,
		IssuedAt:   time.Now().Unix(),
	}}
	executor := &stubExecutor{result: &engine.ExecutionResult{Status: engine.StatusCompleted}}
	alerts := &recordingDispatcher{}
	processor := NewProcessor(authorizer, executor, store, nil, &recordingProducer{},
		WithAlertDispatcher(alerts))

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if executor.calls != 0 {
		t.Fatalf("engine must not run blocked plans, got %d calls", executor.calls)
	}

	r, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Status != StatusFailed || r.ErrorCode != string(xerrors.CodeAuthorizationDenied) {
		t.Fatalf("expected terminal denial, got status=%s code=%s", r.Status, r.ErrorCode)
	}
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert for blocked plan, got %d", len(alerts.events))
	}
}

func TestHandleRetryableFailureRepublishes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	authorizer := &stubAuthorizer{response: allowedResponse()}
	executor := &stubExecutor{err: xerrors.New(CodeRunProcessing, "transient step failure")}
	producer := &recordingProducer{}
	processor := NewProcessor(authorizer, executor, store, nil, producer)

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(producer.published) != 1 || producer.published[0] != "run-1" {
		t.Fatalf("retryable failure must republish the run: %v", producer.published)
	}

	r, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Status != StatusFailed || r.ErrorCode != string(CodeRunProcessing) {
		t.Fatalf("unexpected run after retryable failure: status=%s code=%s", r.Status, r.ErrorCode)
	}
}

func TestHandleExhaustedRetriesStopRepublishing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	r := newTestRun("run-1", "cli")
	r.MaxRetries = 1
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	authorizer := &stubAuthorizer{response: allowedResponse()}
	executor := &stubExecutor{err: xerrors.New(CodeRunProcessing, "transient step failure")}
	producer := &recordingProducer{}
	processor := NewProcessor(authorizer, executor, store, nil, producer)

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("exhausted run must not be republished: %v", producer.published)
	}
}

type fallbackRecovery struct {
	calls int
}

func (r *fallbackRecovery) Recover(_ context.Context, run *Run, _ error) (*engine.ExecutionResult, error) {
	r.calls++
	return &engine.ExecutionResult{
		PlanID: run.Plan.ID,
		Status: engine.StatusCompleted,
		Error:  "served from cached result",
	}, nil
}

func TestHandleRecoveryFallback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	recovery := &fallbackRecovery{}
	authorizer := &stubAuthorizer{response: allowedResponse()}
	executor := &stubExecutor{err: xerrors.New(xerrors.CodeInvalidArgument, "malformed step params")}
	processor := NewProcessor(authorizer, executor, store, nil, &recordingProducer{},
		WithRecoveryHandler(recovery))

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if recovery.calls != 1 {
		t.Fatalf("expected recovery to run once, got %d", recovery.calls)
	}

	r, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if r.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got %s", r.Status)
	}
	if r.Result == nil || r.Result.Error != "served from cached result" {
		t.Fatalf("fallback result not persisted: %+v", r.Result)
	}
}

func TestHandleSkipsCompletedRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkCancelled(ctx, "run-1"); err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}

	executor := &stubExecutor{result: &engine.ExecutionResult{Status: engine.StatusCompleted}}
	processor := NewProcessor(&stubAuthorizer{response: allowedResponse()}, executor, store, nil, &recordingProducer{})

	if err := processor.Handle(ctx, "run-1"); err != nil {
		t.Fatalf("Handle should skip completed runs, got %v", err)
	}
	if executor.calls != 0 {
		t.Fatalf("completed run must not execute, got %d calls", executor.calls)
	}
}
