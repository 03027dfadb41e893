package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/events"
	"Aurora-Operator/internal/plan"
)

type recordingProducer struct {
	published []string
	failWith  error
}

func (p *recordingProducer) Publish(_ context.Context, runID string) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, runID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type stubConfirmer struct {
	response *authz.AuthorizationResponse
	err      error
	calls    int
}

func (c *stubConfirmer) ConfirmAuthorization(_ context.Context, _ string, _ bool) (*authz.AuthorizationResponse, error) {
	c.calls++
	return c.response, c.err
}

type stubCanceller struct {
	cancelled []string
	result    bool
}

func (c *stubCanceller) Cancel(planID string) bool {
	c.cancelled = append(c.cancelled, planID)
	return c.result
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore, *recordingProducer) {
	t.Helper()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	svc := NewService(store, producer, plan.NewCompiler(), 3, opts...)
	return svc, store, producer
}

func TestSubmitCreatesPendingRun(t *testing.T) {
	svc, _, producer := newTestService(t)

	r, err := svc.Submit(context.Background(), SubmitRequest{
		Origin:   "cli",
		RawInput: "read the file /tmp/report.txt",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if r.Status != StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	if r.Plan == nil || len(r.Plan.Steps) == 0 {
		t.Fatalf("expected compiled plan, got %+v", r.Plan)
	}
	if len(producer.published) != 1 || producer.published[0] != r.ID {
		t.Fatalf("run not published: %v", producer.published)
	}
}

func TestSubmitPublishesIntentAndPlanEvents(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var seen []events.Event
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}, events.TypeIntentReceived, events.TypePlanCreated)

	svc, _, _ := newTestService(t, WithEventPublisher(bus))
	r, err := svc.Submit(context.Background(), SubmitRequest{
		Origin:   "cli",
		RawInput: "read the file /tmp/report.txt",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("events = %v, want INTENT_RECEIVED then PLAN_CREATED", seen)
	}
	if seen[0].Type != events.TypeIntentReceived || seen[0].IntentID != r.ID {
		t.Fatalf("first event = %+v", seen[0])
	}
	if seen[1].Type != events.TypePlanCreated || seen[1].IntentID != r.ID {
		t.Fatalf("second event = %+v", seen[1])
	}
	if seen[1].PlanID != r.Plan.ID {
		t.Fatalf("plan event plan_id = %s, want %s", seen[1].PlanID, r.Plan.ID)
	}
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Submit(context.Background(), SubmitRequest{Origin: "cli", RawInput: "   "}); err == nil {
		t.Fatal("expected validation error for empty input")
	}
}

func TestSubmitIdempotentByID(t *testing.T) {
	svc, _, producer := newTestService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitRequest{ID: "run-1", Origin: "cli", RawInput: "do something"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := svc.Submit(ctx, SubmitRequest{ID: "run-1", Origin: "cli", RawInput: "do something"})
	if err != nil {
		t.Fatalf("repeated Submit failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same run, got %s and %s", first.ID, second.ID)
	}
	if len(producer.published) != 1 {
		t.Fatalf("expected single publish, got %d", len(producer.published))
	}
}

func TestSubmitDryRunOverride(t *testing.T) {
	svc, _, _ := newTestService(t)
	r, err := svc.Submit(context.Background(), SubmitRequest{
		Origin:   "cli",
		RawInput: "delete the old logs",
		Mode:     plan.ModeDryRun,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if r.Mode != plan.ModeDryRun || r.Plan.Mode != plan.ModeDryRun {
		t.Fatalf("expected dry-run mode, got run=%s plan=%s", r.Mode, r.Plan.Mode)
	}
}

func TestSubmitPublishFailureMarksTerminal(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{failWith: errors.New("broker down")}
	svc := NewService(store, producer, plan.NewCompiler(), 3)

	_, err := svc.Submit(context.Background(), SubmitRequest{ID: "run-1", Origin: "cli", RawInput: "hello"})
	if err == nil {
		t.Fatal("expected publish error")
	}
	r, getErr := store.Get(context.Background(), "run-1")
	if getErr != nil {
		t.Fatalf("Get failed: %v", getErr)
	}
	if r.Status != StatusFailed || r.ErrorCode != string(CodeRunPublish) {
		t.Fatalf("expected terminal publish failure, got status=%s code=%s", r.Status, r.ErrorCode)
	}
}

func seedAwaitingRun(t *testing.T, store *MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun(id, "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	auth := &authz.AuthorizationResponse{
		RequestID:          "req-" + id,
		PlanID:             "plan-" + id,
		Decision:           authz.DecisionRequiresConfirmation,
		RiskScore:          80,
		Level:              authz.LevelRed,
		ConfirmationPrompt: "confirm",
		ValidForMS:         60_000,
		IssuedAt:           time.Now().Unix(),
	}
	if err := store.SetAuthorization(ctx, id, auth); err != nil {
		t.Fatalf("SetAuthorization failed: %v", err)
	}
}

func TestConfirmApprovedRepublishes(t *testing.T) {
	confirmer := &stubConfirmer{
		response: &authz.AuthorizationResponse{
			RequestID:  "req-run-1",
			PlanID:     "plan-run-1",
			Decision:   authz.DecisionAllowed,
			RiskScore:  50,
			Level:      authz.LevelYellow,
			ValidForMS: 60_000,
			IssuedAt:   time.Now().Unix(),
		},
	}
	svc, store, producer := newTestService(t, WithConfirmer(confirmer))
	seedAwaitingRun(t, store, "run-1")

	r, err := svc.Confirm(context.Background(), "run-1", true)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmer.calls != 1 {
		t.Fatalf("expected confirmer to be called once, got %d", confirmer.calls)
	}
	if r.Authorization == nil || r.Authorization.Decision != authz.DecisionAllowed {
		t.Fatalf("authorization not updated: %+v", r.Authorization)
	}
	if len(producer.published) != 1 || producer.published[0] != "run-1" {
		t.Fatalf("approved run not republished: %v", producer.published)
	}
}

func TestConfirmRejectedMarksFailed(t *testing.T) {
	confirmer := &stubConfirmer{
		response: &authz.AuthorizationResponse{
			RequestID:  "req-run-1",
			PlanID:     "plan-run-1",
			Decision:   authz.DecisionBlocked,
			RiskScore:  80,
			Level:      authz.LevelRed,
			Reason:     "rejected by user",
			ValidForMS: 60_000,
			IssuedAt:   time.Now().Unix(),
		},
	}
	svc, store, producer := newTestService(t, WithConfirmer(confirmer))
	seedAwaitingRun(t, store, "run-1")

	r, err := svc.Confirm(context.Background(), "run-1", false)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if r.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", r.Status)
	}
	if len(producer.published) != 0 {
		t.Fatalf("rejected run must not be republished: %v", producer.published)
	}
}

func TestConfirmRequiresAwaitingStatus(t *testing.T) {
	svc, store, _ := newTestService(t, WithConfirmer(&stubConfirmer{}))
	if err := store.Create(context.Background(), newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Confirm(context.Background(), "run-1", true); err == nil {
		t.Fatal("expected conflict confirming pending run")
	}
}

func TestCancelPendingRun(t *testing.T) {
	svc, store, _ := newTestService(t)
	if err := store.Create(context.Background(), newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	r, err := svc.Cancel(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if r.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", r.Status)
	}
}

func TestCancelRunningDelegatesToEngine(t *testing.T) {
	canceller := &stubCanceller{result: true}
	svc, store, _ := newTestService(t, WithCanceller(canceller))
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Claim(ctx, "run-1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	r, err := svc.Cancel(ctx, "run-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "plan-run-1" {
		t.Fatalf("engine cancel not requested: %v", canceller.cancelled)
	}
	// 引擎负责落地取消状态，这里仍处于运行中
	if r.Status != StatusRunning {
		t.Fatalf("expected running until engine lands cancellation, got %s", r.Status)
	}
}

func TestCancelCompletedRun(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkCancelled(ctx, "run-1"); err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, "run-1"); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected ErrRunCompleted, got %v", err)
	}
}
