package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/engine"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/skill"
)

func newTestRun(id, origin string) *Run {
	return &Run{
		ID:       id,
		Origin:   origin,
		RawInput: "backup the reports directory",
		Mode:     plan.ModeReal,
		Plan: &plan.ExecutionPlan{
			ID:       "plan-" + id,
			IntentID: id,
			Mode:     plan.ModeReal,
		},
		Status:     StatusPending,
		MaxRetries: 3,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := newTestRun("run-1", "cli")
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, newTestRun("run-1", "cli")); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected ErrRunConflict on duplicate create, got %v", err)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending || got.Origin != "cli" {
		t.Fatalf("unexpected run: %+v", got)
	}

	// 修改返回值不应影响存储内部状态
	got.RawInput = "mutated"
	got.Plan.ID = "mutated"
	again, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.RawInput == "mutated" || again.Plan.ID == "mutated" {
		t.Fatalf("store leaked internal state: %+v", again)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := newTestRun("run-1", "cli")
	r.MaxRetries = 2
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	claimed, err := store.Claim(ctx, "run-1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed run: status=%s attempts=%d", claimed.Status, claimed.Attempts)
	}

	if _, err := store.Claim(ctx, "run-1"); !errors.Is(err, ErrRunConflict) {
		t.Fatalf("expected ErrRunConflict on running claim, got %v", err)
	}

	if err := store.MarkFailed(ctx, "run-1", CodeRunProcessing, "step failed", false); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := store.Claim(ctx, "run-1"); err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "run-1", CodeRunProcessing, "step failed", false); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := store.Claim(ctx, "run-1"); !errors.Is(err, ErrRunExhausted) {
		t.Fatalf("expected ErrRunExhausted, got %v", err)
	}

	done := newTestRun("run-2", "cli")
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkCancelled(ctx, "run-2"); err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}
	if _, err := store.Claim(ctx, "run-2"); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected ErrRunCompleted, got %v", err)
	}
}

func TestMemoryStoreSetAuthorization(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	auth := &authz.AuthorizationResponse{
		RequestID:          "req-1",
		PlanID:             "plan-run-1",
		Decision:           authz.DecisionRequiresConfirmation,
		RiskScore:          75,
		Level:              authz.LevelRed,
		ConfirmationPrompt: "confirm high risk plan",
		ValidForMS:         60_000,
		IssuedAt:           time.Now().Unix(),
	}
	if err := store.SetAuthorization(ctx, "run-1", auth); err != nil {
		t.Fatalf("SetAuthorization failed: %v", err)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusAwaitingConfirmation {
		t.Fatalf("expected awaiting_confirmation, got %s", got.Status)
	}
	if got.Authorization == nil || got.Authorization.RequestID != "req-1" {
		t.Fatalf("authorization not persisted: %+v", got.Authorization)
	}
	if got.Prompt != "confirm high risk plan" {
		t.Fatalf("expected confirmation prompt, got %q", got.Prompt)
	}
}

func TestMemoryStoreMarkSucceeded(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	result := engine.ExecutionResult{
		PlanID: "plan-run-1",
		Status: engine.StatusCompleted,
		Steps: []engine.StepResult{
			{StepID: "s1", Status: engine.StepCompleted, Output: &skill.Result{Output: "done"}},
		},
	}
	if err := store.MarkSucceeded(ctx, "run-1", result); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusSucceeded || got.Result == nil || len(got.Result.Steps) != 1 {
		t.Fatalf("unexpected run after success: %+v", got)
	}
	if err := store.MarkCancelled(ctx, "run-1"); !errors.Is(err, ErrRunCompleted) {
		t.Fatalf("expected ErrRunCompleted cancelling succeeded run, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, spec := range []struct {
		id     string
		origin string
		status Status
	}{
		{"run-1", "cli", StatusPending},
		{"run-2", "cli", StatusSucceeded},
		{"run-3", "web", StatusPending},
		{"run-4", "web", StatusFailed},
	} {
		r := newTestRun(spec.id, spec.origin)
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("Create %s failed: %v", spec.id, err)
		}
		switch spec.status {
		case StatusSucceeded:
			if err := store.MarkSucceeded(ctx, spec.id, engine.ExecutionResult{Status: engine.StatusCompleted}); err != nil {
				t.Fatalf("MarkSucceeded failed: %v", err)
			}
		case StatusFailed:
			if err := store.MarkFailed(ctx, spec.id, CodeRunProcessing, "boom", true); err != nil {
				t.Fatalf("MarkFailed failed: %v", err)
			}
		}
	}

	pending, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending)}))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending runs, got %d", len(pending))
	}

	webRuns, err := store.List(ctx, buildListOptions([]ListOption{WithOrigin("web")}))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(webRuns) != 2 {
		t.Fatalf("expected 2 web runs, got %d", len(webRuns))
	}

	limited, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1)}))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 run with limit, got %d", len(limited))
	}

	offset, err := store.List(ctx, buildListOptions([]ListOption{WithOffset(10)}))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(offset) != 0 {
		t.Fatalf("expected empty page past end, got %d", len(offset))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("reports")}))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(matched) != 4 {
		t.Fatalf("expected query to match every raw input, got %d", len(matched))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRun("run-1", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, newTestRun("run-2", "cli")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "run-2", engine.ExecutionResult{Status: engine.StatusCompleted}); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt == 0 || stats.OldestUpdatedAt == 0 {
		t.Fatalf("expected update timestamps to be populated: %+v", stats)
	}
}
