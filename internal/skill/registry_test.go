package skill

import (
	"context"
	"testing"

	xerrors "Aurora-Operator/internal/errors"
)

type stubSkill struct {
	name string
}

func (s *stubSkill) Info() Info { return Info{Name: s.name, Methods: []string{"run"}} }

func (s *stubSkill) ValidateParams(method string, params map[string]any) error { return nil }

func (s *stubSkill) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	return &Result{Output: "ok"}, nil
}

type stubHub struct {
	name      string
	workflows []WorkflowInfo
}

func (h *stubHub) Info() Info { return Info{Name: h.name} }

func (h *stubHub) ListWorkflows() []WorkflowInfo { return h.workflows }

func (h *stubHub) GetWorkflow(name string) (*WorkflowInfo, error) {
	for _, wf := range h.workflows {
		if wf.Name == name {
			copy := wf
			return &copy, nil
		}
	}
	return nil, xerrors.New(xerrors.CodeWorkflowNotFound, "未找到工作流",
		xerrors.WithMetadata("workflow", name))
}

func (h *stubHub) ValidateParams(workflow string, params map[string]any) error { return nil }

func (h *stubHub) ExecuteWorkflow(ctx context.Context, workflow string, inv Invocation) (*WorkflowResult, error) {
	if _, err := h.GetWorkflow(workflow); err != nil {
		return nil, err
	}
	return &WorkflowResult{
		ExecutionID: "exec-" + workflow,
		Status:      "completed",
		Output:      workflow + " done",
		StepResults: []WorkflowStepResult{{Name: workflow + "_step_1", Status: "completed"}},
		Metrics:     WorkflowMetrics{StepsTotal: 1, StepsCompleted: 1},
	}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterSkill(&stubSkill{name: "skill.filesystem"}); err != nil {
		t.Fatalf("register skill: %v", err)
	}
	if err := reg.RegisterHub(&stubHub{name: "hub.delivery"}); err != nil {
		t.Fatalf("register hub: %v", err)
	}

	if _, err := reg.Skill("skill.filesystem"); err != nil {
		t.Fatalf("resolve skill: %v", err)
	}
	if _, err := reg.Hub("hub.delivery"); err != nil {
		t.Fatalf("resolve hub: %v", err)
	}
	if _, err := reg.Skill("skill.unknown"); err == nil {
		t.Fatal("expected an error for an unknown skill target")
	}
	if _, err := reg.Hub("hub.unknown"); err == nil {
		t.Fatal("expected an error for an unknown hub target")
	}

	targets := reg.Targets()
	if len(targets) != 2 || targets[0] != "hub.delivery" || targets[1] != "skill.filesystem" {
		t.Fatalf("targets = %v", targets)
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterSkill(nil); err == nil {
		t.Fatal("expected an error for a nil skill")
	}
	if err := reg.RegisterSkill(&stubSkill{name: "  "}); err == nil {
		t.Fatal("expected an error for a blank skill name")
	}
	if err := reg.RegisterHub(nil); err == nil {
		t.Fatal("expected an error for a nil hub")
	}
}

func TestHubWorkflowResultCarriesExecutionDetails(t *testing.T) {
	hub := &stubHub{name: "hub.review", workflows: []WorkflowInfo{{Name: "standard"}}}
	wf, err := hub.ExecuteWorkflow(context.Background(), "standard", Invocation{})
	if err != nil {
		t.Fatalf("execute workflow: %v", err)
	}
	if wf.ExecutionID == "" {
		t.Fatal("workflow result must carry an execution id")
	}
	if len(wf.StepResults) == 0 {
		t.Fatal("workflow result must carry per-step outcomes")
	}
	if wf.Metrics.StepsTotal != 1 || wf.Metrics.StepsCompleted != 1 {
		t.Fatalf("metrics = %+v", wf.Metrics)
	}

	flat := wf.AsResult()
	if flat.Data["execution_id"] != wf.ExecutionID {
		t.Fatalf("flattened execution_id = %v", flat.Data["execution_id"])
	}
	if _, ok := flat.Data["step_results"]; !ok {
		t.Fatal("flattened result must keep step_results")
	}
	if _, ok := flat.Data["metrics"]; !ok {
		t.Fatal("flattened result must keep metrics")
	}
}

func TestHubWorkflowNotFound(t *testing.T) {
	hub := &stubHub{name: "hub.review", workflows: []WorkflowInfo{{Name: "standard"}}}
	if _, err := hub.ExecuteWorkflow(context.Background(), "missing", Invocation{}); err == nil {
		t.Fatal("expected an error for an unknown workflow")
	} else if xerrors.CodeOf(err) != xerrors.CodeWorkflowNotFound {
		t.Fatalf("code = %s, want %s", xerrors.CodeOf(err), xerrors.CodeWorkflowNotFound)
	}
}
