package skill

import (
	"context"
	"strings"
	"testing"

	"Aurora-Operator/internal/llm"
)

type fakeModel struct {
	resp *llm.Response
	err  error
	last llm.Request
}

func (m *fakeModel) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.last = req
	return m.resp, m.err
}

func TestGenerativeExecute(t *testing.T) {
	model := &fakeModel{resp: &llm.Response{Thought: "analysis", Reply: "done"}}
	s := NewGenerativeSkill(model)

	result, err := s.Execute(context.Background(), Invocation{
		Method: "generate",
		Origin: "cli",
		Params: map[string]any{"instruction": "summarise the deploy"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "done" {
		t.Fatalf("output = %q, want %q", result.Output, "done")
	}
	if result.Data["thought"] != "analysis" {
		t.Fatalf("data = %v", result.Data)
	}
	if model.last.Instruction != "summarise the deploy" || model.last.Origin != "cli" {
		t.Fatalf("model request = %+v", model.last)
	}
}

func TestGenerativeDryRunSkipsModel(t *testing.T) {
	model := &fakeModel{}
	s := NewGenerativeSkill(model)

	result, err := s.Execute(context.Background(), Invocation{
		Method: "generate",
		DryRun: true,
		Params: map[string]any{"instruction": "delete the logs"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(result.Output, "dry-run:") {
		t.Fatalf("output = %q, want a dry-run description", result.Output)
	}
	if model.last.Instruction != "" {
		t.Fatal("dry-run must not reach the model")
	}
}

func TestGenerativeValidateParams(t *testing.T) {
	s := NewGenerativeSkill(&fakeModel{})
	if err := s.ValidateParams("generate", map[string]any{"instruction": "hi"}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.ValidateParams("generate", map[string]any{}); err == nil {
		t.Fatal("expected an error for a missing instruction")
	}
	if err := s.ValidateParams("other", map[string]any{"instruction": "hi"}); err == nil {
		t.Fatal("expected an error for an unsupported method")
	}
}
