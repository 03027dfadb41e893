package skill

import (
	"context"
	"fmt"
	"strings"

	xerrors "Aurora-Operator/internal/errors"
	"Aurora-Operator/internal/llm"
)

// GenerativeTarget is the dispatch target of the fallback skill that every
// unclassified intent compiles to.
const GenerativeTarget = "skill.generative"

// GenerativeSkill answers free-form instructions through a language model.
// It is the terminal fallback of the dispatch chain and never produces
// side effects.
type GenerativeSkill struct {
	client llm.Client
}

// NewGenerativeSkill wraps a language model client as a skill.
func NewGenerativeSkill(client llm.Client) *GenerativeSkill {
	return &GenerativeSkill{client: client}
}

// Info implements Skill.
func (s *GenerativeSkill) Info() Info {
	return Info{
		Name:        GenerativeTarget,
		Description: "answers free-form instructions through a language model",
		Version:     "1.0.0",
		Methods:     []string{"generate"},
	}
}

// ValidateParams implements Skill. The instruction parameter is mandatory.
func (s *GenerativeSkill) ValidateParams(method string, params map[string]any) error {
	if method != "generate" {
		return xerrors.New(xerrors.CodeInvalidParams, "生成式技能不支持该方法",
			xerrors.WithMetadata("method", method))
	}
	if instruction, _ := params["instruction"].(string); strings.TrimSpace(instruction) == "" {
		return xerrors.New(xerrors.CodeInvalidParams, "缺少 instruction 参数")
	}
	return nil
}

// Execute implements Skill.
func (s *GenerativeSkill) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	if err := s.ValidateParams(inv.Method, inv.Params); err != nil {
		return nil, err
	}
	if s.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "生成式技能未配置模型客户端")
	}

	instruction, _ := inv.Params["instruction"].(string)
	if inv.DryRun {
		return &Result{
			Output: fmt.Sprintf("dry-run: would ask the model %q", strings.TrimSpace(instruction)),
		}, nil
	}

	resp, err := s.client.Generate(ctx, llm.Request{
		Instruction: instruction,
		Origin:      inv.Origin,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStepError, err, "生成式技能调用模型失败")
	}

	result := &Result{Output: resp.Reply}
	if resp.Thought != "" {
		result.Data = map[string]any{"thought": resp.Thought}
	}
	return result, nil
}

var _ Skill = (*GenerativeSkill)(nil)
