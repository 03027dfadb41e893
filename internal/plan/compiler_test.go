package plan

import "testing"

func TestCompileClassifiesDeleteBeforeWrite(t *testing.T) {
	c := NewCompiler()
	p := c.Compile(UserIntent{
		ID:       "intent-1",
		Origin:   "cli",
		RawInput: "delete the temp file and save a report",
		Entities: map[string]string{"path": "/tmp/report.txt"},
	})

	if len(p.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(p.Steps))
	}
	step := p.Steps[0]
	if step.Target != "skill.filesystem" || step.Method != "delete" {
		t.Fatalf("unexpected dispatch: %s/%s", step.Target, step.Method)
	}
	if p.RiskLevel != RiskHigh {
		t.Fatalf("risk = %s, want %s", p.RiskLevel, RiskHigh)
	}
	if got := p.Resources.FilesDelete; len(got) != 1 || got[0] != "/tmp/report.txt" {
		t.Fatalf("files_delete = %v", got)
	}
}

func TestCompileUnknownFallsBackToGenerative(t *testing.T) {
	c := NewCompiler()
	p := c.Compile(UserIntent{ID: "intent-2", RawInput: "please summarise yesterday"})

	if len(p.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(p.Steps))
	}
	if p.Steps[0].Target != DefaultGenerativeTarget {
		t.Fatalf("target = %s, want %s", p.Steps[0].Target, DefaultGenerativeTarget)
	}
	if p.RiskLevel != RiskMedium {
		t.Fatalf("risk = %s, want %s", p.RiskLevel, RiskMedium)
	}
}

func TestCompileNeverReturnsEmptyPlan(t *testing.T) {
	c := NewCompiler()
	for _, input := range []string{"", "   ", "???", "do the thing"} {
		p := c.Compile(UserIntent{ID: "intent-3", RawInput: input})
		if p == nil || len(p.Steps) == 0 {
			t.Fatalf("input %q produced empty plan", input)
		}
		if p.ID == "" || p.Steps[0].ID == "" {
			t.Fatalf("input %q produced plan without ids", input)
		}
	}
}

func TestCompileHubIntent(t *testing.T) {
	c := NewCompiler()
	p := c.Compile(UserIntent{ID: "intent-4", RawInput: "deploy the billing service"})

	if p.Hub != "hub.delivery" {
		t.Fatalf("hub = %q, want hub.delivery", p.Hub)
	}
	if p.Steps[0].ActionType != ActionHub {
		t.Fatalf("action type = %s, want %s", p.Steps[0].ActionType, ActionHub)
	}
	if p.SuggestedLimits == nil || p.SuggestedLimits.MaxDurationMS != p.EstimatedDurationMS*2 {
		t.Fatalf("suggested limits = %+v", p.SuggestedLimits)
	}
	if len(p.PermissionsRequired) == 0 {
		t.Fatal("expected permissions for deploy intent")
	}
}

func TestCompileDryRunMode(t *testing.T) {
	c := NewCompiler(WithMode(ModeDryRun))
	p := c.Compile(UserIntent{ID: "intent-5", RawInput: "read the config file"})
	if p.Mode != ModeDryRun {
		t.Fatalf("mode = %s, want %s", p.Mode, ModeDryRun)
	}
}

func TestClassify(t *testing.T) {
	c := NewCompiler()
	cases := []struct {
		input string
		want  IntentType
	}{
		{"review the new pull request", IntentHub},
		{"query the orders database", IntentSkill},
		{"anything else entirely", IntentUnknown},
	}
	for _, tc := range cases {
		if got := c.Classify(UserIntent{RawInput: tc.input}); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestStepParamsMergeEntities(t *testing.T) {
	c := NewCompiler()
	p := c.Compile(UserIntent{
		ID:       "intent-6",
		RawInput: "fetch http://example.com/data",
		Entities: map[string]string{"url": "http://example.com/data"},
	})
	params := p.Steps[0].Params
	if params["input"] != "fetch http://example.com/data" {
		t.Fatalf("params input = %v", params["input"])
	}
	if params["url"] != "http://example.com/data" {
		t.Fatalf("params url = %v", params["url"])
	}
	if got := p.Resources.ExternalAPIs; len(got) != 1 {
		t.Fatalf("external apis = %v", got)
	}
}
