package authz

import (
	"context"
	"strings"
	"testing"

	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/protection"
)

func testPlan(risk plan.RiskLevel) *plan.ExecutionPlan {
	return &plan.ExecutionPlan{
		ID:       "plan-1",
		IntentID: "intent-1",
		Steps: []plan.ExecutionStep{
			{
				ID:         "step-1",
				Order:      1,
				ActionType: plan.ActionSkill,
				Target:     "skill.filesystem",
				Method:     "read",
				Params:     map[string]any{"path": "/tmp/report.txt"},
			},
		},
		RiskLevel: risk,
		Mode:      plan.ModeReal,
	}
}

func newTestGate() *Gate {
	return NewGate(protection.NewLimiterRegistry(), protection.NewBreakerRegistry(protection.BreakerConfig{}), nil)
}

func TestAuthorizeLowRiskAllowed(t *testing.T) {
	gate := newTestGate()
	resp, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskLow), "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllowed {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionAllowed)
	}
	if resp.Level != LevelGreen {
		t.Fatalf("level = %s, want %s", resp.Level, LevelGreen)
	}
	if resp.RiskScore >= 40 {
		t.Fatalf("risk score = %d, want < 40", resp.RiskScore)
	}
	if resp.ValidForMS != responseValidityMS {
		t.Fatalf("valid_for_ms = %d, want %d", resp.ValidForMS, responseValidityMS)
	}
}

func TestAuthorizeMediumRiskLimited(t *testing.T) {
	gate := newTestGate()
	p := testPlan(plan.RiskMedium)
	p.SuggestedLimits = &plan.Limits{MaxDurationMS: 600_000, MaxRetries: 3, MaxActionsPerSecond: 10}

	resp, err := gate.Authorize(context.Background(), NewRequest(p, "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionLimited {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionLimited)
	}
	if resp.ImposedLimits == nil {
		t.Fatal("expected imposed limits for a limited decision")
	}
	if resp.ImposedLimits.MaxDurationMS > limitedMaxDurationMS {
		t.Fatalf("imposed duration = %d, want <= %d", resp.ImposedLimits.MaxDurationMS, limitedMaxDurationMS)
	}
	if resp.ImposedLimits.MaxRetries > limitedMaxRetries {
		t.Fatalf("imposed retries = %d, want <= %d", resp.ImposedLimits.MaxRetries, limitedMaxRetries)
	}
}

func TestAuthorizeOpenCircuitBlocked(t *testing.T) {
	gate := newTestGate()
	gate.OpenCircuit("api.github.com")

	p := testPlan(plan.RiskLow)
	p.Resources.ExternalAPIs = []string{"api.github.com"}

	resp, err := gate.Authorize(context.Background(), NewRequest(p, "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionBlocked {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionBlocked)
	}
	if resp.Level != LevelRed {
		t.Fatalf("level = %s, want %s", resp.Level, LevelRed)
	}
	if !strings.Contains(resp.Reason, "api.github.com") {
		t.Fatalf("reason %q should name the open target", resp.Reason)
	}
}

func TestAuthorizeRateLimitBlocked(t *testing.T) {
	gate := newTestGate()
	gate.limiters.Configure("cli", protection.LimiterConfig{Rate: 0.001, Burst: 1})

	first, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskLow), "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if first.Decision == DecisionBlocked {
		t.Fatalf("first call should pass the limiter, got %s", first.Decision)
	}

	second, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskLow), "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if second.Decision != DecisionBlocked {
		t.Fatalf("decision = %s, want %s", second.Decision, DecisionBlocked)
	}
	if second.RiskScore != 100 {
		t.Fatalf("risk score = %d, want 100", second.RiskScore)
	}
}

func TestAuthorizeNilLimiterFailsOpen(t *testing.T) {
	gate := NewGate(nil, protection.NewBreakerRegistry(protection.BreakerConfig{}), nil)
	resp, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskLow), "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionAllowed {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionAllowed)
	}
}

func TestAuthorizeDestructivePatternBlocked(t *testing.T) {
	gate := newTestGate()
	p := testPlan(plan.RiskLow)
	p.Steps[0].Method = "delete"
	p.Steps[0].Params = map[string]any{"command": "rm -rf /var/data"}
	p.Resources.FilesWrite = []string{"/etc/passwd"}

	resp, err := gate.Authorize(context.Background(), NewRequest(p, "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionBlocked {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionBlocked)
	}
	if resp.RiskScore < 95 {
		t.Fatalf("risk score = %d, want >= 95", resp.RiskScore)
	}
	if resp.Level != LevelRed {
		t.Fatalf("level = %s, want %s", resp.Level, LevelRed)
	}
}

func TestAuthorizeSensitivePathBlocked(t *testing.T) {
	gate := newTestGate()
	p := testPlan(plan.RiskLow)
	p.Resources.FilesWrite = []string{"/home/dev/server.pem"}

	resp, err := gate.Authorize(context.Background(), NewRequest(p, "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionBlocked {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionBlocked)
	}
}

func TestAuthorizeDryRunHalvesScore(t *testing.T) {
	gate := newTestGate()

	real, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskHigh), "cli"))
	if err != nil {
		t.Fatalf("authorize real: %v", err)
	}
	dry := testPlan(plan.RiskHigh)
	dry.Mode = plan.ModeDryRun
	simulated, err := gate.Authorize(context.Background(), NewRequest(dry, "cli"))
	if err != nil {
		t.Fatalf("authorize dry-run: %v", err)
	}
	if simulated.RiskScore != real.RiskScore/2 {
		t.Fatalf("dry-run score = %d, want %d", simulated.RiskScore, real.RiskScore/2)
	}
}

func TestAuthorizeMassFileChangeForcesConfirmation(t *testing.T) {
	gate := newTestGate()
	p := testPlan(plan.RiskLow)
	for i := 0; i < 25; i++ {
		p.Resources.FilesWrite = append(p.Resources.FilesWrite, "/tmp/generated.txt")
	}

	resp, err := gate.Authorize(context.Background(), NewRequest(p, "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if resp.Decision != DecisionRequiresConfirmation {
		t.Fatalf("decision = %s, want %s", resp.Decision, DecisionRequiresConfirmation)
	}
	if resp.ConfirmationPrompt == "" {
		t.Fatal("expected a confirmation prompt")
	}
}

func TestConfirmAuthorizationApproved(t *testing.T) {
	gate := newTestGate()
	pending, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskHigh), "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if pending.Decision != DecisionRequiresConfirmation {
		t.Fatalf("decision = %s, want %s", pending.Decision, DecisionRequiresConfirmation)
	}

	resolved, err := gate.ConfirmAuthorization(context.Background(), pending.RequestID, true)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if resolved.Decision != DecisionAllowed {
		t.Fatalf("decision = %s, want %s", resolved.Decision, DecisionAllowed)
	}
	if resolved.RiskScore != confirmApprovedScore {
		t.Fatalf("risk score = %d, want %d", resolved.RiskScore, confirmApprovedScore)
	}
}

func TestConfirmAuthorizationRejected(t *testing.T) {
	gate := newTestGate()
	pending, err := gate.Authorize(context.Background(), NewRequest(testPlan(plan.RiskHigh), "cli"))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	resolved, err := gate.ConfirmAuthorization(context.Background(), pending.RequestID, false)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if resolved.Decision != DecisionBlocked {
		t.Fatalf("decision = %s, want %s", resolved.Decision, DecisionBlocked)
	}

	// A resolved confirmation cannot be replayed.
	if _, err := gate.ConfirmAuthorization(context.Background(), pending.RequestID, true); err == nil {
		t.Fatal("expected an error for an already resolved confirmation")
	}
}

func TestConfirmAuthorizationUnknownRequest(t *testing.T) {
	gate := newTestGate()
	if _, err := gate.ConfirmAuthorization(context.Background(), "missing", true); err == nil {
		t.Fatal("expected an error for an unknown request id")
	}
}

func TestAuthorizeRejectsEmptyPlan(t *testing.T) {
	gate := newTestGate()
	if _, err := gate.Authorize(context.Background(), AuthorizationRequest{}); err == nil {
		t.Fatal("expected an error for a missing plan")
	}
	if _, err := gate.Authorize(context.Background(), NewRequest(&plan.ExecutionPlan{ID: "p"}, "cli")); err == nil {
		t.Fatal("expected an error for a plan without steps")
	}
}

func TestScorePlanAdditiveFactors(t *testing.T) {
	p := testPlan(plan.RiskMedium)
	p.Resources.FilesDelete = []string{"/tmp/old.log"}
	p.Resources.Databases = []string{"orders"}
	p.PermissionsRequired = []string{"database:admin"}

	score, factors := scorePlan(p)
	want := scoreRiskMedium + scoreFileDeletion + scoreDatabaseAccess + scoreDangerousPerm
	if score != want {
		t.Fatalf("score = %d, want %d", score, want)
	}
	if len(factors) != 4 {
		t.Fatalf("len(factors) = %d, want 4", len(factors))
	}
}

func TestScorePlanClampedAt100(t *testing.T) {
	p := testPlan(plan.RiskCritical)
	p.Resources.FilesDelete = []string{"/tmp/a"}
	p.PermissionsRequired = []string{"system:admin"}

	score, _ := scorePlan(p)
	if score != 100 {
		t.Fatalf("score = %d, want 100", score)
	}
}

func TestMatchSensitivePath(t *testing.T) {
	cases := []struct {
		glob string
		path string
		want bool
	}{
		{"/etc/*", "/etc/passwd", true},
		{"/etc/*", "/etc/nginx/nginx.conf", true},
		{"/etc/*", "/var/etc-like", false},
		{"*.pem", "/home/dev/server.pem", true},
		{"*.pem", "/home/dev/server.crt", false},
		{"*/.ssh/*", "/home/dev/.ssh/id_ed25519", true},
		{"*/.aws/*", "/root/.aws/credentials", true},
		{"*/credentials*", "/srv/app/credentials.json", true},
	}
	for _, tc := range cases {
		if got := matchSensitivePath(tc.glob, tc.path); got != tc.want {
			t.Fatalf("matchSensitivePath(%q, %q) = %v, want %v", tc.glob, tc.path, got, tc.want)
		}
	}
}
