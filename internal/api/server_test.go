package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"Aurora-Operator/internal/auth"
	"Aurora-Operator/internal/authz"
	"Aurora-Operator/internal/plan"
	"Aurora-Operator/internal/run"
)

type nullProducer struct{}

func (nullProducer) Publish(context.Context, string) error { return nil }
func (nullProducer) Close() error                          { return nil }

func newTestServer(opts ...Option) (*Server, *run.MemoryStore) {
	store := run.NewMemoryStore()
	svc := run.NewService(store, nullProducer{}, plan.NewCompiler(), 3)
	return NewServer(":0", svc, opts...), store
}

func TestHandleIntentsAccepted(t *testing.T) {
	server, _ := newTestServer()

	body, _ := json.Marshal(intentRequest{Origin: "cli", RawInput: "summarise the report"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleIntents(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusAccepted)
	}
	var got run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != run.StatusPending {
		t.Fatalf("expected pending run, got %s", got.Status)
	}
	if got.Plan == nil || len(got.Plan.Steps) == 0 {
		t.Fatalf("expected compiled plan in response: %+v", got.Plan)
	}
}

func TestHandleIntentsValidation(t *testing.T) {
	server, _ := newTestServer()

	body, _ := json.Marshal(intentRequest{Origin: "cli", RawInput: "  "})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.handleIntents(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleRunDetail(t *testing.T) {
	server, store := newTestServer()

	sample := &run.Run{
		ID:         "run-1",
		Origin:     "cli",
		RawInput:   "demo",
		Status:     run.StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample run: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil)
	rec := httptest.NewRecorder()

	server.handleRunDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != "run-1" {
		t.Fatalf("unexpected run id: got %q", got.ID)
	}
}

func TestHandleRunDetailErrors(t *testing.T) {
	server, _ := newTestServer()

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil)
		rec := httptest.NewRecorder()

		server.handleRunDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
		rec := httptest.NewRecorder()

		server.handleRunDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/runs/run-1", nil)
		rec := httptest.NewRecorder()

		server.handleRunDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestHandleRunCancel(t *testing.T) {
	server, store := newTestServer()
	if err := store.Create(context.Background(), &run.Run{
		ID: "run-1", Origin: "cli", RawInput: "demo", Status: run.StatusPending, MaxRetries: 3,
	}); err != nil {
		t.Fatalf("create sample run: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()

	server.handleRunDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d body %s", rec.Code, rec.Body.String())
	}
	var got run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != run.StatusCancelled {
		t.Fatalf("expected cancelled run, got %s", got.Status)
	}
}

func TestHandleRunsListAndStats(t *testing.T) {
	server, store := newTestServer()
	ctx := context.Background()
	for _, id := range []string{"run-1", "run-2"} {
		if err := store.Create(ctx, &run.Run{
			ID: id, Origin: "cli", RawInput: "demo", Status: run.StatusPending, MaxRetries: 3,
		}); err != nil {
			t.Fatalf("create sample run: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?origin=cli", nil)
	rec := httptest.NewRecorder()
	server.handleRuns(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var listed []run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(listed))
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs?stats=true", nil)
	rec = httptest.NewRecorder()
	server.handleRuns(rec, req)
	var stats run.RunStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHandleThresholds(t *testing.T) {
	policy := authz.NewPolicy(authz.DefaultThresholds())
	server, _ := newTestServer(WithPolicy(policy))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policy/thresholds", nil)
	rec := httptest.NewRecorder()
	server.handleThresholds(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}

	update := []byte(`{"max_files_before_confirmation": 5}`)
	req = httptest.NewRequest(http.MethodPut, "/api/v1/policy/thresholds", bytes.NewReader(update))
	rec = httptest.NewRecorder()
	server.handleThresholds(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if got := policy.Current().MaxFilesBeforeConfirmation; got != 5 {
		t.Fatalf("threshold update not applied, got %d", got)
	}
}

func TestRoutesRequireAuthentication(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{{
		Username: "op",
		Password: "secret",
		Roles:    []string{auth.RoleOperator},
	}})
	if err != nil {
		t.Fatalf("seed auth store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("build auth service: %v", err)
	}
	server, _ := newTestServer(WithAuthService(authSvc))
	routes := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	pair, err := authSvc.Authenticate(context.Background(), auth.TokenRequest{Username: "op", Password: "secret"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}
