package aurora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Aurora Operator REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials carries the username/password pair used to obtain tokens.
type Credentials struct {
	GrantType    string `json:"grant_type,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Token represents an issued token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// IntentSubmission is the payload accepted by the intent endpoint.
type IntentSubmission struct {
	ID       string            `json:"id,omitempty"`
	Origin   string            `json:"origin"`
	RawInput string            `json:"raw_input"`
	Mode     string            `json:"mode,omitempty"`
	Entities map[string]string `json:"entities,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Run is the client-side view of a run record. Nested plan and result
// payloads are kept untyped so SDK consumers are insulated from server
// side schema evolution.
type Run struct {
	ID                 string         `json:"id"`
	Origin             string         `json:"origin"`
	RawInput           string         `json:"raw_input"`
	Mode               string         `json:"mode"`
	Status             string         `json:"status"`
	ConfirmationPrompt string         `json:"confirmation_prompt,omitempty"`
	Attempts           int            `json:"attempts"`
	MaxRetries         int            `json:"max_retries"`
	LastError          string         `json:"last_error,omitempty"`
	ErrorCode          string         `json:"error_code,omitempty"`
	Plan               map[string]any `json:"plan,omitempty"`
	Authorization      map[string]any `json:"authorization,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	CreatedAt          int64          `json:"created_at"`
	UpdatedAt          int64          `json:"updated_at"`
}

// Terminal reports whether the run has reached a final state.
func (r *Run) Terminal() bool {
	switch r.Status {
	case "succeeded", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// Stats mirrors the server-side run statistics payload.
type Stats struct {
	Total                int   `json:"total"`
	Pending              int   `json:"pending"`
	AwaitingConfirmation int   `json:"awaiting_confirmation"`
	Running              int   `json:"running"`
	Succeeded            int   `json:"succeeded"`
	Failed               int   `json:"failed"`
	Cancelled            int   `json:"cancelled"`
	OldestUpdatedAt      int64 `json:"oldest_updated_at"`
	NewestUpdatedAt      int64 `json:"newest_updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("aurora api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Aurora Operator API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges credentials for a token pair and stores the access
// token for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// SubmitIntent creates a new run from the provided intent.
func (c *Client) SubmitIntent(ctx context.Context, submission IntentSubmission) (Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/intents", submission, &created, true); err != nil {
		return Run{}, err
	}
	return created, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var detail Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &detail, true); err != nil {
		return Run{}, err
	}
	return detail, nil
}

// ListRuns returns runs matching the provided query values, e.g.
// url.Values{"status": {"pending"}, "limit": {"10"}}.
func (c *Client) ListRuns(ctx context.Context, query url.Values) ([]Run, error) {
	endpoint := "/api/v1/runs"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var runs []Run
	if err := c.get(ctx, endpoint, &runs, true); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetStats returns aggregated run statistics.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/runs?stats=true", &stats, true); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// CancelRun requests cancellation of a queued or running run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var updated Run
	if err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &updated, true); err != nil {
		return Run{}, err
	}
	return updated, nil
}

// ConfirmRun resolves a run that is awaiting human confirmation.
func (c *Client) ConfirmRun(ctx context.Context, runID string, approved bool) (Run, error) {
	payload := struct {
		Approved bool `json:"approved"`
	}{Approved: approved}
	var updated Run
	if err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/confirm", payload, &updated, true); err != nil {
		return Run{}, err
	}
	return updated, nil
}

// WaitForRun polls the run until it reaches a terminal state or the context
// is cancelled.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if detail.Terminal() || detail.Status == "awaiting_confirmation" {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token. An empty token disables
// the Authorization header for servers running without authentication.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body, withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
