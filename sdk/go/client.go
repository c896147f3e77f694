package xrtsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal xrt HTTP API client for delivery services.
type Client struct {
	BaseURL           string
	TenantID          string
	BearerToken       string
	RegistrationToken string
	HTTPClient        *http.Client
	Timeout           time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  60 * time.Second,
	}
}

type Session struct {
	SessionID     string         `json:"session_id"`
	TenantID      string         `json:"tenant_id"`
	UserID        string         `json:"user_id,omitempty"`
	CreatedAt     string         `json:"created_at"`
	Context       map[string]any `json:"context,omitempty"`
	ActiveSagaIDs []string       `json:"active_saga_ids,omitempty"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Step struct {
	StepID      string     `json:"step_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Compensable bool       `json:"compensable"`
	Output      any        `json:"output,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	Anomaly     string     `json:"anomaly,omitempty"`
	StartedAt   string     `json:"started_at,omitempty"`
	FinishedAt  string     `json:"finished_at,omitempty"`
}

// Execution is the status view of one saga.
type Execution struct {
	ExecutionID     string     `json:"execution_id"`
	TenantID        string     `json:"tenant_id"`
	SessionID       string     `json:"session_id"`
	CapabilityName  string     `json:"capability_name"`
	State           string     `json:"state"`
	Terminal        bool       `json:"terminal"`
	Steps           []Step     `json:"steps"`
	Result          any        `json:"result,omitempty"`
	Error           *ErrorInfo `json:"error,omitempty"`
	Anomalies       []string   `json:"anomalies,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	TraceID         string     `json:"trace_id,omitempty"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
}

// Submission is the answer to SubmitIntent. Status is accepted, completed
// or failed.
type Submission struct {
	ExecutionID string     `json:"execution_id"`
	Status      string     `json:"status"`
	State       string     `json:"state,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
}

type StepSpec struct {
	Name        string `json:"name"`
	Compensable bool   `json:"compensable"`
}

type Capability struct {
	IntentType       string     `json:"intent_type"`
	OwningComponent  string     `json:"owning_component"`
	HandlerReference string     `json:"handler_reference"`
	InputSchema      any        `json:"input_schema,omitempty"`
	OutputSchema     any        `json:"output_schema,omitempty"`
	Deterministic    bool       `json:"deterministic"`
	Mode             string     `json:"mode,omitempty"`
	TimeoutMs        int64      `json:"timeout_ms,omitempty"`
	Steps            []StepSpec `json:"steps,omitempty"`
	// Secret is write-only; the server never returns it.
	Secret string `json:"secret,omitempty"`
}

type Event struct {
	EventID   int64          `json:"event_id"`
	TenantID  string         `json:"tenant_id"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	SagaID    string         `json:"saga_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventsPage is one page of WAL events. Pass NextSince to continue.
type EventsPage struct {
	Events    []Event `json:"events"`
	NextSince int64   `json:"next_since"`
}

type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type createSessionRequest struct {
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type submitIntentRequest struct {
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
	IntentType string         `json:"intent_type"`
	Payload    any            `json:"payload,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server marked the failure as transient.
func (e *APIError) Retryable() bool {
	v, _ := e.Details["retryable"].(bool)
	return v
}

// CreateSession creates a session for the client tenant.
func (c *Client) CreateSession(ctx context.Context, userID string, sessionContext map[string]any) (Session, error) {
	body := createSessionRequest{TenantID: c.TenantID, UserID: userID, Context: sessionContext}
	var resp Session
	err := c.do(ctx, http.MethodPost, "session/create", body, nil, &resp)
	return resp, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.tenantPath("session/"+url.PathEscape(sessionID)), nil, nil, &resp)
	return resp, err
}

// SubmitIntent asks the runtime to execute intentType within sessionID.
func (c *Client) SubmitIntent(ctx context.Context, sessionID, intentType string, payload any, intentContext map[string]any) (Submission, error) {
	body := submitIntentRequest{
		TenantID:   c.TenantID,
		SessionID:  sessionID,
		IntentType: intentType,
		Payload:    payload,
		Context:    intentContext,
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "intent/submit", body, nil, &resp)
	return resp, err
}

func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, c.executionPath(executionID, "status"), nil, nil, &resp)
	return resp, err
}

func (c *Client) CancelExecution(ctx context.Context, executionID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.executionPath(executionID, "cancel"), nil, nil, &resp)
	return resp, err
}

func (c *Client) ResumeExecution(ctx context.Context, executionID string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, c.executionPath(executionID, "resume"), nil, nil, &resp)
	return resp, err
}

// WaitTerminal polls the execution status every interval until it is
// terminal or ctx is done.
func (c *Client) WaitTerminal(ctx context.Context, executionID string, interval time.Duration) (Execution, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exec, err := c.ExecutionStatus(ctx, executionID)
		if err != nil || exec.Terminal {
			return exec, err
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Capabilities lists registered capabilities, optionally for one owner.
func (c *Client) Capabilities(ctx context.Context, owningComponent string) ([]Capability, error) {
	endpoint := "capabilities"
	if owningComponent != "" {
		endpoint += "?owning_component=" + url.QueryEscape(owningComponent)
	}
	var resp struct {
		Capabilities []Capability `json:"capabilities"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp.Capabilities, err
}

// RegisterCapability registers a remote capability served by the caller.
func (c *Client) RegisterCapability(ctx context.Context, def Capability) (Capability, error) {
	var resp Capability
	err := c.do(ctx, http.MethodPost, "capabilities", def, c.registrationHeader(), &resp)
	return resp, err
}

func (c *Client) DeregisterCapability(ctx context.Context, intentType string) error {
	return c.do(ctx, http.MethodDelete, "capabilities/"+url.PathEscape(intentType), nil, c.registrationHeader(), nil)
}

// Events reads one page of WAL events after since. Types filters by event
// type when non-empty.
func (c *Client) Events(ctx context.Context, since int64, limit int, types ...string) (EventsPage, error) {
	q := url.Values{}
	q.Set("tenant_id", c.TenantID)
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	for _, t := range types {
		q.Add("type", t)
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, "wal/events?"+q.Encode(), nil, nil, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) registrationHeader() map[string]string {
	if c.RegistrationToken == "" {
		return nil
	}
	return map[string]string{"X-Registration-Token": c.RegistrationToken}
}

func (c *Client) tenantPath(p string) string {
	return p + "?tenant_id=" + url.QueryEscape(c.TenantID)
}

func (c *Client) executionPath(executionID, action string) string {
	return c.tenantPath(fmt.Sprintf("execution/%s/%s", url.PathEscape(executionID), action))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
