package server

import (
	"encoding/json"
	"strings"

	"xrt/internal/capability"
	"xrt/internal/domain"
	"xrt/internal/executor"
)

// Request payloads

type CreateSessionRequest struct {
	TenantID string         `json:"tenant_id" minLength:"1"`
	UserID   string         `json:"user_id,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type SubmitIntentRequest struct {
	IntentType string         `json:"intent_type" minLength:"1" example:"content.upload"`
	SessionID  string         `json:"session_id" minLength:"1"`
	TenantID   string         `json:"tenant_id" minLength:"1"`
	Payload    any            `json:"payload,omitempty"`
	Context    map[string]any `json:"context,omitempty" doc:"Merged into the session context before execution"`
}

type RegisterCapabilityRequest struct {
	IntentType       string                `json:"intent_type" minLength:"1"`
	OwningComponent  string                `json:"owning_component" minLength:"1"`
	HandlerReference string                `json:"handler_reference" minLength:"1" doc:"http(s) endpoint serving /execute and /compensate"`
	InputSchema      any                   `json:"input_schema,omitempty"`
	OutputSchema     any                   `json:"output_schema,omitempty"`
	Deterministic    bool                  `json:"deterministic,omitempty"`
	Mode             string                `json:"mode,omitempty" enum:"sync,async"`
	TimeoutMs        int64                 `json:"timeout_ms,omitempty" minimum:"0"`
	Steps            []capability.StepSpec `json:"steps,omitempty"`
	Secret           string                `json:"secret,omitempty" doc:"Sent to the handler as X-Xrt-Secret"`
}

// Response payloads

type SessionResponse struct {
	SessionID     string         `json:"session_id"`
	TenantID      string         `json:"tenant_id"`
	UserID        string         `json:"user_id,omitempty"`
	CreatedAt     string         `json:"created_at"`
	Context       map[string]any `json:"context,omitempty"`
	ActiveSagaIDs []string       `json:"active_saga_ids,omitempty"`
}

type ErrorInfoResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type StepResponse struct {
	StepID      string             `json:"step_id"`
	Name        string             `json:"name"`
	Status      string             `json:"status" enum:"PENDING,RUNNING,SUCCEEDED,FAILED,COMPENSATED"`
	Compensable bool               `json:"compensable"`
	Output      any                `json:"output,omitempty"`
	Error       *ErrorInfoResponse `json:"error,omitempty"`
	Anomaly     string             `json:"anomaly,omitempty"`
	StartedAt   string             `json:"started_at,omitempty"`
	FinishedAt  string             `json:"finished_at,omitempty"`
}

type ExecutionResponse struct {
	ExecutionID     string             `json:"execution_id"`
	TenantID        string             `json:"tenant_id"`
	SessionID       string             `json:"session_id"`
	CapabilityName  string             `json:"capability_name"`
	State           string             `json:"state" enum:"pending,running,completed,failed,compensating,compensated"`
	Terminal        bool               `json:"terminal"`
	Steps           []StepResponse     `json:"steps"`
	Result          any                `json:"result,omitempty"`
	Error           *ErrorInfoResponse `json:"error,omitempty"`
	Anomalies       []string           `json:"anomalies,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	TraceID         string             `json:"trace_id,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
}

type SubmitIntentResponse struct {
	ExecutionID string             `json:"execution_id"`
	Status      string             `json:"status" enum:"accepted,completed,failed"`
	State       string             `json:"state,omitempty"`
	Result      any                `json:"result,omitempty"`
	Error       *ErrorInfoResponse `json:"error,omitempty"`
}

type HealthResponse struct {
	Status     string            `json:"status" enum:"ok,degraded"`
	Components map[string]string `json:"components,omitempty"`
}

type CapabilityResponse struct {
	IntentType       string                `json:"intent_type"`
	OwningComponent  string                `json:"owning_component"`
	HandlerReference string                `json:"handler_reference"`
	InputSchema      any                   `json:"input_schema,omitempty"`
	OutputSchema     any                   `json:"output_schema,omitempty"`
	Deterministic    bool                  `json:"deterministic"`
	Mode             string                `json:"mode"`
	TimeoutMs        int64                 `json:"timeout_ms,omitempty"`
	Steps            []capability.StepSpec `json:"steps"`
}

type EventResponse struct {
	EventID   int64  `json:"event_id"`
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	SagaID    string `json:"saga_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type EventsResponse struct {
	Events    []EventResponse `json:"events"`
	NextSince int64           `json:"next_since" doc:"Pass as since to continue reading"`
}

func mapSession(s domain.Session) SessionResponse {
	return SessionResponse{
		SessionID:     s.ID,
		TenantID:      s.TenantID,
		UserID:        s.UserID,
		CreatedAt:     s.CreatedAt,
		Context:       s.Context,
		ActiveSagaIDs: s.ActiveSagaIDs,
	}
}

func mapErrorInfo(e *domain.ErrorInfo) *ErrorInfoResponse {
	if e == nil {
		return nil
	}
	return &ErrorInfoResponse{Kind: string(e.Kind), Message: e.Message}
}

func apiState(s domain.SagaState) string { return strings.ToLower(string(s)) }

func mapExecution(s domain.Saga) ExecutionResponse {
	steps := make([]StepResponse, 0, len(s.Steps))
	for _, st := range s.Steps {
		steps = append(steps, StepResponse{
			StepID:      st.ID,
			Name:        st.Name,
			Status:      string(st.Status),
			Compensable: st.Compensable,
			Output:      rawValue(st.Output),
			Error:       mapErrorInfo(st.Error),
			Anomaly:     st.Anomaly,
			StartedAt:   st.StartedAt,
			FinishedAt:  st.FinishedAt,
		})
	}
	return ExecutionResponse{
		ExecutionID:     s.ID,
		TenantID:        s.TenantID,
		SessionID:       s.SessionID,
		CapabilityName:  s.Capability,
		State:           apiState(s.State),
		Terminal:        s.Terminal(),
		Steps:           steps,
		Result:          rawValue(s.Result),
		Error:           mapErrorInfo(s.Error),
		Anomalies:       s.Anomalies,
		CancelRequested: s.CancelRequested,
		TraceID:         s.TraceID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func mapHandle(h executor.Handle) SubmitIntentResponse {
	out := SubmitIntentResponse{ExecutionID: h.ExecutionID, Status: string(h.Status)}
	if h.Saga != nil {
		out.State = apiState(h.Saga.State)
		out.Result = rawValue(h.Saga.Result)
		out.Error = mapErrorInfo(h.Saga.Error)
	}
	return out
}

func mapCapability(d capability.Definition) CapabilityResponse {
	return CapabilityResponse{
		IntentType:       d.IntentType,
		OwningComponent:  d.OwningComponent,
		HandlerReference: d.HandlerRef,
		InputSchema:      rawValue(d.InputSchema),
		OutputSchema:     rawValue(d.OutputSchema),
		Deterministic:    d.Deterministic,
		Mode:             string(d.Mode),
		TimeoutMs:        d.TimeoutMillis,
		Steps:            d.Steps,
	}
}

func mapEvent(ev domain.Event) EventResponse {
	return EventResponse{
		EventID:   ev.ID,
		TenantID:  ev.TenantID,
		EventType: string(ev.Type),
		Timestamp: ev.TS,
		SagaID:    ev.SagaID,
		Payload:   rawValue(ev.Payload),
	}
}

func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
