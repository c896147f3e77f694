package domain

import (
	"encoding/json"
	"slices"
)

type Session struct {
	ID            string         `json:"session_id"`
	TenantID      string         `json:"tenant_id"`
	UserID        string         `json:"user_id,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	Context       map[string]any `json:"context,omitempty"`
	ActiveSagaIDs []string       `json:"active_saga_ids,omitempty"`
}

// HasSaga reports whether sagaID is in the active set.
func (s Session) HasSaga(sagaID string) bool {
	return slices.Contains(s.ActiveSagaIDs, sagaID)
}

type EventType string

const (
	EventSessionCreated      EventType = "SESSION_CREATED"
	EventIntentReceived      EventType = "INTENT_RECEIVED"
	EventSagaStarted         EventType = "SAGA_STARTED"
	EventStepStarted         EventType = "STEP_STARTED"
	EventStepCompleted       EventType = "STEP_COMPLETED"
	EventStepFailed          EventType = "STEP_FAILED"
	EventStepCompensated     EventType = "STEP_COMPENSATED"
	EventSagaCancelRequested EventType = "SAGA_CANCEL_REQUESTED"
	EventSagaCompensating    EventType = "SAGA_COMPENSATING"
	EventSagaCompensated     EventType = "SAGA_COMPENSATED"
	EventSagaCompleted       EventType = "SAGA_COMPLETED"
	EventSagaFailed          EventType = "SAGA_FAILED"
)

var knownEventTypes = []EventType{
	EventSessionCreated,
	EventIntentReceived,
	EventSagaStarted,
	EventStepStarted,
	EventStepCompleted,
	EventStepFailed,
	EventStepCompensated,
	EventSagaCancelRequested,
	EventSagaCompensating,
	EventSagaCompensated,
	EventSagaCompleted,
	EventSagaFailed,
}

// Valid reports whether t is one of the known WAL event types.
func (t EventType) Valid() bool {
	return slices.Contains(knownEventTypes, t)
}

// Event is one WAL entry. ID is ordered within a tenant only.
type Event struct {
	ID       int64           `json:"event_id"`
	TenantID string          `json:"tenant_id"`
	Type     EventType       `json:"event_type"`
	TS       string          `json:"timestamp" format:"date-time"`
	SagaID   string          `json:"saga_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type SagaState string

const (
	SagaPending      SagaState = "PENDING"
	SagaRunning      SagaState = "RUNNING"
	SagaCompleted    SagaState = "COMPLETED"
	SagaFailed       SagaState = "FAILED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
)

var sagaTransitions = map[SagaState][]SagaState{
	SagaPending:      {SagaRunning, SagaFailed},
	SagaRunning:      {SagaCompleted, SagaFailed},
	SagaFailed:       {SagaCompensating},
	SagaCompensating: {SagaCompensated},
}

// CanTransition reports whether from -> to is an edge of the saga state machine.
func CanTransition(from, to SagaState) bool {
	return slices.Contains(sagaTransitions[from], to)
}

type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepSucceeded   StepStatus = "SUCCEEDED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type Step struct {
	ID                    string          `json:"step_id"`
	Name                  string          `json:"name"`
	Status                StepStatus      `json:"status" enum:"PENDING,RUNNING,SUCCEEDED,FAILED,COMPENSATED"`
	Compensable           bool            `json:"compensable"`
	Output                json.RawMessage `json:"output,omitempty"`
	Error                 *ErrorInfo      `json:"error,omitempty"`
	Anomaly               string          `json:"anomaly,omitempty"`
	CompensationAttempted bool            `json:"compensation_attempted,omitempty"`
	StartedAt             string          `json:"started_at,omitempty" format:"date-time"`
	FinishedAt            string          `json:"finished_at,omitempty" format:"date-time"`
}

// Saga is the persisted execution record. Steps only grows; a step is
// appended when it first starts.
type Saga struct {
	ID              string          `json:"saga_id"`
	TenantID        string          `json:"tenant_id"`
	SessionID       string          `json:"session_id"`
	Capability      string          `json:"capability_name"`
	State           SagaState       `json:"state"`
	Plan            []string        `json:"plan"`
	Steps           []Step          `json:"steps"`
	Context         map[string]any  `json:"context,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
	Anomalies       []string        `json:"anomalies,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	TraceID         string          `json:"trace_id,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transition can happen.
func (s Saga) Terminal() bool {
	switch s.State {
	case SagaCompleted, SagaCompensated:
		return true
	case SagaFailed:
		return !s.NeedsCompensation()
	}
	return false
}

// NeedsCompensation reports whether a succeeded compensable step has not
// been compensated yet.
func (s Saga) NeedsCompensation() bool {
	for _, st := range s.Steps {
		if st.Compensable && st.Status == StepSucceeded {
			return true
		}
	}
	return false
}

// StepIndex returns the position of the step named name or -1.
func (s Saga) StepIndex(name string) int {
	for i, st := range s.Steps {
		if st.Name == name {
			return i
		}
	}
	return -1
}
