package capability

import (
	"context"
	"encoding/json"
)

// StepCall is everything a handler learns about one step invocation.
type StepCall struct {
	TenantID   string                     `json:"tenant_id"`
	SessionID  string                     `json:"session_id"`
	SagaID     string                     `json:"saga_id"`
	IntentType string                     `json:"intent_type"`
	Step       string                     `json:"step"`
	Input      json.RawMessage            `json:"input,omitempty"`
	Context    map[string]any             `json:"context,omitempty"`
	Previous   map[string]json.RawMessage `json:"previous,omitempty"`
}

// Handler executes and compensates the steps of one capability. Execute
// must honour ctx: its deadline is the step timeout and it is cancelled
// when the saga is cancelled.
type Handler interface {
	Execute(ctx context.Context, call StepCall) (json.RawMessage, error)
	Compensate(ctx context.Context, call StepCall, output json.RawMessage) error
}

// HandlerFuncs adapts plain functions to Handler. A nil CompensateFunc is a
// no-op compensation.
type HandlerFuncs struct {
	ExecuteFunc    func(ctx context.Context, call StepCall) (json.RawMessage, error)
	CompensateFunc func(ctx context.Context, call StepCall, output json.RawMessage) error
}

func (h HandlerFuncs) Execute(ctx context.Context, call StepCall) (json.RawMessage, error) {
	return h.ExecuteFunc(ctx, call)
}

func (h HandlerFuncs) Compensate(ctx context.Context, call StepCall, output json.RawMessage) error {
	if h.CompensateFunc == nil {
		return nil
	}
	return h.CompensateFunc(ctx, call, output)
}
