package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"xrt/internal/capability"
	"xrt/internal/domain"
	"xrt/internal/executor"
	"xrt/internal/session"
	"xrt/internal/wal"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

func registerHealth(api huma.API, e *executor.Executor) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Component health",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		h := e.Health(ctx)
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: h.Status, Components: h.Components}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness probe",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Status int
		Body   HealthResponse `json:"body"`
	}, error) {
		h := e.Health(ctx)
		status := http.StatusOK
		if !h.OK() {
			status = http.StatusServiceUnavailable
		}
		return &struct {
			Status int
			Body   HealthResponse `json:"body"`
		}{Status: status, Body: HealthResponse{Status: h.Status}}, nil
	})
}

func registerSessions(api huma.API, sessions *session.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/session/create",
		Summary:     "Create a session bound to a tenant",
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.Body.TenantID); err != nil {
			return nil, handleError(err)
		}
		s, err := sessions.Create(ctx, session.CreateInput{
			TenantID: input.Body.TenantID,
			UserID:   input.Body.UserID,
			Context:  input.Body.Context,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: mapSession(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session/{session_id}",
		Summary:     "Read a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		TenantID  string `query:"tenant_id" required:"true"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		s, err := sessions.Get(ctx, input.TenantID, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: mapSession(s)}, nil
	})
}

func registerIntents(api huma.API, e *executor.Executor) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-intent",
		Method:      http.MethodPost,
		Path:        "/intent/submit",
		Summary:     "Submit an intent",
		Description: "Synchronous capabilities answer once the execution is terminal; asynchronous ones answer accepted at once.",
	}, func(ctx context.Context, input *struct {
		Body SubmitIntentRequest
	}) (*struct {
		Body SubmitIntentResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.Body.TenantID); err != nil {
			return nil, handleError(err)
		}
		payload, err := rawJSON(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_intent", "payload is not encodable", nil)
		}
		h, err := e.SubmitIntent(ctx, executor.Intent{
			TenantID:   input.Body.TenantID,
			SessionID:  input.Body.SessionID,
			IntentType: input.Body.IntentType,
			Payload:    payload,
			Context:    input.Body.Context,
		})
		if err != nil {
			if h.ExecutionID != "" {
				err = withExecutionID(err, h.ExecutionID)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitIntentResponse `json:"body"`
		}{Body: mapHandle(h)}, nil
	})
}

// withExecutionID lets a caller resume an execution whose submission
// failed after the saga was created.
func withExecutionID(err error, id string) error {
	se := handleError(err)
	if ae, ok := se.(*apiError); ok {
		if ae.Body.Details == nil {
			ae.Body.Details = map[string]any{}
		}
		ae.Body.Details["execution_id"] = id
	}
	return se
}

type executionInput struct {
	ExecutionID string `path:"execution_id"`
	TenantID    string `query:"tenant_id" required:"true"`
}

func registerExecutions(api huma.API, e *executor.Executor) {
	huma.Register(api, huma.Operation{
		OperationID: "execution-status",
		Method:      http.MethodGet,
		Path:        "/execution/{execution_id}/status",
		Summary:     "Execution status snapshot",
	}, func(ctx context.Context, input *executionInput) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetExecutionStatus(ctx, input.TenantID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: mapExecution(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/execution/{execution_id}/cancel",
		Summary:     "Cancel an execution",
		Description: "Waits until the execution is terminal. Completed steps are compensated.",
	}, func(ctx context.Context, input *executionInput) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Cancel(ctx, input.TenantID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: mapExecution(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-execution",
		Method:      http.MethodPost,
		Path:        "/execution/{execution_id}/resume",
		Summary:     "Resume an execution from its last durable state",
	}, func(ctx context.Context, input *executionInput) (*struct {
		Body SubmitIntentResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		h, err := e.Resume(ctx, input.TenantID, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitIntentResponse `json:"body"`
		}{Body: mapHandle(h)}, nil
	})
}

func registerCapabilities(api huma.API, registry *capability.Registry, authCfg AuthConfig, client *http.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "list-capabilities",
		Method:      http.MethodGet,
		Path:        "/capabilities",
		Summary:     "List registered capabilities",
	}, func(ctx context.Context, input *struct {
		OwningComponent string `query:"owning_component"`
	}) (*struct {
		Body struct {
			Capabilities []CapabilityResponse `json:"capabilities"`
		} `json:"body"`
	}, error) {
		defs := registry.List(input.OwningComponent)
		out := &struct {
			Body struct {
				Capabilities []CapabilityResponse `json:"capabilities"`
			} `json:"body"`
		}{}
		out.Body.Capabilities = make([]CapabilityResponse, 0, len(defs))
		for _, d := range defs {
			out.Body.Capabilities = append(out.Body.Capabilities, mapCapability(d))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-capability",
		Method:      http.MethodPost,
		Path:        "/capabilities",
		Summary:     "Register a remote capability",
		Description: "Re-registering an identical definition is a no-op; a different definition for the same intent_type conflicts.",
	}, func(ctx context.Context, input *struct {
		Token string `header:"X-Registration-Token"`
		Body  RegisterCapabilityRequest
	}) (*struct {
		Body CapabilityResponse `json:"body"`
	}, error) {
		if err := checkRegistrationToken(authCfg, input.Token); err != nil {
			return nil, handleError(err)
		}
		in, err := rawJSON(input.Body.InputSchema)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_intent", "input_schema is not encodable", nil)
		}
		out, err := rawJSON(input.Body.OutputSchema)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_intent", "output_schema is not encodable", nil)
		}
		def := capability.Definition{
			IntentType:      input.Body.IntentType,
			OwningComponent: input.Body.OwningComponent,
			HandlerRef:      input.Body.HandlerReference,
			InputSchema:     in,
			OutputSchema:    out,
			Deterministic:   input.Body.Deterministic,
			Mode:            capability.Mode(input.Body.Mode),
			TimeoutMillis:   input.Body.TimeoutMs,
			Steps:           input.Body.Steps,
		}
		if err := registry.RegisterRemote(def, input.Body.Secret, client); err != nil {
			return nil, handleError(err)
		}
		cp, err := registry.Lookup(def.IntentType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapabilityResponse `json:"body"`
		}{Body: mapCapability(cp.Definition)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deregister-capability",
		Method:        http.MethodDelete,
		Path:          "/capabilities/{intent_type}",
		Summary:       "Deregister a capability",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		Token      string `header:"X-Registration-Token"`
		IntentType string `path:"intent_type"`
	}) (*struct{}, error) {
		if err := checkRegistrationToken(authCfg, input.Token); err != nil {
			return nil, handleError(err)
		}
		if err := registry.Deregister(input.IntentType); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerEvents(api huma.API, log *wal.Log) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/wal/events",
		Summary:     "Read the tenant WAL",
		Description: "Events in append order after since. Continue with next_since.",
	}, func(ctx context.Context, input *struct {
		TenantID string   `query:"tenant_id" required:"true"`
		Since    int64    `query:"since" minimum:"0"`
		Types    []string `query:"type,explode" doc:"Repeat to match any of several types"`
		Limit    int      `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if err := authorizeTenant(ctx, input.TenantID); err != nil {
			return nil, handleError(err)
		}
		types := make([]domain.EventType, 0, len(input.Types))
		for _, t := range input.Types {
			et := domain.EventType(t)
			if !et.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "invalid_intent", "unknown event type "+t, nil)
			}
			types = append(types, et)
		}
		events, err := log.ReadAll(ctx, input.TenantID, wal.Query{
			Since: input.Since,
			Types: types,
			Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		body := EventsResponse{Events: make([]EventResponse, 0, len(events)), NextSince: input.Since}
		for _, ev := range events {
			body.Events = append(body.Events, mapEvent(ev))
			body.NextSince = ev.ID
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: body}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return defaultEventsLimit
	}
	if in > maxEventsLimit {
		return maxEventsLimit
	}
	return in
}
