package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"xrt/internal/capability"
	"xrt/internal/domain"
	"xrt/internal/saga"
	"xrt/internal/session"
	"xrt/internal/statesurface"
	"xrt/internal/wal"
)

const DefaultMaxPayloadBytes = 4 * 1024

// Status is the coarse outcome reported to the submitter.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Intent is a caller's request to run the capability registered for
// IntentType. Context is merged into the session context before the saga
// starts.
type Intent struct {
	TenantID   string
	SessionID  string
	IntentType string
	Payload    json.RawMessage
	Context    map[string]any
}

// Handle identifies a submitted execution. Saga is set once the execution
// reached a terminal state before Submit returned.
type Handle struct {
	ExecutionID string
	Status      Status
	Saga        *domain.Saga
}

type Config struct {
	MaxPayloadBytes int
	Logger          *slog.Logger
}

// Executor is the runtime's entry point: it validates intents, binds them
// to a session and capability and hands them to the saga coordinator.
type Executor struct {
	surface    *statesurface.Surface
	wal        *wal.Log
	sessions   *session.Manager
	registry   *capability.Registry
	coord      *saga.Coordinator
	maxPayload int
	log        *slog.Logger

	base   context.Context
	stop   context.CancelFunc
	wg     *conc.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func New(surface *statesurface.Surface, log *wal.Log, sessions *session.Manager, registry *capability.Registry, coord *saga.Coordinator, cfg Config) *Executor {
	e := &Executor{
		surface:    surface,
		wal:        log,
		sessions:   sessions,
		registry:   registry,
		coord:      coord,
		maxPayload: cfg.MaxPayloadBytes,
		log:        cfg.Logger,
		wg:         conc.NewWaitGroup(),
	}
	if e.maxPayload <= 0 {
		e.maxPayload = DefaultMaxPayloadBytes
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.base, e.stop = context.WithCancel(context.Background())
	return e
}

var errClosed = domain.Errorf(domain.KindPersistenceUnavailable, "executor is shutting down")

// SubmitIntent validates in and starts a saga for it. Synchronous
// capabilities block until the saga is terminal; asynchronous ones return
// StatusAccepted at once. Validation and lookup failures happen before
// anything is written to the WAL.
func (e *Executor) SubmitIntent(ctx context.Context, in Intent) (Handle, error) {
	if err := e.validate(&in); err != nil {
		return Handle{}, err
	}
	sess, err := e.sessions.Get(ctx, in.TenantID, in.SessionID)
	if err != nil {
		return Handle{}, err
	}
	cp, err := e.registry.Lookup(in.IntentType)
	if err != nil {
		return Handle{}, err
	}
	if err := cp.ValidateInput(in.Payload); err != nil {
		return Handle{}, err
	}
	if e.isClosed() {
		return Handle{}, errClosed
	}

	if _, err := e.wal.Append(ctx, in.TenantID, domain.EventIntentReceived, map[string]any{
		"session_id":    in.SessionID,
		"intent_type":   in.IntentType,
		"payload_bytes": len(in.Payload),
	}); err != nil {
		return Handle{}, err
	}
	if len(in.Context) > 0 {
		if sess, err = e.sessions.MergeContext(ctx, in.TenantID, in.SessionID, in.Context); err != nil {
			return Handle{}, err
		}
	}
	s, err := e.coord.Create(ctx, saga.CreateInput{
		TenantID:   in.TenantID,
		SessionID:  in.SessionID,
		Capability: cp,
		Input:      in.Payload,
		Context:    sess.Context,
	})
	if err != nil {
		return Handle{}, err
	}
	e.log.Info("intent accepted", "tenant_id", in.TenantID, "session_id", in.SessionID,
		"intent_type", in.IntentType, "execution_id", s.ID, "mode", cp.Mode)

	if cp.Async() {
		if err := e.spawn(s.TenantID, s.ID); err != nil {
			return Handle{ExecutionID: s.ID, Status: StatusAccepted}, err
		}
		return Handle{ExecutionID: s.ID, Status: StatusAccepted}, nil
	}
	return e.runSync(ctx, s.TenantID, s.ID)
}

func (e *Executor) validate(in *Intent) error {
	if err := statesurface.ValidateTenant(in.TenantID); err != nil {
		return err
	}
	if in.SessionID == "" {
		return domain.Errorf(domain.KindInvalidIntent, "session_id is required")
	}
	if in.IntentType == "" {
		return domain.Errorf(domain.KindInvalidIntent, "intent_type is required")
	}
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		in.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(in.Payload) {
		return domain.Errorf(domain.KindInvalidIntent, "payload is not valid JSON")
	}
	if len(in.Payload) > e.maxPayload {
		return domain.Errorf(domain.KindValueTooLarge, "payload is %d bytes, limit is %d", len(in.Payload), e.maxPayload).
			WithDetail("size", len(in.Payload)).WithDetail("limit", e.maxPayload)
	}
	return nil
}

// runSync executes detached from the caller's cancellation so a dropped
// request never strands a saga half way.
func (e *Executor) runSync(ctx context.Context, tenantID, sagaID string) (Handle, error) {
	s, err := e.coord.Execute(context.WithoutCancel(ctx), tenantID, sagaID)
	if err != nil {
		return Handle{ExecutionID: sagaID, Status: StatusFailed}, err
	}
	return handleFor(s), nil
}

// spawn runs the saga in the background. A saga not spawned because the
// executor is closing stays open and is picked up by Recover.
func (e *Executor) spawn(tenantID, sagaID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errClosed
	}
	e.wg.Go(func() {
		if _, err := e.coord.Execute(e.base, tenantID, sagaID); err != nil {
			e.log.Error("background execution stopped", "tenant_id", tenantID, "execution_id", sagaID, "err", err)
		}
	})
	return nil
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func handleFor(s domain.Saga) Handle {
	h := Handle{ExecutionID: s.ID, Saga: &s}
	switch {
	case s.State == domain.SagaCompleted:
		h.Status = StatusCompleted
	case s.Terminal():
		h.Status = StatusFailed
	default:
		h.Status = StatusAccepted
	}
	return h
}

// GetExecutionStatus returns the last persisted snapshot of an execution.
// It never waits on a running saga.
func (e *Executor) GetExecutionStatus(ctx context.Context, tenantID, executionID string) (domain.Saga, error) {
	if err := statesurface.ValidateTenant(tenantID); err != nil {
		return domain.Saga{}, err
	}
	return e.coord.Get(ctx, tenantID, executionID)
}

// Cancel stops an execution and waits for it to reach a terminal state.
func (e *Executor) Cancel(ctx context.Context, tenantID, executionID string) (domain.Saga, error) {
	if err := statesurface.ValidateTenant(tenantID); err != nil {
		return domain.Saga{}, err
	}
	return e.coord.Cancel(context.WithoutCancel(ctx), tenantID, executionID)
}

// Resume continues an execution from its last durable state, typically
// after a PersistenceUnavailable failure. Terminal executions are returned
// as they are.
func (e *Executor) Resume(ctx context.Context, tenantID, executionID string) (Handle, error) {
	s, err := e.GetExecutionStatus(ctx, tenantID, executionID)
	if err != nil {
		return Handle{}, err
	}
	if s.Terminal() {
		return handleFor(s), nil
	}
	if cp, err := e.registry.Lookup(s.Capability); err == nil && cp.Async() {
		if !e.coord.InFlight(tenantID, executionID) {
			if err := e.spawn(tenantID, executionID); err != nil {
				return Handle{}, err
			}
		}
		return Handle{ExecutionID: executionID, Status: StatusAccepted}, nil
	}
	if e.isClosed() {
		return Handle{}, errClosed
	}
	return e.runSync(ctx, tenantID, executionID)
}

// Recover schedules every non-terminal saga of every tenant for
// execution. It is meant to run once at start-up.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	tenants, err := e.surface.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, tenant := range tenants {
		open, err := e.coord.ListOpen(ctx, tenant)
		if err != nil {
			return n, err
		}
		for _, s := range open {
			if e.coord.InFlight(s.TenantID, s.ID) {
				continue
			}
			if err := e.spawn(s.TenantID, s.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		e.log.Info("recovering open executions", "count", n, "tenants", len(tenants))
	}
	return n, nil
}

// Health reports component status for the health endpoints.
type Health struct {
	Status     string
	Components map[string]string
}

func (h Health) OK() bool { return h.Status == "ok" }

func (e *Executor) Health(ctx context.Context) Health {
	h := Health{Status: "ok", Components: map[string]string{
		"state_surface":    componentStatus(e.surface.Ping(ctx)),
		"wal":              componentStatus(e.wal.Ping(ctx)),
		"saga_coordinator": "ok",
	}}
	if e.isClosed() {
		h.Components["saga_coordinator"] = "draining"
	}
	for _, v := range h.Components {
		if v != "ok" {
			h.Status = "degraded"
		}
	}
	return h
}

func componentStatus(err error) string {
	if err != nil {
		return "unavailable"
	}
	return "ok"
}

// Close stops accepting work and waits for background executions. When ctx
// expires first they are cancelled; their sagas stay resumable.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.stop()
		return nil
	case <-ctx.Done():
		e.stop()
		<-done
		return errors.Join(errors.New("background executions cancelled"), ctx.Err())
	}
}
