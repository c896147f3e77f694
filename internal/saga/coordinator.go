package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xrt/internal/capability"
	"xrt/internal/clock"
	"xrt/internal/domain"
	"xrt/internal/lockset"
	"xrt/internal/session"
	"xrt/internal/statesurface"
	"xrt/internal/wal"
)

const (
	DefaultStepTimeout    = 30 * time.Second
	DefaultMaxOutputBytes = 4 * 1024
	maxEventMessage       = 512
	maxListedFailures     = 5
)

var (
	errStepTimeout     = errors.New("step timeout")
	errCancelRequested = errors.New("cancel requested")
)

type Config struct {
	DefaultStepTimeout time.Duration
	MaxOutputBytes     int
	Clock              clock.Clock
	IDs                clock.IDGenerator
	Logger             *slog.Logger
	TracerProvider     trace.TracerProvider
}

// Coordinator drives sagas through their state machine. Every transition
// is appended to the WAL before it is persisted to the State Surface, and
// all mutation of one saga happens under that saga's lock.
type Coordinator struct {
	surface   *statesurface.Surface
	wal       *wal.Log
	sessions  *session.Manager
	registry  *capability.Registry
	locks     *lockset.Set
	inflight  sync.Map // tenant/saga -> context.CancelCauseFunc
	cancels   sync.Map // tenant/saga -> pending cancel request
	timeout   time.Duration
	maxOutput int
	clock     clock.Clock
	ids       clock.IDGenerator
	log       *slog.Logger
	tracer    trace.Tracer
}

func New(surface *statesurface.Surface, log *wal.Log, sessions *session.Manager, registry *capability.Registry, cfg Config) *Coordinator {
	c := &Coordinator{
		surface:   surface,
		wal:       log,
		sessions:  sessions,
		registry:  registry,
		locks:     lockset.New(),
		timeout:   cfg.DefaultStepTimeout,
		maxOutput: cfg.MaxOutputBytes,
		clock:     cfg.Clock,
		ids:       cfg.IDs,
		log:       cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultStepTimeout
	}
	if c.maxOutput <= 0 {
		c.maxOutput = DefaultMaxOutputBytes
	}
	if c.clock == nil {
		c.clock = clock.System{}
	}
	if c.ids == nil {
		c.ids = clock.UUIDGenerator{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.tracer = tp.Tracer("xrt/internal/saga")
	return c
}

type CreateInput struct {
	TenantID   string
	SessionID  string
	Capability *capability.Capability
	Input      json.RawMessage
	Context    map[string]any
}

// Create records SAGA_STARTED and persists a PENDING saga. The saga's WAL
// events stay pinned until it reaches a terminal state.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (domain.Saga, error) {
	if in.Capability == nil {
		return domain.Saga{}, domain.Errorf(domain.KindInvalidIntent, "capability is required")
	}
	now := clock.Format(c.clock.Now())
	s := domain.Saga{
		ID:         c.ids.NewID("saga"),
		TenantID:   in.TenantID,
		SessionID:  in.SessionID,
		Capability: in.Capability.IntentType,
		State:      domain.SagaPending,
		Plan:       in.Capability.StepNames(),
		Steps:      []domain.Step{},
		Context:    maps.Clone(in.Context),
		Input:      in.Input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.wal.Pin(ctx, s.TenantID, s.ID); err != nil {
		return domain.Saga{}, err
	}
	if err := c.record(ctx, &s, domain.EventSagaStarted, map[string]any{
		"session_id": s.SessionID,
		"capability": s.Capability,
		"steps":      s.Plan,
	}); err != nil {
		return domain.Saga{}, c.unpin(ctx, &s, err)
	}
	if err := c.save(ctx, &s); err != nil {
		return domain.Saga{}, c.unpin(ctx, &s, err)
	}
	if err := c.sessions.AttachSaga(ctx, s.TenantID, s.SessionID, s.ID); err != nil {
		c.log.Warn("attach saga to session failed", "tenant_id", s.TenantID, "session_id", s.SessionID, "saga_id", s.ID, "err", err)
	}
	c.log.Debug("saga created", "tenant_id", s.TenantID, "saga_id", s.ID, "capability", s.Capability)
	return s, nil
}

// Get reads the last persisted snapshot. It takes no lock and never waits
// on a running execution.
func (c *Coordinator) Get(ctx context.Context, tenantID, sagaID string) (domain.Saga, error) {
	if sagaID == "" {
		return domain.Saga{}, domain.Errorf(domain.KindInvalidIntent, "execution_id is required")
	}
	var s domain.Saga
	err := c.surface.GetJSON(ctx, tenantID, statesurface.SagaKey(sagaID), &s)
	if errors.Is(err, statesurface.ErrNotFound) {
		return domain.Saga{}, domain.Errorf(domain.KindExecutionNotFound, "execution %s not found", sagaID)
	}
	return s, err
}

// ListOpen returns every non-terminal saga of tenantID.
func (c *Coordinator) ListOpen(ctx context.Context, tenantID string) ([]domain.Saga, error) {
	keys, err := c.surface.List(ctx, tenantID, statesurface.SagaPrefix)
	if err != nil {
		return nil, err
	}
	var open []domain.Saga
	for _, key := range keys {
		var s domain.Saga
		if err := c.surface.GetJSON(ctx, tenantID, key, &s); err != nil {
			if errors.Is(err, statesurface.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !s.Terminal() {
			open = append(open, s)
		}
	}
	return open, nil
}

// InFlight reports whether this process is currently executing the saga.
func (c *Coordinator) InFlight(tenantID, sagaID string) bool {
	_, ok := c.inflight.Load(lockKey(tenantID, sagaID))
	return ok
}

// Cancel requests cancellation and drives the saga to a terminal state.
// Cancellation is a synthetic failure of the next (or running) step, so
// completed compensable steps are compensated as on any other failure.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, sagaID string) (domain.Saga, error) {
	s, err := c.Get(ctx, tenantID, sagaID)
	if err != nil {
		return domain.Saga{}, err
	}
	if s.Terminal() {
		return s, nil
	}
	key := lockKey(tenantID, sagaID)
	c.cancels.Store(key, struct{}{})
	if err := c.record(ctx, &s, domain.EventSagaCancelRequested, nil); err != nil {
		c.cancels.Delete(key)
		return domain.Saga{}, err
	}
	if cancel, ok := c.inflight.Load(key); ok {
		cancel.(context.CancelCauseFunc)(errCancelRequested)
	}
	return c.Execute(ctx, tenantID, sagaID)
}

// Execute runs the saga from its last durable state until it is terminal.
// Steps that already succeeded are skipped, so calling Execute again after
// a PersistenceUnavailable error resumes instead of repeating work. On
// error the saga is left at its last durable state.
func (c *Coordinator) Execute(ctx context.Context, tenantID, sagaID string) (domain.Saga, error) {
	key := lockKey(tenantID, sagaID)
	unlock := c.locks.Lock(key)
	defer unlock()

	s, err := c.Get(ctx, tenantID, sagaID)
	if err != nil {
		return domain.Saga{}, err
	}
	if _, ok := c.cancels.LoadAndDelete(key); ok {
		s.CancelRequested = true
	}
	if s.Terminal() {
		c.finish(ctx, &s)
		return s, nil
	}

	ctx, span := c.tracer.Start(ctx, "saga.execute", trace.WithAttributes(
		attribute.String("xrt.tenant_id", s.TenantID),
		attribute.String("xrt.saga_id", s.ID),
		attribute.String("xrt.capability", s.Capability),
	))
	defer span.End()
	if s.TraceID == "" && span.SpanContext().HasTraceID() {
		s.TraceID = span.SpanContext().TraceID().String()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.inflight.Store(key, cancel)
	defer c.inflight.Delete(key)

	if err := c.drive(ctx, runCtx, &s); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Saga{}, err
	}
	span.SetAttributes(attribute.String("xrt.state", string(s.State)))
	if s.State != domain.SagaCompleted {
		span.SetStatus(codes.Error, string(s.State))
	}
	return s, nil
}

func (c *Coordinator) drive(ctx, runCtx context.Context, s *domain.Saga) error {
	cp, lookupErr := c.registry.Lookup(s.Capability)
	if s.State == domain.SagaPending {
		if err := c.transition(ctx, s, domain.SagaRunning, "", nil); err != nil {
			return err
		}
	}
	if s.State == domain.SagaRunning {
		if lookupErr != nil {
			if err := c.failCurrentStep(ctx, s, lookupErr); err != nil {
				return err
			}
		} else if err := c.forward(ctx, runCtx, s, cp); err != nil {
			return err
		}
	}
	if s.State == domain.SagaFailed && s.NeedsCompensation() {
		if err := c.transition(ctx, s, domain.SagaCompensating, domain.EventSagaCompensating, map[string]any{
			"steps": compensableNames(s),
		}); err != nil {
			return err
		}
	}
	if s.State == domain.SagaCompensating {
		if err := c.compensate(ctx, s, cp); err != nil {
			return err
		}
	}
	if s.Terminal() {
		c.finish(ctx, s)
	}
	return nil
}

func (c *Coordinator) transition(ctx context.Context, s *domain.Saga, to domain.SagaState, evt domain.EventType, payload map[string]any) error {
	if !domain.CanTransition(s.State, to) {
		return domain.Errorf(domain.KindInvalidTransition, "saga %s cannot move from %s to %s", s.ID, s.State, to)
	}
	if evt != "" {
		if err := c.record(ctx, s, evt, payload); err != nil {
			return err
		}
	}
	from := s.State
	s.State = to
	if err := c.save(ctx, s); err != nil {
		s.State = from
		return err
	}
	c.log.Debug("saga transition", "tenant_id", s.TenantID, "saga_id", s.ID, "from", from, "to", to)
	return nil
}

// failSaga moves a RUNNING saga to FAILED with cause as its error.
func (c *Coordinator) failSaga(ctx context.Context, s *domain.Saga, cause *domain.ErrorInfo) error {
	s.Error = cause
	payload := map[string]any{}
	if cause != nil {
		payload["error_kind"] = cause.Kind
		payload["error"] = shorten(cause.Message)
	}
	return c.transition(ctx, s, domain.SagaFailed, domain.EventSagaFailed, payload)
}

// finish releases resources held by a terminal saga. Failures are logged;
// the saga itself is already durably terminal and the next Execute retries.
func (c *Coordinator) finish(ctx context.Context, s *domain.Saga) {
	if err := c.wal.Release(ctx, s.TenantID, s.ID); err != nil {
		c.log.Warn("release saga pin failed", "tenant_id", s.TenantID, "saga_id", s.ID, "err", err)
	}
	if err := c.sessions.DetachSaga(ctx, s.TenantID, s.SessionID, s.ID); err != nil {
		c.log.Warn("detach saga from session failed", "tenant_id", s.TenantID, "saga_id", s.ID, "err", err)
	}
}

// unpin releases the pin of a saga that never got persisted and returns
// cause.
func (c *Coordinator) unpin(ctx context.Context, s *domain.Saga, cause error) error {
	if err := c.wal.Release(context.WithoutCancel(ctx), s.TenantID, s.ID); err != nil {
		c.log.Warn("release pin of unsaved saga failed", "tenant_id", s.TenantID, "saga_id", s.ID, "err", err)
	}
	return cause
}

func (c *Coordinator) record(ctx context.Context, s *domain.Saga, typ domain.EventType, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["saga_id"] = s.ID
	if _, err := c.wal.Append(ctx, s.TenantID, typ, payload, wal.WithSaga(s.ID)); err != nil {
		return fmt.Errorf("record %s for saga %s: %w", typ, s.ID, err)
	}
	return nil
}

func (c *Coordinator) save(ctx context.Context, s *domain.Saga) error {
	s.UpdatedAt = clock.Format(c.clock.Now())
	if err := c.surface.PutJSON(ctx, s.TenantID, statesurface.SagaKey(s.ID), s, 0); err != nil {
		return fmt.Errorf("persist saga %s: %w", s.ID, err)
	}
	return nil
}

// fits reports whether s would still be storable.
func (c *Coordinator) fits(s *domain.Saga) bool {
	data, err := json.Marshal(s)
	return err == nil && len(data) <= c.surface.MaxValueBytes()
}

func compensableNames(s *domain.Saga) []string {
	var out []string
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if st := s.Steps[i]; st.Compensable && st.Status == domain.StepSucceeded {
			out = append(out, st.Name)
		}
	}
	return out
}

func lockKey(tenantID, sagaID string) string { return tenantID + "/" + sagaID }

func shorten(msg string) string {
	if len(msg) <= maxEventMessage {
		return msg
	}
	return msg[:maxEventMessage] + "..."
}
