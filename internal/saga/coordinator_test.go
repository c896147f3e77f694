package saga_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"xrt/internal/capability"
	"xrt/internal/clock"
	"xrt/internal/domain"
	"xrt/internal/retry"
	"xrt/internal/saga"
	"xrt/internal/session"
	"xrt/internal/statesurface"
	"xrt/internal/wal"
)

type harness struct {
	surface  *statesurface.Surface
	wal      *wal.Log
	sessions *session.Manager
	registry *capability.Registry
	coord    *saga.Coordinator
	session  domain.Session
}

func newHarness(t *testing.T, store wal.Store, cfg saga.Config) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ids := &clock.CounterGenerator{}
	if store == nil {
		store = wal.NewMemoryStore()
	}
	surface := statesurface.New(statesurface.NewMemoryBackend(), statesurface.Config{Clock: clk})
	log := wal.New(store, wal.Config{Clock: clk, Retry: retry.None()})
	sessions, err := session.New(surface, log, session.Config{Clock: clk, IDs: ids})
	require.NoError(t, err)
	cfg.Clock = clk
	cfg.IDs = ids
	registry := capability.NewRegistry(nil)
	h := &harness{
		surface:  surface,
		wal:      log,
		sessions: sessions,
		registry: registry,
		coord:    saga.New(surface, log, sessions, registry, cfg),
	}
	h.session, err = sessions.Create(context.Background(), session.CreateInput{TenantID: "t1"})
	require.NoError(t, err)
	return h
}

func (h *harness) register(t *testing.T, def capability.Definition, handler capability.Handler) {
	t.Helper()
	if def.OwningComponent == "" {
		def.OwningComponent = "content-service"
	}
	require.NoError(t, h.registry.Register(def, handler))
}

func (h *harness) start(t *testing.T, intentType string) domain.Saga {
	t.Helper()
	cp, err := h.registry.Lookup(intentType)
	require.NoError(t, err)
	s, err := h.coord.Create(context.Background(), saga.CreateInput{
		TenantID:   "t1",
		SessionID:  h.session.ID,
		Capability: cp,
		Input:      json.RawMessage(`{"name":"report.pdf"}`),
	})
	require.NoError(t, err)
	return s
}

func (h *harness) eventTypes(t *testing.T) []domain.EventType {
	t.Helper()
	events, err := h.wal.ReadAll(context.Background(), "t1", wal.Query{})
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

type stepFunc func(ctx context.Context, call capability.StepCall) (json.RawMessage, error)

// fakeHandler records every call and lets tests override single steps.
type fakeHandler struct {
	mu      sync.Mutex
	calls   []string
	exec    map[string]stepFunc
	compErr map[string]error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{exec: map[string]stepFunc{}, compErr: map[string]error{}}
}

func (f *fakeHandler) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeHandler) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHandler) Execute(ctx context.Context, call capability.StepCall) (json.RawMessage, error) {
	f.record("exec:" + call.Step)
	if fn, ok := f.exec[call.Step]; ok {
		return fn(ctx, call)
	}
	return json.RawMessage(fmt.Sprintf(`{"step":%q}`, call.Step)), nil
}

func (f *fakeHandler) Compensate(_ context.Context, call capability.StepCall, _ json.RawMessage) error {
	f.record("comp:" + call.Step)
	return f.compErr[call.Step]
}

func failWith(msg string) stepFunc {
	return func(context.Context, capability.StepCall) (json.RawMessage, error) {
		return nil, errors.New(msg)
	}
}

func threeSteps(intentType string) capability.Definition {
	return capability.Definition{
		IntentType: intentType,
		Steps: []capability.StepSpec{
			{Name: "one", Compensable: true},
			{Name: "two", Compensable: true},
			{Name: "three", Compensable: true},
		},
	}
}

func statuses(s domain.Saga) []domain.StepStatus {
	out := make([]domain.StepStatus, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Status
	}
	return out
}

func TestHappyPathRecordsEveryTransition(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["store"] = func(_ context.Context, call capability.StepCall) (json.RawMessage, error) {
		if string(call.Input) != `{"name":"report.pdf"}` {
			return nil, fmt.Errorf("unexpected input %s", call.Input)
		}
		return json.RawMessage(`{"ref":"blob://a"}`), nil
	}
	handler.exec["index"] = func(_ context.Context, call capability.StepCall) (json.RawMessage, error) {
		if string(call.Previous["store"]) != `{"ref":"blob://a"}` {
			return nil, fmt.Errorf("store output not passed on: %v", call.Previous)
		}
		return json.RawMessage(`{"indexed":true}`), nil
	}
	h.register(t, capability.Definition{
		IntentType: "content.upload",
		Steps:      []capability.StepSpec{{Name: "store", Compensable: true}, {Name: "index"}},
	}, handler)

	s := h.start(t, "content.upload")
	assert.Equal(t, domain.SagaPending, s.State)

	sess, err := h.sessions.Get(context.Background(), "t1", h.session.ID)
	require.NoError(t, err)
	assert.True(t, sess.HasSaga(s.ID))

	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, got.State)
	assert.Equal(t, []domain.StepStatus{domain.StepSucceeded, domain.StepSucceeded}, statuses(got))
	assert.JSONEq(t, `{"indexed":true}`, string(got.Result))
	assert.Nil(t, got.Error)

	stored, err := h.coord.Get(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)

	sess, err = h.sessions.Get(context.Background(), "t1", h.session.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.ActiveSagaIDs, "terminal sagas leave the session")

	events, err := h.wal.ReadAll(context.Background(), "t1", wal.Query{})
	require.NoError(t, err)
	var buf bytes.Buffer
	for _, ev := range events {
		fmt.Fprintf(&buf, "%d %s %s\n", ev.ID, ev.Type, ev.Payload)
	}
	goldie.New(t).Assert(t, "happy_path_wal", buf.Bytes())
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["three"] = failWith("quota exceeded")
	h.register(t, threeSteps("content.publish"), handler)

	s := h.start(t, "content.publish")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Equal(t, []domain.StepStatus{domain.StepCompensated, domain.StepCompensated, domain.StepFailed}, statuses(got))
	assert.Equal(t, []string{"exec:one", "exec:two", "exec:three", "comp:two", "comp:one"}, handler.Calls())
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.KindStepFailed, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "quota exceeded")
	assert.Empty(t, got.Anomalies)

	assert.Equal(t, []domain.EventType{
		domain.EventSessionCreated,
		domain.EventSagaStarted,
		domain.EventStepStarted, domain.EventStepCompleted,
		domain.EventStepStarted, domain.EventStepCompleted,
		domain.EventStepStarted, domain.EventStepFailed,
		domain.EventSagaFailed,
		domain.EventSagaCompensating,
		domain.EventStepCompensated, domain.EventStepCompensated,
		domain.EventSagaCompensated,
	}, h.eventTypes(t))
}

func TestUploadFailureScenario(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["index"] = failWith("index unavailable")
	h.register(t, capability.Definition{
		IntentType: "content.upload",
		Steps:      []capability.StepSpec{{Name: "store", Compensable: true}, {Name: "index"}},
	}, handler)

	s := h.start(t, "content.upload")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Equal(t, []domain.StepStatus{domain.StepCompensated, domain.StepFailed}, statuses(got))
}

func TestCompensationFailureIsAnAnomaly(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["three"] = failWith("boom")
	handler.compErr["one"] = errors.New("bucket locked")
	h.register(t, threeSteps("content.publish"), handler)

	s := h.start(t, "content.publish")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Equal(t, domain.StepCompensated, got.Steps[0].Status)
	assert.Contains(t, got.Steps[0].Anomaly, "bucket locked")
	assert.Empty(t, got.Steps[1].Anomaly)
	require.Len(t, got.Anomalies, 1)
	assert.Contains(t, got.Anomalies[0], "step one")
	assert.Equal(t, []string{"exec:one", "exec:two", "exec:three", "comp:two", "comp:one"}, handler.Calls(),
		"each compensation runs once")

	events, err := h.wal.ReadAll(context.Background(), "t1", wal.Query{Types: []domain.EventType{domain.EventSagaCompensated}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload struct {
		Anomalies int      `json:"anomalies"`
		Failures  []string `json:"compensation_failures"`
		Failed    int      `json:"compensation_failed"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, 1, payload.Anomalies)
	assert.Equal(t, 1, payload.Failed)
	require.Len(t, payload.Failures, 1)
	assert.Contains(t, payload.Failures[0], "compensate one: bucket locked")
}

func TestFailureWithoutCompensableWorkIsTerminal(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["two"] = failWith("rejected")
	h.register(t, capability.Definition{
		IntentType: "content.scan",
		Steps:      []capability.StepSpec{{Name: "one"}, {Name: "two"}},
	}, handler)

	s := h.start(t, "content.scan")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.True(t, got.Terminal())
	assert.Equal(t, []domain.StepStatus{domain.StepSucceeded, domain.StepFailed}, statuses(got))
	assert.NotContains(t, h.eventTypes(t), domain.EventSagaCompensating)
}

func TestStepTimeoutTriggersCompensation(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["two"] = func(ctx context.Context, _ capability.StepCall) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.register(t, capability.Definition{
		IntentType:    "content.slow",
		TimeoutMillis: 20,
		Steps:         []capability.StepSpec{{Name: "one", Compensable: true}, {Name: "two"}},
	}, handler)

	s := h.start(t, "content.slow")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)
	require.NotNil(t, got.Steps[1].Error)
	assert.Equal(t, domain.KindStepTimeout, got.Steps[1].Error.Kind)
}

func TestHandlerIgnoringContextIsAbandonedOnTimeout(t *testing.T) {
	h := newHarness(t, nil, saga.Config{DefaultStepTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	handler := newFakeHandler()
	handler.exec["execute"] = func(context.Context, capability.StepCall) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	}
	h.register(t, capability.Definition{IntentType: "content.stuck"}, handler)

	s := h.start(t, "content.stuck")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.Equal(t, domain.KindStepTimeout, got.Error.Kind)
}

func TestHandlerPanicFailsStep(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	handler.exec["execute"] = func(context.Context, capability.StepCall) (json.RawMessage, error) {
		panic("nil map")
	}
	h.register(t, capability.Definition{IntentType: "content.panic"}, handler)

	s := h.start(t, "content.panic")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.Equal(t, domain.KindStepFailed, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "nil map")
}

func TestOversizedOutputFailsStep(t *testing.T) {
	h := newHarness(t, nil, saga.Config{MaxOutputBytes: 8})
	handler := newFakeHandler()
	h.register(t, capability.Definition{IntentType: "content.big"}, handler)

	s := h.start(t, "content.big")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.Contains(t, got.Error.Message, "limit is 8")
	assert.Empty(t, got.Steps[0].Output)
}

func TestOutputSchemaChecksFinalStep(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, capability.Definition{
		IntentType:   "content.typed",
		OutputSchema: json.RawMessage(`{"type":"object","required":["id"]}`),
	}, handler)

	s := h.start(t, "content.typed")
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.Equal(t, domain.KindStepFailed, got.Error.Kind)
}

func TestCancelRunningSaga(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	started := make(chan struct{})
	handler := newFakeHandler()
	handler.exec["two"] = func(ctx context.Context, _ capability.StepCall) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.register(t, threeSteps("content.publish"), handler)
	s := h.start(t, "content.publish")

	type outcome struct {
		s   domain.Saga
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		got, err := h.coord.Execute(context.Background(), "t1", s.ID)
		done <- outcome{got, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step two never started")
	}
	assert.True(t, h.coord.InFlight("t1", s.ID))

	got, err := h.coord.Cancel(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.True(t, got.CancelRequested)
	require.NotNil(t, got.Steps[1].Error)
	assert.Equal(t, domain.KindCancelled, got.Steps[1].Error.Kind)
	assert.Equal(t, []string{"exec:one", "exec:two", "comp:one"}, handler.Calls())

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.SagaCompensated, res.s.State)
	assert.False(t, h.coord.InFlight("t1", s.ID))
	assert.Contains(t, h.eventTypes(t), domain.EventSagaCancelRequested)
}

func TestCancelPendingSaga(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, threeSteps("content.publish"), handler)
	s := h.start(t, "content.publish")

	got, err := h.coord.Cancel(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.True(t, got.Terminal())
	assert.Equal(t, domain.KindCancelled, got.Error.Kind)
	assert.Empty(t, handler.Calls())

	again, err := h.coord.Cancel(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again, "cancelling a terminal saga changes nothing")
}

// stepStartFailer fails STEP_STARTED appends for one step while armed.
type stepStartFailer struct {
	wal.Store
	step  string
	armed atomic.Bool
}

func (f *stepStartFailer) Append(ctx context.Context, ev domain.Event) (int64, error) {
	if f.armed.Load() && ev.Type == domain.EventStepStarted && strings.Contains(string(ev.Payload), `"step":"`+f.step+`"`) {
		return 0, errors.New("disk full")
	}
	return f.Store.Append(ctx, ev)
}

// pinTracker records live pins and fails SAGA_STARTED appends.
type pinTracker struct {
	wal.Store
	mu   sync.Mutex
	pins map[string]bool
}

func (p *pinTracker) Append(ctx context.Context, ev domain.Event) (int64, error) {
	if ev.Type == domain.EventSagaStarted {
		return 0, errors.New("disk full")
	}
	return p.Store.Append(ctx, ev)
}

func (p *pinTracker) Pin(ctx context.Context, tenantID, sagaID string, at time.Time) error {
	p.mu.Lock()
	p.pins[sagaID] = true
	p.mu.Unlock()
	return p.Store.Pin(ctx, tenantID, sagaID, at)
}

func (p *pinTracker) Unpin(ctx context.Context, tenantID, sagaID string) error {
	p.mu.Lock()
	delete(p.pins, sagaID)
	p.mu.Unlock()
	return p.Store.Unpin(ctx, tenantID, sagaID)
}

func TestCreateReleasesPinWhenNotPersisted(t *testing.T) {
	store := &pinTracker{Store: wal.NewMemoryStore(), pins: map[string]bool{}}
	h := newHarness(t, store, saga.Config{})
	h.register(t, threeSteps("content.publish"), newFakeHandler())
	cp, err := h.registry.Lookup("content.publish")
	require.NoError(t, err)

	_, err = h.coord.Create(context.Background(), saga.CreateInput{
		TenantID:   "t1",
		SessionID:  h.session.ID,
		Capability: cp,
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPersistenceUnavailable))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.pins, "pin of an unsaved saga must be released")
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := &stepStartFailer{Store: wal.NewMemoryStore(), step: "three"}
	store.armed.Store(true)
	h := newHarness(t, store, saga.Config{})
	handler := newFakeHandler()
	h.register(t, threeSteps("content.publish"), handler)
	s := h.start(t, "content.publish")

	_, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPersistenceUnavailable))
	assert.True(t, domain.KindOf(err).Retryable())

	durable, err := h.coord.Get(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaRunning, durable.State)
	assert.Equal(t, []domain.StepStatus{domain.StepSucceeded, domain.StepSucceeded}, statuses(durable))

	store.armed.Store(false)
	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, got.State)
	assert.Equal(t, []string{"exec:one", "exec:two", "exec:three"}, handler.Calls())
}

func TestInterruptedStepHandling(t *testing.T) {
	for _, tc := range []struct {
		name          string
		deterministic bool
		want          domain.SagaState
		wantCalls     []string
	}{
		{name: "non-deterministic step fails", want: domain.SagaFailed},
		{name: "deterministic step re-runs", deterministic: true, want: domain.SagaCompleted, wantCalls: []string{"exec:execute"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, saga.Config{})
			handler := newFakeHandler()
			h.register(t, capability.Definition{IntentType: "content.once", Deterministic: tc.deterministic}, handler)
			s := h.start(t, "content.once")

			s.State = domain.SagaRunning
			s.Steps = []domain.Step{{ID: "step-x", Name: "execute", Status: domain.StepRunning}}
			require.NoError(t, h.surface.PutJSON(context.Background(), "t1", statesurface.SagaKey(s.ID), s, 0))

			got, err := h.coord.Execute(context.Background(), "t1", s.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.State)
			assert.Equal(t, tc.wantCalls, handler.Calls())
			if !tc.deterministic {
				require.Len(t, got.Anomalies, 1)
				assert.Contains(t, got.Anomalies[0], "interrupted")
			}
		})
	}
}

func TestInterruptedCompensationIsNotRetried(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, threeSteps("content.publish"), handler)
	s := h.start(t, "content.publish")

	s.State = domain.SagaCompensating
	s.Steps = []domain.Step{
		{ID: "step-a", Name: "one", Status: domain.StepSucceeded, Compensable: true, CompensationAttempted: true},
		{ID: "step-b", Name: "two", Status: domain.StepFailed, Compensable: true},
	}
	require.NoError(t, h.surface.PutJSON(context.Background(), "t1", statesurface.SagaKey(s.ID), s, 0))

	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, got.State)
	assert.Empty(t, handler.Calls())
	assert.Contains(t, got.Steps[0].Anomaly, "not retried")
}

func TestDeregisteredCapabilityFailsSaga(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, threeSteps("content.publish"), handler)
	s := h.start(t, "content.publish")
	require.NoError(t, h.registry.Deregister("content.publish"))

	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaFailed, got.State)
	assert.Equal(t, domain.KindCapabilityNotFound, got.Error.Kind)
	assert.NotEmpty(t, got.Anomalies)
}

func TestExecuteTerminalSagaIsNoop(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, capability.Definition{IntentType: "content.upload"}, handler)
	s := h.start(t, "content.upload")

	first, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	second, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"exec:execute"}, handler.Calls())
}

func TestGetAndListOpen(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, capability.Definition{IntentType: "content.upload"}, handler)
	pending := h.start(t, "content.upload")
	done := h.start(t, "content.upload")
	_, err := h.coord.Execute(context.Background(), "t1", done.ID)
	require.NoError(t, err)

	open, err := h.coord.ListOpen(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, pending.ID, open[0].ID)

	_, err = h.coord.Get(context.Background(), "t1", "saga-missing")
	assert.True(t, domain.IsKind(err, domain.KindExecutionNotFound))
	_, err = h.coord.Get(context.Background(), "t2", pending.ID)
	assert.True(t, domain.IsKind(err, domain.KindExecutionNotFound), "sagas are invisible to other tenants")
}

func TestExecuteRecordsTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h := newHarness(t, nil, saga.Config{TracerProvider: tp})
	h.register(t, capability.Definition{IntentType: "content.upload"}, newFakeHandler())
	s := h.start(t, "content.upload")

	got, err := h.coord.Execute(context.Background(), "t1", s.ID)
	require.NoError(t, err)
	assert.Len(t, got.TraceID, 32)

	var names []string
	for _, span := range rec.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"saga.step", "saga.execute"}, names)
}

func TestConcurrentExecuteRunsStepsOnce(t *testing.T) {
	h := newHarness(t, nil, saga.Config{})
	handler := newFakeHandler()
	h.register(t, threeSteps("content.publish"), handler)
	s := h.start(t, "content.publish")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.coord.Execute(context.Background(), "t1", s.ID)
			assert.NoError(t, err)
			assert.Equal(t, domain.SagaCompleted, got.State)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"exec:one", "exec:two", "exec:three"}, handler.Calls())
}
