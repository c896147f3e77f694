package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"xrt/internal/capability"
	"xrt/internal/clock"
	"xrt/internal/domain"
)

// forward runs the remaining steps of a RUNNING saga in plan order and
// leaves it COMPLETED or FAILED.
func (c *Coordinator) forward(ctx, runCtx context.Context, s *domain.Saga, cp *capability.Capability) error {
	for pos, name := range s.Plan {
		if idx := s.StepIndex(name); idx >= 0 {
			switch st := s.Steps[idx]; st.Status {
			case domain.StepSucceeded:
				continue
			case domain.StepFailed:
				return c.failSaga(ctx, s, st.Error)
			case domain.StepRunning:
				if !cp.Deterministic {
					return c.abandonStep(ctx, s, idx)
				}
				c.log.Info("re-running interrupted deterministic step", "tenant_id", s.TenantID, "saga_id", s.ID, "step", name)
			}
		}
		if s.CancelRequested || errors.Is(context.Cause(runCtx), errCancelRequested) {
			s.CancelRequested = true
			idx := c.ensureStep(s, cp, name)
			if err := c.stepFailed(ctx, s, idx, domain.Errorf(domain.KindCancelled, "saga cancelled before step %s", name)); err != nil {
				return err
			}
			return c.failSaga(ctx, s, s.Steps[idx].Error)
		}
		idx, err := c.runStep(ctx, runCtx, s, cp, name, pos == len(s.Plan)-1)
		if err != nil {
			return err
		}
		if s.Steps[idx].Status == domain.StepFailed {
			return c.failSaga(ctx, s, s.Steps[idx].Error)
		}
	}
	if n := len(s.Steps); n > 0 {
		s.Result = s.Steps[n-1].Output
	}
	return c.transition(ctx, s, domain.SagaCompleted, domain.EventSagaCompleted, map[string]any{
		"steps": len(s.Steps),
	})
}

// failCurrentStep fails a RUNNING saga whose capability can no longer be
// resolved.
func (c *Coordinator) failCurrentStep(ctx context.Context, s *domain.Saga, cause error) error {
	s.Anomalies = append(s.Anomalies, fmt.Sprintf("capability %s unavailable at resume", s.Capability))
	for i := range s.Steps {
		if s.Steps[i].Status == domain.StepRunning {
			if err := c.stepFailed(ctx, s, i, cause); err != nil {
				return err
			}
		}
	}
	return c.failSaga(ctx, s, domain.Info(cause))
}

// abandonStep fails a non-deterministic step that was running when the
// previous execution stopped. Re-running it could repeat a side effect.
func (c *Coordinator) abandonStep(ctx context.Context, s *domain.Saga, idx int) error {
	name := s.Steps[idx].Name
	s.Anomalies = append(s.Anomalies, fmt.Sprintf("step %s interrupted before completion", name))
	cause := domain.Errorf(domain.KindStepFailed, "step %s was interrupted and is not safe to re-run", name)
	if err := c.stepFailed(ctx, s, idx, cause); err != nil {
		return err
	}
	return c.failSaga(ctx, s, s.Steps[idx].Error)
}

func (c *Coordinator) ensureStep(s *domain.Saga, cp *capability.Capability, name string) int {
	if idx := s.StepIndex(name); idx >= 0 {
		return idx
	}
	spec, _ := cp.Step(name)
	s.Steps = append(s.Steps, domain.Step{
		ID:          c.ids.NewID("step"),
		Name:        name,
		Status:      domain.StepPending,
		Compensable: spec.Compensable,
	})
	return len(s.Steps) - 1
}

// runStep executes one step. The returned error is a persistence failure
// or an aborted execution; a failed step is reported through its status.
func (c *Coordinator) runStep(ctx, runCtx context.Context, s *domain.Saga, cp *capability.Capability, name string, last bool) (int, error) {
	idx := c.ensureStep(s, cp, name)
	if err := c.record(ctx, s, domain.EventStepStarted, map[string]any{
		"step":    name,
		"step_id": s.Steps[idx].ID,
	}); err != nil {
		return idx, err
	}
	s.Steps[idx].Status = domain.StepRunning
	s.Steps[idx].StartedAt = clock.Format(c.clock.Now())
	if err := c.save(ctx, s); err != nil {
		return idx, err
	}

	out, err := c.invoke(ctx, runCtx, s, cp, name)
	if ctx.Err() != nil {
		return idx, fmt.Errorf("saga %s step %s: %w", s.ID, name, context.Cause(ctx))
	}
	if err == nil {
		err = c.checkOutput(s, cp, idx, out, last)
	}
	if err != nil {
		return idx, c.stepFailed(ctx, s, idx, err)
	}

	if err := c.record(ctx, s, domain.EventStepCompleted, map[string]any{
		"step":         name,
		"step_id":      s.Steps[idx].ID,
		"output_bytes": len(out),
	}); err != nil {
		return idx, err
	}
	s.Steps[idx].Status = domain.StepSucceeded
	s.Steps[idx].Output = out
	s.Steps[idx].FinishedAt = clock.Format(c.clock.Now())
	return idx, c.save(ctx, s)
}

func (c *Coordinator) checkOutput(s *domain.Saga, cp *capability.Capability, idx int, out json.RawMessage, last bool) error {
	if len(out) > 0 && !json.Valid(out) {
		return domain.Errorf(domain.KindStepFailed, "step %s returned invalid JSON", s.Steps[idx].Name)
	}
	if len(out) > c.maxOutput {
		return domain.Errorf(domain.KindStepFailed, "step %s output is %d bytes, limit is %d", s.Steps[idx].Name, len(out), c.maxOutput)
	}
	if last {
		if err := cp.ValidateOutput(out); err != nil {
			return err
		}
	}
	probe := *s
	probe.Steps = append([]domain.Step(nil), s.Steps...)
	probe.Steps[idx].Output = out
	if last {
		probe.Result = out
	}
	if !c.fits(&probe) {
		return domain.Errorf(domain.KindStepFailed, "saga %s would exceed the state value limit with step %s output", s.ID, s.Steps[idx].Name)
	}
	return nil
}

func (c *Coordinator) stepFailed(ctx context.Context, s *domain.Saga, idx int, cause error) error {
	info := domain.Info(cause)
	if err := c.record(ctx, s, domain.EventStepFailed, map[string]any{
		"step":       s.Steps[idx].Name,
		"step_id":    s.Steps[idx].ID,
		"error_kind": info.Kind,
		"error":      shorten(info.Message),
	}); err != nil {
		return err
	}
	s.Steps[idx].Status = domain.StepFailed
	s.Steps[idx].Error = info
	s.Steps[idx].FinishedAt = clock.Format(c.clock.Now())
	c.log.Warn("step failed", "tenant_id", s.TenantID, "saga_id", s.ID, "step", s.Steps[idx].Name, "kind", info.Kind)
	return c.save(ctx, s)
}

// invoke calls the step handler bounded by the step timeout. runCtx is
// cancelled with errCancelRequested when the saga is cancelled.
func (c *Coordinator) invoke(ctx, runCtx context.Context, s *domain.Saga, cp *capability.Capability, name string) (json.RawMessage, error) {
	timeout := c.stepTimeout(cp)
	stepCtx, cancel := context.WithTimeoutCause(runCtx, timeout, errStepTimeout)
	defer cancel()
	stepCtx, span := c.tracer.Start(stepCtx, "saga.step", trace.WithAttributes(
		attribute.String("xrt.saga_id", s.ID),
		attribute.String("xrt.step", name),
	))
	defer span.End()

	call := c.stepCall(s, cp, name)
	out, err := guarded(stepCtx, func(ctx context.Context) (json.RawMessage, error) {
		return cp.Handler.Execute(ctx, call)
	})
	if err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		switch cause := context.Cause(stepCtx); {
		case errors.Is(cause, errStepTimeout):
			err = domain.Errorf(domain.KindStepTimeout, "step %s exceeded %s", name, timeout)
		case errors.Is(cause, errCancelRequested):
			s.CancelRequested = true
			err = domain.Errorf(domain.KindCancelled, "saga cancelled during step %s", name)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// compensate undoes succeeded compensable steps in reverse order. Each
// compensation is attempted at most once; failures become anomalies and
// the saga still ends COMPENSATED.
func (c *Coordinator) compensate(ctx context.Context, s *domain.Saga, cp *capability.Capability) error {
	var errs error
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := s.Steps[i]
		if !st.Compensable || st.Status != domain.StepSucceeded {
			continue
		}
		if st.CompensationAttempted {
			if err := c.stepCompensated(ctx, s, i, "compensation was interrupted and not retried"); err != nil {
				return err
			}
			continue
		}
		s.Steps[i].CompensationAttempted = true
		if err := c.save(ctx, s); err != nil {
			s.Steps[i].CompensationAttempted = false
			return err
		}
		var anomaly string
		if err := c.undo(ctx, s, cp, i); err != nil {
			errs = multierr.Append(errs, err)
			anomaly = shorten(err.Error())
		}
		if err := c.stepCompensated(ctx, s, i, anomaly); err != nil {
			return err
		}
	}
	payload := map[string]any{"anomalies": len(s.Anomalies)}
	if failures := multierr.Errors(errs); len(failures) > 0 {
		msgs := make([]string, 0, min(len(failures), maxListedFailures))
		for _, err := range failures[:cap(msgs)] {
			msgs = append(msgs, shorten(err.Error()))
		}
		payload["compensation_failures"] = msgs
		payload["compensation_failed"] = len(failures)
		c.log.Warn("compensation incomplete", "tenant_id", s.TenantID, "saga_id", s.ID, "failures", len(failures), "err", errs)
	}
	return c.transition(ctx, s, domain.SagaCompensated, domain.EventSagaCompensated, payload)
}

func (c *Coordinator) undo(ctx context.Context, s *domain.Saga, cp *capability.Capability, idx int) error {
	name := s.Steps[idx].Name
	if cp == nil {
		return fmt.Errorf("no handler for %s to compensate step %s", s.Capability, name)
	}
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.stepTimeout(cp))
	defer cancel()
	compCtx, span := c.tracer.Start(compCtx, "saga.compensate", trace.WithAttributes(
		attribute.String("xrt.saga_id", s.ID),
		attribute.String("xrt.step", name),
	))
	defer span.End()

	call := c.stepCall(s, cp, name)
	output := s.Steps[idx].Output
	_, err := guarded(compCtx, func(ctx context.Context) (json.RawMessage, error) {
		return nil, cp.Handler.Compensate(ctx, call, output)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("compensate %s: %w", name, err)
	}
	return nil
}

func (c *Coordinator) stepCompensated(ctx context.Context, s *domain.Saga, idx int, anomaly string) error {
	payload := map[string]any{
		"step":    s.Steps[idx].Name,
		"step_id": s.Steps[idx].ID,
	}
	if anomaly != "" {
		payload["anomaly"] = anomaly
	}
	if err := c.record(ctx, s, domain.EventStepCompensated, payload); err != nil {
		return err
	}
	s.Steps[idx].Status = domain.StepCompensated
	if anomaly != "" {
		s.Steps[idx].Anomaly = anomaly
		s.Anomalies = append(s.Anomalies, fmt.Sprintf("step %s: %s", s.Steps[idx].Name, anomaly))
	}
	return c.save(ctx, s)
}

func (c *Coordinator) stepTimeout(cp *capability.Capability) time.Duration {
	if cp != nil {
		if d := cp.Timeout(); d > 0 {
			return d
		}
	}
	return c.timeout
}

func (c *Coordinator) stepCall(s *domain.Saga, cp *capability.Capability, name string) capability.StepCall {
	call := capability.StepCall{
		TenantID:   s.TenantID,
		SessionID:  s.SessionID,
		SagaID:     s.ID,
		IntentType: cp.IntentType,
		Step:       name,
		Input:      s.Input,
		Context:    s.Context,
	}
	for _, st := range s.Steps {
		if st.Name == name || len(st.Output) == 0 {
			continue
		}
		if call.Previous == nil {
			call.Previous = map[string]json.RawMessage{}
		}
		call.Previous[st.Name] = st.Output
	}
	return call
}

// guarded runs fn on its own goroutine and stops waiting once ctx is done.
// A handler that ignores ctx is abandoned; its late result is dropped.
// Panics are returned as StepFailed errors.
func guarded(ctx context.Context, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	type result struct {
		out json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		if r := panics.Try(func() { res.out, res.err = fn(ctx) }); r != nil {
			res = result{err: domain.Wrap(domain.KindStepFailed, r.AsError(), "handler panicked")}
		}
		done <- res
	}()
	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
