package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"xrt/internal/clock"
	"xrt/internal/domain"
	"xrt/internal/retry"
	"xrt/internal/statesurface"
)

const (
	DefaultRetentionPerTenant = 10000
	DefaultMaxPayloadBytes    = 4 * 1024
	defaultPageSize           = 256
)

type Config struct {
	// RetentionPerTenant is how many of the newest events a tenant keeps.
	// Older events survive only while they reference a pinned saga.
	RetentionPerTenant int
	MaxPayloadBytes    int
	PageSize           int
	Retry              retry.Policy
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Log is the per-tenant append-only event log. It never interprets
// payloads.
type Log struct {
	store      Store
	retention  int64
	maxPayload int
	pageSize   int
	retry      retry.Policy
	clock      clock.Clock
	log        *slog.Logger
}

func New(store Store, cfg Config) *Log {
	l := &Log{
		store:      store,
		retention:  int64(cfg.RetentionPerTenant),
		maxPayload: cfg.MaxPayloadBytes,
		pageSize:   cfg.PageSize,
		retry:      cfg.Retry,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
	if l.retention <= 0 {
		l.retention = DefaultRetentionPerTenant
	}
	if l.maxPayload <= 0 {
		l.maxPayload = DefaultMaxPayloadBytes
	}
	if l.pageSize <= 0 {
		l.pageSize = defaultPageSize
	}
	if l.retry.MaxAttempts == 0 {
		l.retry = retry.Default()
	}
	if l.clock == nil {
		l.clock = clock.System{}
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

type appendOptions struct {
	sagaID string
}

type AppendOption func(*appendOptions)

// WithSaga tags the event as belonging to sagaID. Tagged events are
// protected from eviction while the saga is pinned.
func WithSaga(sagaID string) AppendOption {
	return func(o *appendOptions) { o.sagaID = sagaID }
}

// Append durably records one event and returns its id. Any failure,
// including failure to apply retention, means the event must be treated
// as not having happened.
func (l *Log) Append(ctx context.Context, tenantID string, typ domain.EventType, payload any, opts ...AppendOption) (int64, error) {
	if err := statesurface.ValidateTenant(tenantID); err != nil {
		return 0, err
	}
	if !typ.Valid() {
		return 0, domain.Errorf(domain.KindInvalidIntent, "unknown event type %q", typ)
	}
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}
	if len(data) > l.maxPayload {
		return 0, domain.Errorf(domain.KindValueTooLarge, "%s payload is %d bytes, limit is %d", typ, len(data), l.maxPayload).
			WithDetail("size", len(data)).WithDetail("limit", l.maxPayload)
	}
	ev := domain.Event{
		TenantID: tenantID,
		Type:     typ,
		TS:       clock.Format(l.clock.Now()),
		SagaID:   o.sagaID,
		Payload:  data,
	}
	id, err := retry.Do(ctx, l.retry, func(ctx context.Context) (int64, error) {
		return l.store.Append(ctx, ev)
	})
	if err != nil {
		return 0, l.unavailable(err, "append", tenantID)
	}
	if cutoff := id - l.retention; cutoff > 0 {
		evicted, err := retry.Do(ctx, l.retry, func(ctx context.Context) (int, error) {
			return l.store.Evict(ctx, tenantID, cutoff)
		})
		if err != nil {
			return 0, l.unavailable(err, "evict", tenantID)
		}
		if evicted > 0 {
			l.log.Debug("wal retention evicted events", "tenant_id", tenantID, "evicted", evicted, "up_to", cutoff)
		}
	}
	return id, nil
}

// Query selects events for Read. A zero Limit reads to the current end.
type Query struct {
	Since int64
	Types []domain.EventType
	Limit int
}

// Read lazily yields events of tenantID after q.Since in append order,
// fetching one page at a time. The sequence is finite; restart it by passing
// the last seen event id as Since.
func (l *Log) Read(ctx context.Context, tenantID string, q Query) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		if err := statesurface.ValidateTenant(tenantID); err != nil {
			yield(domain.Event{}, err)
			return
		}
		cursor := q.Since
		remaining := q.Limit
		for {
			page := l.pageSize
			if remaining > 0 && remaining < page {
				page = remaining
			}
			events, err := retry.Do(ctx, l.retry, func(ctx context.Context) ([]domain.Event, error) {
				return l.store.Read(ctx, tenantID, cursor, q.Types, page)
			})
			if err != nil {
				yield(domain.Event{}, l.unavailable(err, "read", tenantID))
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.ID
				if remaining > 0 {
					remaining--
					if remaining == 0 {
						return
					}
				}
			}
			if len(events) < page {
				return
			}
		}
	}
}

// ReadAll drains Read into a slice.
func (l *Log) ReadAll(ctx context.Context, tenantID string, q Query) ([]domain.Event, error) {
	var out []domain.Event
	for ev, err := range l.Read(ctx, tenantID, q) {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Pin protects events tagged with sagaID from retention until Release.
func (l *Log) Pin(ctx context.Context, tenantID, sagaID string) error {
	now := l.clock.Now()
	err := retry.Run(ctx, l.retry, func(ctx context.Context) error {
		return l.store.Pin(ctx, tenantID, sagaID, now)
	})
	return l.unavailable(err, "pin", tenantID)
}

func (l *Log) Release(ctx context.Context, tenantID, sagaID string) error {
	err := retry.Run(ctx, l.retry, func(ctx context.Context) error {
		return l.store.Unpin(ctx, tenantID, sagaID)
	})
	return l.unavailable(err, "release", tenantID)
}

// Head returns the id of the newest event ever appended for tenantID.
func (l *Log) Head(ctx context.Context, tenantID string) (int64, error) {
	id, err := retry.Do(ctx, l.retry, func(ctx context.Context) (int64, error) {
		return l.store.Head(ctx, tenantID)
	})
	return id, l.unavailable(err, "head", tenantID)
}

func (l *Log) Ping(ctx context.Context) error {
	return l.unavailable(l.store.Ping(ctx), "ping", "")
}

func (l *Log) unavailable(err error, op, tenantID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	l.log.Error("wal unavailable", "op", op, "tenant_id", tenantID, "err", err)
	return domain.Wrap(domain.KindPersistenceUnavailable, err, "wal "+op)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, domain.Errorf(domain.KindInvalidIntent, "event payload is not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}
