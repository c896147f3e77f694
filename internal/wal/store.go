package wal

import (
	"context"
	"time"

	"xrt/internal/domain"
)

// Store is the durable backend of the log. Append assigns the next
// per-tenant sequence number and must persist before returning.
type Store interface {
	Append(ctx context.Context, ev domain.Event) (int64, error)
	// Read returns up to limit events of tenantID with ID > since in
	// ascending order, optionally restricted to types.
	Read(ctx context.Context, tenantID string, since int64, types []domain.EventType, limit int) ([]domain.Event, error)
	// Evict removes events with ID <= upTo unless they reference a pinned
	// saga, returning how many were removed.
	Evict(ctx context.Context, tenantID string, upTo int64) (int, error)
	Pin(ctx context.Context, tenantID, sagaID string, at time.Time) error
	Unpin(ctx context.Context, tenantID, sagaID string) error
	Head(ctx context.Context, tenantID string) (int64, error)
	Ping(ctx context.Context) error
}
