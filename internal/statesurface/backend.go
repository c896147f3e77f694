package statesurface

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is the typed absence result of Get. It is a normal outcome,
// never a failure, and is never retried.
var ErrNotFound = errors.New("not found")

// Backend persists tenant-scoped entries. Every method takes the tenant
// explicitly; implementations key storage by (tenant, key) so no lookup can
// cross tenants. A zero expiresAt means the entry never expires.
type Backend interface {
	Put(ctx context.Context, tenantID, key string, value []byte, expiresAt, now time.Time) error
	Get(ctx context.Context, tenantID, key string, now time.Time) ([]byte, error)
	Delete(ctx context.Context, tenantID, key string) error
	List(ctx context.Context, tenantID, prefix string, now time.Time) ([]string, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
	Tenants(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}
