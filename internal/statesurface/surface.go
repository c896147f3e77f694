package statesurface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"xrt/internal/clock"
	"xrt/internal/domain"
	"xrt/internal/retry"
)

// DefaultMaxValueBytes bounds a single stored value. Large data belongs in
// an external blob store; only its reference is kept here.
const DefaultMaxValueBytes = 16 * 1024

// directoryTenant is a reserved namespace that cannot collide with a real
// tenant id because tenant ids must start with an alphanumeric.
const directoryTenant = "_directory"

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTenant rejects empty or malformed tenant ids.
func ValidateTenant(tenantID string) error {
	if !tenantPattern.MatchString(tenantID) {
		return domain.Errorf(domain.KindInvalidIntent, "invalid tenant_id %q", tenantID)
	}
	return nil
}

type Config struct {
	MaxValueBytes int
	Retry         retry.Policy
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Surface is the tenant-scoped execution fact store. Tenant scoping, size
// limits, expiry and transient-failure retries are enforced here so no
// caller can bypass them.
type Surface struct {
	backend  Backend
	maxValue int
	retry    retry.Policy
	clock    clock.Clock
	log      *slog.Logger
}

func New(backend Backend, cfg Config) *Surface {
	s := &Surface{
		backend:  backend,
		maxValue: cfg.MaxValueBytes,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		log:      cfg.Logger,
	}
	if s.maxValue <= 0 {
		s.maxValue = DefaultMaxValueBytes
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = retry.Default()
	}
	s.retry.ShouldRetry = transient
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// MaxValueBytes reports the configured value ceiling.
func (s *Surface) MaxValueBytes() int { return s.maxValue }

// Put stores value under key for tenantID. A positive ttl makes the entry
// invisible once it elapses.
func (s *Surface) Put(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if err := s.check(tenantID, key); err != nil {
		return err
	}
	if len(value) > s.maxValue {
		return domain.Errorf(domain.KindValueTooLarge, "value for %q is %d bytes, limit is %d", key, len(value), s.maxValue).
			WithDetail("size", len(value)).WithDetail("limit", s.maxValue)
	}
	return s.put(ctx, tenantID, key, value, ttl)
}

func (s *Surface) put(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	now := s.clock.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	err := retry.Run(ctx, s.retry, func(ctx context.Context) error {
		return s.backend.Put(ctx, tenantID, key, value, expiresAt, now)
	})
	return s.unavailable(err, "put", tenantID, key)
}

// Get returns the live value for key or ErrNotFound.
func (s *Surface) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	if err := s.check(tenantID, key); err != nil {
		return nil, err
	}
	return s.get(ctx, tenantID, key)
}

func (s *Surface) get(ctx context.Context, tenantID, key string) ([]byte, error) {
	v, err := retry.Do(ctx, s.retry, func(ctx context.Context) ([]byte, error) {
		return s.backend.Get(ctx, tenantID, key, s.clock.Now())
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, s.unavailable(err, "get", tenantID, key)
}

func (s *Surface) Delete(ctx context.Context, tenantID, key string) error {
	if err := s.check(tenantID, key); err != nil {
		return err
	}
	err := retry.Run(ctx, s.retry, func(ctx context.Context) error {
		return s.backend.Delete(ctx, tenantID, key)
	})
	return s.unavailable(err, "delete", tenantID, key)
}

// List returns the live keys of tenantID starting with prefix, sorted.
func (s *Surface) List(ctx context.Context, tenantID, prefix string) ([]string, error) {
	if err := ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	keys, err := retry.Do(ctx, s.retry, func(ctx context.Context) ([]string, error) {
		return s.backend.List(ctx, tenantID, prefix, s.clock.Now())
	})
	return keys, s.unavailable(err, "list", tenantID, prefix)
}

// PutJSON marshals v and stores it.
func (s *Surface) PutJSON(ctx context.Context, tenantID, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, tenantID, key, data, ttl)
}

// GetJSON loads key into out. Absence is reported as ErrNotFound.
func (s *Surface) GetJSON(ctx context.Context, tenantID, key string, out any) error {
	data, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// RecordOwner remembers which tenant owns the object kind/id. It stores only
// the tenant id, so a lookup from another tenant can be told apart from a
// missing object without exposing the object itself.
func (s *Surface) RecordOwner(ctx context.Context, kind, id, tenantID string, ttl time.Duration) error {
	if err := s.check(tenantID, id); err != nil {
		return err
	}
	return s.put(ctx, directoryTenant, kind+":"+id, []byte(tenantID), ttl)
}

// Owner returns the tenant recorded for kind/id or ErrNotFound.
func (s *Surface) Owner(ctx context.Context, kind, id string) (string, error) {
	if id == "" {
		return "", ErrNotFound
	}
	v, err := s.get(ctx, directoryTenant, kind+":"+id)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Sweep physically removes expired entries and reports how many went.
func (s *Surface) Sweep(ctx context.Context) (int, error) {
	n, err := retry.Do(ctx, s.retry, func(ctx context.Context) (int, error) {
		return s.backend.Sweep(ctx, s.clock.Now())
	})
	if err != nil {
		return 0, s.unavailable(err, "sweep", "", "")
	}
	if n > 0 {
		s.log.Debug("state surface swept expired entries", "removed", n)
	}
	return n, nil
}

// Tenants lists every tenant with at least one stored entry.
func (s *Surface) Tenants(ctx context.Context) ([]string, error) {
	all, err := retry.Do(ctx, s.retry, s.backend.Tenants)
	if err != nil {
		return nil, s.unavailable(err, "tenants", "", "")
	}
	out := all[:0]
	for _, t := range all {
		if t != directoryTenant {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Surface) Ping(ctx context.Context) error {
	return s.unavailable(s.backend.Ping(ctx), "ping", "", "")
}

func (s *Surface) check(tenantID, key string) error {
	if err := ValidateTenant(tenantID); err != nil {
		return err
	}
	if key == "" {
		return domain.Errorf(domain.KindInvalidIntent, "key is required")
	}
	return nil
}

func (s *Surface) unavailable(err error, op, tenantID, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Warn("state surface unavailable", "op", op, "tenant_id", tenantID, "key", key, "err", err)
	return domain.Wrap(domain.KindPersistenceUnavailable, err, "state surface "+op)
}

func transient(err error) bool {
	return !errors.Is(err, ErrNotFound)
}
