package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"xrt/internal/clock"
	"xrt/internal/domain"
	"xrt/internal/lockset"
	"xrt/internal/statesurface"
	"xrt/internal/wal"
)

const (
	ownerKind        = "session"
	defaultCacheSize = 4096
)

type Config struct {
	// TTL is a sliding retention window refreshed on every write, for the
	// session and its owner entry alike. Zero keeps sessions until deleted.
	TTL       time.Duration
	CacheSize int
	Clock     clock.Clock
	IDs       clock.IDGenerator
	Logger    *slog.Logger
}

// Manager creates sessions and enforces their tenant binding. All writes to
// one session are serialized.
type Manager struct {
	surface *statesurface.Surface
	wal     *wal.Log
	locks   *lockset.Set
	owners  *lru.Cache[string, string]
	ttl     time.Duration
	clock   clock.Clock
	ids     clock.IDGenerator
	log     *slog.Logger
}

func New(surface *statesurface.Surface, log *wal.Log, cfg Config) (*Manager, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	owners, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("session owner cache: %w", err)
	}
	m := &Manager{
		surface: surface,
		wal:     log,
		locks:   lockset.New(),
		owners:  owners,
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		log:     cfg.Logger,
	}
	if m.clock == nil {
		m.clock = clock.System{}
	}
	if m.ids == nil {
		m.ids = clock.UUIDGenerator{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m, nil
}

type CreateInput struct {
	TenantID string
	UserID   string
	Context  map[string]any
}

// Create records SESSION_CREATED and persists a new session bound to
// in.TenantID.
func (m *Manager) Create(ctx context.Context, in CreateInput) (domain.Session, error) {
	if err := statesurface.ValidateTenant(in.TenantID); err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:        m.ids.NewID("sess"),
		TenantID:  in.TenantID,
		UserID:    in.UserID,
		CreatedAt: clock.Format(m.clock.Now()),
		Context:   maps.Clone(in.Context),
	}
	payload := map[string]any{"session_id": s.ID}
	if s.UserID != "" {
		payload["user_id"] = s.UserID
	}
	if _, err := m.wal.Append(ctx, s.TenantID, domain.EventSessionCreated, payload); err != nil {
		return domain.Session{}, fmt.Errorf("log session created: %w", err)
	}
	if err := m.surface.RecordOwner(ctx, ownerKind, s.ID, s.TenantID, m.ttl); err != nil {
		return domain.Session{}, err
	}
	if err := m.surface.PutJSON(ctx, s.TenantID, statesurface.SessionKey(s.ID), s, m.ttl); err != nil {
		return domain.Session{}, err
	}
	m.owners.Add(s.ID, s.TenantID)
	m.log.Debug("session created", "tenant_id", s.TenantID, "session_id", s.ID)
	return s, nil
}

// Get loads a session of tenantID. A session owned by another tenant is
// reported as SessionMismatch, never returned.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (domain.Session, error) {
	if err := statesurface.ValidateTenant(tenantID); err != nil {
		return domain.Session{}, err
	}
	if sessionID == "" {
		return domain.Session{}, domain.Errorf(domain.KindInvalidIntent, "session_id is required")
	}
	var s domain.Session
	err := m.surface.GetJSON(ctx, tenantID, statesurface.SessionKey(sessionID), &s)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, statesurface.ErrNotFound) {
		return domain.Session{}, err
	}
	owner, err := m.owner(ctx, sessionID)
	if err != nil && !errors.Is(err, statesurface.ErrNotFound) {
		return domain.Session{}, err
	}
	if owner != "" && owner != tenantID {
		return domain.Session{}, domain.Errorf(domain.KindSessionMismatch, "session %s does not belong to tenant %s", sessionID, tenantID)
	}
	return domain.Session{}, domain.Errorf(domain.KindSessionNotFound, "session %s not found", sessionID)
}

func (m *Manager) owner(ctx context.Context, sessionID string) (string, error) {
	if tenant, ok := m.owners.Get(sessionID); ok {
		return tenant, nil
	}
	tenant, err := m.surface.Owner(ctx, ownerKind, sessionID)
	if err != nil {
		return "", err
	}
	m.owners.Add(sessionID, tenant)
	return tenant, nil
}

// AttachSaga adds sagaID to the session's active set.
func (m *Manager) AttachSaga(ctx context.Context, tenantID, sessionID, sagaID string) error {
	_, err := m.update(ctx, tenantID, sessionID, func(s *domain.Session) bool {
		if s.HasSaga(sagaID) {
			return false
		}
		s.ActiveSagaIDs = append(s.ActiveSagaIDs, sagaID)
		return true
	})
	return err
}

// DetachSaga removes sagaID from the session's active set. A session that
// has expired in the meantime is not an error.
func (m *Manager) DetachSaga(ctx context.Context, tenantID, sessionID, sagaID string) error {
	_, err := m.update(ctx, tenantID, sessionID, func(s *domain.Session) bool {
		if !s.HasSaga(sagaID) {
			return false
		}
		s.ActiveSagaIDs = slices.DeleteFunc(s.ActiveSagaIDs, func(id string) bool { return id == sagaID })
		return true
	})
	if domain.IsKind(err, domain.KindSessionNotFound) {
		return nil
	}
	return err
}

// MergeContext shallow-merges patch into the session context. A nil value
// removes the key.
func (m *Manager) MergeContext(ctx context.Context, tenantID, sessionID string, patch map[string]any) (domain.Session, error) {
	return m.update(ctx, tenantID, sessionID, func(s *domain.Session) bool {
		if len(patch) == 0 {
			return false
		}
		if s.Context == nil {
			s.Context = map[string]any{}
		}
		for k, v := range patch {
			if v == nil {
				delete(s.Context, k)
				continue
			}
			s.Context[k] = v
		}
		return true
	})
}

func (m *Manager) update(ctx context.Context, tenantID, sessionID string, mutate func(*domain.Session) bool) (domain.Session, error) {
	unlock := m.locks.Lock(tenantID + "/" + sessionID)
	defer unlock()
	s, err := m.Get(ctx, tenantID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !mutate(&s) {
		return s, nil
	}
	if m.ttl > 0 {
		if err := m.surface.RecordOwner(ctx, ownerKind, sessionID, tenantID, m.ttl); err != nil {
			return domain.Session{}, err
		}
	}
	if err := m.surface.PutJSON(ctx, tenantID, statesurface.SessionKey(sessionID), s, m.ttl); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}
