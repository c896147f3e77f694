// Package walfeed pushes WAL events to configured HTTP subscribers.
package walfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"xrt/internal/domain"
	"xrt/internal/retry"
	"xrt/internal/wal"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultBatch    = 100
)

// Hook is one subscriber. Empty Events or Tenants mean all.
type Hook struct {
	URL     string
	Secret  string
	Events  []string
	Tenants []string
	Timeout time.Duration
	Enabled *bool
}

func (h Hook) enabled() bool {
	return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
}

// Source is the read side of the WAL.
type Source interface {
	ReadAll(ctx context.Context, tenantID string, q wal.Query) ([]domain.Event, error)
	Head(ctx context.Context, tenantID string) (int64, error)
}

// TenantLister enumerates tenants for hooks that do not name any.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

type Config struct {
	Interval time.Duration
	Batch    int
	Retry    retry.Policy
	Client   *http.Client
	Logger   *slog.Logger
}

type cursorKey struct {
	hook   int
	tenant string
}

// Dispatcher delivers events at least once per hook and tenant. Cursors
// start at the tenant head, so a hook only sees events appended after
// the dispatcher first looked at that tenant.
type Dispatcher struct {
	source   Source
	tenants  TenantLister
	hooks    []Hook
	interval time.Duration
	batch    int
	retry    retry.Policy
	client   *http.Client
	log      *slog.Logger

	mu      sync.Mutex
	cursors map[cursorKey]int64
}

func New(source Source, tenants TenantLister, hooks []Hook, cfg Config) *Dispatcher {
	d := &Dispatcher{
		source:   source,
		tenants:  tenants,
		hooks:    hooks,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		retry:    cfg.Retry,
		client:   cfg.Client,
		log:      cfg.Logger,
		cursors:  make(map[cursorKey]int64),
	}
	if d.interval <= 0 {
		d.interval = DefaultInterval
	}
	if d.batch <= 0 {
		d.batch = DefaultBatch
	}
	if d.retry.MaxAttempts == 0 {
		d.retry = retry.Default()
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: DefaultTimeout}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Active reports whether any hook would receive events.
func (d *Dispatcher) Active() bool {
	for _, h := range d.hooks {
		if h.enabled() {
			return true
		}
	}
	return false
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.Active() {
		return nil
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce performs a single delivery pass over all hooks.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	var all []string
	listed := false
	for i, hook := range d.hooks {
		if !hook.enabled() {
			continue
		}
		tenants := hook.Tenants
		if len(tenants) == 0 {
			if !listed {
				var err error
				all, err = d.tenants.Tenants(ctx)
				if err != nil {
					d.log.Warn("walfeed: list tenants failed", "error", err)
					return
				}
				listed = true
			}
			tenants = all
		}
		for _, tenantID := range tenants {
			if ctx.Err() != nil {
				return
			}
			d.dispatch(ctx, i, hook, tenantID)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook Hook, tenantID string) {
	key := cursorKey{hook: idx, tenant: tenantID}
	cursor, err := d.cursorFor(ctx, key)
	if err != nil {
		d.log.Warn("walfeed: init cursor failed", "tenant_id", tenantID, "error", err)
		return
	}
	events, err := d.source.ReadAll(ctx, tenantID, wal.Query{Since: cursor, Limit: d.batch})
	if err != nil {
		d.log.Warn("walfeed: fetch events failed", "tenant_id", tenantID, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, ev := range events {
		if filter.match(ev.Type) {
			err := retry.Run(ctx, d.retry, func(ctx context.Context) error {
				return d.post(ctx, hook, ev)
			})
			if err != nil {
				d.log.Warn("walfeed: deliver failed", "url", hook.URL, "tenant_id", tenantID, "event_id", ev.ID, "error", err)
				return
			}
		}
		d.setCursor(key, ev.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, key cursorKey) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, nil
	}
	cur, err := d.source.Head(ctx, key.tenant)
	if err != nil {
		return 0, err
	}
	d.cursors[key] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(key cursorKey, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

func (d *Dispatcher) post(ctx context.Context, hook Hook, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Xrt-Event", string(ev.Type))
	req.Header.Set("X-Xrt-Delivery", fmt.Sprintf("%s:%d", ev.TenantID, ev.ID))
	req.Header.Set("X-Xrt-Tenant", ev.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Xrt-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[domain.EventType]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[domain.EventType]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[domain.EventType(key)] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(t domain.EventType) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
