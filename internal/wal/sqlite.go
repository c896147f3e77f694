package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"xrt/internal/clock"
	"xrt/internal/domain"
)

// SQLiteStore keeps the log in wal_events with per-tenant sequence heads in
// wal_heads. Sequence allocation and the insert share one transaction, so
// ids are gap-free per tenant.
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(db *sql.DB) SQLiteStore {
	return SQLiteStore{DB: db}
}

func (s SQLiteStore) Append(ctx context.Context, ev domain.Event) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var seq int64
	err = tx.QueryRowContext(ctx, `INSERT INTO wal_heads(tenant_id,last_seq) VALUES (?,1)
ON CONFLICT(tenant_id) DO UPDATE SET last_seq=last_seq+1 RETURNING last_seq`, ev.TenantID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate wal seq: %w", err)
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wal_events(tenant_id,seq,type,ts,saga_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ev.TenantID, seq, string(ev.Type), ev.TS, nullable(ev.SagaID), payload); err != nil {
		return 0, fmt.Errorf("insert wal event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s SQLiteStore) Read(ctx context.Context, tenantID string, since int64, types []domain.EventType, limit int) ([]domain.Event, error) {
	query := `SELECT seq,type,ts,COALESCE(saga_id,''),payload_json FROM wal_events WHERE tenant_id=? AND seq>?`
	args := []any{tenantID, since}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read wal: %w", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		ev := domain.Event{TenantID: tenantID}
		var typ, payload string
		if err := rows.Scan(&ev.ID, &typ, &ev.TS, &ev.SagaID, &payload); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s SQLiteStore) Evict(ctx context.Context, tenantID string, upTo int64) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM wal_events WHERE tenant_id=? AND seq<=?
AND (saga_id IS NULL OR saga_id NOT IN (SELECT saga_id FROM wal_pins WHERE tenant_id=?))`, tenantID, upTo, tenantID)
	if err != nil {
		return 0, fmt.Errorf("evict wal: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s SQLiteStore) Pin(ctx context.Context, tenantID, sagaID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO wal_pins(tenant_id,saga_id,pinned_at) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		tenantID, sagaID, clock.Format(at))
	return err
}

func (s SQLiteStore) Unpin(ctx context.Context, tenantID, sagaID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM wal_pins WHERE tenant_id=? AND saga_id=?`, tenantID, sagaID)
	return err
}

func (s SQLiteStore) Head(ctx context.Context, tenantID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx, `SELECT last_seq FROM wal_heads WHERE tenant_id=?`, tenantID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s SQLiteStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
