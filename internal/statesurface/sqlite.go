package statesurface

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"xrt/internal/clock"
)

// SQLiteBackend stores entries in the state_entries table, keyed by the
// composite primary key (tenant_id, key).
type SQLiteBackend struct {
	DB *sql.DB
}

func NewSQLiteBackend(db *sql.DB) SQLiteBackend {
	return SQLiteBackend{DB: db}
}

func (b SQLiteBackend) Put(ctx context.Context, tenantID, key string, value []byte, expiresAt, now time.Time) error {
	_, err := b.DB.ExecContext(ctx, `INSERT INTO state_entries(tenant_id,key,value,expires_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(tenant_id,key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		tenantID, key, value, nullableTime(expiresAt), clock.Format(now))
	if err != nil {
		return fmt.Errorf("put state entry: %w", err)
	}
	return nil
}

func (b SQLiteBackend) Get(ctx context.Context, tenantID, key string, now time.Time) ([]byte, error) {
	var value []byte
	err := b.DB.QueryRowContext(ctx, `SELECT value FROM state_entries WHERE tenant_id=? AND key=? AND (expires_at IS NULL OR expires_at > ?)`,
		tenantID, key, now.UnixNano()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state entry: %w", err)
	}
	return value, nil
}

func (b SQLiteBackend) Delete(ctx context.Context, tenantID, key string) error {
	if _, err := b.DB.ExecContext(ctx, `DELETE FROM state_entries WHERE tenant_id=? AND key=?`, tenantID, key); err != nil {
		return fmt.Errorf("delete state entry: %w", err)
	}
	return nil
}

func (b SQLiteBackend) List(ctx context.Context, tenantID, prefix string, now time.Time) ([]string, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT key FROM state_entries
WHERE tenant_id=? AND substr(key,1,?)=? AND (expires_at IS NULL OR expires_at > ?)
ORDER BY key`, tenantID, utf8.RuneCountInString(prefix), prefix, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list state entries: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b SQLiteBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := b.DB.ExecContext(ctx, `DELETE FROM state_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep state entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b SQLiteBackend) Tenants(ctx context.Context) ([]string, error) {
	rows, err := b.DB.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM state_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b SQLiteBackend) Ping(ctx context.Context) error {
	return b.DB.PingContext(ctx)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}
