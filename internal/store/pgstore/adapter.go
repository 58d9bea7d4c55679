// Package pgstore implements the networked Store Adapter on PostgreSQL:
// a pgx-stdlib connection pool and golang-migrate schema migrations,
// plus a reconnect-safe LISTEN/NOTIFY receive loop generalized to an
// arbitrary number of channels.
package pgstore

import (
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"context"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/feothyuth/claude-orchestrator/internal/store"
	"github.com/feothyuth/claude-orchestrator/internal/store/globutil"
)

//go:embed migrations
var migrationsFS embed.FS

// Adapter is the PostgreSQL-backed networked Store Adapter.
type Adapter struct {
	db  *stdsql.DB
	hub *notifyHub

	opsCount atomic.Int64
	startedAt time.Time
}

// New opens a connection pool, applies migrations, and starts the
// dedicated LISTEN connection.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrFatal, err)
	}

	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", store.ErrFatal, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", store.ErrTransientIO, err)
	}

	if err := runMigrations(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", store.ErrFatal, err)
	}

	hub := newNotifyHub(cfg.DSN())
	if err := hub.start(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Adapter{db: db, hub: hub, startedAt: time.Now()}, nil
}

func runMigrations(db *stdsql.DB, cfg Config) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Do not call m.Close(): that also closes the *sql.DB we were handed,
	// which must stay open for the adapter's lifetime.
	return sourceDriver.Close()
}

func (a *Adapter) Close() error {
	a.hub.stop(context.Background())
	return a.db.Close()
}

func (a *Adapter) countOp() { a.opsCount.Add(1) }

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	a.countOp()
	var value []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM store_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key,
	).Scan(&value)
	if err == stdsql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyErr("get", err)
	}
	return value, true, nil
}

func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	a.countOp()
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO store_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return classifyErr("set", err)
	}
	return nil
}

func (a *Adapter) Del(ctx context.Context, key string) (bool, error) {
	a.countOp()
	res, err := a.db.ExecContext(ctx, `DELETE FROM store_kv WHERE key = $1`, key)
	if err != nil {
		return false, classifyErr("del", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyErr("del", err)
	}
	return n > 0, nil
}

func (a *Adapter) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	a.countOp()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classifyErr("set_if_absent", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lazily evict an expired marker so it is treated as absent.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store_kv WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= now()`, key,
	); err != nil {
		return false, classifyErr("set_if_absent", err)
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO store_kv (key, value, expires_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		key, value, expiresAt,
	)
	if err != nil {
		return false, classifyErr("set_if_absent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyErr("set_if_absent", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

func (a *Adapter) Keys(ctx context.Context, glob string) ([]string, error) {
	a.countOp()
	like, esc := globutil.ToLikePattern(glob)
	rows, err := a.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key FROM store_kv WHERE key LIKE $1 ESCAPE '%c' AND (expires_at IS NULL OR expires_at > now())`, esc),
		like,
	)
	if err != nil {
		return nil, classifyErr("keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classifyErr("keys", err)
		}
		keys = append(keys, k)
	}
	return keys, classifyErr("keys", rows.Err())
}

func (a *Adapter) HashPut(ctx context.Context, key string, fields map[string]string) error {
	a.countOp()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr("hash_put", err)
	}
	defer func() { _ = tx.Rollback() }()

	for field, value := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_hash (key, field, value) VALUES ($1, $2, $3)
			 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
			key, field, value,
		); err != nil {
			return classifyErr("hash_put", err)
		}
	}
	return classifyErr("hash_put", tx.Commit())
}

func (a *Adapter) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	a.countOp()
	rows, err := a.db.QueryContext(ctx, `SELECT field, value FROM store_hash WHERE key = $1`, key)
	if err != nil {
		return nil, classifyErr("hash_get_all", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, classifyErr("hash_get_all", err)
		}
		out[field] = value
	}
	return out, classifyErr("hash_get_all", rows.Err())
}

func (a *Adapter) HashDel(ctx context.Context, key string, fields []string) error {
	a.countOp()
	if len(fields) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr("hash_del", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, field := range fields {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM store_hash WHERE key = $1 AND field = $2`,
			key, field,
		); err != nil {
			return classifyErr("hash_del", err)
		}
	}
	return classifyErr("hash_del", tx.Commit())
}

func (a *Adapter) StreamAppend(ctx context.Context, stream string, fields map[string]string, capHint int64) (string, error) {
	a.countOp()
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: marshal stream fields: %v", store.ErrFatal, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", classifyErr("stream_append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO store_stream (stream, fields) VALUES ($1, $2) RETURNING id`,
		stream, fieldsJSON,
	).Scan(&id); err != nil {
		return "", classifyErr("stream_append", err)
	}

	if capHint > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM store_stream WHERE stream = $1 AND id <= (
				SELECT id FROM store_stream WHERE stream = $1 ORDER BY id DESC OFFSET $2 LIMIT 1
			 )`,
			stream, capHint,
		); err != nil {
			return "", classifyErr("stream_append", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", classifyErr("stream_append", err)
	}
	return fmt.Sprintf("%d", id), nil
}

func (a *Adapter) StreamRangeReverse(ctx context.Context, stream string, limit int64) ([]store.StreamEntry, error) {
	a.countOp()
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, fields FROM store_stream WHERE stream = $1 ORDER BY id DESC LIMIT $2`,
		stream, limit,
	)
	if err != nil {
		return nil, classifyErr("stream_range_reverse", err)
	}
	defer rows.Close()

	var entries []store.StreamEntry
	for rows.Next() {
		var id int64
		var fieldsJSON []byte
		if err := rows.Scan(&id, &fieldsJSON); err != nil {
			return nil, classifyErr("stream_range_reverse", err)
		}
		var fields map[string]string
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, fmt.Errorf("%w: unmarshal stream fields: %v", store.ErrFatal, err)
		}
		entries = append(entries, store.StreamEntry{ID: fmt.Sprintf("%d", id), Fields: fields})
	}
	return entries, classifyErr("stream_range_reverse", rows.Err())
}

func (a *Adapter) Publish(ctx context.Context, channel string, payload []byte) error {
	a.countOp()
	_, err := a.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	return classifyErr("publish", err)
}

func (a *Adapter) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	return a.hub.subscribe(ctx, channel)
}

func (a *Adapter) Health(ctx context.Context) (store.Health, error) {
	if err := a.db.PingContext(ctx); err != nil {
		return store.Health{Connected: false, Error: err.Error()}, nil
	}
	stats := a.db.Stats()
	elapsed := time.Since(a.startedAt).Seconds()
	var ops float64
	if elapsed > 0 {
		ops = float64(a.opsCount.Load()) / elapsed
	}
	return store.Health{
		Connected:    true,
		OpsPerSecond: ops,
		OpenConns:    stats.OpenConnections,
		InUseConns:   stats.InUse,
		IdleConns:    stats.Idle,
	}, nil
}

func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", store.ErrTransientIO, op, err)
}
