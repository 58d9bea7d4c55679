// Package litestore implements the embedded-relational Store Adapter on
// SQLite via mattn/go-sqlite3, using the same golang-migrate wiring style
// as the networked backend. Pub/sub is emulated by polling a change
// table rather than a native notification mechanism, since SQLite has
// none; callers see added latency but no behavioral difference.
package litestore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/feothyuth/claude-orchestrator/internal/store"
	"github.com/feothyuth/claude-orchestrator/internal/store/globutil"
)

//go:embed migrations
var migrationsFS embed.FS

// Adapter is the SQLite-backed embedded-relational Store Adapter.
type Adapter struct {
	db     *stdsql.DB
	cfg    Config
	path   string
	nextID atomic.Int64

	subsMu sync.Mutex
	subs   []*subscription

	opsCount  atomic.Int64
	startedAt time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New opens (creating if needed) the SQLite database at cfg.Path, applies
// migrations, and starts the change-table sweep goroutine.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.ChangeRetention <= 0 {
		cfg.ChangeRetention = time.Hour
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dsn)
	} else {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	}

	db, err := stdsql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite database: %v", store.ErrFatal, err)
	}
	// SQLite serializes writers regardless of pool size; a small pool keeps
	// readers concurrent while avoiding excessive SQLITE_BUSY contention.
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite database: %v", store.ErrTransientIO, err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", store.ErrFatal, err)
	}

	a := &Adapter{db: db, cfg: cfg, path: cfg.Path, startedAt: time.Now()}

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})
	go a.runSweep(sweepCtx)

	return a, nil
}

func runMigrations(db *stdsql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

func (a *Adapter) Close() error {
	if a.sweepCancel != nil {
		a.sweepCancel()
		<-a.sweepDone
	}
	a.subsMu.Lock()
	subs := append([]*subscription(nil), a.subs...)
	a.subsMu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return a.db.Close()
}

func (a *Adapter) countOp() { a.opsCount.Add(1) }

func nowMillis() int64 { return time.Now().UnixMilli() }

func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	a.countOp()
	var value []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM store_kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMillis(),
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
		expiresAt = nowMillis() + ttl.Milliseconds()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO store_kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return classifyErr("set", err)
}

func (a *Adapter) Del(ctx context.Context, key string) (bool, error) {
	a.countOp()
	res, err := a.db.ExecContext(ctx, `DELETE FROM store_kv WHERE key = ?`, key)
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

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store_kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`, key, nowMillis(),
	); err != nil {
		return false, classifyErr("set_if_absent", err)
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = nowMillis() + ttl.Milliseconds()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO store_kv (key, value, expires_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
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
	query := fmt.Sprintf(`SELECT key FROM store_kv WHERE key LIKE ? ESCAPE '%c' AND (expires_at IS NULL OR expires_at > ?)`, esc)
	rows, err := a.db.QueryContext(ctx, query, like, nowMillis())
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
			`INSERT INTO store_hash (key, field, value) VALUES (?, ?, ?)
			 ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`,
			key, field, value,
		); err != nil {
			return classifyErr("hash_put", err)
		}
	}
	return classifyErr("hash_put", tx.Commit())
}

func (a *Adapter) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	a.countOp()
	rows, err := a.db.QueryContext(ctx, `SELECT field, value FROM store_hash WHERE key = ?`, key)
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
			`DELETE FROM store_hash WHERE key = ? AND field = ?`,
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

	res, err := tx.ExecContext(ctx,
		`INSERT INTO store_stream (stream, fields, created_at) VALUES (?, ?, ?)`,
		stream, fieldsJSON, nowMillis(),
	)
	if err != nil {
		return "", classifyErr("stream_append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", classifyErr("stream_append", err)
	}

	if capHint > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM store_stream WHERE stream = ? AND id <= (
				SELECT id FROM store_stream WHERE stream = ? ORDER BY id DESC LIMIT 1 OFFSET ?
			 )`,
			stream, stream, capHint,
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
		`SELECT id, fields FROM store_stream WHERE stream = ? ORDER BY id DESC LIMIT ?`,
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
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO store_changes (channel, payload, created_at) VALUES (?, ?, ?)`,
		channel, payload, nowMillis(),
	)
	return classifyErr("publish", err)
}

// subscription polls store_changes for rows newer than sinceID matching its
// channel.
type subscription struct {
	adapter *Adapter
	channel string
	ch      chan store.Message
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Messages() <-chan store.Message { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.adapter.removeSub(s)
		close(s.ch)
	})
	return nil
}

func (a *Adapter) removeSub(s *subscription) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for i, sub := range a.subs {
		if sub == s {
			a.subs = append(a.subs[:i], a.subs[i+1:]...)
			return
		}
	}
}

func (a *Adapter) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	var sinceID int64
	row := a.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM store_changes`)
	if err := row.Scan(&sinceID); err != nil {
		return nil, classifyErr("subscribe", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		adapter: a,
		channel: channel,
		ch:      make(chan store.Message, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	a.subsMu.Lock()
	a.subs = append(a.subs, sub)
	a.subsMu.Unlock()

	go sub.poll(pollCtx, sinceID)

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return sub, nil
}

func (s *subscription) poll(ctx context.Context, sinceID int64) {
	defer close(s.done)
	ticker := time.NewTicker(s.adapter.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rows, err := s.adapter.db.QueryContext(ctx,
			`SELECT id, payload FROM store_changes WHERE channel = ? AND id > ? ORDER BY id ASC`,
			s.channel, sinceID,
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("change-table poll failed", "channel", s.channel, "error", err)
			continue
		}

		var maxID int64
		var batch []store.Message
		for rows.Next() {
			var id int64
			var payload []byte
			if err := rows.Scan(&id, &payload); err != nil {
				continue
			}
			if id > maxID {
				maxID = id
			}
			batch = append(batch, store.Message{Channel: s.channel, Payload: payload})
		}
		rows.Close()

		if maxID > sinceID {
			sinceID = maxID
		}

		for _, msg := range batch {
			select {
			case s.ch <- msg:
			default:
				slog.Warn("dropping poll message for slow subscriber", "channel", s.channel)
			}
		}
	}
}

func (a *Adapter) runSweep(ctx context.Context) {
	defer close(a.sweepDone)
	ticker := time.NewTicker(a.cfg.ChangeRetention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := nowMillis() - a.cfg.ChangeRetention.Milliseconds()
			if _, err := a.db.ExecContext(ctx, `DELETE FROM store_changes WHERE created_at < ?`, cutoff); err != nil {
				slog.Warn("store_changes sweep failed", "error", err)
			}
		}
	}
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
	if strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy") {
		return fmt.Errorf("%w: %s: %v", store.ErrTransientIO, op, err)
	}
	return fmt.Errorf("%w: %s: %v", store.ErrTransientIO, op, err)
}
