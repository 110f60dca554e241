// Package sqlite provides the small-capacity local storage adapter. It owns
// capacity recovery for its medium and keeps a bounded in-process map used
// when the database is absent or a write still fails after every eviction
// strategy ran. Data in that map does not survive a restart.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/storage"
)

const backendName = "sqlite"

const (
	// DefaultQuota mirrors the few-megabyte budget of small local media.
	DefaultQuota int64 = 5 << 20
	// DefaultFallbackEntries bounds the in-process memory map.
	DefaultFallbackEntries = 256
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// FallbackFunc is invoked each time a write lands in the memory map.
type FallbackFunc func(key string)

// Adapter implements storage.Adapter over a SQLite table.
type Adapter struct {
	db         *sql.DB
	ns         storage.Namespace
	quota      int64
	manager    *capacity.Manager
	memory     *lru.Cache[string, string]
	memorySize int
	onFallback FallbackFunc
	logger     *slog.Logger
	now        func() time.Time
	disabled   bool
}

var (
	_ storage.Adapter   = (*Adapter)(nil)
	_ storage.Lister    = (*Adapter)(nil)
	_ storage.Inventory = (*Adapter)(nil)
	_ capacity.Target   = (*Adapter)(nil)
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithNamespace sets the key namespace. Default: storage.DefaultPrefix.
func WithNamespace(ns storage.Namespace) Option {
	return func(a *Adapter) {
		a.ns = ns
	}
}

// WithQuota sets the byte budget for namespaced values. Zero disables it.
func WithQuota(bytes int64) Option {
	return func(a *Adapter) {
		a.quota = bytes
	}
}

// WithManager sets the capacity manager used on QUOTA_EXCEEDED.
func WithManager(m *capacity.Manager) Option {
	return func(a *Adapter) {
		a.manager = m
	}
}

// WithFallbackEntries bounds the in-process memory map.
func WithFallbackEntries(n int) Option {
	return func(a *Adapter) {
		a.memorySize = n
	}
}

// WithFallbackFunc registers a hook for writes that degrade to memory.
func WithFallbackFunc(fn FallbackFunc) Option {
	return func(a *Adapter) {
		a.onFallback = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithClock overrides the time source for updated_at.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// Disabled forces memory-only operation, as when the host turns the medium off.
func Disabled() Option {
	return func(a *Adapter) {
		a.disabled = true
	}
}

// New returns an Adapter over db. A nil db yields a memory-only adapter.
func New(db *sql.DB, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		db:         db,
		ns:         storage.NewNamespace(""),
		quota:      DefaultQuota,
		memorySize: DefaultFallbackEntries,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "storage", "backend", backendName)
	if a.manager == nil {
		a.manager = capacity.NewManager()
	}
	if a.memorySize <= 0 {
		a.memorySize = DefaultFallbackEntries
	}
	mem, err := lru.New[string, string](a.memorySize)
	if err != nil {
		return nil, fmt.Errorf("creating memory fallback: %w", err)
	}
	a.memory = mem
	if a.disabled {
		a.db = nil
	}
	if a.db != nil {
		if _, err := a.db.Exec(schema); err != nil {
			return nil, fmt.Errorf("creating records table: %w", err)
		}
	}
	return a, nil
}

// Open opens the database at path. When the file cannot be opened the
// returned adapter runs memory-only and the failure is logged.
func Open(path string, opts ...Option) *Adapter {
	a, err := open(path, opts...)
	if err != nil {
		slog.Default().Warn("local storage unavailable, using memory only", "path", path, "error", err)
		a, _ = New(nil, opts...)
	}
	return a
}

func open(path string, opts ...Option) (*Adapter, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	a, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close closes the database, if any.
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// MemoryOnly reports whether the adapter has no database.
func (a *Adapter) MemoryOnly() bool { return a.db == nil }

// FallbackLen returns the number of records held only in memory.
func (a *Adapter) FallbackLen() int { return a.memory.Len() }

// ResetFallback empties the memory map.
func (a *Adapter) ResetFallback() { a.memory.Purge() }

func (a *Adapter) Name() string { return backendName }

// Available reports whether the database accepts writes. The probe bypasses
// the quota so a full medium still reports itself available.
func (a *Adapter) Available(ctx context.Context) bool {
	if a.db == nil || ctx.Err() != nil {
		return false
	}
	probe := a.ns.Probe()
	if _, err := a.db.ExecContext(ctx, `INSERT OR REPLACE INTO records (key, value, updated_at) VALUES (?, '1', 0)`, probe); err != nil {
		a.logger.Debug("availability probe failed", "error", err)
		return false
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, probe); err != nil {
		a.logger.Debug("availability probe cleanup failed", "error", err)
		return false
	}
	return true
}

// Put writes to the database. On QUOTA_EXCEEDED it runs capacity recovery
// and retries; if recovery is exhausted the value is kept in memory and the
// write reports success.
func (a *Adapter) Put(ctx context.Context, key, data string) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeSave, backendName, "put", key, err)
	}
	if a.db == nil {
		a.remember(key, data, "medium unavailable")
		return nil
	}

	err := a.write(ctx, key, data)
	if err == nil {
		a.memory.Remove(key)
		return nil
	}
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		return err
	}

	a.logger.Info("local storage full, starting capacity recovery", "key", key)
	report, rerr := a.manager.Recover(ctx, persisted{a}, func(ctx context.Context) error {
		return a.write(ctx, key, data)
	})
	if rerr == nil {
		a.memory.Remove(key)
		return nil
	}
	if !errors.Is(rerr, capacity.ErrExhausted) {
		return storage.Fail(storage.CodeSave, backendName, "put", key, rerr)
	}
	a.logger.Warn("capacity recovery exhausted", "key", key, "tried", report.Tried, "removed", len(report.Removed))
	a.remember(key, data, "capacity exhausted")
	a.dropStale(ctx, key)
	return nil
}

// dropStale removes the database row a memory-only write superseded. Failure
// is logged; the memory copy still shadows the row on reads.
func (a *Adapter) dropStale(ctx context.Context, key string) {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		a.logger.Warn("stale row left behind memory fallback", "key", key, "error", err)
	}
}

func (a *Adapter) remember(key, data, reason string) {
	if evicted := a.memory.Add(key, data); evicted {
		a.logger.Warn("memory fallback full, oldest entry dropped")
	}
	a.logger.Warn("write kept in memory only", "key", key, "reason", reason)
	if a.onFallback != nil {
		a.onFallback(key)
	}
}

// write upserts one row, enforcing the quota for namespaced keys inside the
// same transaction.
func (a *Adapter) write(ctx context.Context, key, data string) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return a.writeError(key, err)
	}
	defer tx.Rollback()

	if a.quota > 0 && a.ns.Owns(key) {
		prefix := a.ns.Prefix + "_"
		var used int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(length(CAST(value AS BLOB))), 0) FROM records WHERE substr(key, 1, ?) = ? AND key <> ?`,
			utf8.RuneCountInString(prefix), prefix, key).Scan(&used)
		if err != nil {
			return a.writeError(key, err)
		}
		if used+int64(len(data)) > a.quota {
			return storage.Fail(storage.CodeQuotaExceeded, backendName, "put", key,
				fmt.Errorf("%d of %d bytes used", used, a.quota))
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, data, a.now().UnixMilli())
	if err != nil {
		return a.writeError(key, err)
	}
	if err := tx.Commit(); err != nil {
		return a.writeError(key, err)
	}
	return nil
}

func (a *Adapter) writeError(key string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrFull {
		return storage.Fail(storage.CodeQuotaExceeded, backendName, "put", key, err)
	}
	return storage.Fail(storage.CodeSave, backendName, "put", key, err)
}

// Get checks the memory map, then the database. A memory entry is always
// newer than any row under the same key.
func (a *Adapter) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Fail(storage.CodeLoad, backendName, "get", key, err)
	}
	if data, ok := a.memory.Get(key); ok {
		return data, nil
	}
	if a.db == nil {
		return "", storage.Fail(storage.CodeNotFound, backendName, "get", key, nil)
	}
	var data string
	err := a.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&data)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, sql.ErrNoRows):
		return "", storage.Fail(storage.CodeNotFound, backendName, "get", key, nil)
	default:
		return "", storage.Fail(storage.CodeLoad, backendName, "get", key, err)
	}
}

// Delete removes key from the database and the memory map.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeRemove, backendName, "delete", key, err)
	}
	a.memory.Remove(key)
	if a.db == nil {
		return nil
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return storage.Fail(storage.CodeRemove, backendName, "delete", key, err)
	}
	return nil
}

// Clear removes every namespaced key from the database and the memory map.
func (a *Adapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeClear, backendName, "clear", "", err)
	}
	for _, k := range a.memory.Keys() {
		if a.ns.Owns(k) {
			a.memory.Remove(k)
		}
	}
	if a.db == nil {
		return nil
	}
	prefix := a.ns.Prefix + "_"
	_, err := a.db.ExecContext(ctx, `DELETE FROM records WHERE substr(key, 1, ?) = ?`,
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return storage.Fail(storage.CodeClear, backendName, "clear", "", err)
	}
	return nil
}

// Info sums the byte length of every namespaced value, database and memory.
func (a *Adapter) Info(ctx context.Context) (storage.Info, error) {
	entries, err := a.Entries(ctx)
	if err != nil {
		return storage.NewInfo(false, 0, a.quota), err
	}
	var used int64
	for _, e := range entries {
		used += e.Size
	}
	return storage.NewInfo(a.Available(ctx), used, a.quota), nil
}

// Keys returns every namespaced key in lexical order.
func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	entries, err := a.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

// Entries describes every namespaced record, database and memory, in key
// order. A memory entry replaces a row under the same key.
func (a *Adapter) Entries(ctx context.Context) ([]storage.Entry, error) {
	persisted, err := a.persistedEntries(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]storage.Entry, 0, len(persisted)+a.memory.Len())
	shadowed := make(map[string]bool)
	for _, k := range a.memory.Keys() {
		if !a.ns.Owns(k) {
			continue
		}
		if v, ok := a.memory.Peek(k); ok {
			entries = append(entries, a.ns.Describe(k, v))
			shadowed[k] = true
		}
	}
	for _, e := range persisted {
		if !shadowed[e.Key] {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (a *Adapter) persistedEntries(ctx context.Context) ([]storage.Entry, error) {
	if a.db == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, storage.Fail(storage.CodeLoad, backendName, "entries", "", err)
	}
	prefix := a.ns.Prefix + "_"
	rows, err := a.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE substr(key, 1, ?) = ? ORDER BY key`,
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, storage.Fail(storage.CodeLoad, backendName, "entries", "", err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storage.Fail(storage.CodeLoad, backendName, "entries", "", err)
		}
		entries = append(entries, a.ns.Describe(key, value))
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Fail(storage.CodeLoad, backendName, "entries", "", err)
	}
	return entries, nil
}

// persisted exposes only the database rows to capacity recovery, since
// evicting memory entries frees no space on the medium.
type persisted struct {
	a *Adapter
}

func (p persisted) Name() string { return backendName }

func (p persisted) Entries(ctx context.Context) ([]storage.Entry, error) {
	return p.a.persistedEntries(ctx)
}

func (p persisted) Delete(ctx context.Context, key string) error {
	if _, err := p.a.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return storage.Fail(storage.CodeRemove, backendName, "delete", key, err)
	}
	return nil
}
