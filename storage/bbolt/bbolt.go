// Package bbolt provides the large-capacity primary storage adapter backed by
// a BBolt database file.
package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/keepsake/storage"
)

const backendName = "bbolt"

var defaultBucket = []byte("keepsake")

// Estimator reports the platform's view of usable capacity for the store, in
// bytes. ok is false when no estimate is available.
type Estimator func(ctx context.Context) (total int64, ok bool)

// Store implements storage.Adapter backed by a BBolt database.
type Store struct {
	db        *bbolt.DB
	bucket    []byte
	ns        storage.Namespace
	quota     int64
	estimator Estimator
	logger    *slog.Logger
}

var (
	_ storage.Adapter   = (*Store)(nil)
	_ storage.Lister    = (*Store)(nil)
	_ storage.Inventory = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithNamespace sets the key namespace. Default: storage.DefaultPrefix.
func WithNamespace(ns storage.Namespace) Option {
	return func(s *Store) {
		s.ns = ns
	}
}

// WithBucket sets the bucket holding records. Other buckets in the same file
// are never touched.
func WithBucket(name string) Option {
	return func(s *Store) {
		s.bucket = []byte(name)
	}
}

// WithQuota enforces a fixed byte budget for namespaced values. It takes
// precedence over the estimator.
func WithQuota(bytes int64) Option {
	return func(s *Store) {
		s.quota = bytes
	}
}

// WithEstimator sets the capacity estimator used when no fixed quota is set.
func WithEstimator(e Estimator) Option {
	return func(s *Store) {
		s.estimator = e
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		bucket: defaultBucket,
		ns:     storage.NewNamespace(""),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.estimator == nil {
		s.estimator = DiskEstimator(filepath.Dir(db.Path()))
	}
	s.logger = s.logger.With("component", "storage", "backend", backendName)
	return s
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db, opts...), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string { return backendName }

func (s *Store) Available(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	probe := []byte(s.ns.Probe())
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		if err := b.Put(probe, []byte("1")); err != nil {
			return err
		}
		return b.Delete(probe)
	})
	if err != nil {
		s.logger.Debug("availability probe failed", "error", err)
		return false
	}
	return true
}

func (s *Store) Put(ctx context.Context, key, data string) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeSave, backendName, "put", key, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		if s.quota > 0 && s.ns.Owns(key) {
			used := usedBytes(b, s.ns)
			if old := b.Get([]byte(key)); old != nil {
				used -= int64(len(old))
			}
			if used+int64(len(data)) > s.quota {
				return storage.Fail(storage.CodeQuotaExceeded, backendName, "put", key,
					fmt.Errorf("%d of %d bytes used", used, s.quota))
			}
		}
		return b.Put([]byte(key), []byte(data))
	})
	if err == nil {
		return nil
	}
	var se *storage.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return storage.Fail(storage.CodeQuotaExceeded, backendName, "put", key, err)
	}
	return storage.Fail(storage.CodeSave, backendName, "put", key, err)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Fail(storage.CodeLoad, backendName, "get", key, err)
	}
	var data string
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", storage.Fail(storage.CodeLoad, backendName, "get", key, err)
	}
	if !found {
		return "", storage.Fail(storage.CodeNotFound, backendName, "get", key, nil)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeRemove, backendName, "delete", key, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return storage.Fail(storage.CodeRemove, backendName, "delete", key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeClear, backendName, "clear", "", err)
	}
	prefix := []byte(s.ns.Prefix + "_")
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.Fail(storage.CodeClear, backendName, "clear", "", err)
	}
	return nil
}

// Info reports the byte sum of namespaced values. Total is the fixed quota
// when set, otherwise the estimator's figure, otherwise 0 (unbounded).
func (s *Store) Info(ctx context.Context) (storage.Info, error) {
	var used int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(s.bucket); b != nil {
			used = usedBytes(b, s.ns)
		}
		return nil
	})
	if err != nil {
		return storage.NewInfo(false, 0, 0), storage.Fail(storage.CodeLoad, backendName, "info", "", err)
	}
	total := s.quota
	if total == 0 {
		if estimate, ok := s.estimator(ctx); ok {
			total = used + estimate
		}
	}
	return storage.NewInfo(s.Available(ctx), used, total), nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.scan(func(k, _ []byte) {
		keys = append(keys, string(k))
	})
	if err != nil {
		return nil, storage.Fail(storage.CodeLoad, backendName, "keys", "", err)
	}
	return keys, nil
}

func (s *Store) Entries(ctx context.Context) ([]storage.Entry, error) {
	var entries []storage.Entry
	err := s.scan(func(k, v []byte) {
		entries = append(entries, s.ns.Describe(string(k), string(v)))
	})
	if err != nil {
		return nil, storage.Fail(storage.CodeLoad, backendName, "entries", "", err)
	}
	return entries, nil
}

func (s *Store) scan(fn func(k, v []byte)) error {
	prefix := []byte(s.ns.Prefix + "_")
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			fn(k, v)
		}
		return nil
	})
}

func usedBytes(b *bbolt.Bucket, ns storage.Namespace) int64 {
	prefix := []byte(ns.Prefix + "_")
	var used int64
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		used += int64(len(v))
	}
	return used
}
