// Package memory provides a thread-safe in-memory implementation of storage.Adapter.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/keepsake/storage"
)

const backendName = "memory"

// Adapter is a thread-safe in-memory storage.Adapter.
// Suitable for testing, demos, and ephemeral single-process use.
type Adapter struct {
	mu        sync.RWMutex
	data      map[string]string
	ns        storage.Namespace
	name      string
	quota     int64
	used      int64
	listing   bool
	available bool
}

var (
	_ storage.Adapter   = (*Adapter)(nil)
	_ storage.Lister    = (*Adapter)(nil)
	_ storage.Inventory = (*Adapter)(nil)
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithNamespace sets the key namespace. Default: storage.DefaultPrefix.
func WithNamespace(ns storage.Namespace) Option {
	return func(a *Adapter) {
		a.ns = ns
	}
}

// WithQuota caps the bytes of namespaced values. Zero means unbounded.
func WithQuota(bytes int64) Option {
	return func(a *Adapter) {
		a.quota = bytes
	}
}

// WithName overrides the backend name reported in errors and metrics.
func WithName(name string) Option {
	return func(a *Adapter) {
		a.name = name
	}
}

// WithoutListing makes Keys report storage.ErrListingUnsupported, mimicking
// media whose native API cannot enumerate keys.
func WithoutListing() Option {
	return func(a *Adapter) {
		a.listing = false
	}
}

// New creates a new empty in-memory Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		data:      make(map[string]string),
		ns:        storage.NewNamespace(""),
		name:      backendName,
		listing:   true,
		available: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetAvailable simulates the medium being disabled or restored by the host.
func (a *Adapter) SetAvailable(available bool) {
	a.mu.Lock()
	a.available = available
	a.mu.Unlock()
}

func (a *Adapter) Name() string { return a.name }

// Available writes and removes a probe key. The probe bypasses the quota so a
// full medium still reports itself available.
func (a *Adapter) Available(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return false
	}
	probe := a.ns.Probe()
	a.data[probe] = "1"
	delete(a.data, probe)
	return true
}

func (a *Adapter) unavailable(code storage.Code, op, key string) error {
	return storage.Fail(code, a.name, op, key, errors.New("medium unavailable"))
}

func (a *Adapter) Put(ctx context.Context, key, data string) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeSave, a.name, "put", key, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return a.unavailable(storage.CodeSave, "put", key)
	}

	old, exists := a.data[key]
	delta := int64(len(data))
	if exists {
		delta -= int64(len(old))
	}
	if a.quota > 0 && a.ns.Owns(key) && a.used+delta > a.quota {
		return storage.Fail(storage.CodeQuotaExceeded, a.name, "put", key, nil)
	}
	a.data[key] = data
	if a.ns.Owns(key) {
		a.used += delta
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Fail(storage.CodeLoad, a.name, "get", key, err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.available {
		return "", a.unavailable(storage.CodeLoad, "get", key)
	}
	data, ok := a.data[key]
	if !ok {
		return "", storage.Fail(storage.CodeNotFound, a.name, "get", key, nil)
	}
	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeRemove, a.name, "delete", key, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return a.unavailable(storage.CodeRemove, "delete", key)
	}
	a.deleteLocked(key)
	return nil
}

func (a *Adapter) deleteLocked(key string) {
	old, ok := a.data[key]
	if !ok {
		return
	}
	delete(a.data, key)
	if a.ns.Owns(key) {
		a.used -= int64(len(old))
	}
}

func (a *Adapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Fail(storage.CodeClear, a.name, "clear", "", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return a.unavailable(storage.CodeClear, "clear", "")
	}
	for k := range a.data {
		if a.ns.Owns(k) {
			a.deleteLocked(k)
		}
	}
	return nil
}

func (a *Adapter) Info(ctx context.Context) (storage.Info, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return storage.NewInfo(a.available, a.used, a.quota), nil
}

// Keys returns every namespaced key in lexical order.
func (a *Adapter) Keys(ctx context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.listing {
		return nil, storage.ErrListingUnsupported
	}
	if !a.available {
		return nil, a.unavailable(storage.CodeLoad, "keys", "")
	}
	keys := make([]string, 0, len(a.data))
	for k := range a.data {
		if a.ns.Owns(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *Adapter) Entries(ctx context.Context) ([]storage.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.available {
		return nil, a.unavailable(storage.CodeLoad, "entries", "")
	}
	entries := make([]storage.Entry, 0, len(a.data))
	for k, v := range a.data {
		if a.ns.Owns(k) {
			entries = append(entries, a.ns.Describe(k, v))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.Compare(entries[i].Key, entries[j].Key) < 0
	})
	return entries, nil
}

// Len returns the number of stored keys, namespaced or not.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.data)
}
