// Package storage defines the contract shared by every persistence medium:
// the raw key-value Adapter, the typed Save/Load helpers built on the
// serializer, the structured error taxonomy and the namespaced key layout.
package storage

import (
	"context"
	"time"
)

// Adapter is a namespaced key-value medium. Implementations never panic
// across this contract; every failure is an *Error.
type Adapter interface {
	// Name identifies the backend in logs, metrics and errors.
	Name() string
	// Available performs a cheap write/delete probe.
	Available(ctx context.Context) bool
	// Put stores serialized data under key, replacing any previous value.
	Put(ctx context.Context, key, data string) error
	// Get returns the serialized data under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
	// Clear removes every key of the adapter's namespace and nothing else.
	Clear(ctx context.Context) error
	// Info reports usage of the medium.
	Info(ctx context.Context) (Info, error)
}

// Lister is implemented by adapters that can enumerate their keys natively.
// Keys may return ErrListingUnsupported.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Inventory is implemented by adapters that can describe their records for
// capacity recovery.
type Inventory interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Entry describes one stored record without its payload.
type Entry struct {
	Key       string
	Type      string
	ID        string
	Size      int64
	UpdatedAt time.Time
	// Protected entries (indexes, singleton pointers) are never evicted.
	Protected bool
}

// Info is a usage snapshot of one medium.
type Info struct {
	Available  bool    `json:"available"`
	Used       int64   `json:"used"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
}

// NewInfo derives Percentage from used and total; it is 0 when total is 0.
func NewInfo(available bool, used, total int64) Info {
	info := Info{Available: available, Used: used, Total: total}
	if total > 0 {
		info.Percentage = float64(used) / float64(total) * 100
	}
	return info
}

// CombinedInfo reports both media of a hybrid store and their sum.
type CombinedInfo struct {
	Primary  Info `json:"primary"`
	Fallback Info `json:"fallback"`
	Combined Info `json:"combined"`
}

// Combine adds primary and fallback into one view.
func Combine(primary, fallback Info) CombinedInfo {
	return CombinedInfo{
		Primary:  primary,
		Fallback: fallback,
		Combined: NewInfo(
			primary.Available || fallback.Available,
			primary.Used+fallback.Used,
			primary.Total+fallback.Total,
		),
	}
}

// Save serializes v and writes it to a under key.
func Save(ctx context.Context, a Adapter, key string, v any) error {
	data, err := Serialize(v)
	if err != nil {
		if se, ok := err.(*Error); ok {
			se.Key = key
			se.Backend = a.Name()
		}
		return err
	}
	return a.Put(ctx, key, data)
}

// Load reads key from a and decodes it into dst.
func Load(ctx context.Context, a Adapter, key string, dst any) error {
	data, err := a.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := Unmarshal(data, dst); err != nil {
		if se, ok := err.(*Error); ok {
			se.Key = key
			se.Backend = a.Name()
		}
		return err
	}
	return nil
}

// Get reads key from a and decodes it into a new T.
func Get[T any](ctx context.Context, a Adapter, key string) (T, error) {
	var out T
	err := Load(ctx, a, key, &out)
	return out, err
}
