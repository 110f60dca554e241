// Package capacity frees space on a full storage medium by running an ordered
// list of eviction strategies, and watches usage for threshold warnings.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/keepsake/storage"
)

var (
	// ErrExhausted is returned by Recover when no strategy let the retry succeed.
	ErrExhausted = errors.New("capacity: all eviction strategies exhausted")
	// ErrNothingToClean is returned by Cleanup when no strategy selected anything.
	ErrNothingToClean = errors.New("capacity: nothing to clean up")
)

// Target is a medium the manager can inspect and evict from.
type Target interface {
	Name() string
	storage.Inventory
	Delete(ctx context.Context, key string) error
}

// Report describes the outcome of a recovery or cleanup run.
type Report struct {
	Backend  string   `json:"backend"`
	Strategy string   `json:"strategy,omitempty"`
	Tried    []string `json:"tried"`
	Removed  []string `json:"removed"`
	Freed    int64    `json:"freed"`
}

// Observer is notified after every strategy run. Used for metrics.
type Observer func(backend, strategy string, removed int, freed int64)

// Manager runs eviction strategies against a Target.
type Manager struct {
	strategies []Strategy
	logger     *slog.Logger
	now        func() time.Time
	observe    Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithStrategies replaces the default eviction order.
func WithStrategies(strategies ...Strategy) Option {
	return func(m *Manager) {
		m.strategies = strategies
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source used to age entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithObserver registers a callback invoked after each strategy run.
func WithObserver(fn Observer) Option {
	return func(m *Manager) {
		m.observe = fn
	}
}

// Defaults used by NewManager when no strategies are given.
const (
	DefaultLargest = 10
	DefaultRetain  = 50
)

// NewManager returns a Manager using DefaultStrategies unless overridden.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		strategies: DefaultStrategies(DefaultLargest, DefaultRetain),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "capacity")
	return m
}

// Strategies returns the names of the configured strategies in order.
func (m *Manager) Strategies() []string {
	names := make([]string, len(m.strategies))
	for i, s := range m.strategies {
		names[i] = s.Name()
	}
	return names
}

// Recover runs each strategy in order. After a strategy removes anything,
// retry is called; the first successful retry ends recovery. The run is
// bounded by the strategy list.
func (m *Manager) Recover(ctx context.Context, target Target, retry func(context.Context) error) (Report, error) {
	report := Report{Backend: target.Name()}
	lastErr := error(storage.ErrQuotaExceeded)
	for _, s := range m.strategies {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Tried = append(report.Tried, s.Name())
		removed, freed := m.run(ctx, target, s)
		report.Removed = append(report.Removed, removed...)
		report.Freed += freed
		if len(removed) == 0 {
			continue
		}
		if err := retry(ctx); err != nil {
			lastErr = err
			m.logger.Debug("retry after eviction failed", "backend", target.Name(), "strategy", s.Name(), "error", err)
			continue
		}
		report.Strategy = s.Name()
		m.logger.Info("capacity recovered", "backend", target.Name(), "strategy", s.Name(),
			"removed", len(report.Removed), "freed", report.Freed)
		return report, nil
	}
	return report, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// Cleanup runs strategies until one removes something. It backs the
// user-triggered cleanup action.
func (m *Manager) Cleanup(ctx context.Context, target Target) (Report, error) {
	report := Report{Backend: target.Name()}
	for _, s := range m.strategies {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Tried = append(report.Tried, s.Name())
		removed, freed := m.run(ctx, target, s)
		if len(removed) == 0 {
			continue
		}
		report.Strategy = s.Name()
		report.Removed = removed
		report.Freed = freed
		return report, nil
	}
	return report, ErrNothingToClean
}

// run applies one strategy. A strategy that fails or panics partway keeps
// whatever it already removed; one that fails before removing frees nothing.
func (m *Manager) run(ctx context.Context, target Target, s Strategy) (removed []string, freed int64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("eviction strategy panicked", "backend", target.Name(), "strategy", s.Name(), "panic", r)
		}
		if m.observe != nil {
			m.observe(target.Name(), s.Name(), len(removed), freed)
		}
	}()

	entries, err := target.Entries(ctx)
	if err != nil {
		m.logger.Warn("listing entries for eviction", "backend", target.Name(), "strategy", s.Name(), "error", err)
		return nil, 0
	}
	for _, e := range s.Select(entries, m.now()) {
		if err := target.Delete(ctx, e.Key); err != nil {
			m.logger.Warn("evicting entry", "backend", target.Name(), "key", e.Key, "error", err)
			continue
		}
		removed = append(removed, e.Key)
		freed += e.Size
	}
	if len(removed) > 0 {
		m.logger.Debug("strategy evicted entries", "backend", target.Name(), "strategy", s.Name(),
			"count", len(removed), "freed", freed)
	}
	return removed, freed
}
