// Package app wires the storage media, coordinator, repositories, scheduler
// and monitor into one process-wide handle with explicit teardown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jmcleod/keepsake/autosave"
	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/entity"
	"github.com/jmcleod/keepsake/internal/config"
	"github.com/jmcleod/keepsake/internal/metrics"
	"github.com/jmcleod/keepsake/storage"
	bboltstorage "github.com/jmcleod/keepsake/storage/bbolt"
	"github.com/jmcleod/keepsake/storage/hybrid"
	"github.com/jmcleod/keepsake/storage/memory"
	"github.com/jmcleod/keepsake/storage/sqlite"
)

// App is the process-wide handle. Construct it once at startup and pass it to
// collaborators; call Close on shutdown.
type App struct {
	Config    *config.Config
	Namespace storage.Namespace
	Store     *hybrid.Coordinator
	Capacity  *capacity.Manager
	Monitor   *capacity.Monitor
	Sessions  *entity.Sessions
	Boards    *entity.Boards
	Projects  *entity.Projects
	Autosave  *autosave.Scheduler
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Option configures New.
type Option func(*App)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.Logger = logger
	}
}

// WithMetrics sets the recorder. Default: a fresh metrics.New().
func WithMetrics(r *metrics.Recorder) Option {
	return func(a *App) {
		a.Metrics = r
	}
}

// New opens both media as configured and composes the subsystem.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config:    cfg,
		Namespace: storage.NewNamespace(cfg.Namespace),
		Logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.Metrics == nil {
		a.Metrics = metrics.New()
	}
	log := a.Logger

	a.Capacity = capacity.NewManager(
		capacity.WithStrategies(capacity.DefaultStrategies(cfg.Capacity.Largest, cfg.Capacity.Retain)...),
		capacity.WithObserver(a.Metrics.ObserveEviction),
		capacity.WithLogger(log),
	)

	primary, local, err := a.openMedia()
	if err != nil {
		a.Close()
		return nil, err
	}

	hopts := []hybrid.Option{
		hybrid.WithManager(a.Capacity),
		hybrid.WithInfoTTL(cfg.Hybrid.InfoTTL.Duration()),
		hybrid.WithObserver(a.Metrics.ObserveOp),
		hybrid.WithLogger(log),
	}
	if cfg.Hybrid.Mirroring {
		hopts = append(hopts, hybrid.WithMirroring())
	}
	if cfg.Hybrid.DisableReadRepair {
		hopts = append(hopts, hybrid.WithoutReadRepair())
	}
	a.Store = hybrid.New(primary, local, hopts...)

	eopts := []entity.Option{entity.WithNamespace(a.Namespace), entity.WithLogger(log)}
	a.Sessions = entity.NewSessions(a.Store, cfg.Limits, eopts...)
	a.Boards = entity.NewBoards(a.Store, cfg.Limits, eopts...)
	a.Projects = entity.NewProjects(a.Store, cfg.Limits, eopts...)

	a.Autosave = autosave.New(cfg.Autosave.Delay.Duration(),
		autosave.WithObserver(a.Metrics.ObserveAutosave),
		autosave.WithLogger(log),
	)
	autosave.Bind(a.Autosave, a.Sessions.Type(), a.Sessions.Save)
	autosave.Bind(a.Autosave, a.Boards.Type(), a.Boards.Save)
	autosave.Bind(a.Autosave, a.Projects.Type(), a.Projects.Save)
	a.closers = append(a.closers, func() error {
		a.Autosave.Close()
		return nil
	})

	sample := func(ctx context.Context) (storage.CombinedInfo, error) {
		info, err := a.Store.StorageInfo(ctx)
		if err == nil {
			a.Metrics.SetUsage(info)
		}
		return info, err
	}
	a.Monitor = capacity.NewMonitor(sample,
		capacity.WithThreshold(cfg.Capacity.WarnPercent),
		capacity.WithInterval(cfg.Capacity.MonitorInterval.Duration()),
		capacity.WithAlertFunc(a.Metrics.ObserveWarning),
		capacity.WithMonitorLogger(log),
	)
	a.closers = append(a.closers, func() error {
		a.Monitor.Close()
		return nil
	})
	return a, nil
}

func (a *App) openMedia() (primary, local storage.Adapter, err error) {
	cfg := a.Config
	if cfg.Ephemeral {
		primary = memory.New(memory.WithNamespace(a.Namespace), memory.WithName("primary"), memory.WithQuota(cfg.Primary.Quota))
		local = memory.New(memory.WithNamespace(a.Namespace), memory.WithName("local"), memory.WithQuota(cfg.Local.Quota))
		return primary, local, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := bboltstorage.NewStoreFromFile(cfg.PrimaryPath(), nil,
		bboltstorage.WithNamespace(a.Namespace),
		bboltstorage.WithQuota(cfg.Primary.Quota),
		bboltstorage.WithLogger(a.Logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open primary storage: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	sopts := []sqlite.Option{
		sqlite.WithNamespace(a.Namespace),
		sqlite.WithQuota(cfg.Local.Quota),
		sqlite.WithManager(a.Capacity),
		sqlite.WithFallbackEntries(cfg.Local.FallbackEntries),
		sqlite.WithFallbackFunc(a.Metrics.ObserveMemoryFallback),
		sqlite.WithLogger(a.Logger),
	}
	if cfg.Local.Disabled {
		sopts = append(sopts, sqlite.Disabled())
	}
	lite := sqlite.Open(cfg.LocalPath(), sopts...)
	a.closers = append(a.closers, func() error {
		lite.ResetFallback()
		return lite.Close()
	})
	return store, lite, nil
}

// Start launches background work: the usage monitor.
func (a *App) Start() {
	a.Monitor.Start()
}

// Shutdown writes every pending auto-save, then closes the app.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Autosave != nil {
		if err := a.Autosave.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing auto-saves: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close discards pending auto-saves, stops the monitor, empties the memory
// fallback map and closes both media. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// MigrateToOptimal is an extension point for moving records between media.
// It currently moves nothing.
func (a *App) MigrateToOptimal(ctx context.Context) error {
	a.Logger.Info("migration to optimal storage requested; no migration is implemented")
	return nil
}

// Compress is an extension point for shrinking stored payloads. It currently
// changes nothing.
func (a *App) Compress(ctx context.Context) error {
	a.Logger.Info("compression requested; no compression is implemented")
	return nil
}
