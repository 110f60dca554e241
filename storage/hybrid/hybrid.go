// Package hybrid composes a high-capacity primary adapter and a low-capacity
// fallback adapter into one logical store.
package hybrid

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/storage"
)

const (
	backendName = "hybrid"
	infoKey     = "info"

	// DefaultInfoTTL bounds how stale a cached StorageInfo may be.
	DefaultInfoTTL = 2 * time.Second
)

// Observer is notified of every backend operation the coordinator performs.
type Observer func(op, backend string, err error)

// Coordinator routes writes to the primary when it is available and falls
// back to the secondary otherwise. Removal and clear hit both backends.
type Coordinator struct {
	primary    storage.Adapter
	fallback   storage.Adapter
	manager    *capacity.Manager
	mirror     bool
	readRepair bool
	infoTTL    time.Duration
	info       *cache.Cache
	observe    Observer
	logger     *slog.Logger
}

var (
	_ storage.Adapter = (*Coordinator)(nil)
	_ storage.Lister  = (*Coordinator)(nil)
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMirroring also writes the fallback after a successful primary write.
// Used while migrating data between media; mirror failures are only logged.
func WithMirroring() Option {
	return func(c *Coordinator) {
		c.mirror = true
	}
}

// WithoutReadRepair stops copying fallback hits back into the primary.
func WithoutReadRepair() Option {
	return func(c *Coordinator) {
		c.readRepair = false
	}
}

// WithInfoTTL sets how long StorageInfo results are cached.
func WithInfoTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		c.infoTTL = d
	}
}

// WithManager sets the capacity manager used by Cleanup.
func WithManager(m *capacity.Manager) Option {
	return func(c *Coordinator) {
		c.manager = m
	}
}

// WithObserver registers a callback for every backend operation.
func WithObserver(fn Observer) Option {
	return func(c *Coordinator) {
		c.observe = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New returns a Coordinator over primary and fallback.
func New(primary, fallback storage.Adapter, opts ...Option) *Coordinator {
	c := &Coordinator{
		primary:    primary,
		fallback:   fallback,
		readRepair: true,
		infoTTL:    DefaultInfoTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.manager == nil {
		c.manager = capacity.NewManager()
	}
	c.info = cache.New(c.infoTTL, 2*c.infoTTL)
	c.logger = c.logger.With("component", "storage", "backend", backendName)
	return c
}

// Primary returns the primary adapter.
func (c *Coordinator) Primary() storage.Adapter { return c.primary }

// Fallback returns the fallback adapter.
func (c *Coordinator) Fallback() storage.Adapter { return c.fallback }

func (c *Coordinator) Name() string { return backendName }

// Available reports whether either backend accepts writes.
func (c *Coordinator) Available(ctx context.Context) bool {
	return c.primary.Available(ctx) || c.fallback.Available(ctx)
}

func (c *Coordinator) record(op string, a storage.Adapter, err error) error {
	if c.observe != nil {
		c.observe(op, a.Name(), err)
	}
	return err
}

// Put writes to the primary iff it is available; any primary failure falls
// through to the fallback, whose result is final.
func (c *Coordinator) Put(ctx context.Context, key, data string) error {
	defer c.info.Flush()

	if c.primary.Available(ctx) {
		err := c.record("put", c.primary, c.primary.Put(ctx, key, data))
		if err == nil {
			if c.mirror {
				if merr := c.record("put", c.fallback, c.fallback.Put(ctx, key, data)); merr != nil {
					c.logger.Warn("mirror write failed", "key", key, "error", merr)
				}
			}
			return nil
		}
		c.logger.Debug("primary write failed, using fallback", "key", key, "error", err)
	} else {
		c.logger.Debug("primary unavailable, using fallback", "key", key)
	}
	return c.record("put", c.fallback, c.fallback.Put(ctx, key, data))
}

// Get reads the primary first. A miss or any other primary failure falls
// through to the fallback; a fallback hit is copied back into the primary
// when read repair is on.
func (c *Coordinator) Get(ctx context.Context, key string) (string, error) {
	data, err := c.primary.Get(ctx, key)
	c.record("get", c.primary, err)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Debug("primary read failed, trying fallback", "key", key, "error", err)
	}

	data, ferr := c.fallback.Get(ctx, key)
	if c.record("get", c.fallback, ferr) != nil {
		return "", ferr
	}
	if c.readRepair && c.primary.Available(ctx) {
		if rerr := c.record("repair", c.primary, c.primary.Put(ctx, key, data)); rerr != nil {
			c.logger.Warn("read repair failed", "key", key, "error", rerr)
		} else {
			c.info.Flush()
		}
	}
	return data, nil
}

// Delete removes key from both backends regardless of availability. It
// succeeds when at least one backend succeeded.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	defer c.info.Flush()
	perr := c.record("delete", c.primary, c.primary.Delete(ctx, key))
	ferr := c.record("delete", c.fallback, c.fallback.Delete(ctx, key))
	return either(perr, ferr)
}

// Clear clears the namespace on both backends.
func (c *Coordinator) Clear(ctx context.Context) error {
	defer c.info.Flush()
	perr := c.record("clear", c.primary, c.primary.Clear(ctx))
	ferr := c.record("clear", c.fallback, c.fallback.Clear(ctx))
	return either(perr, ferr)
}

func either(primary, fallback error) error {
	if primary == nil || fallback == nil {
		return nil
	}
	return primary
}

// Save serializes v and writes it through Put.
func (c *Coordinator) Save(ctx context.Context, key string, v any) error {
	return storage.Save(ctx, c, key, v)
}

// Load reads key through Get and decodes it into dst.
func (c *Coordinator) Load(ctx context.Context, key string, dst any) error {
	return storage.Load(ctx, c, key, dst)
}

// Info returns the combined view of StorageInfo.
func (c *Coordinator) Info(ctx context.Context) (storage.Info, error) {
	info, err := c.StorageInfo(ctx)
	return info.Combined, err
}

// StorageInfo fetches both backends' usage concurrently. A backend whose
// info fails is reported unavailable; the call fails only when both do.
func (c *Coordinator) StorageInfo(ctx context.Context) (storage.CombinedInfo, error) {
	if cached, ok := c.info.Get(infoKey); ok {
		return cached.(storage.CombinedInfo), nil
	}

	var primary, fallback storage.Info
	var perr, ferr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		primary, perr = c.primary.Info(gctx)
		return nil
	})
	g.Go(func() error {
		fallback, ferr = c.fallback.Info(gctx)
		return nil
	})
	_ = g.Wait()

	if perr != nil && ferr != nil {
		return storage.CombinedInfo{}, errors.Join(perr, ferr)
	}
	if perr != nil {
		c.logger.Warn("primary info failed", "error", perr)
		primary = storage.Info{}
	}
	if ferr != nil {
		c.logger.Warn("fallback info failed", "error", ferr)
		fallback = storage.Info{}
	}
	info := storage.Combine(primary, fallback)
	c.info.SetDefault(infoKey, info)
	return info, nil
}

// Keys returns the union of both backends' keys. It fails with
// storage.ErrListingUnsupported unless both backends can list natively.
func (c *Coordinator) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, a := range []storage.Adapter{c.primary, c.fallback} {
		l, ok := a.(storage.Lister)
		if !ok {
			return nil, storage.ErrListingUnsupported
		}
		keys, err := l.Keys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Cleanup runs the capacity manager's cleanup on every backend that supports
// eviction. Backends with nothing to clean are reported with no removals.
func (c *Coordinator) Cleanup(ctx context.Context) ([]capacity.Report, error) {
	defer c.info.Flush()
	var reports []capacity.Report
	for _, a := range []storage.Adapter{c.primary, c.fallback} {
		target, ok := a.(capacity.Target)
		if !ok {
			continue
		}
		report, err := c.manager.Cleanup(ctx, target)
		if err != nil && !errors.Is(err, capacity.ErrNothingToClean) {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
