// Package autosave debounces repeated mutations of one entity into a single
// deferred write.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDelay is the debounce window used when none is configured.
const DefaultDelay = 30 * time.Second

var (
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("autosave: scheduler closed")
	// ErrUnknownType is returned by Schedule for an unregistered entity type.
	ErrUnknownType = errors.New("autosave: no saver registered")
)

// SaveFunc performs the deferred write for one payload.
type SaveFunc func(ctx context.Context, payload any) error

// Observer is notified after every deferred write.
type Observer func(entityType string, err error)

// Key identifies one pending task.
type Key struct {
	Type string
	ID   string
}

type task struct {
	timer   *time.Timer
	payload any
}

// Scheduler holds at most one pending write per Key. A newer Schedule for
// the same key replaces the payload and restarts the window.
type Scheduler struct {
	mu      sync.Mutex
	delay   time.Duration
	timeout time.Duration
	savers  map[string]SaveFunc
	pending map[Key]*task
	closed  bool

	inflight sync.WaitGroup
	observe  Observer
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout bounds each deferred write. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithObserver registers a callback run after every write.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New returns a Scheduler with the given debounce delay.
func New(delay time.Duration, opts ...Option) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	s := &Scheduler{
		delay:   delay,
		timeout: 30 * time.Second,
		savers:  make(map[string]SaveFunc),
		pending: make(map[Key]*task),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "autosave")
	return s
}

// Register sets the write performed for entityType.
func (s *Scheduler) Register(entityType string, fn SaveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savers[entityType] = fn
}

// Bind registers a typed saver. Payloads of another type fail the write.
func Bind[T any](s *Scheduler, entityType string, fn func(context.Context, T) error) {
	s.Register(entityType, func(ctx context.Context, payload any) error {
		v, ok := payload.(T)
		if !ok {
			return fmt.Errorf("autosave: %s payload has type %T", entityType, payload)
		}
		return fn(ctx, v)
	})
}

// Schedule defers a write of payload for (entityType, id), replacing any
// pending one for the same key.
func (s *Scheduler) Schedule(entityType, id string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.savers[entityType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, entityType)
	}

	key := Key{Type: entityType, ID: id}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}
	t := &task{payload: payload}
	t.timer = time.AfterFunc(s.delay, func() {
		s.fire(key, t)
	})
	s.pending[key] = t
	return nil
}

// fire runs when a task's window elapses. A task replaced or cancelled in the
// meantime is no longer in pending and is dropped.
func (s *Scheduler) fire(key Key, t *task) {
	s.mu.Lock()
	if s.pending[key] != t {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	fn := s.savers[key.Type]
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.write(ctx, key, fn, t.payload)
}

func (s *Scheduler) write(ctx context.Context, key Key, fn SaveFunc, payload any) error {
	err := fn(ctx, payload)
	if err != nil {
		s.logger.Warn("deferred write failed", "type", key.Type, "id", key.ID, "error", err)
	} else {
		s.logger.Debug("deferred write done", "type", key.Type, "id", key.ID)
	}
	if s.observe != nil {
		s.observe(key.Type, err)
	}
	return err
}

// Cancel discards the pending task for (entityType, id). It reports whether
// one was pending.
func (s *Scheduler) Cancel(entityType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{Type: entityType, ID: id}
	t, ok := s.pending[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending returns the number of tasks waiting for their window to elapse.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush runs every pending write now and waits for them.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	tasks := s.pending
	s.pending = make(map[Key]*task)
	savers := make(map[Key]SaveFunc, len(tasks))
	for key, t := range tasks {
		t.timer.Stop()
		savers[key] = s.savers[key.Type]
	}
	s.mu.Unlock()

	var errs []error
	for key, t := range tasks {
		if err := s.write(ctx, key, savers[key], t.payload); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", key.Type, key.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close discards every pending task and waits for in-flight writes.
// Schedule fails with ErrClosed afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.pending {
		t.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.inflight.Wait()
}
