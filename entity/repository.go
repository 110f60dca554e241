// Package entity provides domain repositories for sessions, boards and
// projects on top of a storage.Adapter, with an explicit index so entities
// stay enumerable on media that cannot list keys.
package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/keepsake/storage"
)

// ErrNoActive is returned by Active when no entity is designated active.
var ErrNoActive = errors.New("entity: no active entity")

type entity interface {
	entityID() string
	setEntityID(string)
	updated() time.Time
	stamp(now time.Time)
	normalize(Limits)
}

type ptr[T any] interface {
	*T
	entity
}

// kind describes how one entity type is keyed and validated.
type kind struct {
	name       string
	active     string
	title      string
	collection string
}

var (
	sessionKind = kind{name: "session", active: "activeSession", title: "name", collection: "messages"}
	boardKind   = kind{name: "board", active: "activeBoard", title: "title", collection: "columns"}
	projectKind = kind{name: "project", active: "activeProject", title: "name", collection: "elements"}
)

type options struct {
	ns     storage.Namespace
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Repository.
type Option func(*options)

// WithNamespace sets the key namespace. Default: storage.DefaultPrefix.
func WithNamespace(ns storage.Namespace) Option {
	return func(o *options) {
		o.ns = ns
	}
}

// WithClock overrides the time source used to stamp entities.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator overrides how ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Repository saves, loads and enumerates one entity type.
type Repository[T any, P ptr[T]] struct {
	store  storage.Adapter
	kind   kind
	limits Limits
	options

	// mu serializes index read-modify-write cycles.
	mu sync.Mutex
}

// Sessions, Boards and Projects are the concrete repositories.
type (
	Sessions = Repository[Session, *Session]
	Boards   = Repository[Board, *Board]
	Projects = Repository[Project, *Project]
)

// NewSessions returns a session repository.
func NewSessions(store storage.Adapter, limits Limits, opts ...Option) *Sessions {
	return newRepository[Session](store, sessionKind, limits, opts)
}

// NewBoards returns a board repository.
func NewBoards(store storage.Adapter, limits Limits, opts ...Option) *Boards {
	return newRepository[Board](store, boardKind, limits, opts)
}

// NewProjects returns a project repository.
func NewProjects(store storage.Adapter, limits Limits, opts ...Option) *Projects {
	return newRepository[Project](store, projectKind, limits, opts)
}

func newRepository[T any, P ptr[T]](store storage.Adapter, k kind, limits Limits, opts []Option) *Repository[T, P] {
	o := options{
		ns:     storage.NewNamespace(""),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "entity", "type", k.name)
	return &Repository[T, P]{store: store, kind: k, limits: limits, options: o}
}

// Type returns the entity type name used in keys.
func (r *Repository[T, P]) Type() string { return r.kind.name }

// Limits returns the configured limits.
func (r *Repository[T, P]) Limits() Limits { return r.limits }

func (r *Repository[T, P]) key(id string) string { return r.ns.Key(r.kind.name, id) }

func (r *Repository[T, P]) checkID(id string) error {
	if err := storage.ValidateID(id); err != nil {
		return &ValidationError{Type: r.kind.name, Field: "id", Reason: err.Error()}
	}
	return nil
}

// Save normalizes and truncates e, enforces the retention cap when e is new,
// writes it, and then records its id in the index. e is updated in place
// with its id and timestamps.
func (r *Repository[T, P]) Save(ctx context.Context, e P) error {
	if e.entityID() == "" {
		e.setEntityID(r.newID())
	}
	if err := r.checkID(e.entityID()); err != nil {
		return err
	}
	e.normalize(r.limits)
	e.stamp(r.now())
	id := e.entityID()

	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	isNew := !slices.Contains(ids, id)
	if isNew && r.limits.MaxEntities > 0 {
		ids, err = r.enforceCap(ctx, ids, r.limits.MaxEntities-1)
		if err != nil {
			return err
		}
	}

	if err := storage.Save(ctx, r.store, r.key(id), e); err != nil {
		return err
	}
	if !isNew {
		return nil
	}
	if err := r.writeIndex(ctx, append(ids, id)); err != nil {
		return fmt.Errorf("indexing %s %s: %w", r.kind.name, id, err)
	}
	return nil
}

// enforceCap deletes the oldest indexed entities so at most keep remain.
func (r *Repository[T, P]) enforceCap(ctx context.Context, ids []string, keep int) ([]string, error) {
	if len(ids) <= keep {
		return ids, nil
	}
	existing := r.loadAll(ctx, ids)
	if len(existing) <= keep {
		// the index held stale ids; keep only the live ones
		return r.idsOf(existing), nil
	}
	sortNewest(existing)
	for _, e := range existing[keep:] {
		if err := r.store.Delete(ctx, r.key(e.entityID())); err != nil {
			r.logger.Warn("pruning entity over retention cap", "id", e.entityID(), "error", err)
			continue
		}
		r.logger.Debug("pruned entity over retention cap", "id", e.entityID())
		r.clearActiveIf(ctx, e.entityID())
	}
	live := r.idsOf(existing[:keep])
	if err := r.writeIndex(ctx, live); err != nil {
		return nil, fmt.Errorf("writing pruned %s index: %w", r.kind.name, err)
	}
	return live, nil
}

// Load returns the entity stored under id.
func (r *Repository[T, P]) Load(ctx context.Context, id string) (P, error) {
	if err := r.checkID(id); err != nil {
		return nil, err
	}
	var v T
	if err := storage.Load(ctx, r.store, r.key(id), &v); err != nil {
		return nil, err
	}
	return P(&v), nil
}

// List returns every stored entity, newest first, capped at MaxEntities.
// Native key listing is used when the store supports it; otherwise the index
// is read. Ids whose records are missing or unreadable are skipped.
func (r *Repository[T, P]) List(ctx context.Context) ([]P, error) {
	ids, err := r.ids(ctx)
	if err != nil {
		return nil, err
	}
	all := r.loadAll(ctx, ids)
	sortNewest(all)
	if r.limits.MaxEntities > 0 && len(all) > r.limits.MaxEntities {
		all = all[:r.limits.MaxEntities]
	}
	return all, nil
}

func (r *Repository[T, P]) ids(ctx context.Context) ([]string, error) {
	if l, ok := r.store.(storage.Lister); ok {
		keys, err := l.Keys(ctx)
		if err == nil {
			var ids []string
			for _, k := range keys {
				if kk, typ, id := r.ns.Parse(k); kk == storage.KindInstance && typ == r.kind.name {
					ids = append(ids, id)
				}
			}
			return ids, nil
		}
		if !errors.Is(err, storage.ErrListingUnsupported) {
			r.logger.Debug("native listing failed, using index", "error", err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readIndex(ctx)
}

func (r *Repository[T, P]) loadAll(ctx context.Context, ids []string) []P {
	out := make([]P, 0, len(ids))
	for _, id := range ids {
		e, err := r.Load(ctx, id)
		if err != nil {
			r.logger.Debug("skipping unreadable entity", "id", id, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (r *Repository[T, P]) idsOf(es []P) []string {
	ids := make([]string, len(es))
	for i, e := range es {
		ids[i] = e.entityID()
	}
	return ids
}

func sortNewest[P entity](es []P) {
	sort.SliceStable(es, func(i, j int) bool {
		return es[i].updated().After(es[j].updated())
	})
}

// Remove deletes the entity, prunes it from the index and clears the active
// designation if it pointed at id.
func (r *Repository[T, P]) Remove(ctx context.Context, id string) error {
	if err := r.checkID(id); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, r.key(id)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	if i := slices.Index(ids, id); i >= 0 {
		if err := r.writeIndex(ctx, slices.Delete(ids, i, i+1)); err != nil {
			return fmt.Errorf("pruning %s index: %w", r.kind.name, err)
		}
	}
	r.clearActiveIf(ctx, id)
	return nil
}

// IndexedIDs returns the ids recorded in the index, in insertion order.
func (r *Repository[T, P]) IndexedIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readIndex(ctx)
}

func (r *Repository[T, P]) readIndex(ctx context.Context) ([]string, error) {
	var ids []string
	err := storage.Load(ctx, r.store, r.ns.Index(r.kind.name), &ids)
	switch {
	case err == nil:
		return ids, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, nil
	case errors.Is(err, storage.ErrDeserialization):
		r.logger.Warn("discarding corrupt index", "error", err)
		return nil, nil
	default:
		return nil, err
	}
}

func (r *Repository[T, P]) writeIndex(ctx context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	return storage.Save(ctx, r.store, r.ns.Index(r.kind.name), ids)
}

// SetActive designates id as the active entity.
func (r *Repository[T, P]) SetActive(ctx context.Context, id string) error {
	if err := r.checkID(id); err != nil {
		return err
	}
	return storage.Save(ctx, r.store, r.ns.Singleton(r.kind.active), id)
}

// ActiveID returns the active entity's id, or ErrNoActive.
func (r *Repository[T, P]) ActiveID(ctx context.Context) (string, error) {
	var id string
	err := storage.Load(ctx, r.store, r.ns.Singleton(r.kind.active), &id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && id == "") {
		return "", ErrNoActive
	}
	return id, err
}

// Active loads the active entity.
func (r *Repository[T, P]) Active(ctx context.Context) (P, error) {
	id, err := r.ActiveID(ctx)
	if err != nil {
		return nil, err
	}
	e, err := r.Load(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActive
	}
	return e, err
}

func (r *Repository[T, P]) clearActiveIf(ctx context.Context, id string) {
	active, err := r.ActiveID(ctx)
	if err != nil || active != id {
		return
	}
	if err := r.store.Delete(ctx, r.ns.Singleton(r.kind.active)); err != nil {
		r.logger.Warn("clearing active designation", "id", id, "error", err)
	}
}
