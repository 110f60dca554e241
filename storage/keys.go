package storage

import (
	"fmt"
	"strings"
)

// DefaultPrefix is the namespace used when none is configured.
const DefaultPrefix = "keepsake"

const indexID = "index"

// KeyKind distinguishes the three key shapes of the persisted layout.
type KeyKind int

const (
	KindForeign KeyKind = iota
	KindInstance
	KindSingleton
	KindIndex
)

// Namespace scopes keys to this subsystem so foreign data sharing a medium is
// never read, counted or cleared.
//
// Layout: {prefix}_{type}_{id} for instances, {prefix}_{type} for singletons
// and {prefix}_{type}_index for enumeration indexes.
type Namespace struct {
	Prefix string
}

// NewNamespace returns a Namespace for prefix, or DefaultPrefix when empty.
func NewNamespace(prefix string) Namespace {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Namespace{Prefix: prefix}
}

// Key returns the instance key for entityType and id.
func (n Namespace) Key(entityType, id string) string {
	return n.Prefix + "_" + entityType + "_" + id
}

// Singleton returns the key of a one-per-namespace record such as an active pointer.
func (n Namespace) Singleton(entityType string) string {
	return n.Prefix + "_" + entityType
}

// Index returns the key holding the ordered id list for entityType.
func (n Namespace) Index(entityType string) string {
	return n.Key(entityType, indexID)
}

// TypePrefix returns the prefix shared by every instance key of entityType.
func (n Namespace) TypePrefix(entityType string) string {
	return n.Prefix + "_" + entityType + "_"
}

// Owns reports whether key belongs to this namespace.
func (n Namespace) Owns(key string) bool {
	return strings.HasPrefix(key, n.Prefix+"_")
}

// Parse splits key into its entity type and id.
func (n Namespace) Parse(key string) (kind KeyKind, entityType, id string) {
	if !n.Owns(key) {
		return KindForeign, "", ""
	}
	rest := key[len(n.Prefix)+1:]
	entityType, id, found := strings.Cut(rest, "_")
	switch {
	case !found:
		return KindSingleton, entityType, ""
	case id == indexID:
		return KindIndex, entityType, ""
	default:
		return KindInstance, entityType, id
	}
}

// ValidateType rejects entity types that would make keys ambiguous.
func ValidateType(entityType string) error {
	if entityType == "" {
		return fmt.Errorf("entity type must not be empty")
	}
	if strings.ContainsAny(entityType, "_ ") {
		return fmt.Errorf("entity type %q must not contain underscores or spaces", entityType)
	}
	return nil
}

// ValidateID rejects instance ids that are empty or would collide with the
// index key of their type.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("must not be empty")
	}
	if id == indexID {
		return fmt.Errorf("%q is reserved for the type index", id)
	}
	return nil
}

// Probe returns the scratch key adapters write and delete to test availability.
func (n Namespace) Probe() string {
	return n.Singleton("probe")
}
