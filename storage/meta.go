package storage

import (
	"time"

	"github.com/tidwall/gjson"
)

// UpdatedAt reads the top-level "updatedAt" of a serialized payload without
// decoding it. Both the tagged date form and plain RFC 3339 strings are
// accepted; ok is false when the payload carries no usable timestamp.
func UpdatedAt(raw string) (time.Time, bool) {
	v := gjson.Get(raw, "updatedAt")
	if !v.Exists() {
		return time.Time{}, false
	}
	if v.IsObject() {
		if v.Get(markerField).String() != dateMarker {
			return time.Time{}, false
		}
		v = v.Get(isoField)
	}
	if v.Type != gjson.String {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Describe builds the inventory Entry for a raw record.
func (n Namespace) Describe(key, raw string) Entry {
	kind, entityType, id := n.Parse(key)
	e := Entry{
		Key:       key,
		Type:      entityType,
		ID:        id,
		Size:      int64(len(raw)),
		Protected: kind == KindIndex || kind == KindSingleton,
	}
	if t, ok := UpdatedAt(raw); ok {
		e.UpdatedAt = t
	}
	return e
}
