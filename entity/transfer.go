package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jmcleod/keepsake/storage"
)

// ErrInvalidFormat is wrapped by every import validation failure.
var ErrInvalidFormat = errors.New("entity: invalid format")

// ValidationError reports why a serialized entity was rejected.
type ValidationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s: field %q %s", e.Type, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidFormat }

// Export returns the serialized form of the entity stored under id.
func (r *Repository[T, P]) Export(ctx context.Context, id string) (string, error) {
	e, err := r.Load(ctx, id)
	if err != nil {
		return "", err
	}
	return storage.Serialize(e)
}

// Import validates a serialized entity, gives it a fresh id and saves it.
// Nothing is written unless validation and decoding both succeed.
func (r *Repository[T, P]) Import(ctx context.Context, data string) (P, error) {
	if err := r.validate(data); err != nil {
		return nil, err
	}
	fresh, err := sjson.Set(data, "id", r.newID())
	if err != nil {
		return nil, &ValidationError{Type: r.kind.name, Reason: err.Error()}
	}
	var v T
	if err := storage.Unmarshal(fresh, &v); err != nil {
		return nil, &ValidationError{Type: r.kind.name, Reason: err.Error()}
	}
	e := P(&v)
	if err := r.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// validate checks the required shape: an id, a title-like string and the
// type's collection array.
func (r *Repository[T, P]) validate(data string) error {
	fail := func(field, reason string) error {
		return &ValidationError{Type: r.kind.name, Field: field, Reason: reason}
	}
	if !gjson.Valid(data) {
		return fail("", "malformed JSON")
	}
	root := gjson.Parse(data)
	if !root.IsObject() {
		return fail("", "expected an object")
	}
	if id := root.Get("id"); !id.Exists() || id.Type != gjson.String {
		return fail("id", "must be a string")
	}
	if title := root.Get(r.kind.title); title.Type != gjson.String {
		return fail(r.kind.title, "must be a string")
	}
	if coll := root.Get(r.kind.collection); !coll.IsArray() {
		return fail(r.kind.collection, "must be an array")
	}
	return nil
}
