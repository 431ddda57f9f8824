// Package encoding contains the serialize/merge engine the session layer uses for
// snapshots, change detection and field-by-field merges, plus RFC 7386 merge patch helpers.
package encoding

import (
	"encoding/json"
	"fmt"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler uses the golang's json package.
var DefaultMarshaler Marshaler = jsonMarshaler{}

type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Evaluator serializes instances & merges one instance's state onto another.
// Implementations must be referentially transparent over object contents: serializing
// two instances with equal contents yields equal strings.
type Evaluator interface {
	// Serialize returns the canonical string form of v.
	Serialize(v any) (string, error)
	// Merge populates destination's fields from source, nulls included. destination must be a non-nil pointer.
	Merge(source, destination any) error
}

// NewEvaluator returns an Evaluator over a Marshaler. Passing nil uses DefaultMarshaler.
func NewEvaluator(m Marshaler) Evaluator {
	if m == nil {
		m = DefaultMarshaler
	}
	return &evaluator{marshaler: m}
}

type evaluator struct {
	marshaler Marshaler
}

func (e *evaluator) Serialize(v any) (string, error) {
	ba, err := e.marshaler.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize %T: %w", v, err)
	}
	return string(ba), nil
}

// Merge serializes source then populates a reset destination with it. Resetting first is what
// carries nulls (and omitted zero values) over onto the destination.
func (e *evaluator) Merge(source, destination any) error {
	ba, err := e.marshaler.Marshal(source)
	if err != nil {
		return fmt.Errorf("merge serialize %T: %w", source, err)
	}
	return e.populate(ba, destination)
}

func (e *evaluator) populate(ba []byte, destination any) error {
	if err := Reset(destination); err != nil {
		return err
	}
	if err := e.marshaler.Unmarshal(ba, destination); err != nil {
		return fmt.Errorf("merge populate %T: %w", destination, err)
	}
	return nil
}

// Reset sets the value pointed to by v to its type's zero value.
func Reset(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("reset target must be a non-nil pointer, got %T", v)
	}
	rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	return nil
}

// New returns a pointer to a new zero value of the type v points to.
func New(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, fmt.Errorf("expected a non-nil pointer, got %T", v)
	}
	return reflect.New(rv.Elem().Type()).Interface(), nil
}

// Clone returns an independently allocated copy of the instance v points to,
// built by merging v onto a new empty instance.
func Clone(e Evaluator, v any) (any, error) {
	c, err := New(v)
	if err != nil {
		return nil, err
	}
	if err := e.Merge(v, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Populate resets destination then decodes the serialized form s onto it.
func Populate(s string, destination any) error {
	if err := Reset(destination); err != nil {
		return err
	}
	if err := DefaultMarshaler.Unmarshal([]byte(s), destination); err != nil {
		return fmt.Errorf("populate %T: %w", destination, err)
	}
	return nil
}

// CreateMergePatch returns the RFC 7386 merge patch turning original into modified.
func CreateMergePatch(original, modified []byte) ([]byte, error) {
	p, err := jsonpatch.CreateMergePatch(original, modified)
	if err != nil {
		return nil, fmt.Errorf("create merge patch: %w", err)
	}
	return p, nil
}

// ApplyMergePatch applies an RFC 7386 merge patch onto doc.
func ApplyMergePatch(doc, patch []byte) ([]byte, error) {
	r, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("apply merge patch: %w", err)
	}
	return r, nil
}

// IsEmptyPatch reports whether a merge patch changes nothing.
func IsEmptyPatch(patch []byte) bool {
	s := string(patch)
	return s == "" || s == "{}" || s == "null"
}
