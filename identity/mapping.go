// Package identity resolves document identity for Go types: which struct field carries the
// identifier (and optionally the version) and which index/type name a Go type maps to.
// Mappings are resolved once at setup into a Map that is then passed to the session.
package identity

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/sharedcode/sopdoc"
)

// TagName is the struct tag marking identifier & version fields, e.g. `sopdoc:"id"`.
const TagName = "sopdoc"

// Config overrides the conventions used to resolve a Mapping.
type Config struct {
	// TypeName is the document type name. Defaults to the lower cased Go type name.
	TypeName string
	// Index overrides the session's default index for this type.
	Index string
	// IDField names the identifier field. When empty the field tagged `sopdoc:"id"` is used,
	// falling back to "Id", "ID", "{Type}Id", "{Type}ID" then "{Type}_Id".
	IDField string
	// VersionField names the field receiving the store version. Optional, `sopdoc:"version"` tag also works.
	VersionField string
	// KeyType names a key generator in the Registry. When set, new instances get a client side id.
	KeyType string
}

// Mapping is the resolved identity configuration of one Go struct type.
type Mapping struct {
	Type         reflect.Type
	TypeName     string
	Index        string
	IDField      string
	VersionField string
	KeyType      string
	idIndex      []int
	versionIndex []int
}

// Of resolves the Mapping of struct type T.
func Of[T any](cfg Config) (*Mapping, error) {
	return Resolve(reflect.TypeOf((*T)(nil)).Elem(), cfg)
}

// Resolve resolves the Mapping of a struct type (or pointer to struct type).
func Resolve(t reflect.Type, cfg Config) (*Mapping, error) {
	const op = "identity.Resolve"
	if t == nil {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "type can't be nil")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "%v is not a struct type", t)
	}
	m := &Mapping{
		Type:     t,
		TypeName: cfg.TypeName,
		Index:    cfg.Index,
		KeyType:  cfg.KeyType,
	}
	if m.TypeName == "" {
		m.TypeName = strings.ToLower(t.Name())
	}

	idField, ok := findField(t, cfg.IDField, "id", conventionalIDNames(t.Name()))
	if !ok {
		return nil, sopdoc.Errorf(sopdoc.UnresolvableIdentifier, op, "no identifier field found on %v", t)
	}
	if !isIdentifierKind(idField.Type) {
		return nil, sopdoc.Errorf(sopdoc.UnresolvableIdentifier, op, "identifier field %s.%s has unsupported type %v", t.Name(), idField.Name, idField.Type)
	}
	m.IDField = idField.Name
	m.idIndex = idField.Index

	if vf, ok := findField(t, cfg.VersionField, "version", nil); ok {
		if !isIdentifierKind(vf.Type) {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "version field %s.%s has unsupported type %v", t.Name(), vf.Name, vf.Type)
		}
		m.VersionField = vf.Name
		m.versionIndex = vf.Index
	} else if cfg.VersionField != "" {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "version field %q not found on %v", cfg.VersionField, t)
	}
	return m, nil
}

func conventionalIDNames(typeName string) []string {
	names := []string{"Id", "ID"}
	if typeName == "" {
		return names
	}
	// Unexported type names still map onto exported fields, e.g. order -> OrderId.
	exported := strings.ToUpper(typeName[:1]) + typeName[1:]
	return append(names, exported+"Id", exported+"ID", exported+"_Id")
}

func findField(t reflect.Type, override string, tag string, conventions []string) (reflect.StructField, bool) {
	if override != "" {
		f, ok := t.FieldByName(override)
		return f, ok && f.IsExported()
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if v, ok := f.Tag.Lookup(TagName); ok && v == tag {
			return f, true
		}
	}
	for _, name := range conventions {
		if f, ok := t.FieldByName(name); ok && f.IsExported() {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
var stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()

func isIdentifierKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return t.Implements(stringerType) && reflect.PointerTo(t).Implements(textUnmarshalerType)
}

func (m *Mapping) value(instance any) (reflect.Value, error) {
	rv := reflect.ValueOf(instance)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, sopdoc.Errorf(sopdoc.ValidationFailure, "identity.Mapping", "expected a non-nil *%s, got %T", m.Type.Name(), instance)
	}
	if rv.Elem().Type() != m.Type {
		return reflect.Value{}, sopdoc.Errorf(sopdoc.ValidationFailure, "identity.Mapping", "type mismatch, mapping is for %v, got %T", m.Type, instance)
	}
	return rv.Elem(), nil
}

// ID returns the identifier of instance. Zero values yield an empty string.
func (m *Mapping) ID(instance any) (string, error) {
	rv, err := m.value(instance)
	if err != nil {
		return "", err
	}
	return format(rv.FieldByIndex(m.idIndex)), nil
}

// SetID assigns the identifier of instance.
func (m *Mapping) SetID(instance any, id string) error {
	rv, err := m.value(instance)
	if err != nil {
		return err
	}
	return assign(rv.FieldByIndex(m.idIndex), id)
}

// HasVersion reports whether the mapping carries a version field.
func (m *Mapping) HasVersion() bool {
	return m.versionIndex != nil
}

// Version returns the version stored on instance, if the mapping has a version field.
func (m *Mapping) Version(instance any) (string, error) {
	if !m.HasVersion() {
		return "", nil
	}
	rv, err := m.value(instance)
	if err != nil {
		return "", err
	}
	return format(rv.FieldByIndex(m.versionIndex)), nil
}

// SetVersion writes version onto instance. No-op if the mapping has no version field.
func (m *Mapping) SetVersion(instance any, version string) error {
	if !m.HasVersion() {
		return nil
	}
	rv, err := m.value(instance)
	if err != nil {
		return err
	}
	return assign(rv.FieldByIndex(m.versionIndex), version)
}

// IndexOr returns the mapping's index override or def.
func (m *Mapping) IndexOr(def string) string {
	if m.Index != "" {
		return m.Index
	}
	return def
}

func format(v reflect.Value) string {
	if v.IsZero() {
		return ""
	}
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(v.Interface())
}

func assign(v reflect.Value, s string) error {
	const op = "identity.assign"
	if s == "" {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return sopdoc.NewError(sopdoc.ValidationFailure, op, err)
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return sopdoc.NewError(sopdoc.ValidationFailure, op, err)
		}
		v.SetUint(n)
		return nil
	}
	if tu, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		if err := tu.UnmarshalText([]byte(s)); err != nil {
			return sopdoc.NewError(sopdoc.ValidationFailure, op, err)
		}
		return nil
	}
	return sopdoc.Errorf(sopdoc.ValidationFailure, op, "can't assign %q to %v", s, v.Type())
}

// Map holds the resolved mappings keyed by Go type. It is read only once built.
type Map struct {
	byType map[reflect.Type]*Mapping
}

// NewMap builds a Map. Two mappings for the same Go type or the same (index, type name) fail.
func NewMap(mappings ...*Mapping) (*Map, error) {
	const op = "identity.NewMap"
	m := &Map{byType: make(map[reflect.Type]*Mapping, len(mappings))}
	names := make(map[string]reflect.Type, len(mappings))
	for _, mp := range mappings {
		if mp == nil {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "nil mapping")
		}
		if _, ok := m.byType[mp.Type]; ok {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "duplicate mapping for %v", mp.Type)
		}
		key := mp.Index + "/" + mp.TypeName
		if other, ok := names[key]; ok {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "type name %q mapped by both %v and %v", mp.TypeName, other, mp.Type)
		}
		names[key] = mp.Type
		m.byType[mp.Type] = mp
	}
	return m, nil
}

// Lookup returns the mapping of a struct type (or pointer to it).
func (m *Map) Lookup(t reflect.Type) (*Mapping, error) {
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if mp, ok := m.byType[t]; ok {
		return mp, nil
	}
	return nil, sopdoc.Errorf(sopdoc.UnresolvableIdentifier, "identity.Map.Lookup", "no mapping registered for %v", t)
}

// For returns the mapping of an instance.
func (m *Map) For(instance any) (*Mapping, error) {
	return m.Lookup(reflect.TypeOf(instance))
}

// MappingFor returns the mapping of struct type T.
func MappingFor[T any](m *Map) (*Mapping, error) {
	return m.Lookup(reflect.TypeOf((*T)(nil)).Elem())
}
