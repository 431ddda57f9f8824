// Package tracking holds the tracked-instance record of a unit of work: identity, version,
// provenance and the prior-state snapshot used for change detection, plus the identity
// comparers deduplicating records in a session cache.
package tracking

import (
	"fmt"
	"reflect"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/encoding"
)

// Origin tells whether a tracked record was created by this session or loaded from the store.
type Origin int

const (
	// NewInstance records were created by this session and not yet committed.
	NewInstance Origin = iota
	// FromStorage records were loaded from (or are known to exist in) the store.
	FromStorage
)

func (o Origin) String() string {
	if o == NewInstance {
		return "NewInstance"
	}
	return "FromStorage"
}

// prior is the state of the instance at attach time.
type prior interface {
	serialized() (string, error)
	restoreOnto(instance any) error
	refresh(instance any) error
}

// workerSnapshot keeps an independently allocated copy, so mutating the instance never mutates it.
type workerSnapshot struct {
	evaluator encoding.Evaluator
	copy      any
}

func newWorkerSnapshot(e encoding.Evaluator, instance any) (*workerSnapshot, error) {
	c, err := encoding.Clone(e, instance)
	if err != nil {
		return nil, err
	}
	return &workerSnapshot{evaluator: e, copy: c}, nil
}

func (s *workerSnapshot) serialized() (string, error) {
	return s.evaluator.Serialize(s.copy)
}

func (s *workerSnapshot) restoreOnto(instance any) error {
	return s.evaluator.Merge(s.copy, instance)
}

func (s *workerSnapshot) refresh(instance any) error {
	return s.evaluator.Merge(instance, s.copy)
}

// plainSnapshot only keeps the serialized form. Cheaper, and coarser: restoring it decodes
// the string instead of merging an object graph.
type plainSnapshot struct {
	evaluator encoding.Evaluator
	state     string
}

func newPlainSnapshot(e encoding.Evaluator, instance any) (*plainSnapshot, error) {
	s, err := e.Serialize(instance)
	if err != nil {
		return nil, err
	}
	return &plainSnapshot{evaluator: e, state: s}, nil
}

func (s *plainSnapshot) serialized() (string, error) {
	return s.state, nil
}

func (s *plainSnapshot) restoreOnto(instance any) error {
	return encoding.Populate(s.state, instance)
}

func (s *plainSnapshot) refresh(instance any) error {
	st, err := s.evaluator.Serialize(instance)
	if err != nil {
		return err
	}
	s.state = st
	return nil
}

// TrackedMetadata is one tracked instance of a unit of work. The instance is shared with the
// caller and mutated in place; the snapshot is owned exclusively by the record.
type TrackedMetadata struct {
	id           string
	indexName    string
	typeName     string
	instance     any
	instanceType reflect.Type
	version      string
	origin       Origin
	readOnly     bool
	evaluator    encoding.Evaluator
	snapshot     prior
	mode         sopdoc.SnapshotMode
	// consumed is true after Restore until the next write.
	consumed bool
}

// New creates a record with a worker snapshot: an independent copy of instance taken right away.
func New(id, indexName, typeName string, instance any, evaluator encoding.Evaluator, origin Origin, version string) (*TrackedMetadata, error) {
	return NewWithMode(sopdoc.WorkerSnapshot, id, indexName, typeName, instance, evaluator, origin, version)
}

// NewPlain creates a record keeping only a serialized snapshot of instance.
func NewPlain(id, indexName, typeName string, instance any, evaluator encoding.Evaluator, origin Origin, version string) (*TrackedMetadata, error) {
	return NewWithMode(sopdoc.PlainSnapshot, id, indexName, typeName, instance, evaluator, origin, version)
}

// NewWithMode creates a record with the given snapshot mode.
func NewWithMode(mode sopdoc.SnapshotMode, id, indexName, typeName string, instance any, evaluator encoding.Evaluator, origin Origin, version string) (*TrackedMetadata, error) {
	const op = "tracking.New"
	switch {
	case id == "":
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "id can't be empty")
	case indexName == "":
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "index name can't be empty")
	case typeName == "":
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "type name can't be empty")
	case version == "":
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "version can't be empty")
	case evaluator == nil:
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "evaluator can't be nil")
	}
	rv := reflect.ValueOf(instance)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "instance must be a non-nil pointer, got %T", instance)
	}
	m := &TrackedMetadata{
		id:           id,
		indexName:    indexName,
		typeName:     typeName,
		instance:     instance,
		instanceType: rv.Type(),
		version:      version,
		origin:       origin,
		evaluator:    evaluator,
		mode:         mode,
	}
	var err error
	switch mode {
	case sopdoc.PlainSnapshot:
		m.snapshot, err = newPlainSnapshot(evaluator, instance)
	case sopdoc.WorkerSnapshot, "":
		m.mode = sopdoc.WorkerSnapshot
		m.snapshot, err = newWorkerSnapshot(evaluator, instance)
	default:
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "unknown snapshot mode %q", mode)
	}
	if err != nil {
		return nil, sopdoc.NewError(sopdoc.ValidationFailure, op, err)
	}
	return m, nil
}

func (m *TrackedMetadata) ID() string { return m.id }
func (m *TrackedMetadata) IndexName() string { return m.indexName }
func (m *TrackedMetadata) TypeName() string { return m.typeName }
func (m *TrackedMetadata) Instance() any { return m.instance }
func (m *TrackedMetadata) InstanceType() reflect.Type { return m.instanceType }
func (m *TrackedMetadata) Version() string { return m.version }
func (m *TrackedMetadata) Origin() Origin { return m.origin }
func (m *TrackedMetadata) SnapshotMode() sopdoc.SnapshotMode {
	return m.mode
}

// ReadOnly reports whether Update is refused.
func (m *TrackedMetadata) ReadOnly() bool { return m.readOnly }

// SetReadOnly flags or clears the record as read only.
func (m *TrackedMetadata) SetReadOnly(readOnly bool) { m.readOnly = readOnly }

func (m *TrackedMetadata) String() string {
	return fmt.Sprintf("%s/%s/%s(version=%s, origin=%s)", m.indexName, m.typeName, m.id, m.version, m.origin)
}

// Changed re-serializes the instance & the snapshot and compares them. Nothing is memoized.
func (m *TrackedMetadata) Changed() (bool, error) {
	cur, err := m.evaluator.Serialize(m.instance)
	if err != nil {
		return false, err
	}
	prev, err := m.snapshot.serialized()
	if err != nil {
		return false, err
	}
	return cur != prev, nil
}

// HasChanged reports whether the instance differs from its snapshot. A serialization failure
// counts as changed so the failure surfaces on flush instead of being skipped.
func (m *TrackedMetadata) HasChanged() bool {
	changed, err := m.Changed()
	return changed || err != nil
}

// Current returns the serialized current state of the instance.
func (m *TrackedMetadata) Current() (string, error) {
	return m.evaluator.Serialize(m.instance)
}

// Snapshot returns the serialized prior state.
func (m *TrackedMetadata) Snapshot() (string, error) {
	return m.snapshot.serialized()
}

// Changes returns the merge patch turning the prior state into the current state.
func (m *TrackedMetadata) Changes() ([]byte, error) {
	prev, err := m.snapshot.serialized()
	if err != nil {
		return nil, err
	}
	cur, err := m.evaluator.Serialize(m.instance)
	if err != nil {
		return nil, err
	}
	return encoding.CreateMergePatch([]byte(prev), []byte(cur))
}

// Update merges other's instance onto this record's instance field by field, nulls included,
// then adopts other's id, version & origin. Returns false without mutating if read only.
func (m *TrackedMetadata) Update(other *TrackedMetadata) (bool, error) {
	const op = "TrackedMetadata.Update"
	if other == nil {
		return false, sopdoc.Errorf(sopdoc.ValidationFailure, op, "other can't be nil")
	}
	if m.readOnly {
		return false, nil
	}
	if other.instanceType != m.instanceType {
		return false, sopdoc.Errorf(sopdoc.ValidationFailure, op, "type mismatch, tracked %v, got %v", m.instanceType, other.instanceType)
	}
	if err := m.evaluator.Merge(other.instance, m.instance); err != nil {
		return false, sopdoc.NewError(sopdoc.ValidationFailure, op, err)
	}
	m.id = other.id
	m.version = other.version
	m.origin = other.origin
	m.consumed = false
	return true, nil
}

// Restore resets the instance to its type's zero value then merges the prior snapshot onto it.
// version, if given & not empty, overwrites the record's version. The snapshot is consumed: a second
// Restore without an intervening write is a no-op.
func (m *TrackedMetadata) Restore(version ...string) error {
	if m.consumed {
		return nil
	}
	if err := m.snapshot.restoreOnto(m.instance); err != nil {
		return sopdoc.NewError(sopdoc.ValidationFailure, "TrackedMetadata.Restore", err)
	}
	if len(version) > 0 && version[0] != "" {
		m.version = version[0]
	}
	m.consumed = true
	return nil
}

// BecomePersistent flips NewInstance to FromStorage and adopts version.
func (m *TrackedMetadata) BecomePersistent(version string) error {
	if version == "" {
		return sopdoc.Errorf(sopdoc.ValidationFailure, "TrackedMetadata.BecomePersistent", "version can't be empty")
	}
	if m.origin == NewInstance {
		m.origin = FromStorage
	}
	m.version = version
	return nil
}

// Accept marks the current state as the stored baseline at version: the snapshot is retaken from
// the instance. Origin is left alone, promotion is BecomePersistent's job.
func (m *TrackedMetadata) Accept(version string) error {
	if version == "" {
		return sopdoc.Errorf(sopdoc.ValidationFailure, "TrackedMetadata.Accept", "version can't be empty")
	}
	m.version = version
	if err := m.snapshot.refresh(m.instance); err != nil {
		return sopdoc.NewError(sopdoc.ValidationFailure, "TrackedMetadata.Accept", err)
	}
	m.consumed = false
	return nil
}

// SetVersion overwrites the record's version without touching origin or snapshot.
func (m *TrackedMetadata) SetVersion(version string) error {
	if version == "" {
		return sopdoc.Errorf(sopdoc.ValidationFailure, "TrackedMetadata.SetVersion", "version can't be empty")
	}
	m.version = version
	return nil
}
