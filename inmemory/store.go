// Package inmemory is an in-process document store Transport. Documents are versioned like a real
// store; failures can be injected per item & every call is recorded, so it doubles as the test store.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sharedcode/sopdoc"
)

// Failure makes bulk items touching ID fail with Status instead of being applied.
type Failure struct {
	Index string
	Type  string
	ID    string
	// Actions limits the failure to these actions, empty means any.
	Actions []sopdoc.Action
	Status  int
	Message string
	// Times limits how many items fail, 0 means forever.
	Times int
}

func (f *Failure) matches(op sopdoc.BulkOperation) bool {
	if f.ID != op.ID {
		return false
	}
	if f.Index != "" && f.Index != op.Index {
		return false
	}
	if f.Type != "" && f.Type != op.Type {
		return false
	}
	return len(f.Actions) == 0 || slices.Contains(f.Actions, op.Action)
}

// Call is a recorded transport call.
type Call struct {
	Method string
	Index  string
	Type   string
	IDs    []string
	Ops    []sopdoc.BulkOperation
}

type key struct {
	index, typeName, id string
}

// Store is the in-memory Transport. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	docs     map[key]sopdoc.Document
	failures []*Failure
	calls    []Call
	pingErr  error
	getErr   error
	bulkErr  error
	newID    func() string
}

// New returns an empty store. Store assigned ids are UUIDs.
func New() *Store {
	return &Store{
		docs:  make(map[key]sopdoc.Document),
		newID: sopdoc.NewUUID,
	}
}

// Put seeds documents, bypassing version checks. An empty version is stored as "1".
func (s *Store) Put(docs ...sopdoc.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		if d.Version == "" {
			d.Version = "1"
		}
		s.docs[key{d.Index, d.Type, d.ID}] = d
	}
}

// Doc returns the stored document, bypassing call recording & injected errors.
func (s *Store) Doc(index, typeName, id string) (sopdoc.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[key{index, typeName, id}]
	return d, ok
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Fail registers an item failure.
func (s *Store) Fail(f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Status == 0 {
		f.Status = sopdoc.StatusFailure
	}
	if f.Message == "" {
		f.Message = fmt.Sprintf("injected failure on %s", f.ID)
	}
	s.failures = append(s.failures, &f)
}

// ClearFailures removes the registered item failures & injected errors.
func (s *Store) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
	s.pingErr, s.getErr, s.bulkErr = nil, nil, nil
}

// SetPingError makes Ping fail with err, nil restores it.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// SetGetError makes Get, MultiGet & Search fail with err, nil restores them.
func (s *Store) SetGetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// SetBulkError makes Bulk requests fail as a whole with err, nil restores it.
func (s *Store) SetBulkError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkErr = err
}

// Calls returns the recorded calls, oldest first.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// BulkCalls returns the operations of each recorded Bulk call.
func (s *Store) BulkCalls() [][]sopdoc.BulkOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r [][]sopdoc.BulkOperation
	for _, c := range s.calls {
		if c.Method == "Bulk" {
			r = append(r, c.Ops)
		}
	}
	return r
}

// ResetCalls forgets the recorded calls.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Store) record(c Call) {
	s.calls = append(s.calls, c)
}

// Get implements sopdoc.Transport.
func (s *Store) Get(ctx context.Context, index, typeName, id string) (sopdoc.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Get", Index: index, Type: typeName, IDs: []string{id}})
	if s.getErr != nil {
		return sopdoc.Document{}, false, s.getErr
	}
	d, ok := s.docs[key{index, typeName, id}]
	return d, ok, nil
}

// MultiGet implements sopdoc.Transport.
func (s *Store) MultiGet(ctx context.Context, index, typeName string, ids []string) ([]sopdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "MultiGet", Index: index, Type: typeName, IDs: slices.Clone(ids)})
	if s.getErr != nil {
		return nil, s.getErr
	}
	r := make([]sopdoc.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.docs[key{index, typeName, id}]; ok {
			r = append(r, d)
		}
	}
	return r, nil
}

// Search implements sopdoc.Transport. Documents are ordered by id.
func (s *Store) Search(ctx context.Context, index, typeName string, from, size int) (sopdoc.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Search", Index: index, Type: typeName})
	if s.getErr != nil {
		return sopdoc.SearchResult{}, s.getErr
	}
	var matches []sopdoc.Document
	for k, d := range s.docs {
		if k.index == index && k.typeName == typeName {
			matches = append(matches, d)
		}
	}
	slices.SortFunc(matches, func(a, b sopdoc.Document) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	r := sopdoc.SearchResult{Total: int64(len(matches))}
	if from >= len(matches) {
		return r, nil
	}
	end := min(from+size, len(matches))
	r.Documents = matches[from:end]
	return r, nil
}

// Bulk implements sopdoc.Transport.
func (s *Store) Bulk(ctx context.Context, ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Bulk", Ops: slices.Clone(ops)})
	if s.bulkErr != nil {
		return sopdoc.BulkResponse{}, s.bulkErr
	}
	resp := sopdoc.BulkResponse{Items: make([]sopdoc.BulkItemResult, len(ops))}
	for i, op := range ops {
		if f := s.injected(op); f != nil {
			version := op.Version
			if d, ok := s.docs[key{op.Index, op.Type, op.ID}]; ok {
				version = d.Version
			}
			resp.Items[i] = sopdoc.NewItemResult(op, version, f.Status, fmt.Errorf("%s", f.Message))
			resp.HasErrors = true
			continue
		}
		k := key{op.Index, op.Type, op.ID}
		stored, found := s.docs[k]
		next, mutation, result := sopdoc.Apply(stored, found, op, s.newID)
		switch mutation {
		case sopdoc.MutationPut:
			s.docs[key{next.Index, next.Type, next.ID}] = next
		case sopdoc.MutationDelete:
			delete(s.docs, k)
		default:
			resp.HasErrors = true
		}
		resp.Items[i] = result
	}
	return resp, nil
}

func (s *Store) injected(op sopdoc.BulkOperation) *Failure {
	for i, f := range s.failures {
		if !f.matches(op) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				s.failures = slices.Delete(s.failures, i, i+1)
			}
		}
		return f
	}
	return nil
}

// Ping implements sopdoc.Transport.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Ping"})
	return s.pingErr
}
