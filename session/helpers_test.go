package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/encoding"
	"github.com/sharedcode/sopdoc/identity"
	"github.com/sharedcode/sopdoc/inmemory"
	"github.com/sharedcode/sopdoc/tracking"
)

var ctx = context.Background()

type user struct {
	Id    string  `json:"id"`
	Name  string  `json:"name"`
	Email *string `json:"email"`
}

type order struct {
	OrderId string `json:"order_id"`
	Total   int    `json:"total"`
	Version int    `json:"-" sopdoc:"version"`
}

type ticket struct {
	Id    string `json:"id"`
	Title string `json:"title"`
}

func mappings(t *testing.T) *identity.Map {
	t.Helper()
	u, err := identity.Of[user](identity.Config{})
	if err != nil {
		t.Fatal(err)
	}
	o, err := identity.Of[order](identity.Config{})
	if err != nil {
		t.Fatal(err)
	}
	tk, err := identity.Of[ticket](identity.Config{KeyType: identity.KeySequence, Index: "tickets"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := identity.NewMap(u, o, tk)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newProvider(t *testing.T, transport sopdoc.Transport, options sopdoc.Options) *TransactionProvider {
	t.Helper()
	if options.DefaultIndex == "" {
		options.DefaultIndex = "current"
	}
	p, err := NewTransactionProvider(transport, Config{Options: options, Mappings: mappings(t)})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func repo[T any](t *testing.T, p *TransactionProvider) *Repository[T] {
	t.Helper()
	r, err := For[T](p.Session())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func begin(t *testing.T, p *TransactionProvider, name string) {
	t.Helper()
	if err := p.Begin(ctx, name); err != nil {
		t.Fatal(err)
	}
}

func newCache(store sopdoc.Transport, policy sopdoc.IdentityPolicy, compensation sopdoc.CompensationPolicy) *Cache {
	o := sopdoc.Options{DefaultIndex: "current", IdentityPolicy: policy, Compensation: compensation, CompensationBackoff: 1}
	o.ApplyDefaults()
	return NewCache(store, nil, o, nil)
}

func seedUser(store *inmemory.Store, index, id, name string) {
	store.Put(sopdoc.Document{Index: index, Type: "user", ID: id, Source: json.RawMessage(`{"id":"` + id + `","name":"` + name + `"}`)})
}

// trackStored attaches a FromStorage user mirroring its seeded document.
func trackStored(t *testing.T, c *Cache, store *inmemory.Store, index, id, name string) *user {
	t.Helper()
	seedUser(store, index, id, name)
	u := &user{Id: id, Name: name}
	m, err := tracking.New(id, index, "user", u, encoding.NewEvaluator(nil), tracking.FromStorage, "1")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := c.Attach(m); err != nil || !ok {
		t.Fatalf("Attach(%s) got %v, %v", m, ok, err)
	}
	return u
}

// trackNew stores a created user & attaches it as NewInstance.
func trackNew(t *testing.T, c *Cache, store *inmemory.Store, index, id string) *user {
	t.Helper()
	seedUser(store, index, id, "new")
	u := &user{Id: id, Name: "new"}
	m, err := tracking.New(id, index, "user", u, encoding.NewEvaluator(nil), tracking.NewInstance, "1")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := c.Attach(m); err != nil || !ok {
		t.Fatalf("Attach(%s) got %v, %v", m, ok, err)
	}
	return u
}

// scripted wraps a transport, letting tests replace the response of the n-th Bulk call (1 based).
type scripted struct {
	sopdoc.Transport
	mu    sync.Mutex
	calls int
	bulk  map[int]func(ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error)
}

func (s *scripted) Bulk(ctx context.Context, ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error) {
	s.mu.Lock()
	s.calls++
	f := s.bulk[s.calls]
	s.mu.Unlock()
	if f != nil {
		return f(ops)
	}
	return s.Transport.Bulk(ctx, ops)
}

func conflictAll(ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error) {
	resp := sopdoc.BulkResponse{HasErrors: true}
	for _, op := range ops {
		resp.Items = append(resp.Items, sopdoc.NewItemResult(op, op.Version, sopdoc.StatusConflict, errConflict))
	}
	return resp, nil
}

var errConflict = sopdoc.Errorf(sopdoc.VersionConflict, "test", "version conflict")

func sourceOf(t *testing.T, store *inmemory.Store, index, typeName, id string) map[string]any {
	t.Helper()
	d, ok := store.Doc(index, typeName, id)
	if !ok {
		t.Fatalf("document %s/%s/%s not found", index, typeName, id)
	}
	var m map[string]any
	if err := json.Unmarshal(d.Source, &m); err != nil {
		t.Fatal(err)
	}
	return m
}
