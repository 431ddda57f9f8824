package identity

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/sharedcode/sopdoc"
)

type user struct {
	Id      string
	Name    string
	Version int64 `sopdoc:"version"`
}

type order struct {
	OrderID int
	Total   float64
}

type invoice struct {
	Invoice_Id string
}

type invoiceAlt struct {
	Key string `sopdoc:"id"`
	Id  string
}

type token struct {
	ID uuid.UUID
}

type noID struct {
	Name string
}

func TestResolveConventions(t *testing.T) {
	tests := []struct {
		name  string
		m     func() (*Mapping, error)
		field string
	}{
		{"Id", func() (*Mapping, error) { return Of[user](Config{}) }, "Id"},
		{"{Type}ID", func() (*Mapping, error) { return Of[order](Config{}) }, "OrderID"},
		{"tag wins", func() (*Mapping, error) { return Of[invoiceAlt](Config{}) }, "Key"},
		{"override", func() (*Mapping, error) { return Of[user](Config{IDField: "Name"}) }, "Name"},
		{"ID", func() (*Mapping, error) { return Of[token](Config{}) }, "ID"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := tc.m()
			if err != nil {
				t.Fatal(err)
			}
			if m.IDField != tc.field {
				t.Errorf("expected %s, got %s", tc.field, m.IDField)
			}
		})
	}
	if _, err := Of[noID](Config{}); !errors.Is(err, sopdoc.ErrUnresolvableIdentifier) {
		t.Errorf("expected unresolvable identifier, got %v", err)
	}
}

func TestTypeUnderscoreConvention(t *testing.T) {
	type Invoice struct {
		Invoice_Id string
	}
	m, err := Of[Invoice](Config{})
	if err != nil {
		t.Fatal(err)
	}
	if m.IDField != "Invoice_Id" || m.TypeName != "invoice" {
		t.Errorf("got %+v", m)
	}
}

func TestIDAndVersionAccessors(t *testing.T) {
	m, err := Of[user](Config{TypeName: "person", Index: "people"})
	if err != nil {
		t.Fatal(err)
	}
	u := &user{}
	if id, _ := m.ID(u); id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
	if err := m.SetID(u, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetVersion(u, "7"); err != nil {
		t.Fatal(err)
	}
	if u.Id != "u1" || u.Version != 7 {
		t.Errorf("got %+v", u)
	}
	if v, _ := m.Version(u); v != "7" {
		t.Errorf("expected version 7, got %q", v)
	}
	if m.IndexOr("current") != "people" || m.TypeName != "person" {
		t.Errorf("got %+v", m)
	}
	if _, err := m.ID(&order{}); !errors.Is(err, sopdoc.ErrValidation) {
		t.Errorf("expected type mismatch validation error, got %v", err)
	}

	om, _ := Of[order](Config{})
	o := &order{}
	if err := om.SetID(o, "42"); err != nil || o.OrderID != 42 {
		t.Errorf("got %+v, %v", o, err)
	}
	if err := om.SetID(o, "x"); err == nil {
		t.Error("expected parse error")
	}

	tm, _ := Of[token](Config{})
	tk := &token{}
	id := uuid.New().String()
	if err := tm.SetID(tk, id); err != nil {
		t.Fatal(err)
	}
	if got, _ := tm.ID(tk); got != id {
		t.Errorf("expected %s, got %s", id, got)
	}
}

func TestMapLookup(t *testing.T) {
	um, _ := Of[user](Config{})
	om, _ := Of[order](Config{})
	m, err := NewMap(um, om)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := m.For(&user{}); err != nil || got != um {
		t.Errorf("got %v, %v", got, err)
	}
	if got, err := MappingFor[order](m); err != nil || got != om {
		t.Errorf("got %v, %v", got, err)
	}
	if _, err := MappingFor[invoice](m); !errors.Is(err, sopdoc.ErrUnresolvableIdentifier) {
		t.Errorf("expected unresolvable identifier, got %v", err)
	}
	if _, err := NewMap(um, um); err == nil {
		t.Error("expected duplicate mapping error")
	}
}

func TestGeneratorsAreUnique(t *testing.T) {
	r := NewDefaultRegistry()
	g, err := r.Resolve(KeySequence)
	if err != nil {
		t.Fatal(err)
	}
	const n = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.Next()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate id %s", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("expected %d ids, got %d", n, len(seen))
	}
	ug, _ := r.Resolve(KeyUUID)
	a, _ := ug.Next()
	b, _ := ug.Next()
	if a == b || !sopdoc.IsUUID(a) {
		t.Errorf("got %s, %s", a, b)
	}
	if _, err := r.Resolve("snowflake"); !errors.Is(err, sopdoc.ErrUnresolvableIdentifier) {
		t.Errorf("expected unresolvable identifier, got %v", err)
	}
}
