package metrics

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/identity"
	"github.com/sharedcode/sopdoc/inmemory"
	"github.com/sharedcode/sopdoc/session"
)

type item struct {
	Id    string `json:"id"`
	Label string `json:"label"`
}

func TestCollectorRecordsSessionEvents(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("test")
	if err := c.Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	m, err := identity.Of[item](identity.Config{})
	if err != nil {
		t.Fatal(err)
	}
	mappings, err := identity.NewMap(m)
	if err != nil {
		t.Fatal(err)
	}
	store := inmemory.New()
	store.Put(sopdoc.Document{Index: "default", Type: "item", ID: "1", Source: json.RawMessage(`{"id":"1","label":"a"}`)})
	p, err := session.NewTransactionProvider(store, session.Config{Mappings: mappings, Observer: c})
	if err != nil {
		t.Fatal(err)
	}
	items, err := session.For[item](p.Session())
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Begin(ctx, "outer"); err != nil {
		t.Fatal(err)
	}
	if err := p.Begin(ctx, "inner"); err != nil {
		t.Fatal(err)
	}
	it, _, err := items.FindBy(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := items.FindBy(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	it.Label = "b"
	if err := p.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"outer begin", testutil.ToFloat64(c.transactions.WithLabelValues("begin", "outer")), 1},
		{"nested begin", testutil.ToFloat64(c.transactions.WithLabelValues("begin", "nested")), 1},
		{"outer commit", testutil.ToFloat64(c.transactions.WithLabelValues("commit", "outer")), 1},
		{"ok flush", testutil.ToFloat64(c.flushes.WithLabelValues("default", "ok")), 1},
		{"applied items", testutil.ToFloat64(c.flushItems.WithLabelValues("default", "applied")), 1},
		{"cache hit", testutil.ToFloat64(c.cacheLookups.WithLabelValues("item", "hit")), 1},
		{"cache miss", testutil.ToFloat64(c.cacheLookups.WithLabelValues("item", "miss")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := testutil.CollectAndCount(c.flushDuration); n != 1 {
		t.Errorf("got %d flush duration series, want 1", n)
	}
}

func TestCompensationOutcome(t *testing.T) {
	c := NewCollector("")
	c.Compensated("i", 2, nil)
	c.Compensated("i", 2, sopdoc.ErrCompensation)
	if got := testutil.ToFloat64(c.compensations.WithLabelValues("i", "failed")); got != 1 {
		t.Errorf("got %v failed compensations, want 1", got)
	}
	c.Flushed("i", 3, 1, 0)
	if got := testutil.ToFloat64(c.flushItems.WithLabelValues("i", "failed")); got != 1 {
		t.Errorf("got %v failed items, want 1", got)
	}
}
