// Package transporttest holds the behavior every sopdoc.Transport has to exhibit, run by each
// backend's tests.
package transporttest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sharedcode/sopdoc"
)

// Run exercises transport. Each call should get a store without documents in index "tt".
func Run(t *testing.T, transport sopdoc.Transport) {
	t.Helper()
	ctx := context.Background()
	const index, typeName = "tt", "doc"
	op := func(action sopdoc.Action, id, version, source string) sopdoc.BulkOperation {
		o := sopdoc.BulkOperation{Action: action, Index: index, Type: typeName, ID: id, Version: version}
		if source != "" {
			o.Source = json.RawMessage(source)
		}
		return o
	}
	bulk := func(ops ...sopdoc.BulkOperation) sopdoc.BulkResponse {
		t.Helper()
		resp, err := transport.Bulk(ctx, ops)
		if err != nil {
			t.Fatalf("Bulk failed, err: %v", err)
		}
		if len(resp.Items) != len(ops) {
			t.Fatalf("got %d items for %d ops", len(resp.Items), len(ops))
		}
		return resp
	}
	source := func(id string) map[string]any {
		t.Helper()
		d, found, err := transport.Get(ctx, index, typeName, id)
		if err != nil || !found {
			t.Fatalf("Get(%s) got %v, %v", id, found, err)
		}
		var m map[string]any
		if err := json.Unmarshal(d.Source, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if err := transport.Ping(ctx); err != nil {
		t.Fatalf("Ping failed, err: %v", err)
	}

	resp := bulk(
		op(sopdoc.ActionCreate, "a", "", `{"n":1,"tag":"x"}`),
		op(sopdoc.ActionCreate, "", "", `{"n":2}`),
		op(sopdoc.ActionIndex, "c", "", `{"n":3}`),
	)
	for i, item := range resp.Items {
		if !item.Valid || item.Version == "" || item.ID == "" {
			t.Fatalf("item %d got %+v", i, item)
		}
	}
	generated := resp.Items[1].ID

	resp = bulk(op(sopdoc.ActionCreate, "a", "", `{}`))
	if resp.Items[0].Valid || resp.Items[0].Status != sopdoc.StatusConflict || !resp.HasErrors {
		t.Errorf("duplicate create got %+v, want a conflict", resp.Items[0])
	}

	d, found, err := transport.Get(ctx, index, typeName, "a")
	if err != nil || !found {
		t.Fatalf("Get(a) got %v, %v", found, err)
	}
	patch := op(sopdoc.ActionUpdate, "a", d.Version, "")
	patch.Patch = json.RawMessage(`{"n":10,"tag":null}`)
	resp = bulk(patch, op(sopdoc.ActionUpdate, "c", "999", `{"n":0}`), op(sopdoc.ActionUpdate, "missing", "", `{}`))
	if !resp.Items[0].Valid || resp.Items[0].Version == d.Version {
		t.Errorf("patch got %+v, want applied at a new version", resp.Items[0])
	}
	if resp.Items[1].Valid || resp.Items[1].Status != sopdoc.StatusConflict {
		t.Errorf("stale update got %+v, want a conflict", resp.Items[1])
	}
	if resp.Items[2].Valid || resp.Items[2].Status != sopdoc.StatusNotFound {
		t.Errorf("update of missing got %+v, want not found", resp.Items[2])
	}
	if m := source("a"); m["n"] != float64(10) || m["tag"] != nil {
		t.Errorf("patched source got %v", m)
	}
	if m := source("c"); m["n"] != float64(3) {
		t.Errorf("conflicting update expected no effect, got %v", m)
	}

	docs, err := transport.MultiGet(ctx, index, typeName, []string{"c", "nope", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != "c" || docs[1].ID != "a" {
		t.Errorf("MultiGet got %+v", docs)
	}

	sr, err := transport.Search(ctx, index, typeName, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Total != 3 || len(sr.Documents) != 2 {
		t.Errorf("Search got total %d & %d docs, want 3 & 2", sr.Total, len(sr.Documents))
	}
	sr, _ = transport.Search(ctx, index, typeName, 2, 2)
	if len(sr.Documents) != 1 {
		t.Errorf("Search second page got %d docs, want 1", len(sr.Documents))
	}

	resp = bulk(op(sopdoc.ActionDelete, generated, "", ""), op(sopdoc.ActionDelete, "nope", "", ""))
	if !resp.Items[0].Valid {
		t.Errorf("delete got %+v", resp.Items[0])
	}
	if resp.Items[1].Status != sopdoc.StatusNotFound {
		t.Errorf("delete of missing got %+v, want not found", resp.Items[1])
	}
	if _, found, _ := transport.Get(ctx, index, typeName, generated); found {
		t.Errorf("expected %s deleted", generated)
	}
}
