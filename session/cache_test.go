package session

import (
	"errors"
	"slices"
	"testing"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/encoding"
	"github.com/sharedcode/sopdoc/inmemory"
	"github.com/sharedcode/sopdoc/tracking"
)

func TestCountScopedByIndex(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	trackStored(t, c, store, "current", "1", "a")
	trackStored(t, c, store, "current", "2", "b")
	trackStored(t, c, store, "current_test", "3", "c")
	trackStored(t, c, store, "current_test", "4", "d")

	if got := c.CountIn("current"); got != 2 {
		t.Errorf("CountIn(current) got %d, want 2", got)
	}
	if got := c.Count(); got != 4 {
		t.Errorf("Count() got %d, want 4", got)
	}
	if got := c.CountWhere(func(m *tracking.TrackedMetadata) bool { return m.ID() > "2" }); got != 2 {
		t.Errorf("CountWhere got %d, want 2", got)
	}
}

func TestAttachIdentityPolicies(t *testing.T) {
	tests := []struct {
		policy     sopdoc.IdentityPolicy
		wantSecond bool
	}{
		{sopdoc.IndexScoped, true},
		{sopdoc.TypeScoped, false},
	}
	e := encoding.NewEvaluator(nil)
	for _, tt := range tests {
		c := newCache(inmemory.New(), tt.policy, sopdoc.RevertApplied)
		a, _ := tracking.New("1", "current", "user", &user{Id: "1"}, e, tracking.FromStorage, "1")
		b, _ := tracking.New("1", "current_test", "user", &user{Id: "1"}, e, tracking.FromStorage, "7")
		if ok, err := c.Attach(a); !ok || err != nil {
			t.Fatalf("%s: first Attach got %v, %v", tt.policy, ok, err)
		}
		ok, err := c.Attach(b)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.wantSecond {
			t.Errorf("%s: second Attach got %v, want %v", tt.policy, ok, tt.wantSecond)
		}
	}
}

func TestAttachOrUpdate(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u := trackStored(t, c, store, "current", "1", "a")

	other := &user{Id: "1", Name: "b"}
	m, _ := tracking.New("1", "current", "user", other, encoding.NewEvaluator(nil), tracking.FromStorage, "1")
	got, err := c.AttachOrUpdate(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.Instance() != u || u.Name != "b" {
		t.Errorf("expected the tracked instance to be updated, got %+v", u)
	}
	if c.Count() != 1 {
		t.Errorf("got %d entries, want 1", c.Count())
	}
}

func TestCachedAndFindMetadata(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u1 := trackStored(t, c, store, "current", "1", "a")
	trackStored(t, c, store, "current", "2", "b")
	trackStored(t, c, store, "current_test", "3", "c")

	if !c.Cached([]string{"1", "2"}, "user") {
		t.Errorf("expected 1 & 2 cached")
	}
	if c.Cached([]string{"1", "3"}, "user") {
		t.Errorf("3 lives in another index, expected not cached")
	}
	if c.Cached([]string{"1"}, "order") {
		t.Errorf("expected type name to be part of the lookup")
	}
	if got := c.FindMetadata(u1); len(got) != 1 || got[0].ID() != "1" {
		t.Errorf("FindMetadata(u1) got %v", got)
	}
	lookalike := &user{Id: "1", Name: "a"}
	if got := c.FindMetadata(lookalike); len(got) != 0 {
		t.Errorf("expected lookup by reference, got %v", got)
	}
}

func TestCachedTypeScopedStaysInIndex(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.TypeScoped, sopdoc.RevertApplied)
	trackStored(t, c, store, "current", "1", "a")
	trackStored(t, c, store, "current_test", "3", "c")

	if !c.Cached([]string{"1"}, "user") {
		t.Errorf("expected 1 cached")
	}
	if _, ok := c.Get("3", "current", "user"); !ok {
		t.Fatalf("expected the type scoped identity to find 3 from any index")
	}
	if c.Cached([]string{"1", "3"}, "user") {
		t.Errorf("3 was attached under current_test, expected not cached in current")
	}
}

func TestDirtyQuantifiers(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u1 := trackStored(t, c, store, "current", "1", "a")
	u2 := trackStored(t, c, store, "current", "2", "b")

	if c.Dirty() {
		t.Errorf("fresh cache expected clean")
	}
	u1.Name = "changed"
	if !c.Dirty() {
		t.Errorf("expected Dirty() once any entry changed")
	}
	if c.DirtyInstances(u1, u2) {
		t.Errorf("expected DirtyInstances false until all changed")
	}
	u2.Name = "changed"
	if !c.DirtyInstances(u1, u2) {
		t.Errorf("expected DirtyInstances true once all changed")
	}
	if c.DirtyInstances(&user{Id: "9"}) {
		t.Errorf("untracked instance counts as unchanged")
	}
}

func TestDetachFromStorageSendsNoDelete(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	trackStored(t, c, store, "current", "1", "a")
	store.ResetCalls()

	if err := c.Detach(ctx, "user", "1"); err != nil {
		t.Fatal(err)
	}
	if c.Count() != 0 {
		t.Errorf("expected entry evicted")
	}
	if n := len(store.BulkCalls()); n != 0 {
		t.Errorf("got %d bulk calls, want none", n)
	}
	if _, ok := store.Doc("current", "user", "1"); !ok {
		t.Errorf("stored document expected untouched")
	}
}

func TestDetachNewInstanceDeletesEach(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	trackNew(t, c, store, "current", "n1")
	trackNew(t, c, store, "current", "n2")
	trackStored(t, c, store, "current", "s1", "a")
	store.ResetCalls()

	if err := c.Detach(ctx, "user", "n1", "n2", "s1"); err != nil {
		t.Fatal(err)
	}
	calls := store.BulkCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d bulk calls, want 1", len(calls))
	}
	var ids []string
	for _, op := range calls[0] {
		if op.Action != sopdoc.ActionDelete {
			t.Errorf("got %s, want delete", op.Action)
		}
		ids = append(ids, op.ID)
	}
	if !slices.Equal(ids, []string{"n1", "n2"}) {
		t.Errorf("got deletes for %v, want [n1 n2]", ids)
	}
	if c.Count() != 0 || store.Len() != 1 {
		t.Errorf("got %d entries & %d stored, want 0 & 1", c.Count(), store.Len())
	}
}

func TestDetachFailureReattaches(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u1 := trackNew(t, c, store, "current", "n1")
	u2 := trackNew(t, c, store, "current", "n2")
	store.Fail(inmemory.Failure{ID: "n2"})

	err := c.DetachInstances(ctx, u1, u2)
	var be *sopdoc.BulkError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want a *sopdoc.BulkError", err)
	}
	if !slices.Equal(be.FailedIDs(), []string{"n2"}) {
		t.Errorf("got failed %v, want [n2]", be.FailedIDs())
	}
	if _, ok := c.Get("n1", "current", "user"); ok {
		t.Errorf("deleted n1 expected to stay detached")
	}
	if _, ok := c.Get("n2", "current", "user"); !ok {
		t.Errorf("failed n2 expected re-attached")
	}
}

func TestFlushPartialFailureKeepApplied(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.KeepApplied)
	u1 := trackStored(t, c, store, "current", "1", "a")
	u2 := trackStored(t, c, store, "current", "2", "b")
	u3 := trackStored(t, c, store, "current", "3", "c")
	u1.Name, u2.Name, u3.Name = "a2", "b2", "c2"
	store.Fail(inmemory.Failure{ID: "2"})
	store.ResetCalls()

	err := c.Flush(ctx)
	var be *sopdoc.BulkError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want a *sopdoc.BulkError", err)
	}
	if !slices.Equal(be.FailedIDs(), []string{"2"}) {
		t.Errorf("got failed %v, want exactly [2]", be.FailedIDs())
	}
	if be.Compensation != nil {
		t.Errorf("unexpected compensation error %v", be.Compensation)
	}
	if n := len(store.BulkCalls()); n != 1 {
		t.Errorf("got %d bulk calls, want 1 (no compensation)", n)
	}
	for id, want := range map[string]string{"1": "a2", "2": "b", "3": "c2"} {
		if got := sourceOf(t, store, "current", "user", id)["name"]; got != want {
			t.Errorf("stored %s name got %v, want %s", id, got, want)
		}
	}
	if c.DirtyInstances(u1) || c.DirtyInstances(u3) || !c.DirtyInstances(u2) {
		t.Errorf("expected applied items accepted & the failed one still dirty")
	}
	if m, _ := c.Get("1", "current", "user"); m.Version() != "2" {
		t.Errorf("got version %s, want 2", m.Version())
	}
}

func TestFlushPartialFailureRevertsApplied(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u1 := trackStored(t, c, store, "current", "1", "a")
	u2 := trackStored(t, c, store, "current", "2", "b")
	n := trackNew(t, c, store, "current", "n1")
	u1.Name, u2.Name, n.Name = "a2", "b2", "n2"
	store.Fail(inmemory.Failure{ID: "2"})
	store.ResetCalls()

	err := c.Flush(ctx)
	if !errors.Is(err, sopdoc.ErrBulkPartialFailure) {
		t.Fatalf("got %v, want a bulk partial failure", err)
	}
	var be *sopdoc.BulkError
	errors.As(err, &be)
	if be.Compensation != nil {
		t.Fatalf("unexpected compensation error %v", be.Compensation)
	}
	calls := store.BulkCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d bulk calls, want flush + compensation", len(calls))
	}
	comp := calls[1]
	if len(comp) != 2 || comp[0].ID != "1" || comp[0].Action != sopdoc.ActionUpdate || comp[1].ID != "n1" || comp[1].Action != sopdoc.ActionDelete {
		t.Errorf("unexpected compensation batch %+v", comp)
	}
	if got := sourceOf(t, store, "current", "user", "1")["name"]; got != "a" {
		t.Errorf("stored 1 name got %v, want prior a", got)
	}
	if _, ok := store.Doc("current", "user", "n1"); ok {
		t.Errorf("new instance expected deleted by compensation")
	}
	if _, ok := c.Get("n1", "current", "user"); ok {
		t.Errorf("compensated new instance expected evicted")
	}
	m, _ := c.Get("1", "current", "user")
	d, _ := store.Doc("current", "user", "1")
	if m.Version() != d.Version {
		t.Errorf("entry version %s expected to follow the compensating write %s", m.Version(), d.Version)
	}
}

func TestCompensationConflictIsRetried(t *testing.T) {
	store := inmemory.New()
	tr := &scripted{Transport: store, bulk: map[int]func([]sopdoc.BulkOperation) (sopdoc.BulkResponse, error){2: conflictAll}}
	c := newCache(tr, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u1 := trackStored(t, c, store, "current", "1", "a")
	u2 := trackStored(t, c, store, "current", "2", "b")
	u1.Name, u2.Name = "a2", "b2"
	store.Fail(inmemory.Failure{ID: "2"})

	err := c.Flush(ctx)
	var be *sopdoc.BulkError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want a *sopdoc.BulkError", err)
	}
	if be.Compensation != nil {
		t.Errorf("expected conflict retry to succeed, got %v", be.Compensation)
	}
	if got := sourceOf(t, store, "current", "user", "1")["name"]; got != "a" {
		t.Errorf("stored 1 name got %v, want prior a", got)
	}
}

func TestCompensationConflictWithoutRetries(t *testing.T) {
	store := inmemory.New()
	tr := &scripted{Transport: store, bulk: map[int]func([]sopdoc.BulkOperation) (sopdoc.BulkResponse, error){2: conflictAll}}
	o := sopdoc.Options{DefaultIndex: "current", CompensationRetries: sopdoc.NoCompensationRetries}
	o.ApplyDefaults()
	c := NewCache(tr, nil, o, nil)
	u1 := trackStored(t, c, store, "current", "1", "a")
	u2 := trackStored(t, c, store, "current", "2", "b")
	u1.Name, u2.Name = "a2", "b2"
	store.Fail(inmemory.Failure{ID: "2"})
	store.ResetCalls()

	err := c.Flush(ctx)
	var be *sopdoc.BulkError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want a *sopdoc.BulkError", err)
	}
	if !errors.Is(be.Compensation, sopdoc.ErrCompensation) {
		t.Errorf("expected the conflicting compensation reported, got %v", be.Compensation)
	}
	for _, call := range store.Calls() {
		if call.Method == "Get" {
			t.Errorf("expected no refetch of the document when retries are off")
		}
	}
	if got := sourceOf(t, store, "current", "user", "1")["name"]; got != "a2" {
		t.Errorf("stored 1 name got %v, want the flushed a2 left in place", got)
	}
}

func TestCompensationFailureIsNested(t *testing.T) {
	store := inmemory.New()
	down := errors.New("store down")
	tr := &scripted{Transport: store, bulk: map[int]func([]sopdoc.BulkOperation) (sopdoc.BulkResponse, error){
		2: func([]sopdoc.BulkOperation) (sopdoc.BulkResponse, error) { return sopdoc.BulkResponse{}, down },
	}}
	c := newCache(tr, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u1 := trackStored(t, c, store, "current", "1", "a")
	u2 := trackStored(t, c, store, "current", "2", "b")
	u1.Name, u2.Name = "a2", "b2"
	store.Fail(inmemory.Failure{ID: "2"})

	err := c.Flush(ctx)
	var be *sopdoc.BulkError
	if !errors.As(err, &be) {
		t.Fatalf("got %v, want a *sopdoc.BulkError", err)
	}
	if !slices.Equal(be.FailedIDs(), []string{"2"}) {
		t.Errorf("original failure masked, got %v", be.FailedIDs())
	}
	if !errors.Is(err, sopdoc.ErrCompensation) || !errors.Is(err, down) {
		t.Errorf("expected nested compensation failure, got %v", err)
	}
}

func TestFlushTransportErrorIsQueryFailure(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u := trackStored(t, c, store, "current", "1", "a")
	u.Name = "b"
	store.SetBulkError(errors.New("boom"))
	if err := c.Flush(ctx); !errors.Is(err, sopdoc.ErrQuery) {
		t.Errorf("got %v, want a query failure", err)
	}
}

func TestFlushSendsPatch(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	u := trackStored(t, c, store, "current", "1", "a")
	trackStored(t, c, store, "current", "2", "b")
	u.Name = "z"
	store.ResetCalls()

	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	calls := store.BulkCalls()
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected one batch with only the changed entry, got %+v", calls)
	}
	op := calls[0][0]
	if op.Action != sopdoc.ActionUpdate || op.Version != "1" || string(op.Patch) != `{"name":"z"}` {
		t.Errorf("unexpected flush op %+v, patch %s", op, op.Patch)
	}
	if c.Dirty() {
		t.Errorf("expected a clean cache after flush")
	}
	if err := c.Flush(ctx); err != nil || len(store.BulkCalls()) != 1 {
		t.Errorf("expected nothing to flush, got %v", err)
	}
}

func TestClearDeletesNewInstances(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	trackStored(t, c, store, "current", "1", "a")
	trackNew(t, c, store, "current", "n1")
	trackNew(t, c, store, "current", "n2")
	store.Fail(inmemory.Failure{ID: "n2"})
	store.ResetCalls()

	err := c.Clear(ctx)
	var be *sopdoc.BulkError
	if !errors.As(err, &be) || !slices.Equal(be.FailedIDs(), []string{"n2"}) {
		t.Fatalf("got %v, want n2 reported", err)
	}
	if c.Count() != 0 {
		t.Errorf("expected all entries evicted, got %d", c.Count())
	}
	if len(store.BulkCalls()) != 1 || len(store.BulkCalls()[0]) != 2 {
		t.Errorf("expected one delete batch of the two new instances, got %+v", store.BulkCalls())
	}
	if _, ok := store.Doc("current", "user", "1"); !ok {
		t.Errorf("stored document expected untouched")
	}
}

func TestDispose(t *testing.T) {
	store := inmemory.New()
	c := newCache(store, sopdoc.IndexScoped, sopdoc.RevertApplied)
	trackNew(t, c, store, "current", "n1")
	if err := c.Dispose(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Doc("current", "user", "n1"); ok {
		t.Errorf("expected dispose to clear new instances")
	}
	m, _ := tracking.New("2", "current", "user", &user{Id: "2"}, encoding.NewEvaluator(nil), tracking.FromStorage, "1")
	if _, err := c.Attach(m); !errors.Is(err, sopdoc.ErrAlreadyDisposed) {
		t.Errorf("Attach got %v, want already disposed", err)
	}
	if err := c.Flush(ctx); !errors.Is(err, sopdoc.ErrAlreadyDisposed) {
		t.Errorf("Flush got %v, want already disposed", err)
	}
	if err := c.Dispose(ctx); !errors.Is(err, sopdoc.ErrAlreadyDisposed) {
		t.Errorf("Dispose got %v, want already disposed", err)
	}
}
