package session

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/encoding"
	"github.com/sharedcode/sopdoc/identity"
	"github.com/sharedcode/sopdoc/tracking"
)

// Page is a window over the documents of a type.
type Page struct {
	From int
	// Size defaults to Options.DefaultPageSize when not positive.
	Size int
}

// PageResult is a page of documents plus the total the store reported.
type PageResult[T any] struct {
	Items []*T
	Total int64
}

// Repository is the typed façade of a session for struct type T. Its mapping is resolved once, in For.
type Repository[T any] struct {
	s       *Session
	mapping *identity.Mapping
	index   string
}

// For returns the repository of T over s. T needs to be registered in the session's identity.Map.
func For[T any](s *Session) (*Repository[T], error) {
	if s == nil {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, "session.For", "session can't be nil")
	}
	if s.mappings == nil {
		return nil, sopdoc.Errorf(sopdoc.UnresolvableIdentifier, "session.For", "session has no identity mappings")
	}
	m, err := identity.MappingFor[T](s.mappings)
	if err != nil {
		return nil, err
	}
	return &Repository[T]{
		s:       s,
		mapping: m,
		index:   m.IndexOr(s.options.DefaultIndex),
	}, nil
}

// Index returns the index documents of T live in.
func (r *Repository[T]) Index() string { return r.index }

// TypeName returns the document type name of T.
func (r *Repository[T]) TypeName() string { return r.mapping.TypeName }

// cached looks id up in the session cache, reporting the hit or miss to the observer.
func (r *Repository[T]) cached(id string) (*tracking.TrackedMetadata, *T, error) {
	m, inst, err := r.tracked(id)
	r.s.observer.CacheLookup(r.mapping.TypeName, m != nil)
	return m, inst, err
}

func (r *Repository[T]) tracked(id string) (*tracking.TrackedMetadata, *T, error) {
	m, ok := r.s.cache.Get(id, r.index, r.mapping.TypeName)
	if !ok {
		return nil, nil, nil
	}
	inst, ok := m.Instance().(*T)
	if !ok {
		return nil, nil, sopdoc.Errorf(sopdoc.ValidationFailure, "Repository.cached", "tracked %s holds a %T, not a %T", m.String(), m.Instance(), (*T)(nil))
	}
	return m, inst, nil
}

// decode builds a new T from a stored document.
func (r *Repository[T]) decode(doc sopdoc.Document) (*T, error) {
	const op = "Repository.decode"
	t := new(T)
	if len(doc.Source) > 0 {
		if err := encoding.Populate(string(doc.Source), t); err != nil {
			return nil, sopdoc.NewError(sopdoc.QueryFailure, op, fmt.Errorf("decoding %s/%s/%s: %w", doc.Index, doc.Type, doc.ID, err))
		}
	}
	if err := r.mapping.SetID(t, doc.ID); err != nil {
		return nil, err
	}
	if err := r.mapping.SetVersion(t, doc.Version); err != nil {
		return nil, err
	}
	return t, nil
}

// load turns stored documents into instances, attaching them as FromStorage while a transaction is
// active. Documents already tracked resolve to the tracked instance.
func (r *Repository[T]) load(docs []sopdoc.Document) ([]*T, error) {
	result := make([]*T, 0, len(docs))
	inTx := r.s.InTransaction()
	for _, doc := range docs {
		if _, inst, err := r.tracked(doc.ID); err != nil {
			return nil, err
		} else if inst != nil {
			result = append(result, inst)
			continue
		}
		t, err := r.decode(doc)
		if err != nil {
			return nil, err
		}
		if inTx {
			m, err := r.s.track(doc.ID, r.index, r.mapping.TypeName, t, tracking.FromStorage, doc.Version)
			if err != nil {
				return nil, err
			}
			if _, err := r.s.cache.Attach(m); err != nil {
				return nil, err
			}
		}
		result = append(result, t)
	}
	return result, nil
}

// FindBy returns the document of id. A cache hit returns the tracked instance.
func (r *Repository[T]) FindBy(ctx context.Context, id string) (*T, bool, error) {
	const op = "Repository.FindBy"
	if id == "" {
		return nil, false, sopdoc.Errorf(sopdoc.ValidationFailure, op, "id can't be empty")
	}
	done, err := r.s.enter(op)
	if err != nil {
		return nil, false, err
	}
	defer done()

	if _, inst, err := r.cached(id); err != nil || inst != nil {
		return inst, inst != nil, err
	}
	doc, found, err := r.s.transport.Get(ctx, r.index, r.mapping.TypeName, id)
	if err != nil {
		return nil, false, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	if !found {
		return nil, false, nil
	}
	items, err := r.load([]sopdoc.Document{doc})
	if err != nil {
		return nil, false, err
	}
	return items[0], true, nil
}

// FindByIDs returns the documents of ids found, in ids order. Only the cache misses are fetched.
// Ids not found are omitted.
func (r *Repository[T]) FindByIDs(ctx context.Context, ids ...string) ([]*T, error) {
	const op = "Repository.FindByIDs"
	done, err := r.s.enter(op)
	if err != nil {
		return nil, err
	}
	defer done()

	found := make(map[string]*T, len(ids))
	var misses []string
	for _, id := range ids {
		if id == "" {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "id can't be empty")
		}
		if _, ok := found[id]; ok {
			continue
		}
		_, inst, err := r.cached(id)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			found[id] = inst
			continue
		}
		found[id] = nil
		misses = append(misses, id)
	}
	if len(misses) > 0 {
		docs, err := r.s.transport.MultiGet(ctx, r.index, r.mapping.TypeName, misses)
		if err != nil {
			return nil, sopdoc.NewError(sopdoc.QueryFailure, op, err)
		}
		items, err := r.load(docs)
		if err != nil {
			return nil, err
		}
		for i := range docs {
			found[docs[i].ID] = items[i]
		}
	}
	result := make([]*T, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if t := found[id]; t != nil {
			result = append(result, t)
		}
	}
	return result, nil
}

// FindAll returns the first Options.DefaultPageSize documents of T. Use FindPage or Scan for more.
func (r *Repository[T]) FindAll(ctx context.Context) ([]*T, error) {
	p, err := r.FindPage(ctx, Page{})
	if err != nil {
		return nil, err
	}
	return p.Items, nil
}

// FindPage returns a window of documents of T.
func (r *Repository[T]) FindPage(ctx context.Context, page Page) (PageResult[T], error) {
	const op = "Repository.FindPage"
	if page.From < 0 {
		return PageResult[T]{}, sopdoc.Errorf(sopdoc.ValidationFailure, op, "page from can't be negative, got %d", page.From)
	}
	if page.Size <= 0 {
		page.Size = r.s.options.DefaultPageSize
	}
	done, err := r.s.enter(op)
	if err != nil {
		return PageResult[T]{}, err
	}
	defer done()

	sr, err := r.s.transport.Search(ctx, r.index, r.mapping.TypeName, page.From, page.Size)
	if err != nil {
		return PageResult[T]{}, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	items, err := r.load(sr.Documents)
	if err != nil {
		return PageResult[T]{}, err
	}
	return PageResult[T]{Items: items, Total: sr.Total}, nil
}

// Scan walks all documents of T page by page until the store total is reached or fn returns false.
func (r *Repository[T]) Scan(ctx context.Context, pageSize int, fn func(items []*T) bool) error {
	if pageSize <= 0 {
		pageSize = r.s.options.DefaultPageSize
	}
	from := 0
	for {
		p, err := r.FindPage(ctx, Page{From: from, Size: pageSize})
		if err != nil {
			return err
		}
		if len(p.Items) == 0 {
			return nil
		}
		if !fn(p.Items) {
			return nil
		}
		from += len(p.Items)
		if int64(from) >= p.Total {
			return nil
		}
	}
}

// Exists reports whether the document of id is tracked or stored.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	const op = "Repository.Exists"
	if id == "" {
		return false, sopdoc.Errorf(sopdoc.ValidationFailure, op, "id can't be empty")
	}
	done, err := r.s.enter(op)
	if err != nil {
		return false, err
	}
	defer done()

	if _, inst, err := r.cached(id); err != nil || inst != nil {
		return inst != nil, err
	}
	_, found, err := r.s.transport.Get(ctx, r.index, r.mapping.TypeName, id)
	if err != nil {
		return false, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	return found, nil
}

// Cached reports whether every id of T is tracked.
func (r *Repository[T]) Cached(ids ...string) bool {
	if r.s.cache.Disposed() {
		return false
	}
	return r.s.cache.cachedIn(r.index, ids, r.mapping.TypeName)
}

// Dirty with no argument reports whether any tracked document changed, else whether ALL entities changed.
func (r *Repository[T]) Dirty(entities ...*T) bool {
	return r.s.Dirty(toAny(entities)...)
}

// Evict detaches entities from the session. New documents get deleted from the store.
func (r *Repository[T]) Evict(ctx context.Context, entities ...*T) error {
	done, err := r.s.enter("Repository.Evict")
	if err != nil {
		return err
	}
	defer done()
	return r.s.cache.DetachInstances(ctx, toAny(entities)...)
}

// EvictByID detaches the documents of ids from the session.
func (r *Repository[T]) EvictByID(ctx context.Context, ids ...string) error {
	done, err := r.s.enter("Repository.EvictByID")
	if err != nil {
		return err
	}
	defer done()
	var entries []*tracking.TrackedMetadata
	for _, id := range ids {
		if m, ok := r.s.cache.Get(id, r.index, r.mapping.TypeName); ok {
			entries = append(entries, m)
		}
	}
	return r.s.cache.DetachMetadata(ctx, entries...)
}

func toAny[T any](entities []*T) []any {
	r := make([]any, len(entities))
	for i := range entities {
		r[i] = entities[i]
	}
	return r
}

// assignKey sets a client side id on entity when the mapping names a key type. Returns the id, "" if
// the store assigns it.
func (r *Repository[T]) assignKey(entity *T) (string, error) {
	if r.mapping.KeyType == "" {
		return "", nil
	}
	g, err := r.s.keys.Resolve(r.mapping.KeyType)
	if err != nil {
		return "", err
	}
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	if err := r.mapping.SetID(entity, id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository[T]) source(entity *T) ([]byte, error) {
	s, err := r.s.evaluator.Serialize(entity)
	if err != nil {
		return nil, sopdoc.NewError(sopdoc.ValidationFailure, "Repository.source", err)
	}
	return []byte(s), nil
}

// itemError converts a failed single item into a coded error.
func itemError(op string, item sopdoc.BulkItemResult) error {
	code := sopdoc.QueryFailure
	switch item.Status {
	case sopdoc.StatusConflict:
		code = sopdoc.VersionConflict
	case sopdoc.StatusNotFound:
		code = sopdoc.NotFound
	case sopdoc.StatusInvalid:
		code = sopdoc.ValidationFailure
	}
	return sopdoc.Errorf(code, op, "%s", sopdoc.FailureFromResult(item).String())
}

// persisted records a store write onto entity & tracks it.
func (r *Repository[T]) persisted(entity *T, item sopdoc.BulkItemResult, origin tracking.Origin) error {
	if err := r.mapping.SetID(entity, item.ID); err != nil {
		return err
	}
	if err := r.mapping.SetVersion(entity, item.Version); err != nil {
		return err
	}
	m, err := r.s.track(item.ID, r.index, r.mapping.TypeName, entity, origin, item.Version)
	if err != nil {
		return err
	}
	ok, err := r.s.cache.Attach(m)
	if err != nil {
		return err
	}
	if !ok {
		return sopdoc.Errorf(sopdoc.DuplicateInstance, "Repository.persisted", "%s already tracked", m.String())
	}
	return nil
}

// MakePersistent writes entity. It is a no-op without an active transaction.
//
// An entity without identifier gets created & tracked as new. An entity already tracked gets merged onto
// the tracked instance & written on flush; the tracked instance is returned. Otherwise the entity gets
// written right away & tracked as stored, establishing the baseline later changes are flushed against.
func (r *Repository[T]) MakePersistent(ctx context.Context, entity *T) (*T, error) {
	const op = "Repository.MakePersistent"
	if entity == nil {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "entity can't be nil")
	}
	if err := r.s.checkDisposed(op); err != nil {
		return nil, err
	}
	if !r.s.InTransaction() {
		log.Debug("no active transaction, write skipped", "type", r.mapping.TypeName)
		return entity, nil
	}
	done, err := r.s.enter(op)
	if err != nil {
		return nil, err
	}
	defer done()

	id, err := r.mapping.ID(entity)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return r.create(ctx, entity)
	}

	if m, cached, err := r.cached(id); err != nil {
		return nil, err
	} else if m != nil {
		if cached == entity {
			return entity, nil
		}
		other, err := r.s.track(id, r.index, r.mapping.TypeName, entity, m.Origin(), m.Version())
		if err != nil {
			return nil, err
		}
		updated, err := m.Update(other)
		if err != nil {
			return nil, err
		}
		if !updated {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "%s is read only", m.String())
		}
		return cached, nil
	}

	version, err := r.mapping.Version(entity)
	if err != nil {
		return nil, err
	}
	src, err := r.source(entity)
	if err != nil {
		return nil, err
	}
	bo := sopdoc.BulkOperation{Action: sopdoc.ActionIndex, Index: r.index, Type: r.mapping.TypeName, ID: id, Source: src}
	if version != "" {
		bo.Action = sopdoc.ActionUpdate
		bo.Version = version
	}
	item, err := r.bulkOne(ctx, op, bo)
	if err != nil {
		return nil, err
	}
	if err := r.persisted(entity, item, tracking.FromStorage); err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *Repository[T]) create(ctx context.Context, entity *T) (*T, error) {
	const op = "Repository.MakePersistent"
	id, err := r.assignKey(entity)
	if err != nil {
		return nil, err
	}
	src, err := r.source(entity)
	if err != nil {
		return nil, err
	}
	item, err := r.bulkOne(ctx, op, sopdoc.BulkOperation{Action: sopdoc.ActionCreate, Index: r.index, Type: r.mapping.TypeName, ID: id, Source: src})
	if err != nil {
		if id != "" {
			_ = r.mapping.SetID(entity, "")
		}
		return nil, err
	}
	if err := r.persisted(entity, item, tracking.NewInstance); err != nil {
		return nil, err
	}
	log.Debug("created", "index", r.index, "type", r.mapping.TypeName, "id", item.ID)
	return entity, nil
}

func (r *Repository[T]) bulkOne(ctx context.Context, op string, bo sopdoc.BulkOperation) (sopdoc.BulkItemResult, error) {
	resp, err := r.s.transport.Bulk(ctx, []sopdoc.BulkOperation{bo})
	if err != nil {
		return sopdoc.BulkItemResult{}, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	if len(resp.Items) != 1 {
		return sopdoc.BulkItemResult{}, sopdoc.Errorf(sopdoc.QueryFailure, op, "invalid bulk response, got %d item(s) for 1 operation", len(resp.Items))
	}
	if !resp.Items[0].Valid {
		return sopdoc.BulkItemResult{}, itemError(op, resp.Items[0])
	}
	return resp.Items[0], nil
}

// MakePersistentAll creates entities in one batch. Applied items get tracked as new, failed items are
// reported in the outcome. Without an active transaction nothing is sent & the outcome is NotApplied.
func (r *Repository[T]) MakePersistentAll(ctx context.Context, entities ...*T) (BulkOutcome, error) {
	const op = "Repository.MakePersistentAll"
	for _, e := range entities {
		if e == nil {
			return BulkOutcome{}, sopdoc.Errorf(sopdoc.ValidationFailure, op, "entity can't be nil")
		}
	}
	if err := r.s.checkDisposed(op); err != nil {
		return BulkOutcome{}, err
	}
	if !r.s.InTransaction() {
		items := make([]ItemOutcome, len(entities))
		for i, e := range entities {
			id, _ := r.mapping.ID(e)
			items[i] = ItemOutcome{ID: id, Index: r.index, Type: r.mapping.TypeName, Instance: e}
		}
		return notApplied(items, "no active transaction"), nil
	}
	if len(entities) == 0 {
		return BulkOutcome{Status: Applied}, nil
	}
	done, err := r.s.enter(op)
	if err != nil {
		return BulkOutcome{}, err
	}
	defer done()

	ops := make([]sopdoc.BulkOperation, len(entities))
	generated := make([]bool, len(entities))
	for i, e := range entities {
		id, err := r.mapping.ID(e)
		if err != nil {
			return BulkOutcome{}, err
		}
		if id == "" {
			if id, err = r.assignKey(e); err != nil {
				return BulkOutcome{}, err
			}
			generated[i] = id != ""
		}
		src, err := r.source(e)
		if err != nil {
			return BulkOutcome{}, err
		}
		ops[i] = sopdoc.BulkOperation{Action: sopdoc.ActionCreate, Index: r.index, Type: r.mapping.TypeName, ID: id, Source: src}
	}
	resp, err := r.s.transport.Bulk(ctx, ops)
	if err != nil {
		return BulkOutcome{}, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	if len(resp.Items) != len(ops) {
		return BulkOutcome{}, sopdoc.Errorf(sopdoc.QueryFailure, op, "invalid bulk response, got %d item(s) for %d operation(s)", len(resp.Items), len(ops))
	}
	items := make([]ItemOutcome, len(ops))
	for i, item := range resp.Items {
		items[i] = outcomeOf(item, entities[i])
		if !item.Valid {
			if generated[i] {
				_ = r.mapping.SetID(entities[i], "")
			}
			continue
		}
		if err := r.persisted(entities[i], item, tracking.NewInstance); err != nil {
			log.Warn("created document not tracked", "index", r.index, "id", item.ID, "error", err.Error())
			items[i].Error = err.Error()
		}
	}
	outcome := newBulkOutcome(items)
	if outcome.Status != Applied {
		log.Warn("bulk create partially failed", "index", r.index, "type", r.mapping.TypeName, "failed", len(outcome.Failed()), "total", len(items))
	}
	return outcome, nil
}

// MakeTransient deletes entities in one batch then detaches the deleted ones. Items that failed are
// reported in both the outcome & a *sopdoc.BulkError. Without an active transaction nothing is sent.
func (r *Repository[T]) MakeTransient(ctx context.Context, entities ...*T) (BulkOutcome, error) {
	const op = "Repository.MakeTransient"
	ids := make([]string, len(entities))
	for i, e := range entities {
		if e == nil {
			return BulkOutcome{}, sopdoc.Errorf(sopdoc.ValidationFailure, op, "entity can't be nil")
		}
		id, err := r.mapping.ID(e)
		if err != nil {
			return BulkOutcome{}, err
		}
		if id == "" {
			return BulkOutcome{}, sopdoc.Errorf(sopdoc.ValidationFailure, op, "entity %d has no identifier", i)
		}
		ids[i] = id
	}
	return r.makeTransient(ctx, op, ids, entities)
}

// MakeTransientByID deletes the documents of ids. See MakeTransient.
func (r *Repository[T]) MakeTransientByID(ctx context.Context, ids ...string) (BulkOutcome, error) {
	const op = "Repository.MakeTransientByID"
	for _, id := range ids {
		if id == "" {
			return BulkOutcome{}, sopdoc.Errorf(sopdoc.ValidationFailure, op, "id can't be empty")
		}
	}
	return r.makeTransient(ctx, op, ids, nil)
}

func (r *Repository[T]) makeTransient(ctx context.Context, op string, ids []string, entities []*T) (BulkOutcome, error) {
	instance := func(i int) any {
		if entities == nil {
			return nil
		}
		return entities[i]
	}
	if err := r.s.checkDisposed(op); err != nil {
		return BulkOutcome{}, err
	}
	if !r.s.InTransaction() {
		items := make([]ItemOutcome, len(ids))
		for i, id := range ids {
			items[i] = ItemOutcome{ID: id, Index: r.index, Type: r.mapping.TypeName, Instance: instance(i)}
		}
		return notApplied(items, "no active transaction"), nil
	}
	if len(ids) == 0 {
		return BulkOutcome{Status: Applied}, nil
	}
	done, err := r.s.enter(op)
	if err != nil {
		return BulkOutcome{}, err
	}
	defer done()

	ops := make([]sopdoc.BulkOperation, len(ids))
	tracked := make([]*tracking.TrackedMetadata, len(ids))
	for i, id := range ids {
		ops[i] = sopdoc.BulkOperation{Action: sopdoc.ActionDelete, Index: r.index, Type: r.mapping.TypeName, ID: id}
		if m, ok := r.s.cache.Get(id, r.index, r.mapping.TypeName); ok {
			tracked[i] = m
			ops[i].Version = m.Version()
		} else if entities != nil {
			v, err := r.mapping.Version(entities[i])
			if err != nil {
				return BulkOutcome{}, err
			}
			ops[i].Version = v
		}
	}
	resp, err := r.s.transport.Bulk(ctx, ops)
	if err != nil {
		return BulkOutcome{}, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	if len(resp.Items) != len(ops) {
		return BulkOutcome{}, sopdoc.Errorf(sopdoc.QueryFailure, op, "invalid bulk response, got %d item(s) for %d operation(s)", len(resp.Items), len(ops))
	}
	items := make([]ItemOutcome, len(ops))
	var deleted []*tracking.TrackedMetadata
	var failed []failedItem
	for i, item := range resp.Items {
		items[i] = outcomeOf(item, instance(i))
		if !item.Valid {
			failed = append(failed, failedItem{entry: tracked[i], result: item})
			continue
		}
		if tracked[i] != nil {
			deleted = append(deleted, tracked[i])
		}
	}
	// Already deleted from the store, so no detach delete is sent.
	r.s.cache.remove(deleted...)
	outcome := newBulkOutcome(items)
	if len(failed) > 0 {
		log.Warn("bulk delete partially failed", "index", r.index, "type", r.mapping.TypeName, "failed", len(failed), "total", len(ops))
		return outcome, newBulkError(op, r.index, failed)
	}
	return outcome, nil
}
