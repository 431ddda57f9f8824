package session

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/tracking"
)

// Cache is the identity-mapped set of tracked records of a session, scoped to one index.
// Uniqueness of records is enforced by the comparer given at construction.
//
// Cache is not safe for concurrent use.
type Cache struct {
	index     string
	comparer  tracking.Comparer
	transport sopdoc.Transport
	options   sopdoc.Options
	observer  Observer

	entries map[tracking.IdentityKey]*tracking.TrackedMetadata
	// order keeps attach order so batches are built deterministically.
	order []tracking.IdentityKey

	// accepted, when set, is called before a record's snapshot is retaken at a new store version.
	accepted func(m *tracking.TrackedMetadata, version string) error

	disposed bool
}

// NewCache creates a cache over transport scoped to options.DefaultIndex.
func NewCache(transport sopdoc.Transport, comparer tracking.Comparer, options sopdoc.Options, observer Observer) *Cache {
	options.ApplyDefaults()
	if comparer == nil {
		comparer = tracking.ComparerFor(options.IdentityPolicy)
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Cache{
		index:     options.DefaultIndex,
		comparer:  comparer,
		transport: transport,
		options:   options,
		observer:  observer,
		entries:   make(map[tracking.IdentityKey]*tracking.TrackedMetadata),
	}
}

// Index returns the index the cache is scoped to.
func (c *Cache) Index() string { return c.index }

// Comparer returns the identity policy in use.
func (c *Cache) Comparer() tracking.Comparer { return c.comparer }

// Disposed reports whether Dispose got called.
func (c *Cache) Disposed() bool { return c.disposed }

func (c *Cache) checkDisposed(op string) error {
	if c.disposed {
		return sopdoc.Errorf(sopdoc.AlreadyDisposed, op, "session cache of index %q is already disposed", c.index)
	}
	return nil
}

// Entries returns the tracked records in attach order.
func (c *Cache) Entries() []*tracking.TrackedMetadata {
	r := make([]*tracking.TrackedMetadata, 0, len(c.order))
	for _, k := range c.order {
		r = append(r, c.entries[k])
	}
	return r
}

// Count returns the number of tracked records across all indices.
func (c *Cache) Count() int { return len(c.entries) }

// CountIn returns the number of tracked records of index.
func (c *Cache) CountIn(index string) int {
	n := 0
	for _, m := range c.entries {
		if m.IndexName() == index {
			n++
		}
	}
	return n
}

// CountWhere returns the number of tracked records matching predicate.
func (c *Cache) CountWhere(predicate func(*tracking.TrackedMetadata) bool) int {
	n := 0
	for _, m := range c.entries {
		if predicate(m) {
			n++
		}
	}
	return n
}

// Get returns the record matching (id, index, typeName) under the cache's identity policy.
func (c *Cache) Get(id, index, typeName string) (*tracking.TrackedMetadata, bool) {
	m, ok := c.entries[c.comparer.KeyOf(id, index, typeName)]
	return m, ok
}

// Cached reports whether every id has a matching record of typeName in this cache's index. Under the
// type scoped policy a record attached under another index shares the identity but does not count.
func (c *Cache) Cached(ids []string, typeName string) bool {
	return c.cachedIn(c.index, ids, typeName)
}

func (c *Cache) cachedIn(index string, ids []string, typeName string) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if m, ok := c.Get(id, index, typeName); !ok || m.IndexName() != index {
			return false
		}
	}
	return true
}

// FindMetadata returns the records tracking instances, matched by reference, not by id.
func (c *Cache) FindMetadata(instances ...any) []*tracking.TrackedMetadata {
	var r []*tracking.TrackedMetadata
	for _, k := range c.order {
		m := c.entries[k]
		for _, inst := range instances {
			if m.Instance() == inst {
				r = append(r, m)
				break
			}
		}
	}
	return r
}

// Dirty reports whether any record has unflushed changes.
func (c *Cache) Dirty() bool {
	for _, m := range c.entries {
		if m.HasChanged() {
			return true
		}
	}
	return false
}

// DirtyInstances reports whether ALL given instances are tracked & changed.
func (c *Cache) DirtyInstances(instances ...any) bool {
	if len(instances) == 0 {
		return false
	}
	for _, inst := range instances {
		found := c.FindMetadata(inst)
		if len(found) == 0 || !found[0].HasChanged() {
			return false
		}
	}
	return true
}

// Attach inserts m. Returns false, leaving the cache untouched, on an identity key collision.
func (c *Cache) Attach(m *tracking.TrackedMetadata) (bool, error) {
	if err := c.checkDisposed("Cache.Attach"); err != nil {
		return false, err
	}
	if m == nil {
		return false, sopdoc.Errorf(sopdoc.ValidationFailure, "Cache.Attach", "metadata can't be nil")
	}
	k := c.comparer.Key(m)
	if _, ok := c.entries[k]; ok {
		return false, nil
	}
	c.entries[k] = m
	c.order = append(c.order, k)
	log.Debug("attached", "entry", m.String())
	return true, nil
}

// AttachOrUpdate inserts m, or merges it onto the existing matching record. Returns the record now tracked.
func (c *Cache) AttachOrUpdate(m *tracking.TrackedMetadata) (*tracking.TrackedMetadata, error) {
	if err := c.checkDisposed("Cache.AttachOrUpdate"); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, "Cache.AttachOrUpdate", "metadata can't be nil")
	}
	existing, ok := c.entries[c.comparer.Key(m)]
	if !ok {
		if _, err := c.Attach(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if existing.Instance() == m.Instance() {
		return existing, nil
	}
	if _, err := existing.Update(m); err != nil {
		return nil, err
	}
	return existing, nil
}

// remove takes records out of memory only.
func (c *Cache) remove(entries ...*tracking.TrackedMetadata) {
	if len(entries) == 0 {
		return
	}
	for _, m := range entries {
		k := c.comparer.Key(m)
		if cur, ok := c.entries[k]; ok && cur == m {
			delete(c.entries, k)
		}
	}
	order := c.order[:0]
	for _, k := range c.order {
		if _, ok := c.entries[k]; ok {
			order = append(order, k)
		}
	}
	c.order = order
}

func (c *Cache) reattach(entries ...*tracking.TrackedMetadata) {
	for _, m := range entries {
		k := c.comparer.Key(m)
		if _, ok := c.entries[k]; ok {
			continue
		}
		c.entries[k] = m
		c.order = append(c.order, k)
	}
}

// Detach removes the records of ids of typeName in this cache's index. See DetachMetadata.
func (c *Cache) Detach(ctx context.Context, typeName string, ids ...string) error {
	if err := c.checkDisposed("Cache.Detach"); err != nil {
		return err
	}
	var entries []*tracking.TrackedMetadata
	for _, id := range ids {
		if m, ok := c.Get(id, c.index, typeName); ok {
			entries = append(entries, m)
		}
	}
	return c.detach(ctx, "Cache.Detach", entries)
}

// DetachInstances removes the records tracking instances. See DetachMetadata.
func (c *Cache) DetachInstances(ctx context.Context, instances ...any) error {
	if err := c.checkDisposed("Cache.DetachInstances"); err != nil {
		return err
	}
	return c.detach(ctx, "Cache.DetachInstances", c.FindMetadata(instances...))
}

// DetachWhere removes the records matching predicate. See DetachMetadata.
func (c *Cache) DetachWhere(ctx context.Context, predicate func(*tracking.TrackedMetadata) bool) error {
	if err := c.checkDisposed("Cache.DetachWhere"); err != nil {
		return err
	}
	var entries []*tracking.TrackedMetadata
	for _, m := range c.Entries() {
		if predicate(m) {
			entries = append(entries, m)
		}
	}
	return c.detach(ctx, "Cache.DetachWhere", entries)
}

// DetachMetadata removes records from memory. NewInstance records are also deleted from the store
// so an unpersisted-then-discarded object does not stay there. FromStorage records are only evicted.
// Records whose delete failed are attached back & reported in a *sopdoc.BulkError.
func (c *Cache) DetachMetadata(ctx context.Context, entries ...*tracking.TrackedMetadata) error {
	if err := c.checkDisposed("Cache.DetachMetadata"); err != nil {
		return err
	}
	return c.detach(ctx, "Cache.DetachMetadata", entries)
}

func (c *Cache) detach(ctx context.Context, op string, entries []*tracking.TrackedMetadata) error {
	if len(entries) == 0 {
		return nil
	}
	c.remove(entries...)
	failed, err := c.deleteNewInstances(ctx, op, entries)
	if err != nil {
		c.reattach(entries...)
		return err
	}
	if len(failed) > 0 {
		reattach := make([]*tracking.TrackedMetadata, 0, len(failed))
		for _, f := range failed {
			reattach = append(reattach, f.entry)
		}
		c.reattach(reattach...)
		return newBulkError(op, c.index, failed)
	}
	return nil
}

// Clear evicts every record and deletes the NewInstance ones from the store. Records whose delete
// failed are reported in a *sopdoc.BulkError; they stay evicted.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.checkDisposed("Cache.Clear"); err != nil {
		return err
	}
	return c.clear(ctx)
}

func (c *Cache) clear(ctx context.Context) error {
	entries := c.Entries()
	c.entries = make(map[tracking.IdentityKey]*tracking.TrackedMetadata)
	c.order = nil
	failed, err := c.deleteNewInstances(ctx, "Cache.Clear", entries)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return newBulkError("Cache.Clear", c.index, failed)
	}
	return nil
}

// Dispose clears the cache. Any call after Dispose fails with AlreadyDisposed.
func (c *Cache) Dispose(ctx context.Context) error {
	if err := c.checkDisposed("Cache.Dispose"); err != nil {
		return err
	}
	err := c.clear(ctx)
	c.disposed = true
	return err
}

// Promote flips every NewInstance record to FromStorage at its current version.
func (c *Cache) Promote() {
	for _, m := range c.entries {
		if m.Origin() == tracking.NewInstance {
			_ = m.BecomePersistent(m.Version())
		}
	}
}

type failedItem struct {
	entry  *tracking.TrackedMetadata
	result sopdoc.BulkItemResult
}

func newBulkError(op, index string, failed []failedItem) *sopdoc.BulkError {
	be := &sopdoc.BulkError{Op: op, Index: index, Failed: make([]sopdoc.ItemFailure, 0, len(failed))}
	for _, f := range failed {
		be.Failed = append(be.Failed, sopdoc.FailureFromResult(f.result))
	}
	return be
}

// deleteNewInstances issues one delete batch for the NewInstance records among entries.
// A delete of an already missing document counts as applied.
func (c *Cache) deleteNewInstances(ctx context.Context, op string, entries []*tracking.TrackedMetadata) ([]failedItem, error) {
	var targets []*tracking.TrackedMetadata
	for _, m := range entries {
		if m.Origin() == tracking.NewInstance {
			targets = append(targets, m)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}
	ops := make([]sopdoc.BulkOperation, len(targets))
	for i, m := range targets {
		ops[i] = sopdoc.BulkOperation{
			Action:  sopdoc.ActionDelete,
			Index:   m.IndexName(),
			Type:    m.TypeName(),
			ID:      m.ID(),
			Version: m.Version(),
		}
	}
	resp, err := c.bulk(ctx, op, ops)
	if err != nil {
		return nil, err
	}
	var failed []failedItem
	for i, item := range resp.Items {
		if item.Valid || item.Status == sopdoc.StatusNotFound {
			continue
		}
		failed = append(failed, failedItem{entry: targets[i], result: item})
	}
	if len(failed) > 0 {
		log.Warn(fmt.Sprintf("%s partially failed", op), "index", c.index, "failed", len(failed), "total", len(ops))
	}
	return failed, nil
}

func (c *Cache) bulk(ctx context.Context, op string, ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error) {
	resp, err := c.transport.Bulk(ctx, ops)
	if err != nil {
		return sopdoc.BulkResponse{}, sopdoc.NewError(sopdoc.QueryFailure, op, err)
	}
	if len(resp.Items) != len(ops) {
		return sopdoc.BulkResponse{}, sopdoc.Errorf(sopdoc.QueryFailure, op, "invalid bulk response, got %d item(s) for %d operation(s)", len(resp.Items), len(ops))
	}
	return resp, nil
}

type appliedItem struct {
	entry   *tracking.TrackedMetadata
	version string
}

// Flush submits one batched update per changed record. On a partial failure the applied items get
// compensated per the configured policy and a *sopdoc.BulkError listing the failed items is returned,
// with any compensation failure nested inside it.
func (c *Cache) Flush(ctx context.Context) error {
	const op = "Cache.Flush"
	if err := c.checkDisposed(op); err != nil {
		return err
	}
	var changed []*tracking.TrackedMetadata
	var ops []sopdoc.BulkOperation
	for _, m := range c.Entries() {
		dirty, err := m.Changed()
		if err != nil {
			return sopdoc.NewError(sopdoc.ValidationFailure, op, err)
		}
		if !dirty {
			continue
		}
		patch, err := m.Changes()
		if err != nil {
			return sopdoc.NewError(sopdoc.ValidationFailure, op, err)
		}
		changed = append(changed, m)
		ops = append(ops, sopdoc.BulkOperation{
			Action:  sopdoc.ActionUpdate,
			Index:   m.IndexName(),
			Type:    m.TypeName(),
			ID:      m.ID(),
			Version: m.Version(),
			Patch:   json.RawMessage(patch),
		})
	}
	if len(ops) == 0 {
		return nil
	}

	start := time.Now()
	resp, err := c.bulk(ctx, op, ops)
	if err != nil {
		return err
	}
	var applied []appliedItem
	var failed []failedItem
	for i, item := range resp.Items {
		if item.Valid {
			applied = append(applied, appliedItem{entry: changed[i], version: item.Version})
			continue
		}
		failed = append(failed, failedItem{entry: changed[i], result: item})
	}
	c.observer.Flushed(c.index, len(ops), len(failed), time.Since(start))

	if len(failed) == 0 {
		for _, a := range applied {
			if err := c.accept(a.entry, a.version); err != nil {
				return sopdoc.NewError(sopdoc.ValidationFailure, op, err)
			}
		}
		log.Debug("flushed", "index", c.index, "items", len(ops))
		return nil
	}

	log.Warn("flush partially failed", "index", c.index, "failed", len(failed), "total", len(ops))
	be := newBulkError(op, c.index, failed)
	if len(applied) == 0 {
		return be
	}
	if c.options.Compensation == sopdoc.KeepApplied {
		for _, a := range applied {
			if err := c.accept(a.entry, a.version); err != nil {
				log.Warn("accept of applied item failed", "entry", a.entry.String(), "error", err.Error())
			}
		}
		return be
	}
	be.Compensation = c.compensate(ctx, applied)
	c.observer.Compensated(c.index, len(applied), be.Compensation)
	return be
}

func (c *Cache) accept(m *tracking.TrackedMetadata, version string) error {
	if c.accepted != nil {
		if err := c.accepted(m, version); err != nil {
			return err
		}
	}
	return m.Accept(version)
}

// compensate reverts applied items of a failed batch, best effort: NewInstance records get deleted,
// FromStorage records get their prior snapshot written back. A compensating update hitting a version
// conflict is retried against the latest stored version up to CompensationRetries times, unless
// retries are turned off.
func (c *Cache) compensate(ctx context.Context, applied []appliedItem) error {
	const op = "Cache.compensate"
	ops := make([]sopdoc.BulkOperation, len(applied))
	for i, a := range applied {
		m := a.entry
		ops[i] = sopdoc.BulkOperation{
			Index:   m.IndexName(),
			Type:    m.TypeName(),
			ID:      m.ID(),
			Version: a.version,
		}
		if m.Origin() == tracking.NewInstance {
			ops[i].Action = sopdoc.ActionDelete
			continue
		}
		prior, err := m.Snapshot()
		if err != nil {
			return sopdoc.NewError(sopdoc.CompensationFailure, op, err)
		}
		ops[i].Action = sopdoc.ActionUpdate
		ops[i].Source = json.RawMessage(prior)
	}
	resp, err := c.transport.Bulk(ctx, ops)
	if err != nil {
		log.Error("compensation batch failed", "index", c.index, "error", err.Error())
		return sopdoc.NewError(sopdoc.CompensationFailure, op, err)
	}
	if len(resp.Items) != len(ops) {
		return sopdoc.Errorf(sopdoc.CompensationFailure, op, "invalid bulk response, got %d item(s) for %d operation(s)", len(resp.Items), len(ops))
	}

	var failed []failedItem
	var deleted []*tracking.TrackedMetadata
	for i, item := range resp.Items {
		a := applied[i]
		if !item.Valid && ops[i].Action == sopdoc.ActionUpdate && item.Status == sopdoc.StatusConflict && c.options.CompensationRetries > 0 {
			item = c.retryCompensation(ctx, ops[i])
		}
		switch {
		case item.Valid || (ops[i].Action == sopdoc.ActionDelete && item.Status == sopdoc.StatusNotFound):
			if ops[i].Action == sopdoc.ActionDelete {
				deleted = append(deleted, a.entry)
			} else if err := a.entry.SetVersion(item.Version); err != nil {
				log.Warn("compensated entry version not updated", "entry", a.entry.String(), "error", err.Error())
			}
		default:
			failed = append(failed, failedItem{entry: a.entry, result: item})
		}
	}
	c.remove(deleted...)
	if len(failed) > 0 {
		log.Error("compensation partially failed", "index", c.index, "failed", len(failed), "total", len(ops))
		return sopdoc.NewError(sopdoc.CompensationFailure, op, newBulkError(op, c.index, failed))
	}
	log.Warn("compensated applied items of a failed batch", "index", c.index, "items", len(ops))
	return nil
}

func (c *Cache) retryCompensation(ctx context.Context, op sopdoc.BulkOperation) sopdoc.BulkItemResult {
	var last sopdoc.BulkItemResult
	err := sopdoc.Retry(ctx, uint64(c.options.CompensationRetries), c.options.CompensationBackoff, func(ctx context.Context) error {
		doc, found, err := c.transport.Get(ctx, op.Index, op.Type, op.ID)
		if err != nil {
			last = sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
			return err
		}
		if !found {
			last = sopdoc.NewItemResult(op, op.Version, sopdoc.StatusNotFound, fmt.Errorf("document %s/%s/%s not found", op.Index, op.Type, op.ID))
			return fmt.Errorf("%s", last.Error)
		}
		op.Version = doc.Version
		resp, err := c.transport.Bulk(ctx, []sopdoc.BulkOperation{op})
		if err != nil || len(resp.Items) != 1 {
			if err == nil {
				err = fmt.Errorf("invalid bulk response, got %d item(s) for 1 operation", len(resp.Items))
			}
			last = sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
			return err
		}
		last = resp.Items[0]
		if last.Valid {
			return nil
		}
		if last.Status == sopdoc.StatusConflict {
			return sopdoc.RetryableError(fmt.Errorf("compensating update of %s/%s/%s: %s", op.Index, op.Type, op.ID, last.Error))
		}
		return fmt.Errorf("%s", last.Error)
	}, nil)
	if err != nil && last.Valid {
		last.Valid = false
	}
	return last
}
