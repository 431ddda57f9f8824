// Package session implements the unit of work over a document store: an identity mapped cache of
// tracked documents, a read/write façade & a nested transaction provider flushing the tracked changes
// on outermost commit.
package session

import (
	"context"
	log "log/slog"
	"sync/atomic"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/cel"
	"github.com/sharedcode/sopdoc/encoding"
	"github.com/sharedcode/sopdoc/identity"
	"github.com/sharedcode/sopdoc/tracking"
)

// Config holds what a session is built from. It is constructed once & passed to NewTransactionProvider.
type Config struct {
	Options sopdoc.Options
	// Mappings resolves identity of the Go types used with the session. Required.
	Mappings *identity.Map
	// Keys resolves key generators of mappings declaring a KeyType. Defaults to identity.NewDefaultRegistry().
	Keys *identity.Registry
	// Evaluator serializes & merges instances. Defaults to the JSON evaluator.
	Evaluator encoding.Evaluator
	// Observer receives transaction & flush events. Optional.
	Observer Observer
}

func (c *Config) applyDefaults() {
	c.Options.ApplyDefaults()
	if c.Keys == nil {
		c.Keys = identity.NewDefaultRegistry()
	}
	if c.Evaluator == nil {
		c.Evaluator = encoding.NewEvaluator(nil)
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
}

// Session is the read/write façade over the store & the session cache. Reads attach results to the
// cache only while a transaction is active. Writes require an active transaction.
type Session struct {
	transport sopdoc.Transport
	cache     *Cache
	mappings  *identity.Map
	keys      *identity.Registry
	evaluator encoding.Evaluator
	options   sopdoc.Options
	observer  Observer
	// inTransaction reports whether the owning provider has a live frame.
	inTransaction func() bool
	// busy is set while a call is in flight. Sessions are for sequential use by one goroutine.
	busy atomic.Bool
}

func newSession(transport sopdoc.Transport, cfg Config, inTransaction func() bool) *Session {
	s := &Session{
		transport:     transport,
		mappings:      cfg.Mappings,
		keys:          cfg.Keys,
		evaluator:     cfg.Evaluator,
		options:       cfg.Options,
		observer:      cfg.Observer,
		inTransaction: inTransaction,
	}
	s.cache = NewCache(transport, tracking.ComparerFor(cfg.Options.IdentityPolicy), cfg.Options, cfg.Observer)
	s.cache.accepted = s.writeBackVersion
	return s
}

// Cache returns the session cache.
func (s *Session) Cache() *Cache { return s.cache }

// Transport returns the store transport.
func (s *Session) Transport() sopdoc.Transport { return s.transport }

// InTransaction reports whether a transaction is active.
func (s *Session) InTransaction() bool { return s.inTransaction != nil && s.inTransaction() }

// Dirty with no argument reports whether ANY tracked document has unflushed changes.
// With arguments it reports whether ALL of the given instances changed. A disposed session tracks
// nothing and reports false.
func (s *Session) Dirty(instances ...any) bool {
	if s.cache.Disposed() {
		return false
	}
	if len(instances) == 0 {
		return s.cache.Dirty()
	}
	return s.cache.DirtyInstances(instances...)
}

// Tracked reports whether every instance is tracked by the session (by reference).
func (s *Session) Tracked(instances ...any) bool {
	if len(instances) == 0 || s.cache.Disposed() {
		return false
	}
	for _, inst := range instances {
		if len(s.cache.FindMetadata(inst)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of tracked documents across all indices.
func (s *Session) Count() int { return s.cache.Count() }

// CountIn returns the number of tracked documents of index.
func (s *Session) CountIn(index string) int { return s.cache.CountIn(index) }

// CountWhere returns the number of tracked documents matching the CEL expression.
func (s *Session) CountWhere(expression string) (int, error) {
	if err := s.checkDisposed("Session.CountWhere"); err != nil {
		return 0, err
	}
	p, err := cel.NewPredicate(expression)
	if err != nil {
		return 0, sopdoc.NewError(sopdoc.ValidationFailure, "Session.CountWhere", err)
	}
	return s.cache.CountWhere(p.Func(logPredicateError)), nil
}

// Evict detaches instances from the session. New documents get deleted from the store.
func (s *Session) Evict(ctx context.Context, instances ...any) error {
	done, err := s.enter("Session.Evict")
	if err != nil {
		return err
	}
	defer done()
	return s.cache.DetachInstances(ctx, instances...)
}

// EvictWhere detaches the tracked documents matching the CEL expression, see cel.Predicate for the variables.
func (s *Session) EvictWhere(ctx context.Context, expression string) error {
	p, err := cel.NewPredicate(expression)
	if err != nil {
		return sopdoc.NewError(sopdoc.ValidationFailure, "Session.EvictWhere", err)
	}
	done, err := s.enter("Session.EvictWhere")
	if err != nil {
		return err
	}
	defer done()
	return s.cache.DetachWhere(ctx, p.Func(logPredicateError))
}

// Flush writes the tracked changes to the store. Normally called by the outermost commit.
func (s *Session) Flush(ctx context.Context) error {
	done, err := s.enter("Session.Flush")
	if err != nil {
		return err
	}
	defer done()
	return s.cache.Flush(ctx)
}

// checkDisposed fails with AlreadyDisposed once the session cache got disposed.
func (s *Session) checkDisposed(op string) error {
	if s.cache.Disposed() {
		return sopdoc.Errorf(sopdoc.AlreadyDisposed, op, "session is disposed")
	}
	return nil
}

// enter marks a call in flight. A second call while one is running fails with ConcurrentUse
// instead of corrupting the cache. Calls on a disposed session fail with AlreadyDisposed.
func (s *Session) enter(op string) (func(), error) {
	if err := s.checkDisposed(op); err != nil {
		return nil, err
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, sopdoc.Errorf(sopdoc.ConcurrentUse, op, "session is in use by another call, sessions are not safe for concurrent use")
	}
	return func() { s.busy.Store(false) }, nil
}

func logPredicateError(m *tracking.TrackedMetadata, err error) {
	log.Debug("predicate evaluation failed", "entry", m.String(), "error", err.Error())
}

// writeBackVersion copies a new store version onto the instance when its mapping has a version field.
func (s *Session) writeBackVersion(m *tracking.TrackedMetadata, version string) error {
	if s.mappings == nil {
		return nil
	}
	mp, err := s.mappings.For(m.Instance())
	if err != nil {
		// Not a mapped type, nothing to write back.
		return nil
	}
	return mp.SetVersion(m.Instance(), version)
}

// track builds the tracked metadata of instance with the session's snapshot mode.
func (s *Session) track(id, index, typeName string, instance any, origin tracking.Origin, version string) (*tracking.TrackedMetadata, error) {
	return tracking.NewWithMode(s.options.Snapshot, id, index, typeName, instance, s.evaluator, origin, version)
}
