package session

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/sopdoc"
)

// IsolationLevel is an advisory hint recorded on a transaction frame. Stores lacking multi-document
// transactions do not enforce it.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	}
	return "Default"
}

// Frame is a live transaction of the stack.
type Frame struct {
	Name      string
	Depth     int
	Isolation IsolationLevel
	Started   time.Time
}

// BeginOption customizes a transaction frame.
type BeginOption func(*Frame)

// WithIsolation records an isolation hint on the frame.
func WithIsolation(level IsolationLevel) BeginOption {
	return func(f *Frame) {
		f.Isolation = level
	}
}

// TransactionProvider is one logical session: a stack of strictly nested transactions over one
// session cache. Changes are flushed on the outermost commit; any rollback evicts the whole cache.
//
// A provider is for sequential use by one goroutine. Overlapping calls fail with ConcurrentUse.
type TransactionProvider struct {
	session  *Session
	frames   []Frame
	observer Observer
	closed   bool
}

// NewTransactionProvider creates a provider over transport.
func NewTransactionProvider(transport sopdoc.Transport, cfg Config) (*TransactionProvider, error) {
	const op = "NewTransactionProvider"
	if transport == nil {
		return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "transport can't be nil")
	}
	cfg.applyDefaults()
	if err := cfg.Options.Validate(); err != nil {
		return nil, err
	}
	p := &TransactionProvider{observer: cfg.Observer}
	p.session = newSession(transport, cfg, p.InProgress)
	return p, nil
}

// Session returns the session of the provider.
func (p *TransactionProvider) Session() *Session { return p.session }

// InProgress reports whether a transaction is live.
func (p *TransactionProvider) InProgress() bool { return len(p.frames) > 0 }

// Depth returns the number of live transactions.
func (p *TransactionProvider) Depth() int { return len(p.frames) }

// Frames returns a copy of the live stack, outermost first.
func (p *TransactionProvider) Frames() []Frame {
	r := make([]Frame, len(p.frames))
	copy(r, p.frames)
	return r
}

func (p *TransactionProvider) enter(op string) (func(), error) {
	if p.closed {
		return nil, sopdoc.Errorf(sopdoc.AlreadyDisposed, op, "transaction provider is closed")
	}
	return p.session.enter(op)
}

// Begin pushes a transaction named name; an empty name gets a generated one. A name already live on
// the stack fails with TransactionNameConflict & leaves the stack untouched. The first push probes
// the store, a probe failure leaves the provider idle.
func (p *TransactionProvider) Begin(ctx context.Context, name string, opts ...BeginOption) error {
	const op = "TransactionProvider.Begin"
	done, err := p.enter(op)
	if err != nil {
		return err
	}
	defer done()

	if name == "" {
		name = fmt.Sprintf("tx-%s", sopdoc.NewUUID())
	}
	for i := range p.frames {
		if p.frames[i].Name == name {
			return sopdoc.Errorf(sopdoc.TransactionNameConflict, op, "transaction %q is already in progress at depth %d", name, p.frames[i].Depth)
		}
	}
	if len(p.frames) == 0 {
		if err := p.session.transport.Ping(ctx); err != nil {
			return sopdoc.NewError(sopdoc.QueryFailure, op, fmt.Errorf("store ping failed: %w", err))
		}
	}
	f := Frame{Name: name, Depth: len(p.frames) + 1, Started: time.Now()}
	for _, o := range opts {
		o(&f)
	}
	p.frames = append(p.frames, f)
	if f.Depth == 1 {
		log.Info("transaction begun", "name", name, "isolation", f.Isolation.String())
	} else {
		log.Debug("nested transaction begun", "name", name, "depth", f.Depth)
	}
	p.observer.TransactionBegun(name, f.Depth)
	return nil
}

func (p *TransactionProvider) pop() Frame {
	f := p.frames[len(p.frames)-1]
	p.frames = p.frames[:len(p.frames)-1]
	return f
}

// Commit pops the innermost transaction. Popping the outermost one flushes the session.
//
// A failed flush leaves the provider idle: the frame is not pushed back. The session cache is cleared
// as a rollback would, & a CommitFailed error wrapping the flush error is returned.
func (p *TransactionProvider) Commit(ctx context.Context) error {
	const op = "TransactionProvider.Commit"
	done, err := p.enter(op)
	if err != nil {
		return err
	}
	defer done()

	if len(p.frames) == 0 {
		return sopdoc.Errorf(sopdoc.ValidationFailure, op, "no transaction in progress")
	}
	f := p.pop()
	if len(p.frames) > 0 {
		log.Debug("nested transaction committed", "name", f.Name, "depth", f.Depth)
		p.observer.TransactionCommitted(f.Name, f.Depth, nil)
		return nil
	}

	if err := p.session.cache.Flush(ctx); err != nil {
		log.Error("commit failed", "name", f.Name, "error", err.Error())
		if cerr := p.session.cache.Clear(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		p.observer.TransactionCommitted(f.Name, f.Depth, err)
		return sopdoc.NewError(sopdoc.CommitFailed, op, fmt.Errorf("transaction %q: %w", f.Name, err))
	}
	p.session.cache.Promote()
	log.Info("transaction committed", "name", f.Name, "elapsed", time.Since(f.Started).String())
	p.observer.TransactionCommitted(f.Name, f.Depth, nil)
	return nil
}

// Rollback evicts the whole session cache (deleting documents created in it) & pops the innermost
// transaction. If frames remain, an *sopdoc.InnerRollbackError carrying the popped frame & cause is
// returned so the enclosing scope learns of it. No-op when idle.
func (p *TransactionProvider) Rollback(ctx context.Context, cause error) error {
	const op = "TransactionProvider.Rollback"
	done, err := p.enter(op)
	if err != nil {
		return err
	}
	defer done()

	if len(p.frames) == 0 {
		return nil
	}
	clearErr := p.session.cache.Clear(ctx)
	f := p.pop()
	p.observer.TransactionRolledBack(f.Name, f.Depth)
	if len(p.frames) > 0 {
		log.Warn("nested transaction rolled back", "name", f.Name, "depth", f.Depth)
		return &sopdoc.InnerRollbackError{
			Frame: f.Name,
			Depth: len(p.frames),
			Cause: errors.Join(cause, clearErr),
		}
	}
	log.Info("transaction rolled back", "name", f.Name)
	if clearErr != nil {
		return sopdoc.NewError(sopdoc.BulkPartialFailure, op, clearErr)
	}
	return nil
}

// RunInTransaction runs fn inside a transaction named name, committing if fn succeeds & rolling back
// otherwise.
func (p *TransactionProvider) RunInTransaction(ctx context.Context, name string, fn func(ctx context.Context, s *Session) error, opts ...BeginOption) error {
	if err := p.Begin(ctx, name, opts...); err != nil {
		return err
	}
	if err := fn(ctx, p.session); err != nil {
		if rerr := p.Rollback(ctx, err); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return p.Commit(ctx)
}

// Close disposes the session cache, clearing it. Calls after Close fail with AlreadyDisposed.
func (p *TransactionProvider) Close(ctx context.Context) error {
	const op = "TransactionProvider.Close"
	done, err := p.enter(op)
	if err != nil {
		return err
	}
	defer done()

	if len(p.frames) > 0 {
		log.Warn("closing with live transactions, they are abandoned", "depth", len(p.frames))
		p.frames = nil
	}
	p.closed = true
	return p.session.cache.Dispose(ctx)
}
