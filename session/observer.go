package session

import "time"

// Observer receives unit of work events. Implementations must be cheap & must not block.
type Observer interface {
	TransactionBegun(name string, depth int)
	// TransactionCommitted is called after each commit pop; err is the flush error of an outermost commit.
	TransactionCommitted(name string, depth int, err error)
	TransactionRolledBack(name string, depth int)
	// Flushed is called after a flush batch got a response.
	Flushed(index string, items int, failed int, elapsed time.Duration)
	// Compensated is called after a compensation pass.
	Compensated(index string, items int, err error)
	// CacheLookup is called on every read resolved (hit) or not (miss) by the session cache.
	CacheLookup(typeName string, hit bool)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) TransactionBegun(string, int) {}
func (NopObserver) TransactionCommitted(string, int, error) {}
func (NopObserver) TransactionRolledBack(string, int) {}
func (NopObserver) Flushed(string, int, int, time.Duration) {}
func (NopObserver) Compensated(string, int, error) {}
func (NopObserver) CacheLookup(string, bool) {}
