// Package sopdoc defines the core types shared across the sopdoc codebase: the
// document and bulk wire types, the Transport contract a document/search store
// adapter must satisfy, configuration, and the coded errors raised by the
// session layer.
//
// The unit-of-work machinery (tracked metadata, the identity-mapped session
// cache, the session façade and the nested transaction provider) lives in the
// tracking and session subpackages. Concrete store adapters live in inmemory,
// sqlstore, redis and cassandra.
package sopdoc

// Concurrency model
//
// A session.TransactionProvider is one logical session and is meant for
// sequential use by a single goroutine. Parallel units of work use separate
// provider instances. Transports, on the other hand, are expected to be safe
// for concurrent use since several providers may share one.
//
// No failed Flush/Clear/Detach batch is ever retried automatically. Partial
// application means a blind retry can duplicate side effects; the compensation
// pass is the only recovery path.
