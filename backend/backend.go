// Package backend opens the document store Transport selected by configuration.
package backend

import (
	"context"
	"io"
	log "log/slog"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/cassandra"
	"github.com/sharedcode/sopdoc/inmemory"
	"github.com/sharedcode/sopdoc/redis"
	"github.com/sharedcode/sopdoc/sqlstore"
)

// Backend is an opened Transport that holds resources to release.
type Backend interface {
	sopdoc.Transport
	io.Closer
}

type nopCloser struct {
	sopdoc.Transport
}

func (nopCloser) Close() error { return nil }

// Open returns the Transport for config. The caller closes it when done.
func Open(ctx context.Context, config sopdoc.StoreConfig) (Backend, error) {
	const op = "backend.Open"
	storeType := config.Type
	if storeType == "" {
		storeType = sopdoc.InMemory
	}
	log.Debug("opening document store", "type", string(storeType))
	switch storeType {
	case sopdoc.InMemory:
		return nopCloser{inmemory.New()}, nil
	case sopdoc.SQLite, sopdoc.Postgres:
		dialect := sqlstore.SQLite
		if storeType == sopdoc.Postgres {
			dialect = sqlstore.Postgres
		}
		dsn := config.DSN
		if dsn == "" && storeType == sopdoc.SQLite {
			dsn = ":memory:"
		}
		s, err := sqlstore.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, sopdoc.NewError(sopdoc.QueryFailure, op, err)
		}
		return s, nil
	case sopdoc.Redis:
		if config.Redis == nil {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "store type %q requires a redis section", storeType)
		}
		s, err := redis.Open(ctx, *config.Redis)
		if err != nil {
			return nil, sopdoc.NewError(sopdoc.QueryFailure, op, err)
		}
		return s, nil
	case sopdoc.Cassandra:
		if config.Cassandra == nil || len(config.Cassandra.Hosts) == 0 {
			return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "store type %q requires cassandra hosts", storeType)
		}
		s, err := cassandra.Open(*config.Cassandra)
		if err != nil {
			return nil, sopdoc.NewError(sopdoc.QueryFailure, op, err)
		}
		return s, nil
	}
	return nil, sopdoc.Errorf(sopdoc.ValidationFailure, op, "unknown store type %q", storeType)
}
