package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/inmemory"
	"github.com/sharedcode/sopdoc/sqlstore"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		config  sopdoc.StoreConfig
		check   func(b Backend) bool
		wantErr sopdoc.ErrorCode
	}{
		{name: "default is memory", config: sopdoc.StoreConfig{}, check: func(b Backend) bool {
			_, ok := b.(nopCloser).Transport.(*inmemory.Store)
			return ok
		}},
		{name: "sqlite", config: sopdoc.StoreConfig{Type: sopdoc.SQLite, DSN: ":memory:"}, check: func(b Backend) bool {
			_, ok := b.(*sqlstore.Store)
			return ok
		}},
		{name: "redis without section", config: sopdoc.StoreConfig{Type: sopdoc.Redis}, wantErr: sopdoc.ValidationFailure},
		{name: "cassandra without hosts", config: sopdoc.StoreConfig{Type: sopdoc.Cassandra, Cassandra: &sopdoc.CassandraConfig{}}, wantErr: sopdoc.ValidationFailure},
		{name: "unknown", config: sopdoc.StoreConfig{Type: "mongo"}, wantErr: sopdoc.ValidationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Open(ctx, tt.config)
			if tt.wantErr != sopdoc.Unknown {
				if sopdoc.CodeOf(err) != tt.wantErr {
					t.Fatalf("got %v, want code %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer b.Close()
			if !tt.check(b) {
				t.Errorf("got backend %T", b)
			}
			if err := b.Ping(ctx); err != nil {
				t.Errorf("ping failed, err: %v", err)
			}
		})
	}
}

func TestOpenUnreachable(t *testing.T) {
	_, err := Open(context.Background(), sopdoc.StoreConfig{Type: sopdoc.Redis, Redis: &sopdoc.RedisConfig{URL: "bad://"}})
	var se *sopdoc.Error
	if !errors.As(err, &se) || se.Code != sopdoc.QueryFailure {
		t.Errorf("got %v, want a query failure", err)
	}
}
