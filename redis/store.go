// Package redis is a Redis backed document store Transport.
//
// A document is a hash at "<prefix>doc:<index>:<type>:<id>" with its version & JSON source. Ids of an
// index/type pair are kept in a zero score sorted set giving Search its id ordering & total. Bulk
// items are written under WATCH so a concurrent writer surfaces as a version conflict.
package redis

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/sopdoc"
)

const (
	versionField = "v"
	sourceField  = "s"
)

// Store is the Redis Transport. Safe for concurrent use.
type Store struct {
	conn   *Connection
	prefix string
	newID  func() string
}

// NewStore returns a Store on top of conn.
func NewStore(conn *Connection) *Store {
	return &Store{
		conn:   conn,
		prefix: conn.Options.KeyPrefix,
		newID:  sopdoc.NewUUID,
	}
}

// Open connects using config & verifies the server is reachable.
func Open(ctx context.Context, config sopdoc.RedisConfig) (*Store, error) {
	options, err := OptionsFrom(config)
	if err != nil {
		return nil, err
	}
	s := NewStore(OpenConnection(options))
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) docKey(index, typeName, id string) string {
	return fmt.Sprintf("%sdoc:%s:%s:%s", s.prefix, index, typeName, id)
}

func (s *Store) idsKey(index, typeName string) string {
	return fmt.Sprintf("%sids:%s:%s", s.prefix, index, typeName)
}

// Returns true if err is the redis "key not found" sentinel.
func keyNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

func toDocument(index, typeName, id string, vals []any) (sopdoc.Document, bool) {
	if len(vals) != 2 || vals[0] == nil {
		return sopdoc.Document{}, false
	}
	version, _ := vals[0].(string)
	source, _ := vals[1].(string)
	return sopdoc.Document{Index: index, Type: typeName, ID: id, Version: version, Source: []byte(source)}, true
}

// Get implements sopdoc.Transport.
func (s *Store) Get(ctx context.Context, index, typeName, id string) (sopdoc.Document, bool, error) {
	vals, err := s.conn.Client.HMGet(ctx, s.docKey(index, typeName, id), versionField, sourceField).Result()
	if err != nil && !keyNotFound(err) {
		return sopdoc.Document{}, false, fmt.Errorf("redis get %s/%s/%s: %w", index, typeName, id, err)
	}
	d, found := toDocument(index, typeName, id, vals)
	return d, found, nil
}

// MultiGet implements sopdoc.Transport.
func (s *Store) MultiGet(ctx context.Context, index, typeName string, ids []string) ([]sopdoc.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(ids))
	_, err := s.conn.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.docKey(index, typeName, id), versionField, sourceField)
		}
		return nil
	})
	if err != nil && !keyNotFound(err) {
		return nil, fmt.Errorf("redis multi get on %s/%s: %w", index, typeName, err)
	}
	r := make([]sopdoc.Document, 0, len(ids))
	for i, cmd := range cmds {
		if d, found := toDocument(index, typeName, ids[i], cmd.Val()); found {
			r = append(r, d)
		}
	}
	return r, nil
}

// Search implements sopdoc.Transport. Documents are ordered by id.
func (s *Store) Search(ctx context.Context, index, typeName string, from, size int) (sopdoc.SearchResult, error) {
	var r sopdoc.SearchResult
	key := s.idsKey(index, typeName)
	total, err := s.conn.Client.ZCard(ctx, key).Result()
	if err != nil {
		return r, fmt.Errorf("redis count %s/%s: %w", index, typeName, err)
	}
	r.Total = total
	if size <= 0 || int64(from) >= total {
		return r, nil
	}
	ids, err := s.conn.Client.ZRange(ctx, key, int64(from), int64(from+size-1)).Result()
	if err != nil {
		return r, fmt.Errorf("redis search %s/%s: %w", index, typeName, err)
	}
	if r.Documents, err = s.MultiGet(ctx, index, typeName, ids); err != nil {
		return r, err
	}
	return r, nil
}

// Bulk implements sopdoc.Transport. Items are applied one by one, each as an optimistic transaction.
func (s *Store) Bulk(ctx context.Context, ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error) {
	resp := sopdoc.BulkResponse{Items: make([]sopdoc.BulkItemResult, len(ops))}
	for i, op := range ops {
		resp.Items[i] = s.apply(ctx, op)
		if !resp.Items[i].Valid {
			resp.HasErrors = true
		}
	}
	return resp, nil
}

func (s *Store) apply(ctx context.Context, op sopdoc.BulkOperation) sopdoc.BulkItemResult {
	if op.ID == "" && op.Action == sopdoc.ActionCreate {
		// The key has to be known before it can be watched.
		op.ID = s.newID()
	}
	key := s.docKey(op.Index, op.Type, op.ID)
	var result sopdoc.BulkItemResult
	err := s.conn.Client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, versionField, sourceField).Result()
		if err != nil && !keyNotFound(err) {
			return err
		}
		stored, found := toDocument(op.Index, op.Type, op.ID, vals)
		next, mutation, r := sopdoc.Apply(stored, found, op, s.newID)
		result = r
		if mutation == sopdoc.MutationNone {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ids := s.idsKey(op.Index, op.Type)
			if mutation == sopdoc.MutationDelete {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, ids, op.ID)
				return nil
			}
			pipe.HSet(ctx, key, versionField, next.Version, sourceField, string(next.Source))
			pipe.ZAdd(ctx, ids, redis.Z{Score: 0, Member: next.ID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusConflict, fmt.Errorf("version conflict on %s/%s/%s", op.Index, op.Type, op.ID))
	}
	if err != nil {
		log.Warn("redis bulk item failed", "op", op.Action.String(), "id", op.ID, "error", err.Error())
		return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
	}
	return result
}

// Ping implements sopdoc.Transport.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn.Client == nil {
		return fmt.Errorf("redis connection is closed")
	}
	if err := s.conn.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", s.conn.Options.Address, err)
	}
	return nil
}
