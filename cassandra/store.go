// Package cassandra is a Cassandra backed document store Transport. Writes are lightweight
// transactions conditioned on the stored version.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strconv"

	"github.com/gocql/gocql"
	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/sopdoc"
)

// Store is the Cassandra Transport. Safe for concurrent use.
type Store struct {
	conn  *Connection
	table string
	newID func() string
}

// NewStore returns a Store on top of conn.
func NewStore(conn *Connection) *Store {
	return &Store{
		conn:  conn,
		table: fmt.Sprintf("%s.%s", conn.Keyspace, documentsTable),
		newID: sopdoc.NewUUID,
	}
}

// Open connects using config.
func Open(config sopdoc.CassandraConfig) (*Store, error) {
	c, err := ConfigFrom(config)
	if err != nil {
		return nil, err
	}
	conn, err := OpenConnection(c)
	if err != nil {
		return nil, fmt.Errorf("cassandra connect: %w", err)
	}
	return NewStore(conn), nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) query(ctx context.Context, consistency gocql.Consistency, statement string, args ...any) (*gocql.Query, error) {
	if s.conn.Session == nil {
		return nil, fmt.Errorf("cassandra connection is closed, call OpenConnection(config) to open it")
	}
	qry := s.conn.Session.Query(statement, args...).WithContext(ctx)
	if consistency > gocql.Any {
		qry.Consistency(consistency)
	}
	return qry, nil
}

func toDocument(index, typeName, id string, version int64, source string) sopdoc.Document {
	return sopdoc.Document{Index: index, Type: typeName, ID: id, Version: strconv.FormatInt(version, 10), Source: []byte(source)}
}

// Get implements sopdoc.Transport.
func (s *Store) Get(ctx context.Context, index, typeName, id string) (sopdoc.Document, bool, error) {
	qry, err := s.query(ctx, s.conn.ConsistencyBook.Get,
		fmt.Sprintf("SELECT version, source FROM %s WHERE idx = ? AND typ = ? AND id = ?;", s.table), index, typeName, id)
	if err != nil {
		return sopdoc.Document{}, false, err
	}
	var (
		version int64
		source  string
	)
	if err := qry.Scan(&version, &source); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return sopdoc.Document{}, false, nil
		}
		return sopdoc.Document{}, false, fmt.Errorf("cassandra get %s/%s/%s: %w", index, typeName, id, err)
	}
	return toDocument(index, typeName, id, version, source), true, nil
}

// MultiGet implements sopdoc.Transport.
func (s *Store) MultiGet(ctx context.Context, index, typeName string, ids []string) ([]sopdoc.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	qry, err := s.query(ctx, s.conn.ConsistencyBook.Get,
		fmt.Sprintf("SELECT id, version, source FROM %s WHERE idx = ? AND typ = ? AND id IN ?;", s.table), index, typeName, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]sopdoc.Document, len(ids))
	iter := qry.Iter()
	var (
		id      string
		version int64
		source  string
	)
	for iter.Scan(&id, &version, &source) {
		byID[id] = toDocument(index, typeName, id, version, source)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("cassandra multi get on %s/%s: %w", index, typeName, err)
	}
	r := make([]sopdoc.Document, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			r = append(r, d)
			delete(byID, id)
		}
	}
	return r, nil
}

// Search implements sopdoc.Transport. Documents are ordered by id. There is no offset in CQL so the
// first from rows of the partition are read & skipped.
func (s *Store) Search(ctx context.Context, index, typeName string, from, size int) (sopdoc.SearchResult, error) {
	var r sopdoc.SearchResult
	qry, err := s.query(ctx, s.conn.ConsistencyBook.Get,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE idx = ? AND typ = ?;", s.table), index, typeName)
	if err != nil {
		return r, err
	}
	if err := qry.Scan(&r.Total); err != nil {
		return r, fmt.Errorf("cassandra count %s/%s: %w", index, typeName, err)
	}
	if size <= 0 || int64(from) >= r.Total {
		return r, nil
	}
	qry, _ = s.query(ctx, s.conn.ConsistencyBook.Get,
		fmt.Sprintf("SELECT id, version, source FROM %s WHERE idx = ? AND typ = ? LIMIT ?;", s.table), index, typeName, from+size)
	iter := qry.PageSize(from + size).Iter()
	var (
		id      string
		version int64
		source  string
	)
	for i := 0; iter.Scan(&id, &version, &source); i++ {
		if i < from {
			continue
		}
		r.Documents = append(r.Documents, toDocument(index, typeName, id, version, source))
	}
	if err := iter.Close(); err != nil {
		return r, fmt.Errorf("cassandra search %s/%s: %w", index, typeName, err)
	}
	return r, nil
}

// Bulk implements sopdoc.Transport. Items execute concurrently, bounded by Config.BulkConcurrency.
// Results keep the order of ops.
func (s *Store) Bulk(ctx context.Context, ops []sopdoc.BulkOperation) (sopdoc.BulkResponse, error) {
	if s.conn.Session == nil {
		return sopdoc.BulkResponse{}, fmt.Errorf("cassandra connection is closed, call OpenConnection(config) to open it")
	}
	resp := sopdoc.BulkResponse{Items: make([]sopdoc.BulkItemResult, len(ops))}
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(s.conn.BulkConcurrency)
	for i, op := range ops {
		i, op := i, op
		eg.Go(func() error {
			resp.Items[i] = s.apply(ectx, op)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return sopdoc.BulkResponse{}, err
	}
	for _, item := range resp.Items {
		if !item.Valid {
			resp.HasErrors = true
			break
		}
	}
	return resp, nil
}

func (s *Store) apply(ctx context.Context, op sopdoc.BulkOperation) sopdoc.BulkItemResult {
	var (
		stored sopdoc.Document
		found  bool
	)
	if op.ID != "" {
		var err error
		if stored, found, err = s.Get(ctx, op.Index, op.Type, op.ID); err != nil {
			return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
		}
	}
	next, mutation, result := sopdoc.Apply(stored, found, op, s.newID)
	if mutation == sopdoc.MutationNone {
		return result
	}

	var (
		qry *gocql.Query
		err error
	)
	prev, _ := strconv.ParseInt(stored.Version, 10, 64)
	switch {
	case mutation == sopdoc.MutationDelete:
		qry, err = s.query(ctx, s.conn.ConsistencyBook.Remove,
			fmt.Sprintf("DELETE FROM %s WHERE idx = ? AND typ = ? AND id = ? IF version = ?;", s.table),
			stored.Index, stored.Type, stored.ID, prev)
	case !found:
		version, _ := strconv.ParseInt(next.Version, 10, 64)
		qry, err = s.query(ctx, s.conn.ConsistencyBook.Add,
			fmt.Sprintf("INSERT INTO %s (idx, typ, id, version, source) VALUES (?, ?, ?, ?, ?) IF NOT EXISTS;", s.table),
			next.Index, next.Type, next.ID, version, string(next.Source))
	default:
		version, _ := strconv.ParseInt(next.Version, 10, 64)
		qry, err = s.query(ctx, s.conn.ConsistencyBook.Update,
			fmt.Sprintf("UPDATE %s SET version = ?, source = ? WHERE idx = ? AND typ = ? AND id = ? IF version = ?;", s.table),
			version, string(next.Source), next.Index, next.Type, next.ID, prev)
	}
	if err != nil {
		return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
	}
	// Not applied rows carry the current column values, a map takes whichever come back.
	applied, err := qry.MapScanCAS(map[string]any{})
	if err != nil {
		log.Warn("cassandra bulk item failed", "op", op.Action.String(), "id", op.ID, "error", err.Error())
		return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
	}
	if !applied {
		// Lost a race to a concurrent writer.
		return sopdoc.NewItemResult(op, stored.Version, sopdoc.StatusConflict, fmt.Errorf("version conflict on %s/%s/%s", op.Index, op.Type, result.ID))
	}
	return result
}

// Ping implements sopdoc.Transport.
func (s *Store) Ping(ctx context.Context) error {
	qry, err := s.query(ctx, gocql.One, "SELECT release_version FROM system.local;")
	if err != nil {
		return err
	}
	var v string
	if err := qry.Scan(&v); err != nil {
		return fmt.Errorf("cassandra ping: %w", err)
	}
	return nil
}
