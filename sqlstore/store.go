// Package sqlstore is a database/sql document store Transport. Documents live in one table keyed by
// (index, type, id) with a numeric version used for optimistic writes.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	log "log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/sharedcode/sopdoc"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name   string
	Driver string
	// numbered is true if placeholders are $1, $2... instead of ?.
	numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Driver: "sqlite"}
	Postgres = Dialect{Name: "postgres", Driver: "pgx", numbered: true}
)

// DefaultTable is the table documents are stored in.
const DefaultTable = "documents"

// Store is the database/sql Transport. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	newID   func() string
}

// Open opens dsn with dialect's driver, checks connectivity & creates the documents table if missing.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		// Single writer, also keeps an in-memory database on one connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	s, err := New(ctx, db, dialect, DefaultTable)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an opened db. The table gets created if missing.
func New(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	s := &Store{db: db, dialect: dialect, table: table, newID: sopdoc.NewUUID}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		idx TEXT NOT NULL,
		typ TEXT NOT NULL,
		id TEXT NOT NULL,
		version BIGINT NOT NULL,
		source TEXT NOT NULL,
		PRIMARY KEY (idx, typ, id)
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s table: %w", s.table, err)
	}
	return nil
}

// rebind converts ? placeholders for dialects numbering them.
func (s *Store) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) query(format string) string {
	return s.rebind(fmt.Sprintf(format, s.table))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner, index, typeName string) (sopdoc.Document, error) {
	var (
		doc     = sopdoc.Document{Index: index, Type: typeName}
		version int64
		source  string
	)
	if err := row.Scan(&doc.ID, &version, &source); err != nil {
		return sopdoc.Document{}, err
	}
	doc.Version = strconv.FormatInt(version, 10)
	doc.Source = []byte(source)
	return doc, nil
}

// Get implements sopdoc.Transport.
func (s *Store) Get(ctx context.Context, index, typeName, id string) (sopdoc.Document, bool, error) {
	row := s.db.QueryRowContext(ctx, s.query(`SELECT id, version, source FROM %s WHERE idx = ? AND typ = ? AND id = ?`), index, typeName, id)
	doc, err := scanDocument(row, index, typeName)
	if errors.Is(err, sql.ErrNoRows) {
		return sopdoc.Document{}, false, nil
	}
	if err != nil {
		return sopdoc.Document{}, false, fmt.Errorf("select %s/%s/%s: %w", index, typeName, id, err)
	}
	return doc, true, nil
}

// MultiGet implements sopdoc.Transport.
func (s *Store) MultiGet(ctx context.Context, index, typeName string, ids []string) ([]sopdoc.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, index, typeName)
	for _, id := range ids {
		args = append(args, id)
	}
	q := fmt.Sprintf(`SELECT id, version, source FROM %s WHERE idx = ? AND typ = ? AND id IN (?%s)`, s.table, strings.Repeat(", ?", len(ids)-1))
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("multi get on %s/%s: %w", index, typeName, err)
	}
	defer func() { _ = rows.Close() }()
	byID := make(map[string]sopdoc.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows, index, typeName)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

// Search implements sopdoc.Transport. Documents are ordered by id.
func (s *Store) Search(ctx context.Context, index, typeName string, from, size int) (sopdoc.SearchResult, error) {
	var r sopdoc.SearchResult
	if err := s.db.QueryRowContext(ctx, s.query(`SELECT COUNT(*) FROM %s WHERE idx = ? AND typ = ?`), index, typeName).Scan(&r.Total); err != nil {
		return r, fmt.Errorf("count %s/%s: %w", index, typeName, err)
	}
	rows, err := s.db.QueryContext(ctx, s.query(`SELECT id, version, source FROM %s WHERE idx = ? AND typ = ? ORDER BY id LIMIT ? OFFSET ?`), index, typeName, size, from)
	if err != nil {
		return r, fmt.Errorf("search %s/%s: %w", index, typeName, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		doc, err := scanDocument(rows, index, typeName)
		if err != nil {
			return r, fmt.Errorf("scan: %w", err)
		}
		r.Documents = append(r.Documents, doc)
	}
	return r, rows.Err()
}

// Bulk implements sopdoc.Transport. Each item is applied on its own, guarded by the stored version.
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
	var (
		res sql.Result
		err error
	)
	switch mutation {
	case sopdoc.MutationNone:
		return result
	case sopdoc.MutationPut:
		version, _ := strconv.ParseInt(next.Version, 10, 64)
		if !found {
			res, err = s.db.ExecContext(ctx, s.query(`INSERT INTO %s (idx, typ, id, version, source) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
				next.Index, next.Type, next.ID, version, string(next.Source))
		} else {
			prev, _ := strconv.ParseInt(stored.Version, 10, 64)
			res, err = s.db.ExecContext(ctx, s.query(`UPDATE %s SET version = ?, source = ? WHERE idx = ? AND typ = ? AND id = ? AND version = ?`),
				version, string(next.Source), next.Index, next.Type, next.ID, prev)
		}
	case sopdoc.MutationDelete:
		prev, _ := strconv.ParseInt(stored.Version, 10, 64)
		res, err = s.db.ExecContext(ctx, s.query(`DELETE FROM %s WHERE idx = ? AND typ = ? AND id = ? AND version = ?`),
			stored.Index, stored.Type, stored.ID, prev)
	}
	if err != nil {
		log.Warn("sql bulk item failed", "op", op.Action.String(), "id", op.ID, "error", err.Error())
		return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return sopdoc.NewItemResult(op, op.Version, sopdoc.StatusFailure, err)
	} else if n == 0 {
		// Lost a race to a concurrent writer.
		return sopdoc.NewItemResult(op, stored.Version, sopdoc.StatusConflict, fmt.Errorf("version conflict on %s/%s/%s", op.Index, op.Type, result.ID))
	}
	return result
}

// Ping implements sopdoc.Transport.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
