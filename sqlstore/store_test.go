package sqlstore

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/sharedcode/sopdoc"
	"github.com/sharedcode/sopdoc/internal/transporttest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), SQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	transporttest.Run(t, openSQLite(t))
}

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv("SOPDOC_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SOPDOC_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), Postgres, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.DB().Exec(`DELETE FROM documents WHERE idx = 'tt'`); err != nil {
		t.Fatal(err)
	}
	transporttest.Run(t, s)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{SQLite, "SELECT * FROM t WHERE a = ? AND b = ?"},
		{Postgres, "SELECT * FROM t WHERE a = $1 AND b = $2"},
	}
	for _, tt := range tests {
		s := &Store{dialect: tt.dialect}
		if got := s.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.dialect.Name, got, tt.want)
		}
	}
}

func TestVersionsAreNumeric(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	ops := []sopdoc.BulkOperation{{Action: sopdoc.ActionIndex, Index: "i", Type: "t", ID: "1", Source: json.RawMessage(`{"a":1}`)}}
	for _, want := range []string{"1", "2", "3"} {
		resp, err := s.Bulk(ctx, ops)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Items[0].Version != want {
			t.Errorf("got version %s, want %s", resp.Items[0].Version, want)
		}
	}
	d, found, err := s.Get(ctx, "i", "t", "1")
	if err != nil || !found || d.Version != "3" || string(d.Source) != `{"a":1}` {
		t.Errorf("Get got %+v, %v, %v", d, found, err)
	}
}
