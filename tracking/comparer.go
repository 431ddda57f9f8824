package tracking

import "github.com/sharedcode/sopdoc"

// IdentityKey is the map key a Comparer derives from a record.
type IdentityKey struct {
	ID    string
	Index string
	Type  string
}

// Comparer is an identity policy over tracked records.
type Comparer interface {
	// Equal reports whether a & b denote the same document. Version & instance are ignored.
	Equal(a, b *TrackedMetadata) bool
	// Key returns the identity key of m, consistent with Equal.
	Key(m *TrackedMetadata) IdentityKey
	// KeyOf returns the identity key of an (id, index, type) triplet.
	KeyOf(id, index, typeName string) IdentityKey
}

// IndexScopedComparer identifies records by (id, index, type).
type IndexScopedComparer struct{}

func (IndexScopedComparer) Equal(a, b *TrackedMetadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.id == b.id && a.indexName == b.indexName && a.typeName == b.typeName
}

func (c IndexScopedComparer) Key(m *TrackedMetadata) IdentityKey {
	return c.KeyOf(m.id, m.indexName, m.typeName)
}

func (IndexScopedComparer) KeyOf(id, index, typeName string) IdentityKey {
	return IdentityKey{ID: id, Index: index, Type: typeName}
}

// TypeScopedComparer identifies records by (id, type), collapsing identity across indices.
type TypeScopedComparer struct{}

func (TypeScopedComparer) Equal(a, b *TrackedMetadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.id == b.id && a.typeName == b.typeName
}

func (c TypeScopedComparer) Key(m *TrackedMetadata) IdentityKey {
	return c.KeyOf(m.id, m.indexName, m.typeName)
}

func (TypeScopedComparer) KeyOf(id, _ string, typeName string) IdentityKey {
	return IdentityKey{ID: id, Type: typeName}
}

// ComparerFor returns the comparer implementing policy. Unknown policies get the index scoped one.
func ComparerFor(policy sopdoc.IdentityPolicy) Comparer {
	if policy == sopdoc.TypeScoped {
		return TypeScopedComparer{}
	}
	return IndexScopedComparer{}
}
