package sopdoc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Document is a stored JSON document identified by index, type, id & version.
type Document struct {
	Index string `json:"_index"`
	Type  string `json:"_type"`
	ID    string `json:"_id"`
	// Version is an opaque optimistic-concurrency token. It is compared, never interpreted.
	Version string          `json:"_version"`
	Source  json.RawMessage `json:"_source"`
}

// Key returns the document's (index, type, id) triplet formatted for logging.
func (d Document) Key() string {
	return fmt.Sprintf("%s/%s/%s", d.Index, d.Type, d.ID)
}

// Action enumerates the bulk operation kinds.
type Action int

const (
	// ActionCreate inserts a new document, failing if it exists. An empty ID lets the store assign one.
	ActionCreate Action = iota
	// ActionIndex upserts a document.
	ActionIndex
	// ActionUpdate replaces (Source) or merge-patches (Patch) an existing document.
	ActionUpdate
	// ActionDelete removes a document.
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionIndex:
		return "index"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// BulkOperation is one item of a bulk request.
type BulkOperation struct {
	Action Action
	Index  string
	Type   string
	ID     string
	// Version, when not empty, is the expected current version of the document. A mismatch fails the item
	// with StatusConflict.
	Version string
	// Source is the full document body for create, index and replacing updates.
	Source json.RawMessage
	// Patch is an RFC 7386 merge patch applied onto the stored document by update when Source is empty.
	Patch json.RawMessage
}

// Status codes reported per bulk item. They follow the HTTP semantics search stores use.
const (
	StatusOK       = 200
	StatusCreated  = 201
	StatusNotFound = 404
	StatusConflict = 409
	StatusInvalid  = 400
	StatusFailure  = 500
)

// BulkItemResult is the outcome of one bulk item.
type BulkItemResult struct {
	Action  Action
	Index   string
	Type    string
	ID      string
	Version string
	Status  int
	// Valid is true if the item got applied.
	Valid bool
	Error string
}

// BulkResponse is the store's response to a bulk request. Items are in request order.
type BulkResponse struct {
	Items     []BulkItemResult
	HasErrors bool
}

// Failed returns the positions of the items that did not get applied.
func (r BulkResponse) Failed() []int {
	var failed []int
	for i := range r.Items {
		if !r.Items[i].Valid {
			failed = append(failed, i)
		}
	}
	return failed
}

// SearchResult is a page of documents plus the total count of matches in the store.
type SearchResult struct {
	Documents []Document
	Total     int64
}

// Transport specifies the store operations consumed by the session layer.
// All methods are blocking; cancellation and timeouts belong to the implementation via ctx.
type Transport interface {
	// Get fetches a single document. Returns false & nil error if not found.
	Get(ctx context.Context, index, typeName, id string) (Document, bool, error)
	// MultiGet fetches documents by ids. Missing ids are omitted from the result.
	MultiGet(ctx context.Context, index, typeName string, ids []string) ([]Document, error)
	// Search returns a window of documents of a given type in an index.
	Search(ctx context.Context, index, typeName string, from, size int) (SearchResult, error)
	// Bulk applies a batch of operations. Each item succeeds or fails independently; err is
	// reserved for failures of the request as a whole.
	Bulk(ctx context.Context, ops []BulkOperation) (BulkResponse, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}

// NewItemResult is a helper for Transport implementations building a per item result.
func NewItemResult(op BulkOperation, version string, status int, err error) BulkItemResult {
	r := BulkItemResult{
		Action:  op.Action,
		Index:   op.Index,
		Type:    op.Type,
		ID:      op.ID,
		Version: version,
		Status:  status,
		Valid:   err == nil,
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
