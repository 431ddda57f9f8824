package sopdoc

import (
	"encoding/json"
	"fmt"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch"
)

// Mutation tells a Transport what to persist after Apply.
type Mutation int

const (
	// MutationNone means the item failed, nothing to persist.
	MutationNone Mutation = iota
	// MutationPut means the returned document is to be stored.
	MutationPut
	// MutationDelete means the document is to be removed.
	MutationDelete
)

// Apply computes the effect of op on the stored document of op's key. found tells whether stored
// exists. newID is called when a create comes without an id. Transports persist the returned document
// per the Mutation using their own optimistic write (e.g. compare & set on stored.Version).
//
// Versions issued are decimal counters starting at "1".
func Apply(stored Document, found bool, op BulkOperation, newID func() string) (Document, Mutation, BulkItemResult) {
	fail := func(status int, format string, args ...any) (Document, Mutation, BulkItemResult) {
		version := op.Version
		if found {
			version = stored.Version
		}
		return Document{}, MutationNone, NewItemResult(op, version, status, fmt.Errorf(format, args...))
	}
	if op.Index == "" || op.Type == "" {
		return fail(StatusInvalid, "index & type can't be empty")
	}
	if op.ID == "" && op.Action != ActionCreate {
		return fail(StatusInvalid, "%s requires an id", op.Action)
	}
	if op.Version != "" && found && op.Version != stored.Version {
		return fail(StatusConflict, "version conflict, expected %s, stored %s", op.Version, stored.Version)
	}

	next := Document{Index: op.Index, Type: op.Type, ID: op.ID}
	switch op.Action {
	case ActionCreate:
		if found {
			return fail(StatusConflict, "document %s/%s/%s already exists", op.Index, op.Type, op.ID)
		}
		if err := validSource(op.Source); err != nil {
			return fail(StatusInvalid, "%v", err)
		}
		if next.ID == "" {
			next.ID = newID()
		}
		next.Version = "1"
		next.Source = op.Source
		op.ID = next.ID
		return next, MutationPut, NewItemResult(op, next.Version, StatusCreated, nil)

	case ActionIndex:
		if op.Version != "" && !found {
			return fail(StatusConflict, "version conflict, expected %s, document not found", op.Version)
		}
		if err := validSource(op.Source); err != nil {
			return fail(StatusInvalid, "%v", err)
		}
		next.Source = op.Source
		status := StatusCreated
		next.Version = "1"
		if found {
			status = StatusOK
			next.Version = NextVersion(stored.Version)
		}
		return next, MutationPut, NewItemResult(op, next.Version, status, nil)

	case ActionUpdate:
		if !found {
			return fail(StatusNotFound, "document %s/%s/%s not found", op.Index, op.Type, op.ID)
		}
		switch {
		case len(op.Source) > 0:
			if err := validSource(op.Source); err != nil {
				return fail(StatusInvalid, "%v", err)
			}
			next.Source = op.Source
		case len(op.Patch) > 0:
			base := stored.Source
			if len(base) == 0 {
				base = json.RawMessage("{}")
			}
			merged, err := jsonpatch.MergePatch(base, op.Patch)
			if err != nil {
				return fail(StatusInvalid, "applying merge patch: %v", err)
			}
			next.Source = merged
		default:
			next.Source = stored.Source
		}
		next.Version = NextVersion(stored.Version)
		return next, MutationPut, NewItemResult(op, next.Version, StatusOK, nil)

	case ActionDelete:
		if !found {
			return fail(StatusNotFound, "document %s/%s/%s not found", op.Index, op.Type, op.ID)
		}
		return stored, MutationDelete, NewItemResult(op, stored.Version, StatusOK, nil)
	}
	return fail(StatusInvalid, "unknown action %s", op.Action)
}

// NextVersion returns the version following v.
func NextVersion(v string) string {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return "1"
	}
	return strconv.FormatInt(n+1, 10)
}

func validSource(src json.RawMessage) error {
	if len(src) == 0 {
		return fmt.Errorf("source can't be empty")
	}
	if !json.Valid(src) {
		return fmt.Errorf("source is not valid JSON")
	}
	return nil
}
