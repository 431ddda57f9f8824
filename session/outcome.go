package session

import (
	"fmt"

	"github.com/sharedcode/sopdoc"
)

// OutcomeStatus summarizes a multi-document write.
type OutcomeStatus int

const (
	// NotApplied means no item got applied, e.g. no transaction was active.
	NotApplied OutcomeStatus = iota
	// PartiallyApplied means some items got applied, see BulkOutcome.Failed for the rest.
	PartiallyApplied
	// Applied means every item got applied.
	Applied
)

func (s OutcomeStatus) String() string {
	switch s {
	case PartiallyApplied:
		return "PartiallyApplied"
	case Applied:
		return "Applied"
	}
	return "NotApplied"
}

// ItemOutcome is the result of one item of a multi-document write.
type ItemOutcome struct {
	ID      string
	Index   string
	Type    string
	Version string
	Applied bool
	Status  int
	Error   string
	// Instance is the caller's object the item was built from, nil for by-id operations.
	Instance any
}

func (o ItemOutcome) String() string {
	if o.Applied {
		return fmt.Sprintf("%s/%s/%s applied at version %s", o.Index, o.Type, o.ID, o.Version)
	}
	return fmt.Sprintf("%s/%s/%s not applied, status %d: %s", o.Index, o.Type, o.ID, o.Status, o.Error)
}

// BulkOutcome enumerates per item outcomes of a multi-document write.
type BulkOutcome struct {
	Status OutcomeStatus
	Items  []ItemOutcome
}

// Failed returns the items not applied.
func (b BulkOutcome) Failed() []ItemOutcome {
	var r []ItemOutcome
	for _, it := range b.Items {
		if !it.Applied {
			r = append(r, it)
		}
	}
	return r
}

// AppliedItems returns the items applied.
func (b BulkOutcome) AppliedItems() []ItemOutcome {
	var r []ItemOutcome
	for _, it := range b.Items {
		if it.Applied {
			r = append(r, it)
		}
	}
	return r
}

func newBulkOutcome(items []ItemOutcome) BulkOutcome {
	applied := 0
	for _, it := range items {
		if it.Applied {
			applied++
		}
	}
	b := BulkOutcome{Items: items}
	switch {
	case len(items) > 0 && applied == len(items):
		b.Status = Applied
	case applied > 0:
		b.Status = PartiallyApplied
	}
	return b
}

func notApplied(items []ItemOutcome, reason string) BulkOutcome {
	for i := range items {
		items[i].Applied = false
		items[i].Error = reason
	}
	return BulkOutcome{Status: NotApplied, Items: items}
}

func outcomeOf(r sopdoc.BulkItemResult, instance any) ItemOutcome {
	return ItemOutcome{
		ID:       r.ID,
		Index:    r.Index,
		Type:     r.Type,
		Version:  r.Version,
		Applied:  r.Valid,
		Status:   r.Status,
		Error:    r.Error,
		Instance: instance,
	}
}
