package sopdoc

import (
	"fmt"
	"strings"
)

// ErrorCode classifies errors raised by the session layer.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// ValidationFailure is raised synchronously on bad arguments or invalid tracked state.
	ValidationFailure
	// QueryFailure wraps a store level failure of get, multi-get, search or ping.
	QueryFailure
	// BulkPartialFailure means some items of a batch did not get applied.
	BulkPartialFailure
	// CompensationFailure means the compensating batch of a partial failure did not fully apply.
	CompensationFailure
	AlreadyDisposed
	TransactionNameConflict
	CommitFailed
	InnerRollback
	UnresolvableIdentifier
	DuplicateInstance
	NotFound
	VersionConflict
	ConcurrentUse
)

var codeNames = map[ErrorCode]string{
	Unknown:                 "unknown",
	ValidationFailure:       "validation failure",
	QueryFailure:            "query failure",
	BulkPartialFailure:      "bulk partial failure",
	CompensationFailure:     "compensation failure",
	AlreadyDisposed:         "already disposed",
	TransactionNameConflict: "transaction name conflict",
	CommitFailed:            "commit failed",
	InnerRollback:           "inner rollback occurred",
	UnresolvableIdentifier:  "unresolvable identifier",
	DuplicateInstance:       "duplicate instance",
	NotFound:                "not found",
	VersionConflict:         "version conflict",
	ConcurrentUse:           "concurrent use",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error is the coded error raised by sopdoc components.
type Error struct {
	Code ErrorCode
	// Op names the operation that failed, e.g. "Session.FindBy".
	Op       string
	Err      error
	UserData any
}

// Sentinels usable with errors.Is. Matching is by code only.
var (
	ErrAlreadyDisposed         = &Error{Code: AlreadyDisposed}
	ErrTransactionNameConflict = &Error{Code: TransactionNameConflict}
	ErrCommitFailed            = &Error{Code: CommitFailed}
	ErrInnerRollback           = &Error{Code: InnerRollback}
	ErrUnresolvableIdentifier  = &Error{Code: UnresolvableIdentifier}
	ErrDuplicateInstance       = &Error{Code: DuplicateInstance}
	ErrValidation              = &Error{Code: ValidationFailure}
	ErrQuery                   = &Error{Code: QueryFailure}
	ErrBulkPartialFailure      = &Error{Code: BulkPartialFailure}
	ErrCompensation            = &Error{Code: CompensationFailure}
	ErrNotFound                = &Error{Code: NotFound}
	ErrVersionConflict         = &Error{Code: VersionConflict}
	ErrConcurrentUse           = &Error{Code: ConcurrentUse}
)

// NewError returns a coded error for op wrapping err.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf returns a coded error for op with a formatted detail message.
func Errorf(code ErrorCode, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Code.String())
	if e.Err != nil {
		sb.WriteString(", details: ")
		sb.WriteString(e.Err.Error())
	}
	if e.UserData != nil {
		fmt.Fprintf(&sb, ", user data: %v", e.UserData)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error (or BulkError/InnerRollbackError) carrying the same code.
func (e *Error) Is(target error) bool {
	return codeOf(target) == e.Code && e.Code != Unknown
}

// CodeOf returns the code of the outermost coded error in err's chain, or Unknown. A *BulkError
// nesting a compensation failure reports BulkPartialFailure, the cause it was raised for.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if c := codeOf(err); c != Unknown {
			return c
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if c := CodeOf(e); c != Unknown {
					return c
				}
			}
			return Unknown
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return Unknown
		}
	}
	return Unknown
}

func codeOf(err error) ErrorCode {
	switch t := err.(type) {
	case *Error:
		return t.Code
	case *BulkError:
		return BulkPartialFailure
	case *InnerRollbackError:
		return InnerRollback
	}
	return Unknown
}

// ItemFailure describes one item a store reported as not applied.
type ItemFailure struct {
	Action  Action
	Index   string
	Type    string
	ID      string
	Version string
	Status  int
	Message string
}

func (f ItemFailure) String() string {
	return fmt.Sprintf("%s %s/%s/%s(version=%s) status=%d: %s", f.Action, f.Index, f.Type, f.ID, f.Version, f.Status, f.Message)
}

// FailureFromResult converts a failed bulk item result into an ItemFailure.
func FailureFromResult(r BulkItemResult) ItemFailure {
	return ItemFailure{
		Action:  r.Action,
		Index:   r.Index,
		Type:    r.Type,
		ID:      r.ID,
		Version: r.Version,
		Status:  r.Status,
		Message: r.Error,
	}
}

// BulkError reports a batch that got partially applied. Failed lists exactly the items the
// store reported as failed. Compensation, if not nil, is the failure of the compensating batch
// and is kept nested so the original cause is never masked.
type BulkError struct {
	Op           string
	Index        string
	Failed       []ItemFailure
	Compensation error
}

func (e *BulkError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s on index %q, %d item(s) failed", e.Op, BulkPartialFailure, e.Index, len(e.Failed))
	for i := range e.Failed {
		sb.WriteString("; ")
		sb.WriteString(e.Failed[i].String())
	}
	if e.Compensation != nil {
		sb.WriteString(", compensation error: ")
		sb.WriteString(e.Compensation.Error())
	}
	return sb.String()
}

func (e *BulkError) Unwrap() error { return e.Compensation }

func (e *BulkError) Is(target error) bool { return codeOf(target) == BulkPartialFailure }

// FailedIDs returns the ids of the failed items.
func (e *BulkError) FailedIDs() []string {
	ids := make([]string, len(e.Failed))
	for i := range e.Failed {
		ids[i] = e.Failed[i].ID
	}
	return ids
}

// InnerRollbackError signals an enclosing scope that a nested transaction got rolled back.
type InnerRollbackError struct {
	// Frame is the name of the popped transaction frame.
	Frame string
	// Depth is the number of frames still live after the pop.
	Depth int
	Cause error
}

func (e *InnerRollbackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: transaction %q (remaining depth %d), cause: %v", InnerRollback, e.Frame, e.Depth, e.Cause)
	}
	return fmt.Sprintf("%s: transaction %q (remaining depth %d)", InnerRollback, e.Frame, e.Depth)
}

func (e *InnerRollbackError) Unwrap() error { return e.Cause }

func (e *InnerRollbackError) Is(target error) bool { return codeOf(target) == InnerRollback }
