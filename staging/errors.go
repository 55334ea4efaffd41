package staging

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCommitInFlight is returned when a commit, validation or discard overlaps a running commit.
var ErrCommitInFlight = errors.New("a commit is already in flight")

// ErrNoSession is returned when an operation needs an active edit session.
var ErrNoSession = errors.New("no active edit session")

// ValidationError is one operation the remote rejected.
type ValidationError struct {
	BulkCommitError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.EntityName != "" {
		fmt.Fprintf(&b, " (entity %s", e.EntityName)
		if e.MemberName != "" {
			fmt.Fprintf(&b, ", member %s", e.MemberName)
		}
		b.WriteString(")")
	} else if e.EntityID != 0 {
		fmt.Fprintf(&b, " (entity #%d)", e.EntityID)
	}
	return b.String()
}

// ConflictError reports entities that diverged remotely since the session began.
// It is advisory; commit does not enforce it.
type ConflictError struct {
	Conflicts []EntityConflict
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		return fmt.Sprintf("entity %s changed remotely", e.Conflicts[0].Label())
	}
	return fmt.Sprintf("%d entities changed remotely", len(e.Conflicts))
}

// TransportError wraps a failure talking to the remote service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PartialApplicationError is returned when some operations of a bulk call failed.
// Applied operations stay applied on the remote.
type PartialApplicationError struct {
	Applied int
	Failed  int
	Errors  []*ValidationError
}

func (e *PartialApplicationError) Error() string {
	msg := fmt.Sprintf("%d of %d operations failed", e.Failed, e.Applied+e.Failed)
	if len(e.Errors) > 0 {
		msg += ": " + e.Errors[0].Error()
	}
	return msg
}

// Unwrap exposes the individual rejections to errors.As.
func (e *PartialApplicationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, v := range e.Errors {
		errs[i] = v
	}
	return errs
}
