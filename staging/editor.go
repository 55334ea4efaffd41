package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Editor owns the authoritative collection and at most one edit session.
//
// It is the boundary guard around the core: overlapping commits and
// validations are rejected, and a session cannot be discarded while a commit
// is in flight. Staging calls go through Session() from a single goroutine.
type Editor struct {
	svc EntityService

	pageSize        int
	maxPages        int
	continueOnError bool
	now             func() time.Time

	onProgress  func(phase string)
	onCommitted func(CommitResult)
	onError     func(message string)

	mu            sync.Mutex // guards authoritative
	authoritative []Entity

	session    *Session
	committing atomic.Bool
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithPageSize sets the page size used for fetches.
func WithPageSize(n int) EditorOption {
	return func(e *Editor) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithMaxPages bounds paginated fetches.
func WithMaxPages(n int) EditorOption {
	return func(e *Editor) {
		if n > 0 {
			e.maxPages = n
		}
	}
}

// WithContinueOnError asks the remote to keep applying after a failed operation.
func WithContinueOnError(enabled bool) EditorOption {
	return func(e *Editor) { e.continueOnError = enabled }
}

// WithEditorClock sets the clock handed to new sessions.
func WithEditorClock(now func() time.Time) EditorOption {
	return func(e *Editor) {
		if now != nil {
			e.now = now
		}
	}
}

// OnProgress registers a callback for the coarse commit phases.
func OnProgress(fn func(phase string)) EditorOption {
	return func(e *Editor) { e.onProgress = fn }
}

// OnCommitted registers a callback run after a successful commit.
func OnCommitted(fn func(CommitResult)) EditorOption {
	return func(e *Editor) { e.onCommitted = fn }
}

// OnError registers a callback run with the user-facing message of a failed commit.
func OnError(fn func(message string)) EditorOption {
	return func(e *Editor) { e.onError = fn }
}

// NewEditor creates an editor over svc with an empty authoritative collection.
func NewEditor(svc EntityService, opts ...EditorOption) *Editor {
	e := &Editor{
		svc:      svc,
		pageSize: DefaultPageSize,
		maxPages: DefaultMaxPages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load replaces the authoritative collection with a fresh fetch.
func (e *Editor) Load(ctx context.Context) error {
	if e.committing.Load() {
		return ErrCommitInFlight
	}
	entities, err := FetchAll(ctx, e.svc, e.pageSize, e.maxPages)
	if err != nil {
		return &TransportError{Op: "load", Err: err}
	}
	e.setAuthoritative(entities)
	log.Info("Loaded authoritative collection", "entities", len(entities))
	return nil
}

// Authoritative returns a copy of the server-confirmed collection.
func (e *Editor) Authoritative() []Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return CloneEntities(e.authoritative)
}

func (e *Editor) setAuthoritative(entities []Entity) {
	e.mu.Lock()
	e.authoritative = CloneEntities(entities)
	e.mu.Unlock()
}

// Enter starts an edit session over the authoritative collection,
// or returns the active one.
func (e *Editor) Enter() *Session {
	if e.session != nil && e.session.Active() {
		return e.session
	}
	e.session = NewSession(e.Authoritative(), WithClock(e.now))
	return e.session
}

// Session returns the active session, or nil.
func (e *Editor) Session() *Session {
	if e.session == nil || !e.session.Active() {
		return nil
	}
	return e.session
}

// Discard abandons the active session.
func (e *Editor) Discard() error {
	if e.committing.Load() {
		return ErrCommitInFlight
	}
	if e.session == nil {
		return nil
	}
	e.session.Discard()
	e.session = nil
	return nil
}

// Exit leaves edit mode, abandoning any staged work.
func (e *Editor) Exit() error {
	return e.Discard()
}

// DisplayList is the working copy while a session is active, else the authoritative collection.
func (e *Editor) DisplayList() []Entity {
	if s := e.Session(); s != nil {
		return s.WorkingCopy()
	}
	return e.Authoritative()
}

// UndoCount is the number of undoable entries of the active session.
func (e *Editor) UndoCount() int {
	if s := e.Session(); s != nil {
		return s.UndoCount()
	}
	return 0
}

// RedoCount is the number of redoable entries of the active session.
func (e *Editor) RedoCount() int {
	if s := e.Session(); s != nil {
		return s.RedoCount()
	}
	return 0
}

// IsModified reports whether id diverges from the session baseline.
func (e *Editor) IsModified(id int64) bool {
	if s := e.Session(); s != nil {
		return s.IsModified(id)
	}
	return false
}

// Undo reverts the latest entry of the active session.
func (e *Editor) Undo() bool {
	if e.committing.Load() {
		return false
	}
	if s := e.Session(); s != nil {
		return s.Undo()
	}
	return false
}

// Redo replays the latest undone entry of the active session.
func (e *Editor) Redo() bool {
	if e.committing.Load() {
		return false
	}
	if s := e.Session(); s != nil {
		return s.Redo()
	}
	return false
}

// Summary describes the staged work of the active session.
func (e *Editor) Summary() ChangeSummary {
	if s := e.Session(); s != nil {
		return Summarize(s)
	}
	return ChangeSummary{Counts: map[string]int{}}
}

// Conflicts fetches the collection and reports modified entities that changed remotely.
func (e *Editor) Conflicts(ctx context.Context) ([]EntityConflict, error) {
	s := e.Session()
	if s == nil {
		return nil, ErrNoSession
	}
	remote, err := FetchAll(ctx, e.svc, e.pageSize, e.maxPages)
	if err != nil {
		conflictChecks.WithLabelValues("error").Inc()
		return nil, &TransportError{Op: "conflict check", Err: err}
	}
	conflicts := FindConflicts(s, remote)
	if len(conflicts) > 0 {
		conflictChecks.WithLabelValues("conflict").Inc()
	} else {
		conflictChecks.WithLabelValues("clean").Inc()
	}
	return conflicts, nil
}

// CheckConflicts reports whether any modified entity changed remotely.
// A transport failure is logged and reported as no conflict.
func (e *Editor) CheckConflicts(ctx context.Context) bool {
	conflicts, err := e.Conflicts(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			log.Error("Conflict check failed, assuming no conflicts", "err", err)
		}
		return false
	}
	for _, c := range conflicts {
		log.Warn("Conflict detected", "entity", c.Label(), "detail", c.Description())
	}
	return len(conflicts) > 0
}

// Commit consolidates the staged work, sends it in one bulk call and refreshes
// the authoritative collection. It never returns an error directly; failures
// are reported in the result. On success the session ends; otherwise it stays
// active so the user can adjust and retry.
func (e *Editor) Commit(ctx context.Context) (result CommitResult) {
	if !e.committing.CompareAndSwap(false, true) {
		return CommitResult{Err: ErrCommitInFlight, Message: "A commit is already in progress"}
	}
	defer e.committing.Store(false)

	timer := prometheus.NewTimer(commitDuration)
	defer timer.ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic during commit", "panic", r)
			result = CommitResult{
				Message: "unexpected error during commit",
				Err:     fmt.Errorf("unexpected error during commit: %v", r),
			}
			commitsTotal.WithLabelValues(outcomeFailed).Inc()
			e.reportError(result.Message)
		}
	}()

	s := e.Session()
	if s == nil {
		return CommitResult{Err: ErrNoSession, Message: "No active edit session"}
	}
	s.EndBatch()

	if !s.HasChanges() {
		s.end()
		e.session = nil
		commitsTotal.WithLabelValues(outcomeEmpty).Inc()
		return CommitResult{
			Success:         true,
			UpdatedEntities: e.Authoritative(),
			TempIDMap:       map[int64]int64{},
			GroupIDMap:      map[string]int64{},
			Message:         "No changes to commit",
		}
	}

	staged := s.Log()
	planned := Consolidate(staged, s.WorkingCopy())
	consolidationRatio.Observe(float64(len(planned)) / float64(len(staged)))

	req := Translate(planned, s.StagedGroups())
	req.Options.ContinueOnError = e.continueOnError

	e.progress(fmt.Sprintf("applying %d operations", len(req.Operations)))
	log.Info("Committing staged operations", "staged", len(staged), "operations", len(req.Operations), "groups", len(req.Groups))

	resp, err := e.svc.BulkCommit(ctx, req)
	if err != nil {
		result = CommitResult{
			Err:        &TransportError{Op: "bulk commit", Err: err},
			TempIDMap:  map[int64]int64{},
			GroupIDMap: map[string]int64{},
		}
		result.Message = "Commit failed: " + err.Error()
	} else {
		result = resultFromResponse(resp)
	}

	e.progress("fetching updated entities")
	fresh, fetchErr := FetchAll(ctx, e.svc, e.pageSize, e.maxPages)
	if fetchErr != nil {
		log.Error("Failed to refresh after commit", "err", fetchErr)
	} else {
		result.UpdatedEntities = fresh
	}

	if !result.Success {
		outcome := outcomeFailed
		if result.Applied > 0 {
			outcome = outcomePartial
		}
		commitsTotal.WithLabelValues(outcome).Inc()
		log.Error("Commit failed", "applied", result.Applied, "failed", result.Failed, "err", result.Err)
		e.reportError(result.Message)
		return result
	}

	s.end()
	e.session = nil
	if fetchErr != nil {
		// the remote has the changes, so the session cannot be kept for a retry
		result.Err = &TransportError{Op: "refresh", Err: fetchErr}
		result.Message = fmt.Sprintf("Committed %d operations, but refreshing failed", result.Applied)
	} else {
		e.setAuthoritative(fresh)
		result.Message = fmt.Sprintf("Committed %d operations", result.Applied)
	}
	commitsTotal.WithLabelValues(outcomeSuccess).Inc()
	log.Info("Commit succeeded", "applied", result.Applied, "created", len(result.TempIDMap), "groups", len(result.GroupIDMap))
	if e.onCommitted != nil {
		e.onCommitted(result)
	}
	return result
}

// Validate sends the consolidated work as a validate-only request.
func (e *Editor) Validate(ctx context.Context) ValidationResult {
	if !e.committing.CompareAndSwap(false, true) {
		return ValidationResult{Err: ErrCommitInFlight}
	}
	defer e.committing.Store(false)

	s := e.Session()
	if s == nil {
		return ValidationResult{Err: ErrNoSession}
	}
	if !s.HasChanges() {
		return ValidationResult{Passed: true}
	}

	req := Translate(Consolidate(s.Log(), s.WorkingCopy()), s.StagedGroups())
	req.Options.ValidateOnly = true
	req.Options.ContinueOnError = true

	resp, err := e.svc.BulkCommit(ctx, req)
	if err != nil {
		log.Error("Validation request failed", "err", err)
		return ValidationResult{Err: &TransportError{Op: "validate", Err: err}}
	}

	passed := resp.Success
	if resp.ValidationPassed != nil {
		passed = *resp.ValidationPassed
	}
	result := ValidationResult{
		Passed: passed,
		Issues: append([]ValidationIssue(nil), resp.ValidationIssues...),
		Errors: append([]BulkCommitError(nil), resp.Errors...),
	}
	if !passed {
		if len(resp.Errors) > 0 {
			result.Err = &ValidationError{BulkCommitError: resp.Errors[0]}
		} else {
			result.Err = errors.New("validation failed")
		}
	}
	log.Debug("Validated staged operations", "passed", passed, "issues", len(result.Issues))
	return result
}

func (e *Editor) progress(phase string) {
	log.Debug("Commit progress", "phase", phase)
	if e.onProgress != nil {
		e.onProgress(phase)
	}
}

func (e *Editor) reportError(message string) {
	if e.onError != nil {
		e.onError(message)
	}
}
