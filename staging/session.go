package staging

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Session is an optimistic local edit of an entity collection.
//
// It owns a baseline snapshot of the authoritative entities, a working copy with
// every staged operation applied, the operation log and the undo/redo stacks.
// A Session is not safe for concurrent use; all calls must come from one goroutine.
type Session struct {
	active    bool
	startedAt time.Time
	now       func() time.Time

	originals map[int64]Entity // authoritative entities captured on enter
	baseline  []EntitySnapshot
	state     State

	log       []StagedOperation
	undoStack []UndoEntry
	redoStack []UndoEntry
	modified  map[int64]bool

	nextTempEntityID int64
	nextTempGroupID  int64

	batch *openBatch
}

type openBatch struct {
	description string
	operations  []StagedOperation
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession enters a session over the authoritative entities.
// The entities are deep-copied; later changes by the caller are not observed.
func NewSession(authoritative []Entity, opts ...SessionOption) *Session {
	s := &Session{
		active:           true,
		now:              time.Now,
		originals:        make(map[int64]Entity, len(authoritative)),
		baseline:         make([]EntitySnapshot, len(authoritative)),
		state:            NewState(authoritative),
		modified:         make(map[int64]bool),
		nextTempEntityID: nextTempID(authoritative),
		nextTempGroupID:  -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i, e := range authoritative {
		s.originals[e.ID] = e.Clone()
		snap := Snapshot(e)
		snap.Position = i
		s.baseline[i] = snap
	}
	s.startedAt = s.now()
	log.Debug("Entered edit session", "entities", len(authoritative))
	return s
}

// Active reports whether the session accepts operations.
func (s *Session) Active() bool { return s.active }

// StartedAt is when the session was entered.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Discard abandons the session. Staged work is kept in memory but no longer accepted.
func (s *Session) Discard() {
	if !s.active {
		return
	}
	s.active = false
	s.batch = nil
	log.Info("Discarded edit session", "operations", len(s.log))
}

// end closes the session after its work reached the remote.
func (s *Session) end() {
	s.active = false
	s.batch = nil
}

// Stage applies op to the working copy and records it.
// affected lists additional ids whose snapshots should be captured; the
// operation's own targets are always captured. The returned bool is false
// when the operation was ignored.
func (s *Session) Stage(op Operation, description string, affected ...int64) (StagedOperation, bool) {
	if !s.active {
		log.Warn("Ignoring operation on inactive session", "kind", op.Kind())
		return StagedOperation{}, false
	}
	if del, ok := op.(DeleteEntity); ok && IsTempID(del.ID) {
		if _, exists := s.state.Find(del.ID); !exists {
			log.Warn("Ignoring delete of unknown temp entity", "id", del.ID)
			return StagedOperation{}, false
		}
	}

	op = s.resolve(op)
	ids := uniqueIDs(append(op.TargetIDs(), affected...))

	staged := StagedOperation{
		ID:              uuid.NewString(),
		Timestamp:       s.now(),
		Description:     description,
		Operation:       op,
		BeforeSnapshots: s.capture(ids),
		groupsBefore:    s.state.Groups.Clone(),
	}
	s.state = Apply(s.state, op)
	staged.AfterSnapshots = s.capture(ids)

	s.log = append(s.log, staged)
	for _, id := range ids {
		s.modified[id] = true
	}
	if s.batch != nil {
		s.batch.operations = append(s.batch.operations, staged)
	} else {
		s.undoStack = append(s.undoStack, UndoEntry{
			ID:          uuid.NewString(),
			Timestamp:   staged.Timestamp,
			Description: description,
			Operations:  []StagedOperation{staged},
		})
	}
	s.redoStack = nil

	operationsStaged.WithLabelValues(string(op.Kind())).Inc()
	log.Debug("Staged operation", "kind", op.Kind(), "ids", ids, "description", description)
	return staged, true
}

// StartBatch opens an accumulation window; operations staged until EndBatch
// are undone and redone together. Nested calls are ignored.
func (s *Session) StartBatch(description string) {
	if s.batch != nil {
		log.Warn("Batch already open, ignoring nested StartBatch", "open", s.batch.description, "nested", description)
		return
	}
	s.batch = &openBatch{description: description}
}

// EndBatch closes the accumulation window. An empty batch is dropped.
func (s *Session) EndBatch() {
	if s.batch == nil {
		return
	}
	batch := s.batch
	s.batch = nil
	if len(batch.operations) == 0 {
		return
	}
	s.undoStack = append(s.undoStack, UndoEntry{
		ID:          uuid.NewString(),
		Timestamp:   batch.operations[0].Timestamp,
		Description: batch.description,
		Operations:  batch.operations,
	})
	log.Debug("Closed batch", "description", batch.description, "operations", len(batch.operations))
}

// InBatch reports whether a batch is open.
func (s *Session) InBatch() bool { return s.batch != nil }

// resolve fills locally allocated ids so the logged operation replays identically.
func (s *Session) resolve(op Operation) Operation {
	switch o := op.(type) {
	case CreateEntity:
		o.TempID = s.claimEntityID(o.TempID)
		if o.NewGroupName != "" && o.GroupTempID == 0 {
			if id, ok := s.state.Groups.Lookup(o.NewGroupName); ok {
				o.GroupTempID = id
			} else {
				o.GroupTempID = s.claimGroupID(0)
			}
		}
		return o
	case CreateGroup:
		o.TempID = s.claimGroupID(o.TempID)
		return o
	}
	return op
}

// claimEntityID returns requested if it has never been issued, otherwise the next free temp id.
func (s *Session) claimEntityID(requested int64) int64 {
	if requested < 0 && requested <= s.nextTempEntityID {
		s.nextTempEntityID = requested - 1
		return requested
	}
	if requested != 0 {
		log.Warn("Temp entity id already issued, allocating a new one", "requested", requested)
	}
	id := s.nextTempEntityID
	s.nextTempEntityID--
	return id
}

func (s *Session) claimGroupID(requested int64) int64 {
	if requested < 0 && requested <= s.nextTempGroupID {
		s.nextTempGroupID = requested - 1
		return requested
	}
	if requested != 0 {
		log.Warn("Temp group id already issued, allocating a new one", "requested", requested)
	}
	id := s.nextTempGroupID
	s.nextTempGroupID--
	return id
}

func (s *Session) capture(ids []int64) []EntitySnapshot {
	snaps := make([]EntitySnapshot, 0, len(ids))
	for _, id := range ids {
		idx := indexOf(s.state.Entities, id)
		if idx < 0 {
			continue
		}
		snap := Snapshot(s.state.Entities[idx])
		snap.Position = idx
		snaps = append(snaps, snap)
	}
	return snaps
}

// recomputeModified rebuilds the modified set from the working copy and the baseline.
func (s *Session) recomputeModified() {
	base := make(map[int64]EntitySnapshot, len(s.baseline))
	for _, snap := range s.baseline {
		base[snap.ID] = snap
	}
	modified := make(map[int64]bool)
	seen := make(map[int64]bool, len(s.state.Entities))
	for _, e := range s.state.Entities {
		seen[e.ID] = true
		b, ok := base[e.ID]
		if !ok || !b.Equal(Snapshot(e)) {
			modified[e.ID] = true
		}
	}
	for id := range base {
		if !seen[id] {
			modified[id] = true
		}
	}
	s.modified = modified
}

// WorkingCopy returns a deep copy of the working entities in display order.
func (s *Session) WorkingCopy() []Entity {
	return CloneEntities(s.state.Entities)
}

// Find returns a copy of the working entity with id.
func (s *Session) Find(id int64) (Entity, bool) {
	e, ok := s.state.Find(id)
	if !ok {
		return Entity{}, false
	}
	return e.Clone(), true
}

// Baseline returns the snapshots taken on enter.
func (s *Session) Baseline() []EntitySnapshot {
	out := make([]EntitySnapshot, len(s.baseline))
	for i, snap := range s.baseline {
		out[i] = snap
		out[i].Members = slices.Clone(snap.Members)
	}
	return out
}

// BaselineSnapshot returns the baseline snapshot of id.
func (s *Session) BaselineSnapshot(id int64) (EntitySnapshot, bool) {
	for _, snap := range s.baseline {
		if snap.ID == id {
			return snap, true
		}
	}
	return EntitySnapshot{}, false
}

// Originals returns the authoritative entities captured on enter, in order.
func (s *Session) Originals() []Entity {
	out := make([]Entity, 0, len(s.baseline))
	for _, snap := range s.baseline {
		out = append(out, s.originals[snap.ID].Clone())
	}
	return out
}

// Log returns the operation log in chronological order.
func (s *Session) Log() []StagedOperation {
	return slices.Clone(s.log)
}

// UndoCount is the number of undoable entries.
func (s *Session) UndoCount() int { return len(s.undoStack) }

// RedoCount is the number of redoable entries.
func (s *Session) RedoCount() int { return len(s.redoStack) }

// IsModified reports whether id diverges from the baseline.
func (s *Session) IsModified(id int64) bool { return s.modified[id] }

// ModifiedIDs returns the modified ids in ascending order.
func (s *Session) ModifiedIDs() []int64 {
	ids := make([]int64, 0, len(s.modified))
	for id := range s.modified {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StagedGroups returns a copy of the staged group registry.
func (s *Session) StagedGroups() GroupRegistry {
	return s.state.Groups.Clone()
}

// HasChanges reports whether anything is staged.
func (s *Session) HasChanges() bool { return len(s.log) > 0 }

// UpdateEntity stages a field update.
func (s *Session) UpdateEntity(id int64, fields Fields) bool {
	_, ok := s.Stage(UpdateEntity{ID: id, Fields: fields}, "Update "+s.label(id))
	return ok
}

// AddMember stages adding memberID to entityID.
func (s *Session) AddMember(entityID, memberID int64) bool {
	desc := fmt.Sprintf("Add member %d to %s", memberID, s.label(entityID))
	_, ok := s.Stage(AddMember{EntityID: entityID, MemberID: memberID}, desc)
	return ok
}

// RemoveMember stages removing memberID from entityID.
func (s *Session) RemoveMember(entityID, memberID int64) bool {
	desc := fmt.Sprintf("Remove member %d from %s", memberID, s.label(entityID))
	_, ok := s.Stage(RemoveMember{EntityID: entityID, MemberID: memberID}, desc)
	return ok
}

// ReorderMembers stages a new member order for entityID.
func (s *Session) ReorderMembers(entityID int64, memberIDs []int64) bool {
	op := ReorderMembers{EntityID: entityID, MemberIDs: slices.Clone(memberIDs)}
	_, ok := s.Stage(op, "Reorder members of "+s.label(entityID))
	return ok
}

// Renumber stages numbering ids consecutively from start.
func (s *Session) Renumber(ids []int64, start float64) bool {
	desc := fmt.Sprintf("Renumber %d entities from %s", len(ids), formatNumber(start))
	_, ok := s.Stage(BulkRenumber{EntityIDs: slices.Clone(ids), StartNumber: start}, desc)
	return ok
}

// CreateEntity stages a new entity and returns its temp id.
// A non-empty newGroupName places it in the staged group of that name.
func (s *Session) CreateEntity(fields Fields, newGroupName string) (int64, bool) {
	name := "entity"
	if fields.Name != nil && *fields.Name != "" {
		name = *fields.Name
	}
	desc := "Create " + name
	if newGroupName != "" {
		desc += " in new group " + newGroupName
	}
	staged, ok := s.Stage(CreateEntity{Fields: fields, NewGroupName: newGroupName}, desc)
	if !ok {
		return 0, false
	}
	return staged.Operation.(CreateEntity).TempID, true
}

// DeleteEntity stages removal of id.
func (s *Session) DeleteEntity(id int64) bool {
	_, ok := s.Stage(DeleteEntity{ID: id}, "Delete "+s.label(id))
	return ok
}

// CreateGroup stages a new group and returns its temp id.
func (s *Session) CreateGroup(name string) (int64, bool) {
	staged, ok := s.Stage(CreateGroup{Name: name}, "Create group "+name)
	if !ok {
		return 0, false
	}
	return staged.Operation.(CreateGroup).TempID, true
}

// DeleteGroup stages removal of the group with id.
func (s *Session) DeleteGroup(id int64) bool {
	desc := fmt.Sprintf("Delete group %d", id)
	if stub, ok := s.state.Groups.Groups[id]; ok && stub.Name != "" {
		desc = "Delete group " + stub.Name
	}
	_, ok := s.Stage(DeleteGroup{ID: id}, desc)
	return ok
}

func (s *Session) label(id int64) string {
	if e, ok := s.state.Find(id); ok {
		return e.Label()
	}
	return fmt.Sprintf("#%d", id)
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
