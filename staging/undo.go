package staging

import (
	"slices"

	"github.com/charmbracelet/log"
)

// Undo reverts the latest undo entry. It returns false when there is nothing to undo.
// An open batch is closed first so its operations are undone as one entry.
func (s *Session) Undo() bool {
	if !s.active {
		return false
	}
	s.EndBatch()
	if len(s.undoStack) == 0 {
		return false
	}
	entry := s.undoStack[len(s.undoStack)-1]
	s.undoStack = s.undoStack[:len(s.undoStack)-1]

	entities := slices.Clone(s.state.Entities)
	for i := len(entry.Operations) - 1; i >= 0; i-- {
		entities = s.revert(entities, entry.Operations[i])
	}
	s.state = State{Entities: entities, Groups: entry.Operations[0].groupsBefore.Clone()}

	undone := make(map[string]bool, len(entry.Operations))
	for _, staged := range entry.Operations {
		undone[staged.ID] = true
	}
	s.log = slices.DeleteFunc(s.log, func(staged StagedOperation) bool { return undone[staged.ID] })

	s.recomputeModified()
	s.redoStack = append(s.redoStack, entry)
	log.Debug("Undid entry", "description", entry.Description, "operations", len(entry.Operations))
	return true
}

// Redo replays the latest undone entry. It returns false when there is nothing to redo.
// Operations are replayed exactly as logged, so temp ids stay stable.
func (s *Session) Redo() bool {
	if !s.active {
		return false
	}
	s.EndBatch()
	if len(s.redoStack) == 0 {
		return false
	}
	entry := s.redoStack[len(s.redoStack)-1]
	s.redoStack = s.redoStack[:len(s.redoStack)-1]

	for _, staged := range entry.Operations {
		s.state = Apply(s.state, staged.Operation)
		s.log = append(s.log, staged)
	}

	s.undoStack = append(s.undoStack, entry)
	s.recomputeModified()
	log.Debug("Redid entry", "description", entry.Description, "operations", len(entry.Operations))
	return true
}

// revert restores the entities touched by staged to their before snapshots.
func (s *Session) revert(entities []Entity, staged StagedOperation) []Entity {
	had := make(map[int64]bool, len(staged.BeforeSnapshots))
	for _, snap := range staged.BeforeSnapshots {
		had[snap.ID] = true
		if idx := indexOf(entities, snap.ID); idx >= 0 {
			entities[idx] = snap.restore(entities[idx])
			continue
		}
		restored := snap.restore(s.reconstructBase(snap.ID))
		pos := min(max(snap.Position, 0), len(entities))
		entities = slices.Insert(entities, pos, restored)
	}
	for _, snap := range staged.AfterSnapshots {
		if had[snap.ID] {
			continue
		}
		if idx := indexOf(entities, snap.ID); idx >= 0 {
			entities = slices.Delete(entities, idx, idx+1)
		}
	}
	return entities
}

// reconstructBase returns the entity a deleted id is rebuilt on top of: the
// authoritative original for persisted ids, an empty entity for temp ids.
func (s *Session) reconstructBase(id int64) Entity {
	if original, ok := s.originals[id]; ok {
		return original.Clone()
	}
	return Entity{ID: id, Members: []int64{}}
}
