package staging

import (
	"slices"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func init() {
	log.SetLevel(log.WarnLevel)
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestSessionReplayDeterminism(t *testing.T) {
	baseline := sampleEntities()
	s := NewSession(baseline, WithClock(fixedClock()))

	s.UpdateEntity(2, Fields{Name: String("Guest interview")})
	s.AddMember(2, 200)
	tempID, _ := s.CreateEntity(Fields{Name: String("Promo"), Number: Float(6)}, "Sports")
	s.Renumber([]int64{1, 2, 3}, 10)
	s.ReorderMembers(1, []int64{101, 100})
	s.RemoveMember(3, 102)
	s.DeleteEntity(4)
	s.AddMember(tempID, 300)

	replayed := Replay(baseline, Operations(s.Log()))
	assertSameEntities(t, replayed.Entities, s.WorkingCopy())

	if !slices.Equal(replayed.Groups.Pending(), s.StagedGroups().Pending()) {
		t.Errorf("Expected replayed groups %v, got %v", replayed.Groups.Pending(), s.StagedGroups().Pending())
	}
}

func TestSessionDoesNotAliasAuthoritative(t *testing.T) {
	authoritative := sampleEntities()
	s := NewSession(authoritative)
	authoritative[0].Name = "Mutated by caller"
	authoritative[0].Members[0] = 999

	e, _ := s.Find(1)
	if e.Name != "Opening" || e.Members[0] != 100 {
		t.Errorf("Expected session copy to be independent, got %+v", e)
	}

	wc := s.WorkingCopy()
	wc[0].Name = "Mutated working copy"
	e, _ = s.Find(1)
	if e.Name != "Opening" {
		t.Errorf("Expected WorkingCopy to return a copy, got %q", e.Name)
	}
}

func TestStageCapturesSnapshots(t *testing.T) {
	s := NewSession(sampleEntities())

	staged, ok := s.Stage(UpdateEntity{ID: 1, Fields: Fields{Name: String("Cold open")}}, "rename", 2)
	if !ok {
		t.Fatal("Expected operation to be staged")
	}
	if staged.ID == "" {
		t.Error("Expected staged operation to have an id")
	}
	if len(staged.BeforeSnapshots) != 2 || len(staged.AfterSnapshots) != 2 {
		t.Fatalf("Expected snapshots for both ids, got %d before and %d after", len(staged.BeforeSnapshots), len(staged.AfterSnapshots))
	}
	if staged.BeforeSnapshots[0].Name != "Opening" || staged.AfterSnapshots[0].Name != "Cold open" {
		t.Errorf("Unexpected snapshots: before %q after %q", staged.BeforeSnapshots[0].Name, staged.AfterSnapshots[0].Name)
	}

	created, _ := s.Stage(CreateEntity{Fields: Fields{Name: String("New")}}, "create")
	if len(created.BeforeSnapshots) != 0 {
		t.Errorf("Expected no before snapshot for a create, got %d", len(created.BeforeSnapshots))
	}
	if len(created.AfterSnapshots) != 1 || created.AfterSnapshots[0].ID != -1 {
		t.Errorf("Expected after snapshot of the new temp id, got %+v", created.AfterSnapshots)
	}
}

func TestStageClearsRedo(t *testing.T) {
	s := NewSession(sampleEntities())
	s.UpdateEntity(1, Fields{Name: String("A")})
	s.Undo()
	if s.RedoCount() != 1 {
		t.Fatalf("Expected one redo entry, got %d", s.RedoCount())
	}
	s.UpdateEntity(2, Fields{Name: String("B")})
	if s.RedoCount() != 0 {
		t.Errorf("Expected redo stack to be cleared, got %d", s.RedoCount())
	}
}

func TestTempIDsStrictlyDecrease(t *testing.T) {
	s := NewSession(sampleEntities())

	a, _ := s.CreateEntity(Fields{Name: String("a")}, "")
	b, _ := s.CreateEntity(Fields{Name: String("b")}, "")
	s.Undo()
	c, _ := s.CreateEntity(Fields{Name: String("c")}, "")
	s.DeleteEntity(c)
	d, _ := s.CreateEntity(Fields{Name: String("d")}, "")

	ids := []int64{a, b, c, d}
	for i := 1; i < len(ids); i++ {
		if ids[i] >= ids[i-1] {
			t.Fatalf("Expected strictly decreasing temp ids, got %v", ids)
		}
	}

	staged, _ := s.Stage(CreateEntity{TempID: a, Fields: Fields{Name: String("reuse")}}, "reuse")
	if staged.Operation.(CreateEntity).TempID == a {
		t.Errorf("Expected issued temp id %d not to be reused", a)
	}
}

func TestCreateEntitySharesStagedGroup(t *testing.T) {
	s := NewSession(sampleEntities())

	a, _ := s.CreateEntity(Fields{Name: String("a")}, "Sports")
	b, _ := s.CreateEntity(Fields{Name: String("b")}, "Sports")
	c, _ := s.CreateEntity(Fields{Name: String("c")}, "News")

	ea, _ := s.Find(a)
	eb, _ := s.Find(b)
	ec, _ := s.Find(c)
	if *ea.GroupRef != *eb.GroupRef {
		t.Errorf("Expected shared group, got %d and %d", *ea.GroupRef, *eb.GroupRef)
	}
	if *ea.GroupRef == *ec.GroupRef {
		t.Error("Expected a separate group for News")
	}
	if id, ok := s.StagedGroups().Lookup("Sports"); !ok || id != *ea.GroupRef {
		t.Errorf("Expected Sports registered as %d, got %d", *ea.GroupRef, id)
	}
}

func TestBatchAtomicity(t *testing.T) {
	s := NewSession(sampleEntities())
	s.UpdateEntity(5, Fields{Name: String("Before batch")})

	s.StartBatch("Move block")
	s.UpdateEntity(1, Fields{Name: String("One")})
	s.UpdateEntity(2, Fields{Name: String("Two")})
	s.EndBatch()

	if s.UndoCount() != 2 {
		t.Fatalf("Expected 2 undo entries, got %d", s.UndoCount())
	}
	if !s.Undo() {
		t.Fatal("Expected undo to succeed")
	}

	for _, id := range []int64{1, 2} {
		e, _ := s.Find(id)
		base, _ := s.BaselineSnapshot(id)
		if e.Name != base.Name {
			t.Errorf("Expected entity %d restored to %q, got %q", id, base.Name, e.Name)
		}
	}
	e, _ := s.Find(5)
	if e.Name != "Before batch" {
		t.Errorf("Expected earlier entry to remain, got %q", e.Name)
	}
	if len(s.Log()) != 1 {
		t.Errorf("Expected one logged operation, got %d", len(s.Log()))
	}
}

func TestBatchEdgeCases(t *testing.T) {
	t.Run("empty batch is dropped", func(t *testing.T) {
		s := NewSession(sampleEntities())
		s.StartBatch("nothing")
		s.EndBatch()
		if s.UndoCount() != 0 {
			t.Errorf("Expected no undo entry, got %d", s.UndoCount())
		}
	})

	t.Run("nested start is ignored", func(t *testing.T) {
		s := NewSession(sampleEntities())
		s.StartBatch("outer")
		s.UpdateEntity(1, Fields{Name: String("x")})
		s.StartBatch("inner")
		s.UpdateEntity(2, Fields{Name: String("y")})
		s.EndBatch()
		if s.InBatch() {
			t.Error("Expected batch to be closed")
		}
		if s.UndoCount() != 1 {
			t.Fatalf("Expected one undo entry, got %d", s.UndoCount())
		}
		if s.undoStack[0].Description != "outer" {
			t.Errorf("Expected outer description, got %q", s.undoStack[0].Description)
		}
	})

	t.Run("undo closes open batch", func(t *testing.T) {
		s := NewSession(sampleEntities())
		s.StartBatch("open")
		s.UpdateEntity(1, Fields{Name: String("x")})
		s.UpdateEntity(2, Fields{Name: String("y")})
		if !s.Undo() {
			t.Fatal("Expected undo of the open batch")
		}
		if s.HasChanges() || s.InBatch() {
			t.Errorf("Expected batch undone and closed, log=%d inBatch=%v", len(s.Log()), s.InBatch())
		}
	})
}

func TestUndoStackReconstructsLog(t *testing.T) {
	s := NewSession(sampleEntities())
	s.UpdateEntity(1, Fields{Name: String("a")})
	s.StartBatch("pair")
	s.AddMember(2, 10)
	s.AddMember(2, 11)
	s.EndBatch()
	s.DeleteEntity(4)
	s.Undo()
	s.Redo()

	var fromStack []string
	for _, entry := range s.undoStack {
		for _, op := range entry.Operations {
			fromStack = append(fromStack, op.ID)
		}
	}
	var fromLog []string
	for _, op := range s.Log() {
		fromLog = append(fromLog, op.ID)
	}
	if !slices.Equal(fromStack, fromLog) {
		t.Errorf("Expected undo stack to reconstruct the log\nstack: %v\nlog:   %v", fromStack, fromLog)
	}
}

func TestModifiedIDs(t *testing.T) {
	s := NewSession(sampleEntities())
	s.UpdateEntity(1, Fields{Name: String("Changed")})
	s.UpdateEntity(1, Fields{Name: String("Opening")})

	// the accumulated set still holds 1 until undo or redo recomputes it
	if !s.IsModified(1) {
		t.Fatal("Expected entity 1 marked modified after staging")
	}
	s.Undo()
	if !s.IsModified(1) {
		t.Error("Expected entity 1 modified while the first rename is staged")
	}
	s.Undo()
	if s.IsModified(1) || len(s.ModifiedIDs()) != 0 {
		t.Errorf("Expected nothing modified, got %v", s.ModifiedIDs())
	}
}

func TestDiscardedSessionIgnoresOperations(t *testing.T) {
	s := NewSession(sampleEntities())
	s.Discard()
	if s.Active() {
		t.Fatal("Expected session inactive")
	}
	if s.UpdateEntity(1, Fields{Name: String("x")}) {
		t.Error("Expected update to be ignored")
	}
	if s.Undo() || s.Redo() {
		t.Error("Expected undo and redo to be no-ops")
	}
}

func TestDeleteOfUnknownTempIDIgnored(t *testing.T) {
	s := NewSession(sampleEntities())
	if s.DeleteEntity(-7) {
		t.Error("Expected delete of unknown temp id to be ignored")
	}
	if s.HasChanges() {
		t.Error("Expected empty log")
	}
}
