package staging

import (
	"slices"
	"testing"
)

func TestApplyRules(t *testing.T) {
	tests := []struct {
		name   string
		before []Entity
		op     Operation
		want   []Entity
	}{
		{
			name:   "update merges set fields only",
			before: []Entity{entity(1, 1, "Opening")},
			op:     UpdateEntity{ID: 1, Fields: Fields{Name: String("Cold open")}},
			want:   []Entity{entity(1, 1, "Cold open")},
		},
		{
			name:   "update clears number",
			before: []Entity{entity(1, 1, "Opening")},
			op:     UpdateEntity{ID: 1, Fields: Fields{ClearNumber: true}},
			want:   []Entity{{ID: 1, Name: "Opening", Members: []int64{}}},
		},
		{
			name:   "update of unknown id is a no-op",
			before: []Entity{entity(1, 1, "Opening")},
			op:     UpdateEntity{ID: 9, Fields: Fields{Name: String("x")}},
			want:   []Entity{entity(1, 1, "Opening")},
		},
		{
			name:   "add member appends",
			before: []Entity{entity(1, 1, "Opening", 100)},
			op:     AddMember{EntityID: 1, MemberID: 101},
			want:   []Entity{entity(1, 1, "Opening", 100, 101)},
		},
		{
			name:   "add member never duplicates",
			before: []Entity{entity(1, 1, "Opening", 100)},
			op:     AddMember{EntityID: 1, MemberID: 100},
			want:   []Entity{entity(1, 1, "Opening", 100)},
		},
		{
			name:   "remove member filters",
			before: []Entity{entity(1, 1, "Opening", 100, 101, 102)},
			op:     RemoveMember{EntityID: 1, MemberID: 101},
			want:   []Entity{entity(1, 1, "Opening", 100, 102)},
		},
		{
			name:   "reorder replaces wholesale",
			before: []Entity{entity(1, 1, "Opening", 100, 101, 102)},
			op:     ReorderMembers{EntityID: 1, MemberIDs: []int64{102, 100, 101}},
			want:   []Entity{entity(1, 1, "Opening", 102, 100, 101)},
		},
		{
			name:   "renumber follows the supplied id order",
			before: []Entity{entity(1, 1, "A"), entity(2, 2, "B"), entity(3, 3, "C")},
			op:     BulkRenumber{EntityIDs: []int64{3, 1}, StartNumber: 10},
			want:   []Entity{entity(1, 11, "A"), entity(2, 2, "B"), entity(3, 10, "C")},
		},
		{
			name:   "delete removes",
			before: []Entity{entity(1, 1, "A"), entity(2, 2, "B")},
			op:     DeleteEntity{ID: 1},
			want:   []Entity{entity(2, 2, "B")},
		},
		{
			name:   "create appends with explicit temp id",
			before: []Entity{entity(1, 1, "A")},
			op:     CreateEntity{TempID: -4, Fields: Fields{Name: String("New"), Number: Float(7)}},
			want:   []Entity{entity(1, 1, "A"), entity(-4, 7, "New")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(NewState(tt.before), tt.op)
			assertSameEntities(t, tt.want, got.Entities)
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	state := NewState(sampleEntities())
	before := CloneEntities(state.Entities)

	ops := []Operation{
		UpdateEntity{ID: 1, Fields: Fields{Name: String("Changed")}},
		AddMember{EntityID: 1, MemberID: 999},
		RemoveMember{EntityID: 3, MemberID: 102},
		ReorderMembers{EntityID: 1, MemberIDs: []int64{101, 100}},
		BulkRenumber{EntityIDs: []int64{1, 2}, StartNumber: 50},
		DeleteEntity{ID: 4},
		CreateEntity{TempID: -1, NewGroupName: "Sports", GroupTempID: -1},
		CreateGroup{Name: "Weekend", TempID: -2},
	}
	for _, op := range ops {
		_ = Apply(state, op)
	}

	assertSameEntities(t, before, state.Entities)
	if len(state.Groups.Groups) != 0 {
		t.Errorf("Expected input group registry to stay empty, got %v", state.Groups.Groups)
	}
}

func TestApplySharesUnchangedEntities(t *testing.T) {
	state := NewState(sampleEntities())
	next := Apply(state, AddMember{EntityID: 1, MemberID: 200})

	// entity 3 is untouched, so its member slice is shared
	if &state.Entities[2].Members[0] != &next.Entities[2].Members[0] {
		t.Error("Expected untouched entity to be shared between states")
	}
	if &state.Entities[0].Members[0] == &next.Entities[0].Members[0] {
		t.Error("Expected changed entity to be copied")
	}
}

func TestApplyCreateEntityInNewGroup(t *testing.T) {
	state := NewState([]Entity{entity(1, 1, "A")})

	state = Apply(state, CreateEntity{TempID: -1, Fields: Fields{Name: String("First")}, NewGroupName: "Sports", GroupTempID: -1})
	state = Apply(state, CreateEntity{TempID: -2, Fields: Fields{Name: String("Second")}, NewGroupName: "Sports", GroupTempID: -5})
	state = Apply(state, CreateEntity{TempID: -3, Fields: Fields{Name: String("Third")}, NewGroupName: "News", GroupTempID: -2})

	first, _ := state.Find(-1)
	second, _ := state.Find(-2)
	third, _ := state.Find(-3)
	if first.GroupRef == nil || *first.GroupRef != -1 {
		t.Fatalf("Expected first entity in group -1, got %v", intValue(first.GroupRef))
	}
	if second.GroupRef == nil || *second.GroupRef != -1 {
		t.Errorf("Expected second entity to reuse group -1, got %v", intValue(second.GroupRef))
	}
	if third.GroupRef == nil || *third.GroupRef != -2 {
		t.Errorf("Expected third entity in group -2, got %v", intValue(third.GroupRef))
	}

	pending := state.Groups.Pending()
	names := make([]string, len(pending))
	for i, g := range pending {
		names[i] = g.Name
	}
	if !slices.Equal(names, []string{"Sports", "News"}) {
		t.Errorf("Expected pending groups [Sports News], got %v", names)
	}
}

func TestApplyAllocatesTempIDs(t *testing.T) {
	state := NewState([]Entity{entity(1, 1, "A"), entity(-3, 0, "Temp")})
	state = Apply(state, CreateEntity{})
	if _, ok := state.Find(-4); !ok {
		t.Errorf("Expected allocated temp id -4, got %+v", snapshots(state.Entities))
	}

	state = Apply(state, CreateGroup{Name: "G"})
	if _, ok := state.Groups.Lookup("G"); !ok {
		t.Error("Expected group G to be registered")
	}
}

func TestApplyGroupOperationsLeaveEntitiesAlone(t *testing.T) {
	state := NewState(sampleEntities())

	created := Apply(state, CreateGroup{Name: "Weekend", TempID: -1})
	assertSameEntities(t, state.Entities, created.Entities)
	if id, ok := created.Groups.Lookup("Weekend"); !ok || id != -1 {
		t.Fatalf("Expected Weekend registered as -1, got %d %v", id, ok)
	}

	removed := Apply(created, DeleteGroup{ID: -1})
	if _, ok := removed.Groups.Lookup("Weekend"); ok {
		t.Error("Expected temp group name mapping to be removed")
	}
	if len(removed.Groups.Groups) != 0 {
		t.Errorf("Expected temp group stub to be removed, got %v", removed.Groups.Groups)
	}

	persisted := Apply(state, DeleteGroup{ID: 30})
	if stub := persisted.Groups.Groups[30]; !stub.Deleted {
		t.Errorf("Expected deleted stub for real group, got %+v", stub)
	}
	assertSameEntities(t, state.Entities, persisted.Entities)
}

func TestReplayMatchesSequentialApply(t *testing.T) {
	baseline := sampleEntities()
	ops := []Operation{
		UpdateEntity{ID: 2, Fields: Fields{Name: String("Guest")}},
		CreateEntity{TempID: -1, Fields: Fields{Name: String("Promo")}},
		AddMember{EntityID: -1, MemberID: 300},
		DeleteEntity{ID: 4},
	}
	state := NewState(baseline)
	for _, op := range ops {
		state = Apply(state, op)
	}
	assertSameEntities(t, state.Entities, Replay(baseline, ops).Entities)
}
