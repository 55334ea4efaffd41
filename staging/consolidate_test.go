package staging

import (
	"reflect"
	"slices"
	"testing"
)

func TestConsolidationEquivalence(t *testing.T) {
	tests := []struct {
		name string
		ops  []Operation
	}{
		{
			name: "repeated updates",
			ops: []Operation{
				UpdateEntity{ID: 1, Fields: Fields{Name: String("a")}},
				UpdateEntity{ID: 2, Fields: Fields{Number: Float(9)}},
				UpdateEntity{ID: 1, Fields: Fields{Number: Float(4.5)}},
				UpdateEntity{ID: 1, Fields: Fields{Name: String("b"), ClearGroupRef: true}},
			},
		},
		{
			name: "renumber then explicit number",
			ops: []Operation{
				BulkRenumber{EntityIDs: []int64{1, 2, 3}, StartNumber: 10},
				UpdateEntity{ID: 2, Fields: Fields{Number: Float(99)}},
			},
		},
		{
			name: "explicit number then renumber",
			ops: []Operation{
				UpdateEntity{ID: 2, Fields: Fields{Number: Float(99), Name: String("kept")}},
				BulkRenumber{EntityIDs: []int64{1, 2, 3}, StartNumber: 10},
			},
		},
		{
			name: "membership churn",
			ops: []Operation{
				AddMember{EntityID: 2, MemberID: 10},
				AddMember{EntityID: 2, MemberID: 11},
				RemoveMember{EntityID: 1, MemberID: 100},
				RemoveMember{EntityID: 2, MemberID: 10},
				AddMember{EntityID: 2, MemberID: 12},
				AddMember{EntityID: 1, MemberID: 100},
			},
		},
		{
			name: "add order follows last add",
			ops: []Operation{
				AddMember{EntityID: 2, MemberID: 10},
				AddMember{EntityID: 2, MemberID: 11},
				RemoveMember{EntityID: 2, MemberID: 10},
				AddMember{EntityID: 2, MemberID: 10},
			},
		},
		{
			name: "reorder after membership changes",
			ops: []Operation{
				AddMember{EntityID: 1, MemberID: 102},
				ReorderMembers{EntityID: 1, MemberIDs: []int64{102, 100, 101}},
				RemoveMember{EntityID: 1, MemberID: 102},
				AddMember{EntityID: 1, MemberID: 103},
			},
		},
		{
			name: "multiple reorders",
			ops: []Operation{
				ReorderMembers{EntityID: 1, MemberIDs: []int64{101, 100}},
				ReorderMembers{EntityID: 3, MemberIDs: []int64{102}},
				ReorderMembers{EntityID: 1, MemberIDs: []int64{100, 101}},
			},
		},
		{
			name: "deleted entities drop their edits",
			ops: []Operation{
				UpdateEntity{ID: 4, Fields: Fields{Name: String("x")}},
				AddMember{EntityID: 4, MemberID: 5},
				BulkRenumber{EntityIDs: []int64{3, 4, 5}, StartNumber: 1},
				DeleteEntity{ID: 4},
			},
		},
		{
			name: "create, edit and keep",
			ops: []Operation{
				CreateEntity{TempID: -1, Fields: Fields{Name: String("Promo")}, NewGroupName: "Sports", GroupTempID: -1},
				UpdateEntity{ID: -1, Fields: Fields{Number: Float(3)}},
				AddMember{EntityID: -1, MemberID: 7},
				CreateEntity{TempID: -2, Fields: Fields{Name: String("Teaser")}, NewGroupName: "Sports", GroupTempID: -1},
				BulkRenumber{EntityIDs: []int64{-2, -1}, StartNumber: 6},
			},
		},
		{
			name: "create then delete",
			ops: []Operation{
				CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
				UpdateEntity{ID: -1, Fields: Fields{Name: String("Y")}},
				CreateEntity{TempID: -2, Fields: Fields{Name: String("Z")}},
				DeleteEntity{ID: -1},
				DeleteEntity{ID: 2},
			},
		},
		{
			name: "add of present member then remove",
			ops: []Operation{
				AddMember{EntityID: 1, MemberID: 100},
				RemoveMember{EntityID: 1, MemberID: 100},
			},
		},
		{
			name: "remove of absent member then add",
			ops: []Operation{
				RemoveMember{EntityID: 2, MemberID: 100},
				AddMember{EntityID: 2, MemberID: 100},
				AddMember{EntityID: 3, MemberID: 102},
			},
		},
		{
			name: "interleaved renumbers with dropped temp entity",
			ops: []Operation{
				CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
				DeleteEntity{ID: -1},
				BulkRenumber{EntityIDs: []int64{1, 2, 3, 4, 5, 6, 7}, StartNumber: 10},
				BulkRenumber{EntityIDs: []int64{2}, StartNumber: 50},
				BulkRenumber{EntityIDs: []int64{4}, StartNumber: 60},
				BulkRenumber{EntityIDs: []int64{6}, StartNumber: 70},
			},
		},
		{
			name: "renumber split by deletes",
			ops: []Operation{
				CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
				BulkRenumber{EntityIDs: []int64{1, 2, 3, 4, 5, 6, 7}, StartNumber: 10},
				DeleteEntity{ID: 2},
				DeleteEntity{ID: 4},
				DeleteEntity{ID: 6},
				DeleteEntity{ID: -1},
			},
		},
		{
			name: "temp entity inside a renumber",
			ops: []Operation{
				CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
				BulkRenumber{EntityIDs: []int64{1, -1, 2, 3, 4, 5, 6}, StartNumber: 10},
				DeleteEntity{ID: 3},
				DeleteEntity{ID: 5},
				DeleteEntity{ID: -1},
			},
		},
		{
			name: "renumber between explicit numbers",
			ops: []Operation{
				UpdateEntity{ID: 1, Fields: Fields{Number: Float(7)}},
				BulkRenumber{EntityIDs: []int64{1, 2, 3}, StartNumber: 20},
				UpdateEntity{ID: 3, Fields: Fields{ClearNumber: true}},
				BulkRenumber{EntityIDs: []int64{2}, StartNumber: 40},
				BulkRenumber{EntityIDs: []int64{4}, StartNumber: 41},
			},
		},
		{
			name: "group assigned then deleted",
			ops: []Operation{
				UpdateEntity{ID: 1, Fields: Fields{GroupRef: Int(30)}},
				UpdateEntity{ID: 1, Fields: Fields{Name: String("x")}},
				DeleteGroup{ID: 30},
				UpdateEntity{ID: 2, Fields: Fields{GroupRef: Int(30)}},
			},
		},
		{
			name: "groups",
			ops: []Operation{
				CreateGroup{Name: "Weekend", TempID: -1},
				CreateEntity{TempID: -1, Fields: Fields{Name: String("Sat"), GroupRef: Int(-1)}},
				DeleteGroup{ID: 30},
				UpdateEntity{ID: 1, Fields: Fields{GroupRef: Int(-1)}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseline := sampleEntities()
			consolidated := ConsolidateFrom(baseline, tt.ops)

			want := Replay(baseline, tt.ops)
			got := Replay(baseline, consolidated)
			assertSameEntities(t, want.Entities, got.Entities)

			if len(consolidated) > len(tt.ops) {
				t.Errorf("Expected at most %d operations, got %d", len(tt.ops), len(consolidated))
			}
			again := ConsolidateFrom(baseline, consolidated)
			if !reflect.DeepEqual(again, consolidated) {
				t.Errorf("Expected consolidation to be idempotent\nfirst:  %#v\nsecond: %#v", consolidated, again)
			}
		})
	}
}

func TestConsolidateCreateDeleteCancellation(t *testing.T) {
	s := NewSession(sampleEntities())
	id, _ := s.CreateEntity(Fields{Name: String("X")}, "")
	s.UpdateEntity(id, Fields{Number: Float(3)})
	s.DeleteEntity(id)

	if got := ConsolidateOperations(Operations(s.Log())); len(got) != 0 {
		t.Errorf("Expected nothing to survive, got %#v", got)
	}
}

func TestConsolidateAddRemoveCancellation(t *testing.T) {
	s := NewSession([]Entity{entity(5, 1, "Sports")})
	s.AddMember(5, 100)
	s.AddMember(5, 101)
	s.RemoveMember(5, 100)

	e, _ := s.Find(5)
	if !slices.Equal(e.Members, []int64{101}) {
		t.Fatalf("Expected members [101], got %v", e.Members)
	}

	got := ConsolidateOperations(Operations(s.Log()))
	want := []Operation{AddMember{EntityID: 5, MemberID: 101}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %#v, got %#v", want, got)
	}
}

func TestConsolidateMembershipFromBaseline(t *testing.T) {
	ops := []Operation{
		AddMember{EntityID: 1, MemberID: 100},
		RemoveMember{EntityID: 1, MemberID: 100},
	}
	want := []Operation{RemoveMember{EntityID: 1, MemberID: 100}}
	if got := ConsolidateFrom(sampleEntities(), ops); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %#v, got %#v", want, got)
	}

	s := NewSession(sampleEntities())
	s.AddMember(1, 100)
	s.RemoveMember(1, 100)
	planned := Consolidate(s.Log(), s.WorkingCopy())
	if len(planned) != 1 || !reflect.DeepEqual(planned[0].Operation, want[0]) {
		t.Fatalf("Expected the remove to survive, got %#v", planned)
	}
	assertSameEntities(t, s.WorkingCopy(), Replay(sampleEntities(), []Operation{planned[0].Operation}).Entities)
}

func TestConsolidateRenumberMerging(t *testing.T) {
	ops := []Operation{
		BulkRenumber{EntityIDs: []int64{1, 2, 3}, StartNumber: 10},
		BulkRenumber{EntityIDs: []int64{4}, StartNumber: 13},
	}
	got := ConsolidateOperations(ops)
	want := []Operation{BulkRenumber{EntityIDs: []int64{1, 2, 3, 4}, StartNumber: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected one contiguous range, got %#v", got)
	}

	ops = append(ops, BulkRenumber{EntityIDs: []int64{1}, StartNumber: 50})
	got = ConsolidateOperations(ops)
	want = []Operation{
		BulkRenumber{EntityIDs: []int64{2, 3, 4}, StartNumber: 11},
		BulkRenumber{EntityIDs: []int64{1}, StartNumber: 50},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected two ranges, got %#v", got)
	}
}

func TestConsolidatePreservesOrderedOperations(t *testing.T) {
	ops := []Operation{
		UpdateEntity{ID: 1, Fields: Fields{Name: String("x")}},
		CreateGroup{Name: "A", TempID: -1},
		CreateEntity{TempID: -1},
		DeleteGroup{ID: 9},
		DeleteEntity{ID: 3},
		CreateEntity{TempID: -2},
	}
	got := ConsolidateOperations(ops)

	var kinds []OperationKind
	for _, op := range got {
		kinds = append(kinds, op.Kind())
	}
	want := []OperationKind{KindCreateGroup, KindCreateEntity, KindDeleteGroup, KindDeleteEntity, KindCreateEntity, KindUpdateEntity}
	if !slices.Equal(kinds, want) {
		t.Errorf("Expected %v, got %v", want, kinds)
	}
}

func TestConsolidateDescriptions(t *testing.T) {
	s := NewSession(sampleEntities())
	s.UpdateEntity(1, Fields{Name: String("Cold open"), Number: Float(0.5)})
	s.Renumber([]int64{2, 3}, 20)
	s.AddMember(4, 900)
	s.DeleteEntity(5)

	planned := Consolidate(s.Log(), s.WorkingCopy())
	var got []string
	for _, p := range planned {
		got = append(got, p.Description)
	}
	want := []string{
		"Delete Sports",
		"Update Cold open (name, number)",
		"Renumber 2 entities 20-21",
		"Add member 900 to Closing",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestConsolidateReplaysRenumbersWhenShorter(t *testing.T) {
	ops := []Operation{
		CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
		DeleteEntity{ID: -1},
		BulkRenumber{EntityIDs: []int64{1, 2, 3, 4, 5, 6, 7}, StartNumber: 10},
		BulkRenumber{EntityIDs: []int64{2}, StartNumber: 50},
		BulkRenumber{EntityIDs: []int64{4}, StartNumber: 60},
		BulkRenumber{EntityIDs: []int64{6}, StartNumber: 70},
	}
	got := ConsolidateOperations(ops)
	if !reflect.DeepEqual(got, ops[2:]) {
		t.Errorf("Expected the four renumbers without the temp entity, got %#v", got)
	}
}

func TestConsolidateFallbackDropsCancelledEntities(t *testing.T) {
	ops := []Operation{
		CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
		BulkRenumber{EntityIDs: []int64{-1, 1, 2, 3, 4, 5, 6, 7, 8, 9}, StartNumber: 9},
		UpdateEntity{ID: -1, Fields: Fields{Name: String("Y")}},
		DeleteEntity{ID: 2},
		DeleteEntity{ID: 4},
		DeleteEntity{ID: 6},
		DeleteEntity{ID: 8},
		DeleteEntity{ID: -1},
	}
	got := ConsolidateOperations(ops)
	want := []Operation{
		BulkRenumber{EntityIDs: []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}, StartNumber: 10},
		DeleteEntity{ID: 2},
		DeleteEntity{ID: 4},
		DeleteEntity{ID: 6},
		DeleteEntity{ID: 8},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %#v, got %#v", want, got)
	}
	if again := ConsolidateOperations(got); !reflect.DeepEqual(again, got) {
		t.Errorf("Expected the fallback to be stable, got %#v", again)
	}
}

func TestConsolidateUpdateBeforeGroupDelete(t *testing.T) {
	ops := []Operation{
		UpdateEntity{ID: 1, Fields: Fields{GroupRef: Int(30)}},
		CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
		UpdateEntity{ID: 1, Fields: Fields{Name: String("Moved")}},
		DeleteGroup{ID: 30},
	}
	got := ConsolidateOperations(ops)
	want := []Operation{
		CreateEntity{TempID: -1, Fields: Fields{Name: String("X")}},
		UpdateEntity{ID: 1, Fields: Fields{Name: String("Moved"), GroupRef: Int(30)}},
		DeleteGroup{ID: 30},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected the update ahead of the group delete, got %#v", got)
	}
}
