package staging

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestSummarize(t *testing.T) {
	s := NewSession(sampleEntities())
	s.UpdateEntity(1, Fields{Name: String("a")})
	s.UpdateEntity(1, Fields{Name: String("b")})
	s.AddMember(2, 10)
	s.RemoveMember(2, 10)
	s.Renumber([]int64{3, 4}, 30)
	s.CreateGroup("Weekend")

	summary := Summarize(s)
	if summary.Counts[CategoryUpdates] != 2 || summary.Counts[CategoryMemberAdds] != 1 ||
		summary.Counts[CategoryMemberRemoves] != 1 || summary.Counts[CategoryRenumbers] != 1 ||
		summary.Counts[CategoryGroupCreates] != 1 || summary.Counts[CategoryDeletes] != 0 {
		t.Errorf("Unexpected counts %v", summary.Counts)
	}
	if summary.Staged != 6 || summary.Consolidated != 3 {
		t.Errorf("Expected 6 staged and 3 consolidated, got %d and %d", summary.Staged, summary.Consolidated)
	}
	if !slices.Equal(summary.Descriptions[:2], []string{"Update Opening", "Update a"}) {
		t.Errorf("Unexpected descriptions %q", summary.Descriptions)
	}
}

func TestFieldsJSON(t *testing.T) {
	f := Fields{Name: String("Promo"), ClearNumber: true, GroupRef: Int(7)}
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if string(data) != `{"group_ref":7,"name":"Promo","number":null}` {
		t.Errorf("Unexpected wire form %s", data)
	}

	var decoded Fields
	if err := json.Unmarshal([]byte(`{"number":null,"name":"x","group_ref":3,"color":"red"}`), &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if !decoded.ClearNumber || *decoded.Name != "x" || *decoded.GroupRef != 3 {
		t.Errorf("Unexpected decoded fields %+v", decoded)
	}

	if err := json.Unmarshal([]byte(`{"number":"ten"}`), &decoded); err == nil {
		t.Error("Expected error for a non-numeric number")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	ops := []Operation{
		UpdateEntity{ID: 1, Fields: Fields{Name: String("x")}},
		BulkRenumber{EntityIDs: []int64{1, 2}, StartNumber: 0},
		CreateEntity{TempID: -1, Fields: Fields{Name: String("y")}, NewGroupName: "Sports", GroupTempID: -1},
		DeleteGroup{ID: 4},
	}
	for _, op := range ops {
		data, err := json.Marshal(Describe(op))
		if err != nil {
			t.Fatalf("Failed to marshal %s: %v", op.Kind(), err)
		}
		var d OperationDescriptor
		if err := json.Unmarshal(data, &d); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", op.Kind(), err)
		}
		got, ok := d.Operation()
		if !ok {
			t.Fatalf("Expected %s to decode", op.Kind())
		}
		want := Replay(sampleEntities(), []Operation{op})
		have := Replay(sampleEntities(), []Operation{got})
		assertSameEntities(t, want.Entities, have.Entities)
	}
}
