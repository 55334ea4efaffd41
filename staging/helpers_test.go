package staging

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func entity(id int64, number float64, name string, members ...int64) Entity {
	if members == nil {
		members = []int64{}
	}
	return Entity{ID: id, Number: Float(number), Name: name, Members: members}
}

// sampleEntities is a small collection used across tests.
func sampleEntities() []Entity {
	return []Entity{
		entity(1, 1, "Opening", 100, 101),
		entity(2, 2, "Interview"),
		entity(3, 3, "Weather", 102),
		entity(4, 4, "Closing"),
		entity(5, 5, "Sports"),
	}
}

func snapshots(entities []Entity) []EntitySnapshot {
	out := make([]EntitySnapshot, len(entities))
	for i, e := range entities {
		out[i] = Snapshot(e)
	}
	return out
}

func assertSameEntities(t *testing.T, want, got []Entity) {
	t.Helper()
	w, g := snapshots(want), snapshots(got)
	if len(w) != len(g) {
		t.Fatalf("Expected %d entities, got %d\nwant: %+v\ngot:  %+v", len(w), len(g), w, g)
	}
	for i := range w {
		if !w[i].Equal(g[i]) {
			t.Errorf("Entity %d differs:\nwant: %s\ngot:  %s", i, dump(w[i]), dump(g[i]))
		}
	}
}

func dump(s EntitySnapshot) string {
	return fmt.Sprintf("{ID:%d Number:%v Name:%q GroupRef:%v Members:%v}",
		s.ID, numberValue(s.Number), s.Name, intValue(s.GroupRef), s.Members)
}

func intValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// fakeService is an in-process EntityService.
type fakeService struct {
	entities  []Entity
	fetchErr  error
	fetches   int
	requests  []BulkCommitRequest
	commit    func(BulkCommitRequest) (BulkCommitResponse, error)
	onCommit  func() // runs inside BulkCommit before commit
	afterPage func(page int)
}

func (f *fakeService) FetchPage(ctx context.Context, page, pageSize int) (Page, error) {
	f.fetches++
	if f.afterPage != nil {
		defer f.afterPage(page)
	}
	if f.fetchErr != nil {
		return Page{}, f.fetchErr
	}
	start := (page - 1) * pageSize
	if start >= len(f.entities) {
		return Page{Results: []Entity{}}, nil
	}
	end := min(start+pageSize, len(f.entities))
	return Page{Results: CloneEntities(f.entities[start:end]), HasNext: end < len(f.entities)}, nil
}

func (f *fakeService) BulkCommit(ctx context.Context, req BulkCommitRequest) (BulkCommitResponse, error) {
	f.requests = append(f.requests, req)
	if f.onCommit != nil {
		f.onCommit()
	}
	if f.commit == nil {
		return BulkCommitResponse{}, errors.New("commit not configured")
	}
	return f.commit(req)
}

func successResponse(applied int) func(BulkCommitRequest) (BulkCommitResponse, error) {
	return func(req BulkCommitRequest) (BulkCommitResponse, error) {
		return BulkCommitResponse{Success: true, OperationsApplied: applied}, nil
	}
}
