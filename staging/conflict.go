package staging

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

// Defaults for paginated fetches.
const (
	DefaultPageSize = 100
	DefaultMaxPages = 10000
)

// FieldConflict is one field that differs between the baseline and the remote.
type FieldConflict struct {
	FieldName     string
	BaselineValue any
	RemoteValue   any
}

// EntityConflict is a modified entity that changed remotely since the session began.
type EntityConflict struct {
	EntityID int64
	Name     string
	Missing  bool // deleted remotely
	Fields   map[string]*FieldConflict
}

// Label names the entity for messages.
func (c EntityConflict) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("#%d", c.EntityID)
}

// Description is a one-line human-readable summary.
func (c EntityConflict) Description() string {
	if c.Missing {
		return fmt.Sprintf("%s was deleted remotely", c.Label())
	}
	names := make([]string, 0, len(c.Fields))
	for name := range c.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return fmt.Sprintf("%s changed remotely (%s)", c.Label(), strings.Join(names, ", "))
}

// FetchAll reads every page of the collection starting at page 1.
// It stops after maxPages pages even if the remote reports more.
func FetchAll(ctx context.Context, svc EntityService, pageSize, maxPages int) ([]Entity, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var all []Entity
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := svc.FetchPage(ctx, page, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}
		all = append(all, result.Results...)
		if !result.HasNext {
			return all, nil
		}
	}
	log.Warn("Stopped fetching at page limit", "max_pages", maxPages, "entities", len(all))
	return all, nil
}

// FindConflicts compares the baseline of every modified persisted entity
// against remote on number, name and members.
func FindConflicts(s *Session, remote []Entity) []EntityConflict {
	byID := make(map[int64]Entity, len(remote))
	for _, e := range remote {
		byID[e.ID] = e
	}

	var conflicts []EntityConflict
	for _, id := range s.ModifiedIDs() {
		if IsTempID(id) {
			continue
		}
		base, ok := s.BaselineSnapshot(id)
		if !ok {
			continue
		}
		fresh, ok := byID[id]
		if !ok {
			conflicts = append(conflicts, EntityConflict{EntityID: id, Name: base.Name, Missing: true})
			continue
		}
		if fields := compareSnapshots(base, Snapshot(fresh)); len(fields) > 0 {
			conflicts = append(conflicts, EntityConflict{EntityID: id, Name: base.Name, Fields: fields})
		}
	}
	return conflicts
}

// DetectConflicts fetches the whole collection and runs FindConflicts.
func DetectConflicts(ctx context.Context, svc EntityService, s *Session) ([]EntityConflict, error) {
	remote, err := FetchAll(ctx, svc, DefaultPageSize, DefaultMaxPages)
	if err != nil {
		return nil, &TransportError{Op: "conflict check", Err: err}
	}
	return FindConflicts(s, remote), nil
}

func compareSnapshots(base, fresh EntitySnapshot) map[string]*FieldConflict {
	fields := make(map[string]*FieldConflict)
	if !floatPtrEqual(base.Number, fresh.Number) {
		fields["number"] = &FieldConflict{FieldName: "number", BaselineValue: numberValue(base.Number), RemoteValue: numberValue(fresh.Number)}
	}
	if base.Name != fresh.Name {
		fields["name"] = &FieldConflict{FieldName: "name", BaselineValue: base.Name, RemoteValue: fresh.Name}
	}
	if !slices.Equal(base.Members, fresh.Members) {
		fields["members"] = &FieldConflict{FieldName: "members", BaselineValue: slices.Clone(base.Members), RemoteValue: slices.Clone(fresh.Members)}
	}
	return fields
}

func numberValue(n *float64) any {
	if n == nil {
		return nil
	}
	return *n
}
