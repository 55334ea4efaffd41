// Package remote serves and consumes the entity service over OSC.
package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/zenibako/stagedit/staging"
)

// Store is the authoritative side of the entity service.
type Store interface {
	staging.EntityService
	Close() error
}

// Compile-time contract assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)

// Snapshot is the full persisted state of a MemoryStore.
type Snapshot struct {
	Entities    []staging.Entity `json:"entities"`
	Groups      map[string]int64 `json:"groups"`
	Members     map[int64]string `json:"members,omitempty"`
	NextID      int64            `json:"next_id"`
	NextGroupID int64            `json:"next_group_id"`
}

// MemoryStore keeps the collection in memory and applies bulk commits in order.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[int64]staging.Entity
	order       []int64
	groups      map[int64]string
	groupNames  map[string]int64
	members     map[int64]string // known members; empty accepts any id
	nextID      int64
	nextGroupID int64
}

// NewMemoryStore seeds a store with entities. Real ids continue after the highest seeded id.
func NewMemoryStore(entities []staging.Entity) *MemoryStore {
	m := &MemoryStore{
		entities:    make(map[int64]staging.Entity),
		groups:      make(map[int64]string),
		groupNames:  make(map[string]int64),
		members:     make(map[int64]string),
		nextID:      1,
		nextGroupID: 1,
	}
	for _, e := range entities {
		m.insert(e.Clone())
		if e.ID >= m.nextID {
			m.nextID = e.ID + 1
		}
	}
	return m
}

// AddGroup registers a group and returns its id. An existing name keeps its id.
func (m *MemoryStore) AddGroup(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createGroup(name)
}

// AddMember registers a member id and its display name. Once any member is
// registered, membership operations on unknown ids fail.
func (m *MemoryStore) AddMember(id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[id] = name
}

// Entities returns a copy of the collection in display order.
func (m *MemoryStore) Entities() []staging.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]staging.Entity, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entities[id].Clone())
	}
	return out
}

// Groups returns the group ids by name.
func (m *MemoryStore) Groups() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.groupNames))
	for name, id := range m.groupNames {
		out[name] = id
	}
	return out
}

// FetchPage returns one page of the collection. Pages are numbered from 1.
func (m *MemoryStore) FetchPage(ctx context.Context, page, pageSize int) (staging.Page, error) {
	if err := ctx.Err(); err != nil {
		return staging.Page{}, err
	}
	if page < 1 {
		return staging.Page{}, fmt.Errorf("invalid page %d", page)
	}
	if pageSize <= 0 {
		pageSize = staging.DefaultPageSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	start := (page - 1) * pageSize
	if start >= len(m.order) {
		return staging.Page{Results: []staging.Entity{}}, nil
	}
	end := min(start+pageSize, len(m.order))
	results := make([]staging.Entity, 0, end-start)
	for _, id := range m.order[start:end] {
		results = append(results, m.entities[id].Clone())
	}
	return staging.Page{Results: results, HasNext: end < len(m.order)}, nil
}

// BulkCommit applies a batch. Group requests run first, then operations in order.
// Without ContinueOnError the batch stops at the first failure; earlier operations stay applied.
// ValidateOnly runs the batch against a copy and reports what would happen.
func (m *MemoryStore) BulkCommit(ctx context.Context, req staging.BulkCommitRequest) (staging.BulkCommitResponse, error) {
	if err := ctx.Err(); err != nil {
		return staging.BulkCommitResponse{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target := m
	if req.Options.ValidateOnly {
		target = m.clone()
	}
	resp := target.apply(req)
	if req.Options.ValidateOnly {
		passed := resp.OperationsFailed == 0
		resp.ValidationPassed = &passed
		resp.ValidationIssues = append(resp.ValidationIssues, target.duplicateNumberIssues()...)
		resp.TempIDMap = nil
		resp.GroupIDMap = nil
	}

	log.Debug("Applied bulk commit",
		"operations", len(req.Operations),
		"applied", resp.OperationsApplied,
		"failed", resp.OperationsFailed,
		"validate_only", req.Options.ValidateOnly)
	return resp, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// Export returns the full state.
func (m *MemoryStore) Export() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.export()
}

// Import replaces the full state.
func (m *MemoryStore) Import(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[int64]staging.Entity, len(s.Entities))
	m.order = nil
	m.groups = make(map[int64]string, len(s.Groups))
	m.groupNames = make(map[string]int64, len(s.Groups))
	m.members = make(map[int64]string, len(s.Members))
	for _, e := range s.Entities {
		m.insert(e.Clone())
	}
	for name, id := range s.Groups {
		m.groups[id] = name
		m.groupNames[name] = id
	}
	for id, name := range s.Members {
		m.members[id] = name
	}
	m.nextID = max(s.NextID, 1)
	m.nextGroupID = max(s.NextGroupID, 1)
}

func (m *MemoryStore) export() Snapshot {
	s := Snapshot{
		Entities:    make([]staging.Entity, 0, len(m.order)),
		Groups:      make(map[string]int64, len(m.groupNames)),
		NextID:      m.nextID,
		NextGroupID: m.nextGroupID,
	}
	for _, id := range m.order {
		s.Entities = append(s.Entities, m.entities[id].Clone())
	}
	for name, id := range m.groupNames {
		s.Groups[name] = id
	}
	if len(m.members) > 0 {
		s.Members = make(map[int64]string, len(m.members))
		for id, name := range m.members {
			s.Members[id] = name
		}
	}
	return s
}

func (m *MemoryStore) clone() *MemoryStore {
	c := NewMemoryStore(nil)
	snapshot := m.export()
	for _, e := range snapshot.Entities {
		c.insert(e)
	}
	for name, id := range snapshot.Groups {
		c.groups[id] = name
		c.groupNames[name] = id
	}
	for id, name := range snapshot.Members {
		c.members[id] = name
	}
	c.nextID = m.nextID
	c.nextGroupID = m.nextGroupID
	return c
}

func (m *MemoryStore) insert(e staging.Entity) {
	if _, ok := m.entities[e.ID]; !ok {
		m.order = append(m.order, e.ID)
	}
	m.entities[e.ID] = e
}

func (m *MemoryStore) remove(id int64) {
	delete(m.entities, id)
	m.order = slices.DeleteFunc(m.order, func(existing int64) bool { return existing == id })
}

func (m *MemoryStore) createGroup(name string) int64 {
	if id, ok := m.groupNames[name]; ok {
		return id
	}
	id := m.nextGroupID
	m.nextGroupID++
	m.groups[id] = name
	m.groupNames[name] = id
	return id
}

// batch carries the id mappings of one bulk commit.
type batch struct {
	tempIDs    map[int64]int64
	groupTemps map[int64]int64
	groupNames map[string]int64
}

var (
	errEntityMissing = errors.New("entity does not exist")
	errMemberMissing = errors.New("member does not exist")
	errNotAMember    = errors.New("member is not in entity")
	errGroupMissing  = errors.New("group does not exist")
	errUnknownTempID = errors.New("unknown temp id")
	errUnknownOp     = errors.New("unknown operation type")
	errGroupName     = errors.New("group name is required")
)

func (m *MemoryStore) apply(req staging.BulkCommitRequest) staging.BulkCommitResponse {
	b := &batch{
		tempIDs:    make(map[int64]int64),
		groupTemps: make(map[int64]int64),
		groupNames: make(map[string]int64),
	}
	for _, g := range req.Groups {
		id := m.createGroup(g.Name)
		b.groupNames[g.Name] = id
		if g.TempID != 0 {
			b.groupTemps[g.TempID] = id
		}
	}

	resp := staging.BulkCommitResponse{}
	for i, d := range req.Operations {
		if err := m.applyOne(d, b); err != nil {
			resp.OperationsFailed++
			resp.Errors = append(resp.Errors, m.describeError(i, d, b, err))
			resp.ValidationIssues = append(resp.ValidationIssues, staging.ValidationIssue{
				OperationIndex: i,
				Severity:       "error",
				Message:        err.Error(),
			})
			if !req.Options.ContinueOnError {
				break
			}
			continue
		}
		resp.OperationsApplied++
	}

	resp.Success = resp.OperationsFailed == 0
	if len(b.tempIDs) > 0 {
		resp.TempIDMap = make(map[string]int64, len(b.tempIDs))
		for temp, realID := range b.tempIDs {
			resp.TempIDMap[staging.TempIDKey(temp)] = realID
		}
	}
	if len(b.groupNames) > 0 {
		resp.GroupIDMap = b.groupNames
	}
	if !req.Options.ValidateOnly {
		resp.ValidationIssues = nil
	}
	return resp
}

func (m *MemoryStore) applyOne(d staging.OperationDescriptor, b *batch) error {
	switch d.Type {
	case staging.KindUpdateEntity:
		e, err := m.lookup(d.EntityID, b)
		if err != nil {
			return err
		}
		var fields staging.Fields
		if d.Fields != nil {
			fields = *d.Fields
		}
		if fields, err = m.resolveGroupRef(fields, b); err != nil {
			return err
		}
		m.entities[e.ID] = fields.ApplyTo(e)

	case staging.KindAddMember:
		e, err := m.lookup(d.EntityID, b)
		if err != nil {
			return err
		}
		if err := m.checkMember(d.MemberID); err != nil {
			return err
		}
		if !slices.Contains(e.Members, d.MemberID) {
			e = e.Clone()
			e.Members = append(e.Members, d.MemberID)
			m.entities[e.ID] = e
		}

	case staging.KindRemoveMember:
		e, err := m.lookup(d.EntityID, b)
		if err != nil {
			return err
		}
		if !slices.Contains(e.Members, d.MemberID) {
			return errNotAMember
		}
		e = e.Clone()
		e.Members = slices.DeleteFunc(e.Members, func(id int64) bool { return id == d.MemberID })
		m.entities[e.ID] = e

	case staging.KindReorderMembers:
		e, err := m.lookup(d.EntityID, b)
		if err != nil {
			return err
		}
		for _, id := range d.MemberIDs {
			if err := m.checkMember(id); err != nil {
				return err
			}
		}
		e = e.Clone()
		e.Members = append([]int64{}, d.MemberIDs...)
		m.entities[e.ID] = e

	case staging.KindBulkRenumber:
		if d.StartNumber == nil {
			return errors.New("start number is required")
		}
		targets := make([]staging.Entity, 0, len(d.EntityIDs))
		for _, id := range d.EntityIDs {
			e, err := m.lookup(id, b)
			if err != nil {
				return err
			}
			targets = append(targets, e)
		}
		for i, e := range targets {
			e = e.Clone()
			e.Number = staging.Float(*d.StartNumber + float64(i))
			m.entities[e.ID] = e
		}

	case staging.KindCreateEntity:
		var fields staging.Fields
		if d.Fields != nil {
			fields = *d.Fields
		}
		fields, err := m.resolveGroupRef(fields, b)
		if err != nil {
			return err
		}
		created := fields.ApplyTo(staging.Entity{Members: []int64{}})
		if group, ok, err := m.resolveCreateGroup(d, b); err != nil {
			return err
		} else if ok {
			created.GroupRef = staging.Int(group)
		}
		created.ID = m.nextID
		m.nextID++
		m.insert(created)
		if d.TempID != 0 {
			b.tempIDs[d.TempID] = created.ID
		}

	case staging.KindDeleteEntity:
		e, err := m.lookup(d.EntityID, b)
		if err != nil {
			return err
		}
		m.remove(e.ID)

	case staging.KindCreateGroup:
		if d.Name == "" {
			return errGroupName
		}
		id := m.createGroup(d.Name)
		b.groupNames[d.Name] = id
		if d.TempID != 0 {
			b.groupTemps[d.TempID] = id
		}

	case staging.KindDeleteGroup:
		id, err := m.resolveGroup(d.GroupID, b)
		if err != nil {
			return err
		}
		name := m.groups[id]
		delete(m.groups, id)
		delete(m.groupNames, name)
		delete(b.groupNames, name)
		for _, eid := range m.order {
			e := m.entities[eid]
			if e.GroupRef != nil && *e.GroupRef == id {
				e = e.Clone()
				e.GroupRef = nil
				m.entities[eid] = e
			}
		}

	default:
		return errUnknownOp
	}
	return nil
}

func (m *MemoryStore) lookup(id int64, b *batch) (staging.Entity, error) {
	if staging.IsTempID(id) {
		realID, ok := b.tempIDs[id]
		if !ok {
			return staging.Entity{}, errUnknownTempID
		}
		id = realID
	}
	e, ok := m.entities[id]
	if !ok {
		return staging.Entity{}, errEntityMissing
	}
	return e, nil
}

func (m *MemoryStore) checkMember(id int64) error {
	if len(m.members) == 0 {
		return nil
	}
	if _, ok := m.members[id]; !ok {
		return errMemberMissing
	}
	return nil
}

func (m *MemoryStore) resolveGroup(id int64, b *batch) (int64, error) {
	if staging.IsTempID(id) {
		realID, ok := b.groupTemps[id]
		if !ok {
			return 0, errUnknownTempID
		}
		id = realID
	}
	if _, ok := m.groups[id]; !ok {
		return 0, errGroupMissing
	}
	return id, nil
}

func (m *MemoryStore) resolveGroupRef(fields staging.Fields, b *batch) (staging.Fields, error) {
	if fields.GroupRef == nil {
		return fields, nil
	}
	id, err := m.resolveGroup(*fields.GroupRef, b)
	if err != nil {
		return fields, err
	}
	fields.GroupRef = staging.Int(id)
	return fields, nil
}

// resolveCreateGroup finds the group a create names, by batch temp id first, then by name.
func (m *MemoryStore) resolveCreateGroup(d staging.OperationDescriptor, b *batch) (int64, bool, error) {
	if d.GroupID != 0 {
		id, err := m.resolveGroup(d.GroupID, b)
		return id, err == nil, err
	}
	if d.GroupName == "" {
		return 0, false, nil
	}
	if id, ok := m.groupNames[d.GroupName]; ok {
		return id, true, nil
	}
	return 0, false, errGroupMissing
}

func (m *MemoryStore) describeError(index int, d staging.OperationDescriptor, b *batch, err error) staging.BulkCommitError {
	out := staging.BulkCommitError{
		OperationIndex: index,
		Type:           d.Type,
		Message:        err.Error(),
		EntityID:       d.EntityID,
		MemberID:       d.MemberID,
	}
	if e, lookupErr := m.lookup(d.EntityID, b); lookupErr == nil {
		out.EntityName = e.Name
	} else if d.Type == staging.KindCreateEntity && d.Fields != nil && d.Fields.Name != nil {
		out.EntityName = *d.Fields.Name
	}
	if name, ok := m.members[d.MemberID]; ok {
		out.MemberName = name
	}
	return out
}

func (m *MemoryStore) duplicateNumberIssues() []staging.ValidationIssue {
	byNumber := make(map[float64][]string)
	for _, id := range m.order {
		e := m.entities[id]
		if e.Number != nil {
			byNumber[*e.Number] = append(byNumber[*e.Number], e.Label())
		}
	}
	numbers := make([]float64, 0, len(byNumber))
	for n, labels := range byNumber {
		if len(labels) > 1 {
			numbers = append(numbers, n)
		}
	}
	slices.Sort(numbers)

	var issues []staging.ValidationIssue
	for _, n := range numbers {
		issues = append(issues, staging.ValidationIssue{
			OperationIndex: -1,
			Severity:       "warning",
			Message:        fmt.Sprintf("number %v is shared by %v", n, byNumber[n]),
		})
	}
	return issues
}
