package staging

import (
	"maps"
	"slices"
)

// GroupStub is a group known only to the session: a staged creation or a staged deletion.
type GroupStub struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Deleted bool   `json:"deleted,omitempty"`
}

// GroupRegistry tracks staged groups in parallel to the working copy.
type GroupRegistry struct {
	Groups map[int64]GroupStub
	Names  map[string]int64 // group name -> temp group id
}

// NewGroupRegistry returns an empty registry.
func NewGroupRegistry() GroupRegistry {
	return GroupRegistry{
		Groups: make(map[int64]GroupStub),
		Names:  make(map[string]int64),
	}
}

// Clone returns an independent copy.
func (r GroupRegistry) Clone() GroupRegistry {
	out := GroupRegistry{
		Groups: maps.Clone(r.Groups),
		Names:  maps.Clone(r.Names),
	}
	if out.Groups == nil {
		out.Groups = make(map[int64]GroupStub)
	}
	if out.Names == nil {
		out.Names = make(map[string]int64)
	}
	return out
}

// Lookup returns the temp group id registered under name.
func (r GroupRegistry) Lookup(name string) (int64, bool) {
	id, ok := r.Names[name]
	return id, ok
}

// Pending returns the staged (not deleted) temp groups sorted by id, newest last.
func (r GroupRegistry) Pending() []GroupStub {
	out := make([]GroupStub, 0, len(r.Groups))
	for _, g := range r.Groups {
		if IsTempID(g.ID) && !g.Deleted {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b GroupStub) int {
		// temp ids decrease, so the oldest has the largest id
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (r GroupRegistry) minID() int64 {
	var lowest int64
	for id := range r.Groups {
		if id < lowest {
			lowest = id
		}
	}
	return lowest
}

func (r GroupRegistry) register(id int64, name string) {
	r.Groups[id] = GroupStub{ID: id, Name: name}
	if name == "" {
		return
	}
	if _, exists := r.Names[name]; !exists {
		r.Names[name] = id
	}
}

// State is the input and output of the apply engine.
type State struct {
	Entities []Entity
	Groups   GroupRegistry
}

// NewState wraps entities with an empty group registry.
func NewState(entities []Entity) State {
	return State{Entities: CloneEntities(entities), Groups: NewGroupRegistry()}
}

// Find returns the entity with id.
func (s State) Find(id int64) (Entity, bool) {
	if i := indexOf(s.Entities, id); i >= 0 {
		return s.Entities[i], true
	}
	return Entity{}, false
}

// Apply returns the state produced by op. The input state is never mutated;
// unchanged entities are shared between the input and the result.
func Apply(state State, op Operation) State {
	switch o := op.(type) {
	case UpdateEntity:
		return state.withEntity(o.ID, func(e Entity) Entity {
			return o.Fields.ApplyTo(e)
		})

	case AddMember:
		return state.withEntity(o.EntityID, func(e Entity) Entity {
			if slices.Contains(e.Members, o.MemberID) {
				return e
			}
			c := e.Clone()
			c.Members = append(c.Members, o.MemberID)
			return c
		})

	case RemoveMember:
		return state.withEntity(o.EntityID, func(e Entity) Entity {
			if !slices.Contains(e.Members, o.MemberID) {
				return e
			}
			c := e.Clone()
			c.Members = slices.DeleteFunc(c.Members, func(m int64) bool { return m == o.MemberID })
			return c
		})

	case ReorderMembers:
		return state.withEntity(o.EntityID, func(e Entity) Entity {
			c := e.Clone()
			c.Members = slices.Clone(o.MemberIDs)
			if c.Members == nil {
				c.Members = []int64{}
			}
			return c
		})

	case BulkRenumber:
		next := State{Entities: slices.Clone(state.Entities), Groups: state.Groups}
		positions := make(map[int64]int, len(next.Entities))
		for i, e := range next.Entities {
			positions[e.ID] = i
		}
		for i, id := range o.EntityIDs {
			idx, ok := positions[id]
			if !ok {
				continue
			}
			c := next.Entities[idx].Clone()
			c.Number = Float(o.StartNumber + float64(i))
			next.Entities[idx] = c
		}
		return next

	case CreateEntity:
		tempID := o.TempID
		if tempID == 0 {
			tempID = nextTempID(state.Entities)
		}
		created := o.Fields.ApplyTo(Entity{ID: tempID, Members: []int64{}})
		created.ID = tempID
		next := State{Entities: slices.Clone(state.Entities), Groups: state.Groups}
		if o.NewGroupName != "" {
			next.Groups = state.Groups.Clone()
			groupID, ok := next.Groups.Lookup(o.NewGroupName)
			if !ok {
				groupID = o.GroupTempID
				if groupID == 0 {
					groupID = next.Groups.minID() - 1
				}
				next.Groups.register(groupID, o.NewGroupName)
			}
			created.GroupRef = Int(groupID)
		}
		next.Entities = append(next.Entities, created)
		return next

	case DeleteEntity:
		idx := indexOf(state.Entities, o.ID)
		if idx < 0 {
			return state
		}
		return State{Entities: slices.Delete(slices.Clone(state.Entities), idx, idx+1), Groups: state.Groups}

	case CreateGroup:
		next := State{Entities: state.Entities, Groups: state.Groups.Clone()}
		tempID := o.TempID
		if tempID == 0 {
			tempID = next.Groups.minID() - 1
		}
		next.Groups.register(tempID, o.Name)
		return next

	case DeleteGroup:
		next := State{Entities: state.Entities, Groups: state.Groups.Clone()}
		if IsTempID(o.ID) {
			stub := next.Groups.Groups[o.ID]
			delete(next.Groups.Groups, o.ID)
			if id, ok := next.Groups.Names[stub.Name]; ok && id == o.ID {
				delete(next.Groups.Names, stub.Name)
			}
			return next
		}
		next.Groups.Groups[o.ID] = GroupStub{ID: o.ID, Deleted: true}
		return next
	}
	return state
}

// Replay folds ops over baseline in order.
func Replay(baseline []Entity, ops []Operation) State {
	state := NewState(baseline)
	for _, op := range ops {
		state = Apply(state, op)
	}
	return state
}

func (s State) withEntity(id int64, fn func(Entity) Entity) State {
	idx := indexOf(s.Entities, id)
	if idx < 0 {
		return s
	}
	next := State{Entities: slices.Clone(s.Entities), Groups: s.Groups}
	next.Entities[idx] = fn(next.Entities[idx])
	return next
}

func indexOf(entities []Entity, id int64) int {
	return slices.IndexFunc(entities, func(e Entity) bool { return e.ID == id })
}

func nextTempID(entities []Entity) int64 {
	var lowest int64
	for _, e := range entities {
		if e.ID < lowest {
			lowest = e.ID
		}
	}
	return lowest - 1
}
