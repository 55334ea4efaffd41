package staging

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

// PlannedOperation is a consolidated operation with a human-readable description.
type PlannedOperation struct {
	Operation   Operation
	Description string
}

type memberPair struct {
	entityID int64
	memberID int64
}

type memberStep struct {
	kind OperationKind
	seq  int
}

type memberHistory struct {
	steps []memberStep
}

// net replays the steps from the given starting presence. It reports whether
// the member must be removed and re-added, and the position of the last
// effective add used to order the output.
func (h *memberHistory) net(present bool) (remove, add bool, seq int) {
	initial := present
	appended := false
	seq = h.steps[len(h.steps)-1].seq
	for _, step := range h.steps {
		switch {
		case step.kind == KindAddMember && !present:
			present, appended, seq = true, true, step.seq
		case step.kind == KindRemoveMember && present:
			present, appended = false, false
		}
	}
	if !present {
		return initial, false, seq
	}
	return initial && appended, appended, seq
}

type memberChange struct {
	pair   memberPair
	remove bool
	add    bool
	seq    int
}

// memberPresence reports whether a member belonged to an entity just before
// the operation at seq. ok is false when that is not known.
type memberPresence func(seq int, pair memberPair) (present, ok bool)

type sequenced struct {
	op  Operation
	seq int
}

// ConsolidateOperations rewrites a chronological operation list into a shorter
// equivalent one. Applying the input or the output to the same baseline yields
// the same entities, and consolidating the output again returns it unchanged.
//
// Create, delete and group operations keep their relative order. The remaining
// operations are merged per target and emitted after them: field updates,
// renumbers, member reorders, then membership changes. A merged update that
// assigns a group deleted later in the log is emitted just before that delete.
//
// Renumbers are merged into ranges of consecutive numbers unless replaying the
// original renumbers takes fewer operations. If the result is still longer
// than the input, the input is returned in its original order with created
// then deleted temp entities removed.
//
// Without a baseline the starting membership is unknown: unless a reorder
// fixes the list, the first add or remove of a member is taken to be
// effective. Use ConsolidateFrom when the baseline is available.
func ConsolidateOperations(ops []Operation) []Operation {
	return consolidate(ops, nil)
}

// ConsolidateFrom consolidates ops as ConsolidateOperations does, reading the
// starting membership of each entity from baseline.
func ConsolidateFrom(baseline []Entity, ops []Operation) []Operation {
	before := make(map[int]bool)
	state := NewState(baseline)
	for i, op := range ops {
		switch o := op.(type) {
		case AddMember:
			before[i] = hasMember(state, o.EntityID, o.MemberID)
		case RemoveMember:
			before[i] = hasMember(state, o.EntityID, o.MemberID)
		}
		state = Apply(state, op)
	}
	return consolidate(ops, func(seq int, _ memberPair) (bool, bool) {
		present, ok := before[seq]
		return present, ok
	})
}

func hasMember(state State, entityID, memberID int64) bool {
	e, ok := state.Find(entityID)
	return ok && slices.Contains(e.Members, memberID)
}

func consolidate(ops []Operation, presence memberPresence) []Operation {
	deleted := make(map[int64]bool)
	createdAt := make(map[int64]int)
	cancelled := make(map[int64]bool)
	reorderLast := make(map[int64]int)
	numberSetAt := make(map[int64]int)
	for i, op := range ops {
		switch o := op.(type) {
		case ReorderMembers:
			reorderLast[o.EntityID] = i
		case UpdateEntity:
			if o.Fields.TouchesNumber() {
				numberSetAt[o.ID] = i
			}
		case CreateEntity:
			createdAt[o.TempID] = i
		case DeleteEntity:
			deleted[o.ID] = true
			if at, ok := createdAt[o.ID]; ok && at < i && IsTempID(o.ID) {
				cancelled[o.ID] = true
			}
		}
	}
	// edits of entities that are deleted, or do not exist yet, have no effect
	inert := func(id int64, i int) bool {
		if deleted[id] {
			return true
		}
		at, ok := createdAt[id]
		return ok && i < at
	}

	var ordered []sequenced
	updates := make(map[int64]Fields)
	var updateOrder []int64
	groupSetAt := make(map[int64]int)
	numbers := make(map[int64]float64)
	var runs []Operation
	reorders := make(map[int64]ReorderMembers)
	members := make(map[memberPair]*memberHistory)
	var memberOrder []memberPair

	for i, op := range ops {
		switch o := op.(type) {
		case CreateEntity:
			if !cancelled[o.TempID] {
				ordered = append(ordered, sequenced{o, i})
			}
		case DeleteEntity:
			if !cancelled[o.ID] {
				ordered = append(ordered, sequenced{o, i})
			}
		case CreateGroup, DeleteGroup:
			ordered = append(ordered, sequenced{o, i})

		case UpdateEntity:
			if inert(o.ID, i) {
				continue
			}
			if current, ok := updates[o.ID]; ok {
				updates[o.ID] = current.Merge(o.Fields)
			} else {
				updates[o.ID] = Fields{}.Merge(o.Fields)
				updateOrder = append(updateOrder, o.ID)
			}
			if o.Fields.GroupRef != nil || o.Fields.ClearGroupRef {
				groupSetAt[o.ID] = i
			}
			if o.Fields.TouchesNumber() {
				delete(numbers, o.ID)
			}

		case BulkRenumber:
			for j, id := range o.EntityIDs {
				if !inert(id, i) {
					numbers[id] = o.StartNumber + float64(j)
				}
			}
			// a replayed renumber skips entries a later update overrides
			runs = append(runs, splitRenumber(o, func(id int64) bool {
				at, ok := numberSetAt[id]
				return inert(id, i) || (ok && at > i)
			})...)

		case ReorderMembers:
			if inert(o.EntityID, i) {
				continue
			}
			reorders[o.EntityID] = ReorderMembers{EntityID: o.EntityID, MemberIDs: slices.Clone(o.MemberIDs)}

		case AddMember:
			// a later reorder replaces the member list wholesale
			if r, ok := reorderLast[o.EntityID]; inert(o.EntityID, i) || (ok && i < r) {
				continue
			}
			memberOrder = recordMember(members, memberOrder, memberPair{o.EntityID, o.MemberID}, KindAddMember, i)

		case RemoveMember:
			if r, ok := reorderLast[o.EntityID]; inert(o.EntityID, i) || (ok && i < r) {
				continue
			}
			memberOrder = recordMember(members, memberOrder, memberPair{o.EntityID, o.MemberID}, KindRemoveMember, i)
		}
	}

	// a renumber after the last explicit number wins
	merged := func(id int64) Fields {
		fields := updates[id]
		if _, renumbered := numbers[id]; renumbered {
			fields.Number, fields.ClearNumber = nil, false
		}
		return fields
	}

	early := make(map[int][]int64)
	placed := make(map[int64]bool)
	for _, id := range updateOrder {
		fields := merged(id)
		if fields.GroupRef == nil {
			continue
		}
		for k, s := range ordered {
			if del, ok := s.op.(DeleteGroup); ok && del.ID == *fields.GroupRef && s.seq > groupSetAt[id] {
				early[k] = append(early[k], id)
				placed[id] = true
				break
			}
		}
	}

	out := make([]Operation, 0, len(ops))
	for k, s := range ordered {
		for _, id := range early[k] {
			out = append(out, UpdateEntity{ID: id, Fields: merged(id)})
		}
		out = append(out, s.op)
	}

	for _, id := range updateOrder {
		if fields := merged(id); !placed[id] && !fields.IsEmpty() {
			out = append(out, UpdateEntity{ID: id, Fields: fields})
		}
	}

	if ranges := renumberRanges(numbers); len(runs) < len(ranges) {
		out = append(out, runs...)
	} else {
		out = append(out, ranges...)
	}

	reorderIDs := make([]int64, 0, len(reorders))
	for id := range reorders {
		reorderIDs = append(reorderIDs, id)
	}
	slices.SortFunc(reorderIDs, func(a, b int64) int { return cmp.Compare(reorderLast[a], reorderLast[b]) })
	for _, id := range reorderIDs {
		out = append(out, reorders[id])
	}

	changes := make([]memberChange, 0, len(memberOrder))
	for _, pair := range memberOrder {
		h := members[pair]
		present := h.steps[0].kind == KindRemoveMember
		if reorder, ok := reorders[pair.entityID]; ok {
			present = slices.Contains(reorder.MemberIDs, pair.memberID)
		} else if presence != nil {
			if known, ok := presence(h.steps[0].seq, pair); ok {
				present = known
			}
		}
		remove, add, seq := h.net(present)
		if remove || add {
			changes = append(changes, memberChange{pair: pair, remove: remove, add: add, seq: seq})
		}
	}
	slices.SortStableFunc(changes, func(a, b memberChange) int { return cmp.Compare(a.seq, b.seq) })
	for _, c := range changes {
		if c.remove {
			out = append(out, RemoveMember{EntityID: c.pair.entityID, MemberID: c.pair.memberID})
		}
		if c.add {
			out = append(out, AddMember{EntityID: c.pair.entityID, MemberID: c.pair.memberID})
		}
	}

	if len(out) > len(ops) {
		return withoutCancelled(ops, cancelled)
	}
	return out
}

// withoutCancelled returns ops in their original order without the created
// then deleted temp entities. A temp entity renumbered between two kept
// entities stays, since dropping it would split the renumber.
func withoutCancelled(ops []Operation, cancelled map[int64]bool) []Operation {
	dropped := maps.Clone(cancelled)
	for changed := true; changed; {
		changed = false
		for _, op := range ops {
			r, ok := op.(BulkRenumber)
			if !ok {
				continue
			}
			lo, hi := keptBounds(r.EntityIDs, dropped)
			for _, id := range r.EntityIDs[max(lo, 0) : hi+1] {
				if dropped[id] {
					delete(dropped, id)
					changed = true
				}
			}
		}
	}

	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case CreateEntity:
			if dropped[o.TempID] {
				continue
			}
		case BulkRenumber:
			lo, hi := keptBounds(o.EntityIDs, dropped)
			if lo < 0 {
				continue
			}
			op = BulkRenumber{EntityIDs: slices.Clone(o.EntityIDs[lo : hi+1]), StartNumber: o.StartNumber + float64(lo)}
		default:
			if ids := op.TargetIDs(); len(ids) == 1 && dropped[ids[0]] {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

// keptBounds returns the first and last index of ids not in dropped, or -1, -1.
func keptBounds(ids []int64, dropped map[int64]bool) (lo, hi int) {
	lo, hi = -1, -1
	for i, id := range ids {
		if !dropped[id] {
			if lo < 0 {
				lo = i
			}
			hi = i
		}
	}
	return lo, hi
}

// splitRenumber breaks r into runs of consecutive entries that skip keeps out.
func splitRenumber(r BulkRenumber, skip func(id int64) bool) []Operation {
	var runs []Operation
	start := -1
	flush := func(end int) {
		if start >= 0 {
			runs = append(runs, BulkRenumber{EntityIDs: slices.Clone(r.EntityIDs[start:end]), StartNumber: r.StartNumber + float64(start)})
			start = -1
		}
	}
	for j, id := range r.EntityIDs {
		if skip(id) {
			flush(j)
		} else if start < 0 {
			start = j
		}
	}
	flush(len(r.EntityIDs))
	return runs
}

func recordMember(members map[memberPair]*memberHistory, order []memberPair, pair memberPair, kind OperationKind, seq int) []memberPair {
	h, ok := members[pair]
	if !ok {
		h = &memberHistory{}
		members[pair] = h
		order = append(order, pair)
	}
	h.steps = append(h.steps, memberStep{kind: kind, seq: seq})
	return order
}

// renumberRanges groups final numbers into runs of consecutive integers,
// one BulkRenumber per run.
func renumberRanges(numbers map[int64]float64) []Operation {
	if len(numbers) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(numbers))
	for id := range numbers {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b int64) int {
		if c := cmp.Compare(numbers[a], numbers[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	var ranges []Operation
	run := BulkRenumber{EntityIDs: []int64{ids[0]}, StartNumber: numbers[ids[0]]}
	prev := numbers[ids[0]]
	for _, id := range ids[1:] {
		n := numbers[id]
		if n == prev+1 {
			run.EntityIDs = append(run.EntityIDs, id)
		} else {
			ranges = append(ranges, run)
			run = BulkRenumber{EntityIDs: []int64{id}, StartNumber: n}
		}
		prev = n
	}
	return append(ranges, run)
}

// Consolidate consolidates a session log and describes each resulting
// operation using entity names from the working copy and the log. Starting
// membership is read from the snapshots captured before each operation.
func Consolidate(staged []StagedOperation, working []Entity) []PlannedOperation {
	ops := consolidate(Operations(staged), func(seq int, pair memberPair) (bool, bool) {
		for _, snap := range staged[seq].BeforeSnapshots {
			if snap.ID == pair.entityID {
				return slices.Contains(snap.Members, pair.memberID), true
			}
		}
		return false, false
	})

	names := make(map[int64]string)
	for _, op := range staged {
		for _, snap := range op.BeforeSnapshots {
			if snap.Name != "" {
				names[snap.ID] = snap.Name
			}
		}
	}
	for _, e := range working {
		if e.Name != "" {
			names[e.ID] = e.Name
		}
	}

	planned := make([]PlannedOperation, len(ops))
	for i, op := range ops {
		planned[i] = PlannedOperation{Operation: op, Description: describe(op, names)}
	}
	log.Debug("Consolidated operation log", "staged", len(staged), "planned", len(planned))
	return planned
}

func describe(op Operation, names map[int64]string) string {
	label := func(id int64) string {
		if name, ok := names[id]; ok {
			return name
		}
		return fmt.Sprintf("#%d", id)
	}

	switch o := op.(type) {
	case UpdateEntity:
		keys := make([]string, 0, 3)
		for key := range o.Fields.Map() {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		return fmt.Sprintf("Update %s (%s)", label(o.ID), strings.Join(keys, ", "))
	case AddMember:
		return fmt.Sprintf("Add member %d to %s", o.MemberID, label(o.EntityID))
	case RemoveMember:
		return fmt.Sprintf("Remove member %d from %s", o.MemberID, label(o.EntityID))
	case ReorderMembers:
		return fmt.Sprintf("Reorder %d members of %s", len(o.MemberIDs), label(o.EntityID))
	case BulkRenumber:
		if len(o.EntityIDs) == 1 {
			return fmt.Sprintf("Number %s as %s", label(o.EntityIDs[0]), formatNumber(o.StartNumber))
		}
		last := o.StartNumber + float64(len(o.EntityIDs)-1)
		return fmt.Sprintf("Renumber %d entities %s-%s", len(o.EntityIDs), formatNumber(o.StartNumber), formatNumber(last))
	case CreateEntity:
		desc := "Create " + label(o.TempID)
		if o.NewGroupName != "" {
			desc += " in new group " + o.NewGroupName
		}
		return desc
	case DeleteEntity:
		return "Delete " + label(o.ID)
	case CreateGroup:
		return "Create group " + o.Name
	case DeleteGroup:
		return fmt.Sprintf("Delete group #%d", o.ID)
	}
	return string(op.Kind())
}
