package staging

import (
	"slices"
	"time"
)

// OperationKind identifies an Operation variant.
type OperationKind string

const (
	KindUpdateEntity   OperationKind = "update_entity"
	KindAddMember      OperationKind = "add_member"
	KindRemoveMember   OperationKind = "remove_member"
	KindReorderMembers OperationKind = "reorder_members"
	KindBulkRenumber   OperationKind = "bulk_renumber"
	KindCreateEntity   OperationKind = "create_entity"
	KindDeleteEntity   OperationKind = "delete_entity"
	KindCreateGroup    OperationKind = "create_group"
	KindDeleteGroup    OperationKind = "delete_group"
)

// Operation describes one intended mutation. The set of implementations is closed.
type Operation interface {
	Kind() OperationKind
	// TargetIDs lists the entity ids the operation reads or writes.
	TargetIDs() []int64
	isOperation()
}

// UpdateEntity shallow-merges Fields into the entity with ID.
type UpdateEntity struct {
	ID     int64
	Fields Fields
}

// AddMember appends MemberID to the entity's member list if absent.
type AddMember struct {
	EntityID int64
	MemberID int64
}

// RemoveMember filters MemberID out of the entity's member list.
type RemoveMember struct {
	EntityID int64
	MemberID int64
}

// ReorderMembers replaces the entity's member list wholesale.
// MemberIDs must be a permutation of the current list; it is not validated.
type ReorderMembers struct {
	EntityID  int64
	MemberIDs []int64
}

// BulkRenumber assigns StartNumber+i to EntityIDs[i].
type BulkRenumber struct {
	EntityIDs   []int64
	StartNumber float64
}

// CreateEntity synthesizes a new entity under TempID.
// When NewGroupName is set the entity joins the staged group of that name,
// GroupTempID records which temp group that resolved to.
type CreateEntity struct {
	TempID       int64
	Fields       Fields
	NewGroupName string
	GroupTempID  int64
}

// DeleteEntity removes the entity with ID.
type DeleteEntity struct {
	ID int64
}

// CreateGroup stages a new group under TempID.
type CreateGroup struct {
	Name   string
	TempID int64
}

// DeleteGroup stages removal of the group with ID.
type DeleteGroup struct {
	ID int64
}

func (UpdateEntity) Kind() OperationKind   { return KindUpdateEntity }
func (AddMember) Kind() OperationKind      { return KindAddMember }
func (RemoveMember) Kind() OperationKind   { return KindRemoveMember }
func (ReorderMembers) Kind() OperationKind { return KindReorderMembers }
func (BulkRenumber) Kind() OperationKind   { return KindBulkRenumber }
func (CreateEntity) Kind() OperationKind   { return KindCreateEntity }
func (DeleteEntity) Kind() OperationKind   { return KindDeleteEntity }
func (CreateGroup) Kind() OperationKind    { return KindCreateGroup }
func (DeleteGroup) Kind() OperationKind    { return KindDeleteGroup }

func (o UpdateEntity) TargetIDs() []int64   { return []int64{o.ID} }
func (o AddMember) TargetIDs() []int64      { return []int64{o.EntityID} }
func (o RemoveMember) TargetIDs() []int64   { return []int64{o.EntityID} }
func (o ReorderMembers) TargetIDs() []int64 { return []int64{o.EntityID} }
func (o BulkRenumber) TargetIDs() []int64   { return slices.Clone(o.EntityIDs) }
func (o CreateEntity) TargetIDs() []int64   { return []int64{o.TempID} }
func (o DeleteEntity) TargetIDs() []int64   { return []int64{o.ID} }
func (CreateGroup) TargetIDs() []int64      { return nil }
func (DeleteGroup) TargetIDs() []int64      { return nil }

func (UpdateEntity) isOperation()   {}
func (AddMember) isOperation()      {}
func (RemoveMember) isOperation()   {}
func (ReorderMembers) isOperation() {}
func (BulkRenumber) isOperation()   {}
func (CreateEntity) isOperation()   {}
func (DeleteEntity) isOperation()   {}
func (CreateGroup) isOperation()    {}
func (DeleteGroup) isOperation()    {}

// StagedOperation is one recorded mutation with the state it replaced and produced.
type StagedOperation struct {
	ID              string
	Timestamp       time.Time
	Description     string
	Operation       Operation
	BeforeSnapshots []EntitySnapshot
	AfterSnapshots  []EntitySnapshot

	groupsBefore GroupRegistry
}

// UndoEntry is a batch of staged operations reversed and replayed together.
type UndoEntry struct {
	ID          string
	Timestamp   time.Time
	Description string
	Operations  []StagedOperation
}

// Operations extracts the bare operations of a log in order.
func Operations(log []StagedOperation) []Operation {
	ops := make([]Operation, len(log))
	for i, staged := range log {
		ops[i] = staged.Operation
	}
	return ops
}
