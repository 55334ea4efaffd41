package staging

import (
	"context"
	"strconv"
)

// EntityService is the remote collaborator holding the authoritative collection.
type EntityService interface {
	FetchPage(ctx context.Context, page, pageSize int) (Page, error)
	BulkCommit(ctx context.Context, req BulkCommitRequest) (BulkCommitResponse, error)
}

// Page is one page of the authoritative collection. Pages are numbered from 1.
type Page struct {
	Results []Entity `json:"results"`
	HasNext bool     `json:"has_next"`
}

// OperationDescriptor is the wire form of one consolidated operation.
type OperationDescriptor struct {
	Type        OperationKind `json:"type"`
	EntityID    int64         `json:"entity_id,omitempty"`
	MemberID    int64         `json:"member_id,omitempty"`
	EntityIDs   []int64       `json:"entity_ids,omitempty"`
	MemberIDs   []int64       `json:"member_ids,omitempty"`
	StartNumber *float64      `json:"start_number,omitempty"`
	TempID      int64         `json:"temp_id,omitempty"`
	Fields      *Fields       `json:"fields,omitempty"`
	GroupName   string        `json:"group_name,omitempty"`
	GroupID     int64         `json:"group_id,omitempty"`
	Name        string        `json:"name,omitempty"`
}

// GroupCreateRequest asks the server to create a group before any operation runs.
// Operations refer to the group by TempID or Name.
type GroupCreateRequest struct {
	Name   string `json:"name"`
	TempID int64  `json:"temp_id"`
}

// BulkCommitOptions controls how the server applies a batch.
type BulkCommitOptions struct {
	ValidateOnly    bool `json:"validate_only,omitempty"`
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// BulkCommitRequest is the single remote call a commit produces.
type BulkCommitRequest struct {
	Operations []OperationDescriptor `json:"operations"`
	Groups     []GroupCreateRequest  `json:"groups,omitempty"`
	Options    BulkCommitOptions     `json:"options"`
}

// BulkCommitError describes one operation the server rejected.
type BulkCommitError struct {
	OperationIndex int           `json:"operation_index"`
	Type           OperationKind `json:"type,omitempty"`
	Message        string        `json:"message"`
	EntityID       int64         `json:"entity_id,omitempty"`
	EntityName     string        `json:"entity_name,omitempty"`
	MemberID       int64         `json:"member_id,omitempty"`
	MemberName     string        `json:"member_name,omitempty"`
}

// ValidationIssue is one finding of a validate-only run.
type ValidationIssue struct {
	OperationIndex int    `json:"operation_index"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
}

// BulkCommitResponse is the server's report for a bulk call.
// TempIDMap is keyed by the decimal temp id, GroupIDMap by group name.
type BulkCommitResponse struct {
	Success           bool              `json:"success"`
	OperationsApplied int               `json:"operations_applied"`
	OperationsFailed  int               `json:"operations_failed"`
	Errors            []BulkCommitError `json:"errors,omitempty"`
	TempIDMap         map[string]int64  `json:"temp_id_map,omitempty"`
	GroupIDMap        map[string]int64  `json:"group_id_map,omitempty"`
	ValidationPassed  *bool             `json:"validation_passed,omitempty"`
	ValidationIssues  []ValidationIssue `json:"validation_issues,omitempty"`
}

// TempIDKey renders a temp id as a TempIDMap key.
func TempIDKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Describe builds the wire descriptor for op.
func Describe(op Operation) OperationDescriptor {
	d := OperationDescriptor{Type: op.Kind()}
	switch o := op.(type) {
	case UpdateEntity:
		fields := o.Fields.clone()
		d.EntityID = o.ID
		d.Fields = &fields
	case AddMember:
		d.EntityID = o.EntityID
		d.MemberID = o.MemberID
	case RemoveMember:
		d.EntityID = o.EntityID
		d.MemberID = o.MemberID
	case ReorderMembers:
		d.EntityID = o.EntityID
		d.MemberIDs = append([]int64{}, o.MemberIDs...)
	case BulkRenumber:
		d.EntityIDs = append([]int64{}, o.EntityIDs...)
		d.StartNumber = Float(o.StartNumber)
	case CreateEntity:
		fields := o.Fields.clone()
		d.TempID = o.TempID
		d.Fields = &fields
		if o.NewGroupName != "" {
			d.GroupName = o.NewGroupName
			d.GroupID = o.GroupTempID
		}
	case DeleteEntity:
		d.EntityID = o.ID
	case CreateGroup:
		d.Name = o.Name
		d.TempID = o.TempID
	case DeleteGroup:
		d.GroupID = o.ID
	}
	return d
}

// Operation converts a descriptor back into an Operation.
// The bool is false for unknown types.
func (d OperationDescriptor) Operation() (Operation, bool) {
	fields := Fields{}
	if d.Fields != nil {
		fields = d.Fields.clone()
	}
	switch d.Type {
	case KindUpdateEntity:
		return UpdateEntity{ID: d.EntityID, Fields: fields}, true
	case KindAddMember:
		return AddMember{EntityID: d.EntityID, MemberID: d.MemberID}, true
	case KindRemoveMember:
		return RemoveMember{EntityID: d.EntityID, MemberID: d.MemberID}, true
	case KindReorderMembers:
		return ReorderMembers{EntityID: d.EntityID, MemberIDs: append([]int64{}, d.MemberIDs...)}, true
	case KindBulkRenumber:
		var start float64
		if d.StartNumber != nil {
			start = *d.StartNumber
		}
		return BulkRenumber{EntityIDs: append([]int64{}, d.EntityIDs...), StartNumber: start}, true
	case KindCreateEntity:
		return CreateEntity{TempID: d.TempID, Fields: fields, NewGroupName: d.GroupName, GroupTempID: d.GroupID}, true
	case KindDeleteEntity:
		return DeleteEntity{ID: d.EntityID}, true
	case KindCreateGroup:
		return CreateGroup{Name: d.Name, TempID: d.TempID}, true
	case KindDeleteGroup:
		return DeleteGroup{ID: d.GroupID}, true
	}
	return nil, false
}
