package staging

import (
	"errors"
	"maps"
	"strconv"
)

// CommitResult reports the outcome of Editor.Commit.
type CommitResult struct {
	Success         bool
	Applied         int
	Failed          int
	Errors          []BulkCommitError
	UpdatedEntities []Entity         // authoritative collection fetched after the call
	TempIDMap       map[int64]int64  // temp entity id -> real id
	GroupIDMap      map[string]int64 // group name -> real id
	Message         string
	Err             error
}

// ResolveID returns the real id assigned to a temp id, or id itself when it was never temporary.
func (r CommitResult) ResolveID(id int64) (int64, bool) {
	if !IsTempID(id) {
		return id, true
	}
	realID, ok := r.TempIDMap[id]
	return realID, ok
}

// GroupID returns the id assigned to a group created by the commit.
func (r CommitResult) GroupID(name string) (int64, bool) {
	id, ok := r.GroupIDMap[name]
	return id, ok
}

// ValidationResult reports the outcome of Editor.Validate.
type ValidationResult struct {
	Passed bool
	Issues []ValidationIssue
	Errors []BulkCommitError
	Err    error
}

// Translate turns a consolidated plan into one bulk request.
//
// Groups named by CreateEntity operations become group creation requests,
// deduplicated by name in first-seen order, as long as the name is still
// registered in groups. Deletes of temp groups that the request never creates
// are dropped.
func Translate(planned []PlannedOperation, groups GroupRegistry) BulkCommitRequest {
	req := BulkCommitRequest{Operations: make([]OperationDescriptor, 0, len(planned))}
	requested := make(map[string]bool)
	created := make(map[int64]bool)

	for _, p := range planned {
		switch o := p.Operation.(type) {
		case CreateEntity:
			d := Describe(o)
			if o.NewGroupName != "" {
				id, pending := groups.Lookup(o.NewGroupName)
				switch {
				case !pending:
					// the group was deleted again before commit
					d.GroupName = ""
					d.GroupID = 0
				case !requested[o.NewGroupName]:
					requested[o.NewGroupName] = true
					created[id] = true
					req.Groups = append(req.Groups, GroupCreateRequest{Name: o.NewGroupName, TempID: id})
					d.GroupID = id
				default:
					d.GroupID = id
				}
			}
			req.Operations = append(req.Operations, d)
		case CreateGroup:
			created[o.TempID] = true
			req.Operations = append(req.Operations, Describe(o))
		case DeleteGroup:
			if IsTempID(o.ID) && !created[o.ID] {
				continue
			}
			req.Operations = append(req.Operations, Describe(o))
		default:
			req.Operations = append(req.Operations, Describe(o))
		}
	}
	return req
}

// decodeTempIDs converts the wire temp-id map. Keys that are not integers are skipped.
func decodeTempIDs(wire map[string]int64) map[int64]int64 {
	out := make(map[int64]int64, len(wire))
	for key, realID := range wire {
		temp, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[temp] = realID
	}
	return out
}

// resultFromResponse copies the response counters and maps into a result.
// A response that reports any failed operation is unsuccessful whatever its success flag says.
func resultFromResponse(resp BulkCommitResponse) CommitResult {
	result := CommitResult{
		Success:    resp.Success && resp.OperationsFailed == 0,
		Applied:    resp.OperationsApplied,
		Failed:     resp.OperationsFailed,
		Errors:     append([]BulkCommitError(nil), resp.Errors...),
		TempIDMap:  decodeTempIDs(resp.TempIDMap),
		GroupIDMap: maps.Clone(resp.GroupIDMap),
	}
	if result.GroupIDMap == nil {
		result.GroupIDMap = make(map[string]int64)
	}
	if !result.Success {
		result.Err = failureError(resp)
		result.Message = "Commit failed: " + result.Err.Error()
	}
	return result
}

// failureError classifies an unsuccessful response.
func failureError(resp BulkCommitResponse) error {
	rejections := make([]*ValidationError, len(resp.Errors))
	for i, e := range resp.Errors {
		rejections[i] = &ValidationError{BulkCommitError: e}
	}
	if resp.OperationsFailed > 0 {
		return &PartialApplicationError{
			Applied: resp.OperationsApplied,
			Failed:  resp.OperationsFailed,
			Errors:  rejections,
		}
	}
	if len(rejections) > 0 {
		return rejections[0]
	}
	return errors.New("remote reported failure without details")
}
