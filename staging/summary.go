package staging

// Change categories reported by ChangeSummary.Counts.
const (
	CategoryUpdates       = "updates"
	CategoryMemberAdds    = "member_adds"
	CategoryMemberRemoves = "member_removes"
	CategoryReorders      = "reorders"
	CategoryRenumbers     = "renumbers"
	CategoryCreates       = "creates"
	CategoryDeletes       = "deletes"
	CategoryGroupCreates  = "group_creates"
	CategoryGroupDeletes  = "group_deletes"
)

// Categories lists the change categories in display order.
var Categories = []string{
	CategoryUpdates,
	CategoryMemberAdds,
	CategoryMemberRemoves,
	CategoryReorders,
	CategoryRenumbers,
	CategoryCreates,
	CategoryDeletes,
	CategoryGroupCreates,
	CategoryGroupDeletes,
}

// ChangeSummary describes staged work for a pre-commit review.
type ChangeSummary struct {
	Counts       map[string]int // staged operations per category
	Descriptions []string       // staged descriptions in chronological order
	Planned      []string       // descriptions of the consolidated operations
	Staged       int
	Consolidated int
}

// Total is the number of staged operations.
func (c ChangeSummary) Total() int { return c.Staged }

// IsEmpty reports whether nothing is staged.
func (c ChangeSummary) IsEmpty() bool { return c.Staged == 0 }

func categoryOf(op Operation) string {
	switch op.(type) {
	case UpdateEntity:
		return CategoryUpdates
	case AddMember:
		return CategoryMemberAdds
	case RemoveMember:
		return CategoryMemberRemoves
	case ReorderMembers:
		return CategoryReorders
	case BulkRenumber:
		return CategoryRenumbers
	case CreateEntity:
		return CategoryCreates
	case DeleteEntity:
		return CategoryDeletes
	case CreateGroup:
		return CategoryGroupCreates
	case DeleteGroup:
		return CategoryGroupDeletes
	}
	return string(op.Kind())
}

// Summarize counts the session log per category and consolidates it.
func Summarize(s *Session) ChangeSummary {
	staged := s.Log()
	summary := ChangeSummary{
		Counts:       make(map[string]int, len(Categories)),
		Descriptions: make([]string, 0, len(staged)),
		Staged:       len(staged),
	}
	for _, op := range staged {
		summary.Counts[categoryOf(op.Operation)]++
		summary.Descriptions = append(summary.Descriptions, op.Description)
	}
	if len(staged) == 0 {
		return summary
	}
	planned := Consolidate(staged, s.WorkingCopy())
	summary.Consolidated = len(planned)
	summary.Planned = make([]string, len(planned))
	for i, p := range planned {
		summary.Planned[i] = p.Description
	}
	return summary
}
