// Package review renders staged changes and asks the user what to do with them.
package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/zenibako/stagedit/staging"
)

// Decision is what the user chose to do with a session.
type Decision string

const (
	DecisionCommit  Decision = "commit"
	DecisionCancel  Decision = "cancel"
	DecisionDiscard Decision = "discard"
)

var categoryLabels = map[string]string{
	staging.CategoryUpdates:       "updated",
	staging.CategoryMemberAdds:    "member added",
	staging.CategoryMemberRemoves: "member removed",
	staging.CategoryReorders:      "reordered",
	staging.CategoryRenumbers:     "renumbered",
	staging.CategoryCreates:       "created",
	staging.CategoryDeletes:       "deleted",
	staging.CategoryGroupCreates:  "group created",
	staging.CategoryGroupDeletes:  "group deleted",
}

// FormatSummary renders a change summary as plain text.
func FormatSummary(summary staging.ChangeSummary) string {
	if summary.IsEmpty() {
		return "No staged changes"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d staged changes, %d after consolidation\n", summary.Staged, summary.Consolidated)

	var counts []string
	for _, category := range staging.Categories {
		if n := summary.Counts[category]; n > 0 {
			counts = append(counts, fmt.Sprintf("%d %s", n, categoryLabels[category]))
		}
	}
	if len(counts) > 0 {
		b.WriteString(strings.Join(counts, ", "))
		b.WriteString("\n")
	}

	for _, description := range summary.Planned {
		fmt.Fprintf(&b, "  - %s\n", description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatConflicts renders detected conflicts as plain text.
func FormatConflicts(conflicts []staging.EntityConflict) string {
	if len(conflicts) == 0 {
		return "No conflicts"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d entities changed on the server since editing began\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Fprintf(&b, "  - %s\n", c.Description())
	}
	return strings.TrimRight(b.String(), "\n")
}

// Reviewer walks the user through committing a session.
type Reviewer struct {
	prompter Prompter
}

// NewReviewer creates a reviewer that asks through p.
func NewReviewer(p Prompter) *Reviewer {
	return &Reviewer{prompter: p}
}

// PromptCommit shows the summary and any conflicts and asks for a decision.
func (r *Reviewer) PromptCommit(summary staging.ChangeSummary, conflicts []staging.EntityConflict) (Decision, error) {
	title := fmt.Sprintf("Commit %d changes?", summary.Consolidated)
	description := FormatSummary(summary)
	commitLabel := "Commit changes"
	if len(conflicts) > 0 {
		title = fmt.Sprintf("Commit %d changes over %d conflicts?", summary.Consolidated, len(conflicts))
		description += "\n\n" + FormatConflicts(conflicts)
		commitLabel = "Commit anyway (overwrite server changes)"
	}

	choice, err := r.prompter.Choose(Prompt{
		Title:       title,
		Description: description,
		Options: []Option{
			{Label: commitLabel, Value: string(DecisionCommit)},
			{Label: "Keep editing", Value: string(DecisionCancel)},
			{Label: "Discard all changes", Value: string(DecisionDiscard)},
		},
	})
	if err != nil {
		return DecisionCancel, fmt.Errorf("failed to get user input for commit review: %w", err)
	}

	switch d := Decision(choice); d {
	case DecisionCommit, DecisionCancel, DecisionDiscard:
		return d, nil
	default:
		return DecisionCancel, fmt.Errorf("unexpected choice: %s", choice)
	}
}

// ConfirmDiscard asks before throwing staged work away.
func (r *Reviewer) ConfirmDiscard(summary staging.ChangeSummary) (bool, error) {
	ok, err := r.prompter.Confirm(Prompt{
		Title:       fmt.Sprintf("Discard %d staged changes?", summary.Staged),
		Description: "This cannot be undone.",
	})
	if err != nil {
		return false, fmt.Errorf("failed to get user input for discard: %w", err)
	}
	return ok, nil
}

// Outcome is the result of a full review.
type Outcome struct {
	Decision  Decision
	Conflicts []staging.EntityConflict
	Result    *staging.CommitResult // set when a commit ran
}

// Review checks conflicts, asks for a decision and carries it out on the editor.
// An editor without staged changes returns DecisionCancel without prompting.
func (r *Reviewer) Review(ctx context.Context, e *staging.Editor) (Outcome, error) {
	summary := e.Summary()
	if summary.IsEmpty() {
		log.Info("Nothing to review")
		return Outcome{Decision: DecisionCancel}, nil
	}

	conflicts, err := e.Conflicts(ctx)
	if err != nil {
		log.Warn("Conflict check failed, continuing without it", "error", err)
	}

	decision, err := r.PromptCommit(summary, conflicts)
	if err != nil {
		return Outcome{Decision: DecisionCancel, Conflicts: conflicts}, err
	}
	out := Outcome{Decision: decision, Conflicts: conflicts}

	switch decision {
	case DecisionCommit:
		result := e.Commit(ctx)
		out.Result = &result
		if result.Success {
			log.Info("Committed changes", "applied", result.Applied)
		} else {
			log.Error("Commit failed", "message", result.Message)
		}
	case DecisionDiscard:
		ok, err := r.ConfirmDiscard(summary)
		if err != nil {
			return out, err
		}
		if !ok {
			out.Decision = DecisionCancel
			return out, nil
		}
		if err := e.Discard(); err != nil {
			return out, err
		}
		log.Info("Discarded staged changes", "count", summary.Staged)
	}
	return out, nil
}
