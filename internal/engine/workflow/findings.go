package workflow

import (
	"fmt"
	"strings"

	"evaltrack/internal/domain"
)

// MaxFindings is the hard cap on items in one matrix.
const MaxFindings = 20

// ReplaceFindings swaps the whole findings list. Checks run in order:
// permission, version, content. Items with a blank condition, criterion or
// recommendation are dropped; ids are reassigned 1..N and follow-up fields
// are cleared.
func ReplaceFindings(m domain.MatrixRecord, items []domain.FindingInput, expectedVersion int, perms domain.UserPermissions, maxItems int) (domain.MatrixRecord, Event, error) {
	if maxItems <= 0 || maxItems > MaxFindings {
		maxItems = MaxFindings
	}
	if !perms.CanEditFindings {
		return m, Event{}, domain.ForbiddenError{Capability: "edit findings"}
	}
	if expectedVersion != m.FindingsVersion {
		return m, Event{}, domain.ConflictError{Expected: expectedVersion, Current: m.FindingsVersion}
	}
	valid := make([]domain.Finding, 0, len(items))
	for _, it := range items {
		f := domain.Finding{
			Condition:      strings.TrimSpace(it.Condition),
			Criterion:      strings.TrimSpace(it.Criterion),
			Recommendation: strings.TrimSpace(it.Recommendation),
		}
		if f.Condition == "" || f.Criterion == "" || f.Recommendation == "" {
			continue
		}
		valid = append(valid, f)
	}
	if len(valid) > maxItems {
		return m, Event{}, domain.ValidationError{
			Field:  "items",
			Reason: fmt.Sprintf("%d valid findings exceed the limit of %d", len(valid), maxItems),
		}
	}
	for i := range valid {
		valid[i].ID = i + 1
	}
	out := m.Clone()
	out.Findings = valid
	out.FindingsVersion = m.FindingsVersion + 1
	return out, Event{
		Type: EventFindingsReplaced,
		Payload: map[string]any{
			"previous_version": m.FindingsVersion,
			"version":          out.FindingsVersion,
			"submitted":        len(items),
			"count":            len(valid),
		},
	}, nil
}

// UpdateFollowUpItem applies the permitted subset of fields to one item.
// Fields outside the caller's editable set are ignored.
func UpdateFollowUpItem(m domain.MatrixRecord, itemID int, fields domain.FollowUpFields, perms domain.FollowUpPermissions) (domain.MatrixRecord, Event, error) {
	if err := RequireFinished(m); err != nil {
		return m, Event{}, err
	}
	if !perms.CanEditFollowUpContent {
		return m, Event{}, domain.ForbiddenError{Capability: "edit follow-up content"}
	}
	idx := -1
	for i, f := range m.Findings {
		if f.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return m, Event{}, domain.NotFoundError{Kind: "finding", ID: fmt.Sprint(itemID)}
	}
	out := m.Clone()
	item := &out.Findings[idx]
	var applied []string
	if fields.Narrative != nil && perms.EditableFields.Has(domain.FieldNarrative) {
		item.FollowUpNarrative = *fields.Narrative
		applied = append(applied, domain.FieldNarrative.String())
	}
	if fields.EvidenceLink != nil && perms.EditableFields.Has(domain.FieldEvidenceLink) {
		item.FollowUpEvidenceLink = *fields.EvidenceLink
		applied = append(applied, domain.FieldEvidenceLink.String())
	}
	if fields.ReviewerNote != nil && perms.EditableFields.Has(domain.FieldReviewerNote) {
		item.ReviewerNote = *fields.ReviewerNote
		applied = append(applied, domain.FieldReviewerNote.String())
	}
	return out, Event{
		Type:    EventFollowUpItemUpdated,
		Payload: map[string]any{"item_id": itemID, "fields": applied},
	}, nil
}
