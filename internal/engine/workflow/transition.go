// Package workflow holds the pure state transitions of an evaluation matrix:
// status changes on both pipelines, findings replacement and follow-up edits.
// Functions take a record and the caller's effective permissions and return
// a new record; persistence is the engine's job.
package workflow

import (
	"evaltrack/internal/domain"
)

const (
	EventStatusChanged         = "matrix.status.changed"
	EventFollowUpStatusChanged = "matrix.followup.status.changed"
	EventFollowUpInitialized   = "matrix.followup.initialized"
	EventFindingsReplaced      = "matrix.findings.replaced"
	EventFollowUpItemUpdated   = "matrix.followup.item.updated"
)

const (
	PipelinePrimary  = "primary"
	PipelineFollowUp = "follow-up"
)

// Event is a side effect of a transition the caller should record.
type Event struct {
	Type    string
	Payload map[string]any
}

// ApplyStatusChange moves the primary pipeline to target. Reaching FINISHED
// with no follow-up status initialises follow-up to DRAFTING in the same
// mutation.
func ApplyStatusChange(m domain.MatrixRecord, target domain.Status, perms domain.UserPermissions) (domain.MatrixRecord, []Event, error) {
	if !target.Valid() {
		return m, nil, domain.ValidationError{Field: "status", Reason: "unknown status " + string(target)}
	}
	if !perms.CanChangeStatus {
		return m, nil, domain.ForbiddenError{Capability: "change matrix status"}
	}
	if !perms.AllowedTargets.Has(target) {
		return m, nil, domain.TransitionError{Pipeline: PipelinePrimary, From: m.PrimaryStatus, To: target}
	}
	out := m.Clone()
	out.PrimaryStatus = target
	evs := []Event{{
		Type:    EventStatusChanged,
		Payload: map[string]any{"from": string(m.PrimaryStatus), "to": string(target)},
	}}
	out, initEvs := InitializeFollowUp(out)
	return out, append(evs, initEvs...), nil
}

// InitializeFollowUp sets a missing follow-up status to DRAFTING once the
// primary pipeline is FINISHED. It is a no-op otherwise.
func InitializeFollowUp(m domain.MatrixRecord) (domain.MatrixRecord, []Event) {
	if m.PrimaryStatus != domain.StatusFinished || m.FollowUpStatus != nil {
		return m, nil
	}
	out := m.Clone()
	st := domain.StatusDrafting
	out.FollowUpStatus = &st
	return out, []Event{{
		Type:    EventFollowUpInitialized,
		Payload: map[string]any{"follow_up_status": string(st)},
	}}
}

// RequireFinished fails unless the primary pipeline is FINISHED.
func RequireFinished(m domain.MatrixRecord) error {
	if m.PrimaryStatus != domain.StatusFinished {
		return domain.PreconditionError{PrimaryStatus: m.PrimaryStatus}
	}
	return nil
}

// ApplyFollowUpStatusChange moves the follow-up pipeline to target.
func ApplyFollowUpStatusChange(m domain.MatrixRecord, target domain.Status, perms domain.FollowUpPermissions) (domain.MatrixRecord, []Event, error) {
	if err := RequireFinished(m); err != nil {
		return m, nil, err
	}
	if !target.Valid() {
		return m, nil, domain.ValidationError{Field: "status", Reason: "unknown status " + string(target)}
	}
	if !perms.CanChangeStatus {
		return m, nil, domain.ForbiddenError{Capability: "change follow-up status"}
	}
	from := m.FollowUpOrDefault()
	if !perms.AllowedTargets.Has(target) {
		return m, nil, domain.TransitionError{Pipeline: PipelineFollowUp, From: from, To: target}
	}
	out, evs := InitializeFollowUp(m)
	out = out.Clone()
	out.FollowUpStatus = &target
	evs = append(evs, Event{
		Type:    EventFollowUpStatusChanged,
		Payload: map[string]any{"from": string(from), "to": string(target)},
	})
	return out, evs, nil
}
