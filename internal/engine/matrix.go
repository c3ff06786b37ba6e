package engine

import (
	"context"
	"database/sql"

	"evaltrack/internal/domain"
	"evaltrack/internal/engine/auth"
	"evaltrack/internal/engine/workflow"
	"evaltrack/internal/repo"
)

// ChangePrimaryStatus moves the primary pipeline of the task's matrix.
func (e Engine) ChangePrimaryStatus(ctx context.Context, taskID, userID string, isAdmin bool, target domain.Status) (domain.MatrixView, error) {
	return e.mutateMatrix(ctx, "change_primary_status", taskID, userID, isAdmin,
		func(tx *sql.Tx, task domain.AuditTask, m domain.MatrixRecord) (domain.MatrixRecord, []workflow.Event, error) {
			perms := auth.EffectivePermissions(userID, task, m, isAdmin)
			next, evs, err := workflow.ApplyStatusChange(m, target, perms)
			if err != nil {
				return m, nil, err
			}
			e.stamp(&next, userID)
			if err := e.Repo.UpdateMatrixStatus(ctx, tx, next); err != nil {
				return m, nil, err
			}
			return next, evs, nil
		})
}

// ChangeFollowUpStatus moves the follow-up pipeline. It fails with
// PreconditionFailed for every caller until the primary pipeline is FINISHED.
func (e Engine) ChangeFollowUpStatus(ctx context.Context, taskID, userID string, isAdmin bool, target domain.Status) (domain.MatrixView, error) {
	return e.mutateMatrix(ctx, "change_follow_up_status", taskID, userID, isAdmin,
		func(tx *sql.Tx, task domain.AuditTask, m domain.MatrixRecord) (domain.MatrixRecord, []workflow.Event, error) {
			perms := auth.FollowUpPermissions(userID, task, m, isAdmin)
			next, evs, err := workflow.ApplyFollowUpStatusChange(m, target, perms)
			if err != nil {
				return m, nil, err
			}
			e.stamp(&next, userID)
			if err := e.Repo.UpdateMatrixStatus(ctx, tx, next); err != nil {
				return m, nil, err
			}
			return next, evs, nil
		})
}

// ReplaceFindings swaps the findings list if expectedVersion is current.
// Exactly one of several writers holding the same version succeeds; the
// others get a Conflict and must re-read.
func (e Engine) ReplaceFindings(ctx context.Context, taskID, userID string, isAdmin bool, items []domain.FindingInput, expectedVersion int) (domain.MatrixView, error) {
	return e.mutateMatrix(ctx, "replace_findings", taskID, userID, isAdmin,
		func(tx *sql.Tx, task domain.AuditTask, m domain.MatrixRecord) (domain.MatrixRecord, []workflow.Event, error) {
			perms := auth.EffectivePermissions(userID, task, m, isAdmin)
			next, ev, err := workflow.ReplaceFindings(m, items, expectedVersion, perms, e.maxFindings())
			if err != nil {
				return m, nil, err
			}
			e.stamp(&next, userID)
			if err := e.Repo.ReplaceFindings(ctx, tx, next, expectedVersion); err != nil {
				return m, nil, err
			}
			return next, []workflow.Event{ev}, nil
		})
}

// UpdateFollowUpItem edits the follow-up fields of one finding. Fields the
// caller may not touch are ignored.
func (e Engine) UpdateFollowUpItem(ctx context.Context, taskID, userID string, isAdmin bool, itemID int, fields domain.FollowUpFields) (domain.MatrixView, error) {
	return e.mutateMatrix(ctx, "update_follow_up_item", taskID, userID, isAdmin,
		func(tx *sql.Tx, task domain.AuditTask, m domain.MatrixRecord) (domain.MatrixRecord, []workflow.Event, error) {
			if err := workflow.RequireFinished(m); err != nil {
				return m, nil, err
			}
			m, evs := workflow.InitializeFollowUp(m)
			perms := auth.FollowUpPermissions(userID, task, m, isAdmin)
			next, ev, err := workflow.UpdateFollowUpItem(m, itemID, fields, perms)
			if err != nil {
				return m, nil, err
			}
			e.stamp(&next, userID)
			if len(evs) > 0 {
				if err := e.Repo.UpdateMatrixStatus(ctx, tx, next); err != nil {
					return m, nil, err
				}
			}
			for _, f := range next.Findings {
				if f.ID == itemID {
					if err := e.Repo.UpdateFinding(ctx, tx, next, f); err != nil {
						return m, nil, err
					}
					break
				}
			}
			return next, append(evs, ev), nil
		})
}

// GetMatrix returns the caller's view of the task's matrix. A FINISHED
// matrix without a follow-up status is initialised to DRAFTING and saved.
func (e Engine) GetMatrix(ctx context.Context, taskID, userID string, isAdmin bool) (domain.MatrixView, error) {
	task, err := e.Repo.GetAuditTask(ctx, taskID)
	if err != nil {
		return domain.MatrixView{}, err
	}
	if !isAdmin && auth.ResolveRoles(userID, task).Empty() {
		return domain.MatrixView{}, domain.ForbiddenError{Capability: "view matrix"}
	}
	m, err := e.Repo.GetMatrixByTask(ctx, taskID)
	if err != nil {
		return domain.MatrixView{}, err
	}
	if _, evs := workflow.InitializeFollowUp(m); len(evs) == 0 {
		return e.view(task, m, userID, isAdmin), nil
	}
	return e.mutateMatrix(ctx, "initialize_follow_up", taskID, userID, isAdmin,
		func(tx *sql.Tx, task domain.AuditTask, m domain.MatrixRecord) (domain.MatrixRecord, []workflow.Event, error) {
			next, evs := workflow.InitializeFollowUp(m)
			if len(evs) == 0 {
				return m, nil, nil
			}
			e.stamp(&next, userID)
			if err := e.Repo.UpdateMatrixStatus(ctx, tx, next); err != nil {
				return m, nil, err
			}
			return next, evs, nil
		})
}

type ListOptions struct {
	PrimaryStatus  []domain.Status
	FollowUpStatus []domain.Status
	Limit          int
}

// ListMatrices lists every matrix for admins and otherwise the matrices of
// tasks on which the caller holds a role.
func (e Engine) ListMatrices(ctx context.Context, userID string, isAdmin bool, opts ListOptions) ([]domain.MatrixSummary, error) {
	return e.Repo.ListMatrices(ctx, repo.MatrixFilters{
		All:            isAdmin,
		UserID:         userID,
		PrimaryStatus:  opts.PrimaryStatus,
		FollowUpStatus: opts.FollowUpStatus,
		Limit:          opts.Limit,
	})
}

// MatrixStatistics counts the caller-visible matrices per status.
func (e Engine) MatrixStatistics(ctx context.Context, userID string, isAdmin bool) (domain.MatrixStatistics, error) {
	rows, err := e.Repo.ListMatrices(ctx, repo.MatrixFilters{All: isAdmin, UserID: userID, Limit: -1})
	if err != nil {
		return domain.MatrixStatistics{}, err
	}
	stats := domain.MatrixStatistics{
		ByStatus:   map[domain.Status]int{},
		ByFollowUp: map[domain.Status]int{},
	}
	for _, st := range domain.Statuses {
		stats.ByStatus[st] = 0
		stats.ByFollowUp[st] = 0
	}
	for _, r := range rows {
		stats.Total++
		stats.ByStatus[r.Matrix.PrimaryStatus]++
		if r.Matrix.PrimaryStatus == domain.StatusFinished {
			stats.Finished++
			stats.ByFollowUp[r.Matrix.FollowUpOrDefault()]++
		}
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.Finished) / float64(stats.Total)
	}
	return stats, nil
}
