package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"evaltrack/internal/domain"
	"evaltrack/internal/engine/auth"
	"evaltrack/internal/events"
	"evaltrack/internal/repo"
)

const dateLayout = "2006-01-02"

// TaskCreateOptions are parameters for creating an audit task.
type TaskCreateOptions struct {
	ID           string
	Number       string
	AuditeeName  string
	Inspectorate string
	StartDate    string
	EndDate      string
	Roles        domain.RoleBindings
	ActorID      string
	IsAdmin      bool
}

func validateDates(start, end string) error {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse(dateLayout, start); err != nil {
			return domain.ValidationError{Field: "start_date", Reason: "must be YYYY-MM-DD"}
		}
	}
	if end != "" {
		if e, err = time.Parse(dateLayout, end); err != nil {
			return domain.ValidationError{Field: "end_date", Reason: "must be YYYY-MM-DD"}
		}
	}
	if start != "" && end != "" && e.Before(s) {
		return domain.ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	return nil
}

func rolesPayload(b domain.RoleBindings) events.EventPayload {
	return events.EventPayload{
		"team_members":         b.TeamMembers,
		"team_lead":            b.TeamLead,
		"technical_controller": b.TechnicalController,
		"quality_controller":   b.QualityController,
		"unit_leadership":      b.UnitLeadership,
		"auditee":              b.Auditee,
	}
}

// CreateAuditTask inserts the task together with its empty DRAFTING matrix.
func (e Engine) CreateAuditTask(ctx context.Context, opts TaskCreateOptions) (domain.AuditTask, error) {
	if !opts.IsAdmin {
		return domain.AuditTask{}, domain.ForbiddenError{Capability: "create audit task"}
	}
	opts.Number = strings.TrimSpace(opts.Number)
	if opts.Number == "" {
		return domain.AuditTask{}, domain.ValidationError{Field: "number", Reason: "is required"}
	}
	if err := validateDates(opts.StartDate, opts.EndDate); err != nil {
		return domain.AuditTask{}, err
	}
	now := e.timestamp()
	t := domain.AuditTask{
		ID:           opts.ID,
		Number:       opts.Number,
		AuditeeName:  opts.AuditeeName,
		Inspectorate: opts.Inspectorate,
		StartDate:    opts.StartDate,
		EndDate:      opts.EndDate,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    opts.ActorID,
		UpdatedBy:    opts.ActorID,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SetBindings(opts.Roles)
	m := domain.MatrixRecord{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		PrimaryStatus: domain.StatusDrafting,
		Findings:      []domain.Finding{},
		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     opts.ActorID,
		UpdatedBy:     opts.ActorID,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditTask{}, err
	}
	defer tx.Rollback()
	taken, err := e.Repo.TaskNumberTaken(ctx, tx, t.Number)
	if err != nil {
		return domain.AuditTask{}, err
	}
	if taken {
		return domain.AuditTask{}, domain.ValidationError{Field: "number", Reason: "already used by another audit task"}
	}
	if err := e.Repo.InsertAuditTask(ctx, tx, t); err != nil {
		return domain.AuditTask{}, err
	}
	if err := e.Repo.InsertMatrix(ctx, tx, m); err != nil {
		return domain.AuditTask{}, err
	}
	payload := rolesPayload(opts.Roles)
	payload["number"] = t.Number
	payload["matrix_id"] = m.ID
	if err := e.appendEvent(ctx, tx, events.TaskCreated, t.ID, "task", t.ID, opts.ActorID, payload); err != nil {
		return domain.AuditTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditTask{}, err
	}
	e.logger().Info("audit task created", slog.String("task_id", t.ID), slog.String("number", t.Number), slog.String("actor_id", opts.ActorID))
	return e.Repo.GetAuditTask(ctx, t.ID)
}

// ReassignRoles replaces the role bindings of a task. The matrix is untouched;
// permissions follow the new bindings from the next call on.
func (e Engine) ReassignRoles(ctx context.Context, taskID string, b domain.RoleBindings, actorID string, isAdmin bool) (domain.AuditTask, error) {
	if !isAdmin {
		return domain.AuditTask{}, domain.ForbiddenError{Capability: "reassign roles"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditTask{}, err
	}
	defer tx.Rollback()
	before, err := e.Repo.GetAuditTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.AuditTask{}, err
	}
	if err := e.Repo.UpdateTaskRoles(ctx, tx, taskID, b, e.timestamp(), actorID); err != nil {
		return domain.AuditTask{}, err
	}
	payload := rolesPayload(b)
	payload["previous"] = rolesPayload(before.Bindings())
	if err := e.appendEvent(ctx, tx, events.TaskRolesReassigned, taskID, "task", taskID, actorID, payload); err != nil {
		return domain.AuditTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditTask{}, err
	}
	e.logger().Info("audit task roles reassigned", slog.String("task_id", taskID), slog.String("actor_id", actorID))
	return e.Repo.GetAuditTask(ctx, taskID)
}

// DeleteAuditTask soft-deletes the task and its matrix.
func (e Engine) DeleteAuditTask(ctx context.Context, taskID, actorID string, isAdmin bool) error {
	if !isAdmin {
		return domain.ForbiddenError{Capability: "delete audit task"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteAuditTask(ctx, tx, taskID, e.timestamp(), actorID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.TaskDeleted, taskID, "task", taskID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.logger().Info("audit task deleted", slog.String("task_id", taskID), slog.String("actor_id", actorID))
	return nil
}

// GetAuditTask returns a task to an admin or to anyone holding a role on it.
func (e Engine) GetAuditTask(ctx context.Context, taskID, userID string, isAdmin bool) (domain.AuditTask, error) {
	t, err := e.Repo.GetAuditTask(ctx, taskID)
	if err != nil {
		return domain.AuditTask{}, err
	}
	if !isAdmin && auth.ResolveRoles(userID, t).Empty() {
		return domain.AuditTask{}, domain.ForbiddenError{Capability: "view audit task"}
	}
	return t, nil
}

// TaskEvents returns the activity log of a task, newest first.
func (e Engine) TaskEvents(ctx context.Context, taskID, userID string, isAdmin bool, limit int, before int64) ([]domain.Event, error) {
	if _, err := e.GetAuditTask(ctx, taskID, userID, isAdmin); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{TaskID: taskID, Limit: limit, Before: before})
}
