package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"evaltrack/internal/domain"
)

// taskColumns is the select list scanTask expects, qualified with alias
// (e.g. "t.") or unqualified when alias is empty.
func taskColumns(alias string) string {
	opt := func(cols ...string) []string {
		out := make([]string, len(cols))
		for i, c := range cols {
			out[i] = "COALESCE(" + alias + c + ",'')"
		}
		return out
	}
	cols := []string{alias + "id", alias + "number"}
	cols = append(cols, opt("auditee_name", "inspectorate", "start_date", "end_date",
		"team_lead", "technical_controller", "quality_controller", "unit_leadership", "auditee")...)
	cols = append(cols, alias+"created_at", alias+"updated_at")
	cols = append(cols, opt("created_by", "updated_by")...)
	return strings.Join(cols, ",")
}

func scanTask(row interface{ Scan(...any) error }) (domain.AuditTask, error) {
	var t domain.AuditTask
	err := row.Scan(&t.ID, &t.Number, &t.AuditeeName, &t.Inspectorate, &t.StartDate, &t.EndDate,
		&t.TeamLead, &t.TechnicalController, &t.QualityController, &t.UnitLeadership, &t.Auditee,
		&t.CreatedAt, &t.UpdatedAt, &t.CreatedBy, &t.UpdatedBy)
	return t, err
}

func (r Repo) InsertAuditTask(ctx context.Context, tx *sql.Tx, t domain.AuditTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_tasks(id,number,auditee_name,inspectorate,start_date,end_date,team_lead,technical_controller,quality_controller,unit_leadership,auditee,created_at,updated_at,created_by,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Number, nullable(t.AuditeeName), nullable(t.Inspectorate), nullable(t.StartDate), nullable(t.EndDate),
		nullable(t.TeamLead), nullable(t.TechnicalController), nullable(t.QualityController), nullable(t.UnitLeadership), nullable(t.Auditee),
		t.CreatedAt, t.UpdatedAt, nullable(t.CreatedBy), nullable(t.UpdatedBy))
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "audit_tasks.number") {
			return domain.ValidationError{Field: "number", Reason: "already used by another audit task"}
		}
		return domain.ValidationError{Field: "id", Reason: "already used by another audit task"}
	}
	if err != nil {
		return fmt.Errorf("insert audit task: %w", err)
	}
	return r.setMembers(ctx, tx, t.ID, t.TeamMembers)
}

func (r Repo) setMembers(ctx context.Context, tx *sql.Tx, taskID string, members []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_task_members WHERE task_id=?`, taskID); err != nil {
		return fmt.Errorf("clear team members: %w", err)
	}
	seen := map[string]bool{}
	pos := 0
	for _, m := range members {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit_task_members(task_id,user_id,position) VALUES (?,?,?)`, taskID, m, pos); err != nil {
			return fmt.Errorf("insert team member: %w", err)
		}
		pos++
	}
	return nil
}

func (r Repo) GetAuditTask(ctx context.Context, id string) (domain.AuditTask, error) {
	return r.getAuditTask(ctx, r.DB, id)
}

func (r Repo) GetAuditTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.AuditTask, error) {
	return r.getAuditTask(ctx, tx, id)
}

func (r Repo) getAuditTask(ctx context.Context, q querier, id string) (domain.AuditTask, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns("")+` FROM audit_tasks WHERE id=? AND deleted_at IS NULL`, id))
	if err != nil {
		return t, wrapDBError("get audit task", "audit task", id, err)
	}
	members, err := listMembers(ctx, q, id)
	if err != nil {
		return t, err
	}
	t.TeamMembers = members
	return t, nil
}

func listMembers(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM audit_task_members WHERE task_id=? ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpdateTaskRoles replaces every role binding of a live task.
func (r Repo) UpdateTaskRoles(ctx context.Context, tx *sql.Tx, id string, b domain.RoleBindings, updatedAt, updatedBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE audit_tasks SET team_lead=?, technical_controller=?, quality_controller=?, unit_leadership=?, auditee=?, updated_at=?, updated_by=?
WHERE id=? AND deleted_at IS NULL`,
		nullable(b.TeamLead), nullable(b.TechnicalController), nullable(b.QualityController), nullable(b.UnitLeadership), nullable(b.Auditee),
		updatedAt, nullable(updatedBy), id)
	if err != nil {
		return fmt.Errorf("update task roles: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "audit task", ID: id}
	}
	return r.setMembers(ctx, tx, id, b.TeamMembers)
}

// SoftDeleteAuditTask marks the task and its matrix deleted together.
func (r Repo) SoftDeleteAuditTask(ctx context.Context, tx *sql.Tx, id, deletedAt, actorID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE audit_tasks SET deleted_at=?, updated_at=?, updated_by=? WHERE id=? AND deleted_at IS NULL`,
		deletedAt, deletedAt, nullable(actorID), id)
	if err != nil {
		return fmt.Errorf("delete audit task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "audit task", ID: id}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE matrices SET deleted_at=?, updated_at=?, updated_by=? WHERE task_id=? AND deleted_at IS NULL`,
		deletedAt, deletedAt, nullable(actorID), id); err != nil {
		return fmt.Errorf("delete matrix: %w", err)
	}
	return nil
}

// TaskNumberTaken reports whether a live task already uses number.
func (r Repo) TaskNumberTaken(ctx context.Context, tx *sql.Tx, number string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_tasks WHERE number=? AND deleted_at IS NULL`, number).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check task number: %w", err)
	}
	return n > 0, nil
}
