package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"evaltrack/internal/domain"
)

const matrixColumns = `m.id,m.task_id,m.primary_status,m.follow_up_status,m.findings_version,m.created_at,m.updated_at,COALESCE(m.created_by,''),COALESCE(m.updated_by,'')`

func scanMatrix(row interface{ Scan(...any) error }) (domain.MatrixRecord, error) {
	var m domain.MatrixRecord
	var primary string
	var followUp sql.NullString
	err := row.Scan(&m.ID, &m.TaskID, &primary, &followUp, &m.FindingsVersion, &m.CreatedAt, &m.UpdatedAt, &m.CreatedBy, &m.UpdatedBy)
	if err != nil {
		return m, err
	}
	m.PrimaryStatus = domain.Status(primary)
	if followUp.Valid {
		st := domain.Status(followUp.String)
		m.FollowUpStatus = &st
	}
	return m, nil
}

func (r Repo) InsertMatrix(ctx context.Context, tx *sql.Tx, m domain.MatrixRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO matrices(id,task_id,primary_status,follow_up_status,findings_version,created_at,updated_at,created_by,updated_by) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TaskID, string(m.PrimaryStatus), nullableStatus(m.FollowUpStatus), m.FindingsVersion, m.CreatedAt, m.UpdatedAt, nullable(m.CreatedBy), nullable(m.UpdatedBy))
	if err != nil {
		return fmt.Errorf("insert matrix: %w", err)
	}
	return insertFindings(ctx, tx, m.ID, m.Findings)
}

func (r Repo) GetMatrixByTask(ctx context.Context, taskID string) (domain.MatrixRecord, error) {
	return r.getMatrixByTask(ctx, r.DB, taskID)
}

func (r Repo) GetMatrixByTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.MatrixRecord, error) {
	return r.getMatrixByTask(ctx, tx, taskID)
}

func (r Repo) getMatrixByTask(ctx context.Context, q querier, taskID string) (domain.MatrixRecord, error) {
	m, err := scanMatrix(q.QueryRowContext(ctx, `SELECT `+matrixColumns+` FROM matrices m WHERE m.task_id=? AND m.deleted_at IS NULL`, taskID))
	if err != nil {
		return m, wrapDBError("get matrix", "matrix for task", taskID, err)
	}
	findings, err := listFindings(ctx, q, m.ID)
	if err != nil {
		return m, err
	}
	m.Findings = findings
	return m, nil
}

func listFindings(ctx context.Context, q querier, matrixID string) ([]domain.Finding, error) {
	rows, err := q.QueryContext(ctx, `SELECT item_id,finding_condition,criterion,recommendation,COALESCE(follow_up_narrative,''),COALESCE(follow_up_evidence_link,''),COALESCE(reviewer_note,'')
FROM findings WHERE matrix_id=? ORDER BY item_id`, matrixID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()
	out := []domain.Finding{}
	for rows.Next() {
		var f domain.Finding
		if err := rows.Scan(&f.ID, &f.Condition, &f.Criterion, &f.Recommendation, &f.FollowUpNarrative, &f.FollowUpEvidenceLink, &f.ReviewerNote); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func insertFindings(ctx context.Context, tx *sql.Tx, matrixID string, findings []domain.Finding) error {
	for _, f := range findings {
		_, err := tx.ExecContext(ctx, `INSERT INTO findings(matrix_id,item_id,finding_condition,criterion,recommendation,follow_up_narrative,follow_up_evidence_link,reviewer_note) VALUES (?,?,?,?,?,?,?,?)`,
			matrixID, f.ID, f.Condition, f.Criterion, f.Recommendation, nullable(f.FollowUpNarrative), nullable(f.FollowUpEvidenceLink), nullable(f.ReviewerNote))
		if err != nil {
			return fmt.Errorf("insert finding %d: %w", f.ID, err)
		}
	}
	return nil
}

// UpdateMatrixStatus writes both status columns. It is not version guarded:
// concurrent status changes are last-write-wins.
func (r Repo) UpdateMatrixStatus(ctx context.Context, tx *sql.Tx, m domain.MatrixRecord) error {
	res, err := tx.ExecContext(ctx, `UPDATE matrices SET primary_status=?, follow_up_status=?, updated_at=?, updated_by=? WHERE id=? AND deleted_at IS NULL`,
		string(m.PrimaryStatus), nullableStatus(m.FollowUpStatus), m.UpdatedAt, nullable(m.UpdatedBy), m.ID)
	if err != nil {
		return fmt.Errorf("update matrix status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "matrix", ID: m.ID}
	}
	return nil
}

// ReplaceFindings persists m.Findings and m.FindingsVersion only if the
// stored version still equals expectedVersion. On a stale version nothing is
// written and a ConflictError carrying the stored version is returned.
func (r Repo) ReplaceFindings(ctx context.Context, tx *sql.Tx, m domain.MatrixRecord, expectedVersion int) error {
	res, err := tx.ExecContext(ctx, `UPDATE matrices SET findings_version=?, updated_at=?, updated_by=? WHERE id=? AND findings_version=? AND deleted_at IS NULL`,
		m.FindingsVersion, m.UpdatedAt, nullable(m.UpdatedBy), m.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("swap findings version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT findings_version FROM matrices WHERE id=? AND deleted_at IS NULL`, m.ID).Scan(&current)
		if err != nil {
			return wrapDBError("read findings version", "matrix", m.ID, err)
		}
		return domain.ConflictError{Expected: expectedVersion, Current: current}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE matrix_id=?`, m.ID); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}
	return insertFindings(ctx, tx, m.ID, m.Findings)
}

// UpdateFinding writes the follow-up columns of one item.
func (r Repo) UpdateFinding(ctx context.Context, tx *sql.Tx, m domain.MatrixRecord, f domain.Finding) error {
	res, err := tx.ExecContext(ctx, `UPDATE findings SET follow_up_narrative=?, follow_up_evidence_link=?, reviewer_note=? WHERE matrix_id=? AND item_id=?`,
		nullable(f.FollowUpNarrative), nullable(f.FollowUpEvidenceLink), nullable(f.ReviewerNote), m.ID, f.ID)
	if err != nil {
		return fmt.Errorf("update finding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "finding", ID: fmt.Sprint(f.ID)}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE matrices SET updated_at=?, updated_by=? WHERE id=?`, m.UpdatedAt, nullable(m.UpdatedBy), m.ID); err != nil {
		return fmt.Errorf("touch matrix: %w", err)
	}
	return nil
}

type MatrixFilters struct {
	// All lists every live matrix; otherwise only tasks where UserID holds a role.
	All            bool
	UserID         string
	PrimaryStatus  []domain.Status
	FollowUpStatus []domain.Status

	// Limit 0 means 100; a negative limit returns every row.
	Limit int
}

// ListMatrices returns matrices joined with their tasks, without findings.
func (r Repo) ListMatrices(ctx context.Context, f MatrixFilters) ([]domain.MatrixSummary, error) {
	clauses := []string{"m.deleted_at IS NULL", "t.deleted_at IS NULL"}
	var args []any
	if !f.All {
		if f.UserID == "" {
			return []domain.MatrixSummary{}, nil
		}
		clauses = append(clauses, `(t.team_lead=? OR t.technical_controller=? OR t.quality_controller=? OR t.unit_leadership=? OR t.auditee=?
 OR EXISTS (SELECT 1 FROM audit_task_members mm WHERE mm.task_id=t.id AND mm.user_id=?))`)
		for i := 0; i < 6; i++ {
			args = append(args, f.UserID)
		}
	}
	if len(f.PrimaryStatus) > 0 {
		clauses = append(clauses, "m.primary_status IN ("+placeholders(len(f.PrimaryStatus))+")")
		for _, s := range f.PrimaryStatus {
			args = append(args, string(s))
		}
	}
	if len(f.FollowUpStatus) > 0 {
		clauses = append(clauses, "m.follow_up_status IN ("+placeholders(len(f.FollowUpStatus))+")")
		for _, s := range f.FollowUpStatus {
			args = append(args, string(s))
		}
	}
	limit := f.Limit
	if limit == 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM matrices m JOIN audit_tasks t ON t.id=m.task_id WHERE %s ORDER BY t.created_at DESC, t.id LIMIT ?`,
		taskColumns("t."), matrixColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list matrices: %w", err)
	}
	out := []domain.MatrixSummary{}
	for rows.Next() {
		var s domain.MatrixSummary
		var primary string
		var followUp sql.NullString
		t := &s.Task
		m := &s.Matrix
		if err := rows.Scan(&t.ID, &t.Number, &t.AuditeeName, &t.Inspectorate, &t.StartDate, &t.EndDate,
			&t.TeamLead, &t.TechnicalController, &t.QualityController, &t.UnitLeadership, &t.Auditee,
			&t.CreatedAt, &t.UpdatedAt, &t.CreatedBy, &t.UpdatedBy,
			&m.ID, &m.TaskID, &primary, &followUp, &m.FindingsVersion, &m.CreatedAt, &m.UpdatedAt, &m.CreatedBy, &m.UpdatedBy); err != nil {
			rows.Close()
			return nil, err
		}
		m.PrimaryStatus = domain.Status(primary)
		if followUp.Valid {
			st := domain.Status(followUp.String)
			m.FollowUpStatus = &st
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range out {
		members, err := listMembers(ctx, r.DB, out[i].Task.ID)
		if err != nil {
			return nil, err
		}
		out[i].Task.TeamMembers = members
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
