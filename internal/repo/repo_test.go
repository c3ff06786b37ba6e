package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaltrack/internal/db"
	"evaltrack/internal/domain"
	"evaltrack/internal/migrate"
	"evaltrack/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func openRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}, ctx
}

func withTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seed(t *testing.T, r repo.Repo, ctx context.Context, taskID, number string, b domain.RoleBindings) domain.MatrixRecord {
	t.Helper()
	task := domain.AuditTask{ID: taskID, Number: number, CreatedAt: ts, UpdatedAt: ts}
	task.SetBindings(b)
	m := domain.MatrixRecord{
		ID:            "mx-" + taskID,
		TaskID:        taskID,
		PrimaryStatus: domain.StatusDrafting,
		Findings:      []domain.Finding{{ID: 1, Condition: "c", Criterion: "k", Recommendation: "r"}},
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	require.NoError(t, withTx(t, r, ctx, func(tx *sql.Tx) error {
		if err := r.InsertAuditTask(ctx, tx, task); err != nil {
			return err
		}
		return r.InsertMatrix(ctx, tx, m)
	}))
	return m
}

func TestTaskRoundTripKeepsMembers(t *testing.T) {
	r, ctx := openRepo(t)
	seed(t, r, ctx, "t1", "A-1", domain.RoleBindings{TeamMembers: []string{"m1", "m2", "m1", ""}, TeamLead: "u1"})

	got, err := r.GetAuditTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, got.TeamMembers)
	assert.Equal(t, "u1", got.TeamLead)

	_, err = r.GetAuditTask(ctx, "nope")
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestReplaceFindingsCompareAndSwap(t *testing.T) {
	r, ctx := openRepo(t)
	m := seed(t, r, ctx, "t1", "A-1", domain.RoleBindings{})

	next := m.Clone()
	next.FindingsVersion = 1
	next.Findings = []domain.Finding{{ID: 1, Condition: "a"}, {ID: 2, Condition: "b"}}
	require.NoError(t, withTx(t, r, ctx, func(tx *sql.Tx) error { return r.ReplaceFindings(ctx, tx, next, 0) }))

	stale := m.Clone()
	stale.FindingsVersion = 1
	stale.Findings = nil
	err := withTx(t, r, ctx, func(tx *sql.Tx) error { return r.ReplaceFindings(ctx, tx, stale, 0) })
	var ce domain.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Expected)
	assert.Equal(t, 1, ce.Current)

	got, err := r.GetMatrixByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FindingsVersion)
	require.Len(t, got.Findings, 2)
	assert.Equal(t, "b", got.Findings[1].Condition)
}

func TestUpdateFindingUnknownItem(t *testing.T) {
	r, ctx := openRepo(t)
	m := seed(t, r, ctx, "t1", "A-1", domain.RoleBindings{})
	err := withTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpdateFinding(ctx, tx, m, domain.Finding{ID: 9, FollowUpNarrative: "x"})
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = withTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpdateFinding(ctx, tx, m, domain.Finding{ID: 1, FollowUpNarrative: "done"})
	})
	require.NoError(t, err)
	got, err := r.GetMatrixByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Findings[0].FollowUpNarrative)
	assert.Equal(t, "c", got.Findings[0].Condition)
}

func TestSoftDeleteCascadesToMatrix(t *testing.T) {
	r, ctx := openRepo(t)
	seed(t, r, ctx, "t1", "A-1", domain.RoleBindings{})

	require.NoError(t, withTx(t, r, ctx, func(tx *sql.Tx) error { return r.SoftDeleteAuditTask(ctx, tx, "t1", ts, "admin") }))
	_, err := r.GetAuditTask(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.GetMatrixByTask(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = withTx(t, r, ctx, func(tx *sql.Tx) error { return r.SoftDeleteAuditTask(ctx, tx, "t1", ts, "admin") })
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var taken bool
	require.NoError(t, withTx(t, r, ctx, func(tx *sql.Tx) error {
		var err error
		taken, err = r.TaskNumberTaken(ctx, tx, "A-1")
		return err
	}))
	assert.False(t, taken, "deleted tasks release their number")
}

func TestListMatricesVisibility(t *testing.T) {
	r, ctx := openRepo(t)
	seed(t, r, ctx, "t1", "A-1", domain.RoleBindings{TeamMembers: []string{"m1"}})
	seed(t, r, ctx, "t2", "A-2", domain.RoleBindings{Auditee: "m1"})
	seed(t, r, ctx, "t3", "A-3", domain.RoleBindings{TeamLead: "u1"})

	all, err := r.ListMatrices(ctx, repo.MatrixFilters{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := r.ListMatrices(ctx, repo.MatrixFilters{UserID: "m1"})
	require.NoError(t, err)
	ids := []string{}
	for _, s := range mine {
		ids = append(ids, s.Task.ID)
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)

	none, err := r.ListMatrices(ctx, repo.MatrixFilters{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	limited, err := r.ListMatrices(ctx, repo.MatrixFilters{All: true, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	finished, err := r.ListMatrices(ctx, repo.MatrixFilters{All: true, PrimaryStatus: []domain.Status{domain.StatusFinished}})
	require.NoError(t, err)
	assert.Empty(t, finished)
}

func TestInsertDuplicateNumberIsValidationError(t *testing.T) {
	r, ctx := openRepo(t)
	seed(t, r, ctx, "t1", "ST-7/2024", domain.RoleBindings{TeamLead: "u1"})

	dup := domain.AuditTask{ID: "t2", Number: "ST-7/2024", CreatedAt: ts, UpdatedAt: ts}
	err := withTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertAuditTask(ctx, tx, dup)
	})
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "number", ve.Field)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	sameID := domain.AuditTask{ID: "t1", Number: "ST-8/2024", CreatedAt: ts, UpdatedAt: ts}
	err = withTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertAuditTask(ctx, tx, sameID)
	})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)
}
