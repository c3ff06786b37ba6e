package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"evaltrack/internal/config"
	"evaltrack/internal/db"
	"evaltrack/internal/domain"
	"evaltrack/internal/engine"
	"evaltrack/internal/engine/workflow"
	"evaltrack/internal/logging"
	"evaltrack/internal/migrate"
	"evaltrack/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), logging.Discard())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

// Users on the standard test task.
const (
	admin   = "admin-1"
	member  = "m1"
	lead    = "u1"
	tech    = "tc1"
	quality = "qc1"
	auditee = "aud1"
)

func (env testEnv) createTask(t *testing.T, number string) domain.AuditTask {
	t.Helper()
	task, err := env.Engine.CreateAuditTask(env.Ctx, engine.TaskCreateOptions{
		Number:      number,
		AuditeeName: "Trade Office Jakarta",
		StartDate:   "2024-01-01",
		EndDate:     "2024-01-31",
		Roles: domain.RoleBindings{
			TeamMembers:         []string{member},
			TeamLead:            lead,
			TechnicalController: tech,
			QualityController:   quality,
			Auditee:             auditee,
		},
		ActorID: admin,
		IsAdmin: true,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func findingItems(n int) []domain.FindingInput {
	out := make([]domain.FindingInput, n)
	for i := range out {
		out[i] = domain.FindingInput{
			Condition:      fmt.Sprintf("cash register %d not reconciled", i),
			Criterion:      "finance regulation 12/2020",
			Recommendation: "reconcile monthly",
		}
	}
	return out
}

func (env testEnv) advance(t *testing.T, taskID string, steps ...struct {
	user   string
	target domain.Status
}) domain.MatrixView {
	t.Helper()
	var v domain.MatrixView
	var err error
	for _, s := range steps {
		v, err = env.Engine.ChangePrimaryStatus(env.Ctx, taskID, s.user, false, s.target)
		if err != nil {
			t.Fatalf("%s -> %s: %v", s.user, s.target, err)
		}
	}
	return v
}

type step = struct {
	user   string
	target domain.Status
}

func toFinished() []step {
	return []step{
		{member, domain.StatusChecking},
		{lead, domain.StatusValidating},
		{tech, domain.StatusFinished},
	}
}

func TestCreateTaskCreatesDraftingMatrix(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-001")
	v, err := env.Engine.GetMatrix(env.Ctx, task.ID, member, false)
	if err != nil {
		t.Fatalf("get matrix: %v", err)
	}
	if v.PrimaryStatus != domain.StatusDrafting || v.FollowUpStatus != nil || v.FindingsVersion != 0 {
		t.Fatalf("unexpected initial matrix: %+v", v)
	}
	if len(v.Findings) != 0 {
		t.Fatalf("expected no findings, got %d", len(v.Findings))
	}
	if !v.Permissions.CanEditFindings {
		t.Fatalf("team member must edit while drafting")
	}
}

func TestCreateTaskRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateAuditTask(env.Ctx, engine.TaskCreateOptions{Number: "ST-9", ActorID: member})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = env.Engine.CreateAuditTask(env.Ctx, engine.TaskCreateOptions{Number: "ST-9", StartDate: "2024-02-01", EndDate: "2024-01-01", IsAdmin: true})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for reversed dates, got %v", err)
	}
	env.createTask(t, "ST-9")
	_, err = env.Engine.CreateAuditTask(env.Ctx, engine.TaskCreateOptions{Number: "ST-9", IsAdmin: true})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate number rejection, got %v", err)
	}
}

func TestTeamLeadApprovesAndCannotSkip(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-002")
	env.advance(t, task.ID, step{member, domain.StatusChecking})

	_, err := env.Engine.ChangePrimaryStatus(env.Ctx, task.ID, lead, false, domain.StatusFinished)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	v, err := env.Engine.ChangePrimaryStatus(env.Ctx, task.ID, lead, false, domain.StatusValidating)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if v.PrimaryStatus != domain.StatusValidating || v.FollowUpStatus != nil {
		t.Fatalf("unexpected matrix after approve: %+v", v)
	}
}

func TestFinishingInitialisesFollowUp(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-003")
	var seen []string
	env.Engine.Observer = func(taskID string, ev workflow.Event) { seen = append(seen, ev.Type) }

	v := env.advance(t, task.ID, toFinished()...)
	if v.FollowUpStatus == nil || *v.FollowUpStatus != domain.StatusDrafting {
		t.Fatalf("follow-up not initialised: %+v", v.FollowUpStatus)
	}
	if seen[len(seen)-1] != workflow.EventFollowUpInitialized {
		t.Fatalf("expected follow-up initialised event last, got %v", seen)
	}

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{TaskID: task.ID, Type: workflow.EventFollowUpInitialized})
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected one persisted init event, got %d (%v)", len(evs), err)
	}
}

func TestGetMatrixInitialisesLegacyFinishedRow(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-004")
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE matrices SET primary_status='FINISHED', follow_up_status=NULL WHERE task_id=?`, task.ID); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.GetMatrix(env.Ctx, task.ID, auditee, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.FollowUpStatus == nil || *v.FollowUpStatus != domain.StatusDrafting {
		t.Fatalf("expected lazy init on read")
	}
	stored, err := env.Engine.Repo.GetMatrixByTask(env.Ctx, task.ID)
	if err != nil || stored.FollowUpStatus == nil {
		t.Fatalf("lazy init not persisted: %v", err)
	}
}

func TestFollowUpPreconditionForEveryCaller(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-005")
	callers := []struct {
		user  string
		admin bool
	}{{member, false}, {lead, false}, {tech, false}, {quality, false}, {auditee, false}, {admin, true}, {"stranger", false}}
	for _, c := range callers {
		_, err := env.Engine.ChangeFollowUpStatus(env.Ctx, task.ID, c.user, c.admin, domain.StatusChecking)
		if !errors.Is(err, domain.ErrPreconditionFailed) {
			t.Fatalf("%s: expected precondition failure, got %v", c.user, err)
		}
		_, err = env.Engine.UpdateFollowUpItem(env.Ctx, task.ID, c.user, c.admin, 1, domain.FollowUpFields{})
		if !errors.Is(err, domain.ErrPreconditionFailed) {
			t.Fatalf("%s: expected precondition failure on item edit, got %v", c.user, err)
		}
	}
}

func TestReplaceFindingsVersioning(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-006")
	version := 0
	for i := 1; i <= 4; i++ {
		v, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(i), version)
		if err != nil {
			t.Fatalf("replace %d: %v", i, err)
		}
		if v.FindingsVersion != version+1 {
			t.Fatalf("expected version %d, got %d", version+1, v.FindingsVersion)
		}
		version = v.FindingsVersion
	}

	before, _ := env.Engine.Repo.GetMatrixByTask(env.Ctx, task.ID)
	_, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(1), 2)
	var ce domain.ConflictError
	if !errors.As(err, &ce) || ce.Current != 4 {
		t.Fatalf("expected conflict at version 4, got %v", err)
	}
	after, _ := env.Engine.Repo.GetMatrixByTask(env.Ctx, task.ID)
	if after.FindingsVersion != before.FindingsVersion || len(after.Findings) != len(before.Findings) {
		t.Fatalf("conflicting replace mutated the record")
	}
}

func TestReplaceFindingsCap(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-007")
	_, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(21), 0)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	v, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(20), 0)
	if err != nil {
		t.Fatalf("20 items: %v", err)
	}
	if len(v.Findings) != 20 || v.Findings[19].ID != 20 {
		t.Fatalf("unexpected findings: %d", len(v.Findings))
	}
}

func TestConcurrentReplaceExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-008")
	for v := 0; v < 3; v++ {
		if _, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(1), v); err != nil {
			t.Fatalf("seed version %d: %v", v+1, err)
		}
	}

	var (
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	g, ctx := errgroup.WithContext(env.Ctx)
	for _, user := range []string{member, lead} {
		g.Go(func() error {
			<-start
			_, err := env.Engine.ReplaceFindings(ctx, task.ID, user, false, findingItems(2), 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one win and one conflict, got %d/%d", wins, conflicts)
	}
	m, err := env.Engine.Repo.GetMatrixByTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.FindingsVersion != 4 {
		t.Fatalf("expected version 4, got %d", m.FindingsVersion)
	}
}

func TestFollowUpWorkflow(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-009")
	if _, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(2), 0); err != nil {
		t.Fatal(err)
	}
	env.advance(t, task.ID, toFinished()...)

	note := "check the bank statement"
	narrative := "reconciled since March"
	v, err := env.Engine.UpdateFollowUpItem(env.Ctx, task.ID, auditee, false, 2, domain.FollowUpFields{Narrative: &narrative, ReviewerNote: &note})
	if err != nil {
		t.Fatalf("auditee edit: %v", err)
	}
	if v.Findings[1].FollowUpNarrative != narrative || v.Findings[1].ReviewerNote != "" {
		t.Fatalf("unexpected item after auditee edit: %+v", v.Findings[1])
	}
	if v.FindingsVersion != 1 {
		t.Fatalf("follow-up edits must not bump the findings version")
	}
	if _, err := env.Engine.UpdateFollowUpItem(env.Ctx, task.ID, auditee, false, 7, domain.FollowUpFields{Narrative: &narrative}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := env.Engine.ChangeFollowUpStatus(env.Ctx, task.ID, auditee, false, domain.StatusChecking); err != nil {
		t.Fatalf("auditee submit: %v", err)
	}
	v, err = env.Engine.UpdateFollowUpItem(env.Ctx, task.ID, lead, false, 2, domain.FollowUpFields{Narrative: &note, ReviewerNote: &note})
	if err != nil {
		t.Fatalf("lead note: %v", err)
	}
	if v.Findings[1].ReviewerNote != note || v.Findings[1].FollowUpNarrative != narrative {
		t.Fatalf("lead may only set the reviewer note: %+v", v.Findings[1])
	}
	for _, s := range []step{{lead, domain.StatusValidating}, {tech, domain.StatusFinished}} {
		if _, err := env.Engine.ChangeFollowUpStatus(env.Ctx, task.ID, s.user, false, s.target); err != nil {
			t.Fatalf("%s -> %s: %v", s.user, s.target, err)
		}
	}
	if _, err := env.Engine.ChangeFollowUpStatus(env.Ctx, task.ID, tech, false, domain.StatusDrafting); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden after follow-up finished, got %v", err)
	}
	v, err = env.Engine.ChangeFollowUpStatus(env.Ctx, task.ID, quality, false, domain.StatusDrafting)
	if err != nil {
		t.Fatalf("quality controller break-glass: %v", err)
	}
	if *v.FollowUpStatus != domain.StatusDrafting {
		t.Fatalf("expected DRAFTING, got %s", *v.FollowUpStatus)
	}
}

func TestAdminReopenKeepsFollowUp(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-010")
	env.advance(t, task.ID, toFinished()...)
	if _, err := env.Engine.ChangePrimaryStatus(env.Ctx, task.ID, lead, false, domain.StatusValidating); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("business roles cannot reopen, got %v", err)
	}
	v, err := env.Engine.ChangePrimaryStatus(env.Ctx, task.ID, admin, true, domain.StatusValidating)
	if err != nil {
		t.Fatalf("admin reopen: %v", err)
	}
	if v.PrimaryStatus != domain.StatusValidating || v.FollowUpStatus == nil {
		t.Fatalf("unexpected state after reopen: %+v", v)
	}
	if _, err := env.Engine.ChangeFollowUpStatus(env.Ctx, task.ID, auditee, false, domain.StatusChecking); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure after reopen, got %v", err)
	}
}

func TestAuditeeSeesFindingsOnlyWhenFinished(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-011")
	if _, err := env.Engine.ReplaceFindings(env.Ctx, task.ID, member, false, findingItems(3), 0); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.GetMatrix(env.Ctx, task.ID, auditee, false)
	if err != nil {
		t.Fatal(err)
	}
	if !v.FindingsHidden || len(v.Findings) != 0 || v.FindingsVersion != 1 {
		t.Fatalf("auditee must not see drafting findings: %+v", v)
	}
	env.advance(t, task.ID, toFinished()...)
	v, err = env.Engine.GetMatrix(env.Ctx, task.ID, auditee, false)
	if err != nil {
		t.Fatal(err)
	}
	if v.FindingsHidden || len(v.Findings) != 3 {
		t.Fatalf("auditee must see findings once finished: %+v", v)
	}
}

func TestStrangerCannotRead(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-012")
	if _, err := env.Engine.GetMatrix(env.Ctx, task.ID, "stranger", false); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.GetMatrix(env.Ctx, "missing", admin, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReassignAndDelete(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-013")
	b := task.Bindings()
	b.TeamMembers = []string{"m2"}
	if _, err := env.Engine.ReassignRoles(env.Ctx, task.ID, b, member, false); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	updated, err := env.Engine.ReassignRoles(env.Ctx, task.ID, b, admin, true)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if len(updated.TeamMembers) != 1 || updated.TeamMembers[0] != "m2" {
		t.Fatalf("members not replaced: %v", updated.TeamMembers)
	}
	if _, err := env.Engine.ChangePrimaryStatus(env.Ctx, task.ID, member, false, domain.StatusChecking); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("former member must lose rights, got %v", err)
	}
	if _, err := env.Engine.ChangePrimaryStatus(env.Ctx, task.ID, "m2", false, domain.StatusChecking); err != nil {
		t.Fatalf("new member submit: %v", err)
	}

	if err := env.Engine.DeleteAuditTask(env.Ctx, task.ID, admin, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetMatrix(env.Ctx, task.ID, admin, true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := env.Engine.Repo.GetMatrixByTask(env.Ctx, task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("matrix must be soft-deleted with the task, got %v", err)
	}
}

func TestListAndStatistics(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "ST-014")
	env.createTask(t, "ST-015")
	if _, err := env.Engine.CreateAuditTask(env.Ctx, engine.TaskCreateOptions{
		Number: "ST-016", Roles: domain.RoleBindings{TeamLead: "other"}, ActorID: admin, IsAdmin: true,
	}); err != nil {
		t.Fatal(err)
	}
	env.advance(t, a.ID, toFinished()...)

	all, err := env.Engine.ListMatrices(env.Ctx, admin, true, engine.ListOptions{})
	if err != nil || len(all) != 3 {
		t.Fatalf("admin list: %d %v", len(all), err)
	}
	mine, err := env.Engine.ListMatrices(env.Ctx, member, false, engine.ListOptions{})
	if err != nil || len(mine) != 2 {
		t.Fatalf("member list: %d %v", len(mine), err)
	}
	finished, err := env.Engine.ListMatrices(env.Ctx, member, false, engine.ListOptions{PrimaryStatus: []domain.Status{domain.StatusFinished}})
	if err != nil || len(finished) != 1 || finished[0].Task.ID != a.ID {
		t.Fatalf("filtered list: %+v %v", finished, err)
	}
	if len(finished[0].Task.TeamMembers) != 1 {
		t.Fatalf("list rows must carry team members")
	}

	stats, err := env.Engine.MatrixStatistics(env.Ctx, member, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Finished != 1 || stats.CompletionRate != 0.5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.ByStatus[domain.StatusDrafting] != 1 || stats.ByFollowUp[domain.StatusDrafting] != 1 {
		t.Fatalf("unexpected per-status counts: %+v", stats)
	}
}

func TestTaskEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "ST-017")
	env.advance(t, task.ID, step{member, domain.StatusChecking})
	evs, err := env.Engine.TaskEvents(env.Ctx, task.ID, lead, false, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Type != workflow.EventStatusChanged || evs[1].Type != "task.created" {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].ActorID != member {
		t.Fatalf("expected actor %s, got %s", member, evs[0].ActorID)
	}
}
