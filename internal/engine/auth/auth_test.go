package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaltrack/internal/domain"
	"evaltrack/internal/engine/auth"
)

func sampleTask() domain.AuditTask {
	return domain.AuditTask{
		ID:                  "t1",
		TeamMembers:         []string{"member", "both"},
		TeamLead:            "both",
		TechnicalController: "tech",
		QualityController:   "qc",
		UnitLeadership:      "head",
		Auditee:             "auditee",
	}
}

func matrixAt(primary domain.Status, followUp *domain.Status) domain.MatrixRecord {
	return domain.MatrixRecord{TaskID: "t1", PrimaryStatus: primary, FollowUpStatus: followUp}
}

func statusPtr(s domain.Status) *domain.Status { return &s }

func TestResolveRoles(t *testing.T) {
	task := sampleTask()
	cases := []struct {
		user string
		want []domain.Role
	}{
		{"member", []domain.Role{domain.RoleTeamMember}},
		{"both", []domain.Role{domain.RoleTeamMember, domain.RoleTeamLead}},
		{"tech", []domain.Role{domain.RoleTechnicalController}},
		{"qc", []domain.Role{domain.RoleQualityController}},
		{"head", []domain.Role{domain.RoleUnitLeadership}},
		{"auditee", []domain.Role{domain.RoleAuditee}},
		{"stranger", nil},
		{"", nil},
	}
	for _, tc := range cases {
		t.Run(tc.user, func(t *testing.T) {
			assert.Equal(t, tc.want, auth.ResolveRoles(tc.user, task).Roles())
		})
	}
}

func TestResolveRolesEmptyBindingsNeverMatchEmptyUser(t *testing.T) {
	roles := auth.ResolveRoles("", domain.AuditTask{TeamMembers: []string{""}})
	assert.True(t, roles.Empty())
}

func TestCanChangeStatusIffTargetsNonEmpty(t *testing.T) {
	for _, st := range domain.Statuses {
		for _, r := range domain.Roles {
			c := auth.Capabilities(r, st)
			assert.Equal(t, c.CanChangeStatus, !c.AllowedTargets.Empty(), "primary %s at %s", r, st)
			f := auth.FollowUpCapabilities(r, st)
			assert.Equal(t, f.CanChangeStatus, !f.AllowedTargets.Empty(), "follow-up %s at %s", r, st)
		}
		a := auth.AdminCapabilities(st)
		assert.Equal(t, a.CanChangeStatus, !a.AllowedTargets.Empty(), "admin at %s", st)
		af := auth.AdminFollowUpCapabilities(st)
		assert.Equal(t, af.CanChangeStatus, !af.AllowedTargets.Empty(), "admin follow-up at %s", st)
	}
}

func TestPrimaryTable(t *testing.T) {
	cases := []struct {
		role    domain.Role
		status  domain.Status
		edit    bool
		targets []domain.Status
	}{
		{domain.RoleTeamMember, domain.StatusDrafting, true, []domain.Status{domain.StatusChecking}},
		{domain.RoleTeamLead, domain.StatusDrafting, true, []domain.Status{}},
		{domain.RoleTeamLead, domain.StatusChecking, false, []domain.Status{domain.StatusDrafting, domain.StatusValidating}},
		{domain.RoleTechnicalController, domain.StatusValidating, false, []domain.Status{domain.StatusDrafting, domain.StatusFinished}},
		{domain.RoleTeamMember, domain.StatusChecking, false, []domain.Status{}},
		{domain.RoleQualityController, domain.StatusFinished, false, []domain.Status{}},
		{domain.RoleAuditee, domain.StatusDrafting, false, []domain.Status{}},
	}
	for _, tc := range cases {
		t.Run(tc.role.String()+"/"+string(tc.status), func(t *testing.T) {
			c := auth.Capabilities(tc.role, tc.status)
			assert.Equal(t, tc.edit, c.CanEditFindings)
			assert.Equal(t, tc.targets, c.AllowedTargets.Slice())
		})
	}
}

func TestNobodyEditsAfterDrafting(t *testing.T) {
	for _, st := range []domain.Status{domain.StatusChecking, domain.StatusValidating, domain.StatusFinished} {
		for _, r := range domain.Roles {
			assert.False(t, auth.Capabilities(r, st).CanEditFindings, "%s at %s", r, st)
		}
		assert.False(t, auth.AdminCapabilities(st).CanEditFindings, "admin at %s", st)
	}
}

func TestAdminMirrorsEdgesAndReopens(t *testing.T) {
	assert.Equal(t, []domain.Status{domain.StatusChecking}, auth.AdminCapabilities(domain.StatusDrafting).AllowedTargets.Slice())
	assert.True(t, auth.AdminCapabilities(domain.StatusDrafting).CanEditFindings)
	assert.Equal(t, []domain.Status{domain.StatusDrafting, domain.StatusValidating}, auth.AdminCapabilities(domain.StatusChecking).AllowedTargets.Slice())
	assert.Equal(t, []domain.Status{domain.StatusDrafting, domain.StatusFinished}, auth.AdminCapabilities(domain.StatusValidating).AllowedTargets.Slice())

	finished := auth.AdminCapabilities(domain.StatusFinished)
	assert.True(t, finished.CanChangeStatus)
	assert.Equal(t, []domain.Status{domain.StatusValidating}, finished.AllowedTargets.Slice())
}

func TestEffectivePermissionsUnion(t *testing.T) {
	task := sampleTask()

	p := auth.EffectivePermissions("both", task, matrixAt(domain.StatusDrafting, nil), false)
	assert.True(t, p.CanEditFindings)
	assert.True(t, p.CanChangeStatus)
	assert.Equal(t, []domain.Status{domain.StatusChecking}, p.AllowedTargets.Slice())

	p = auth.EffectivePermissions("both", task, matrixAt(domain.StatusChecking, nil), false)
	assert.False(t, p.CanEditFindings)
	assert.Equal(t, []domain.Status{domain.StatusDrafting, domain.StatusValidating}, p.AllowedTargets.Slice())
}

func TestEffectivePermissionsNoRole(t *testing.T) {
	for _, st := range domain.Statuses {
		p := auth.EffectivePermissions("stranger", sampleTask(), matrixAt(st, nil), false)
		assert.Equal(t, domain.UserPermissions{}, p)
	}
}

func TestEffectivePermissionsAdminIgnoresBindings(t *testing.T) {
	p := auth.EffectivePermissions("stranger", sampleTask(), matrixAt(domain.StatusFinished, nil), true)
	assert.True(t, p.CanChangeStatus)
	assert.Equal(t, []domain.Status{domain.StatusValidating}, p.AllowedTargets.Slice())
}

func TestFollowUpPreconditionZeroesEveryone(t *testing.T) {
	users := []string{"member", "both", "tech", "qc", "head", "auditee", "stranger"}
	for _, st := range []domain.Status{domain.StatusDrafting, domain.StatusChecking, domain.StatusValidating} {
		for _, u := range users {
			assert.Equal(t, domain.FollowUpPermissions{}, auth.FollowUpPermissions(u, sampleTask(), matrixAt(st, statusPtr(domain.StatusDrafting)), false))
		}
		assert.Equal(t, domain.FollowUpPermissions{}, auth.FollowUpPermissions("root", sampleTask(), matrixAt(st, nil), true))
	}
}

func TestFollowUpTable(t *testing.T) {
	task := sampleTask()

	p := auth.FollowUpPermissions("auditee", task, matrixAt(domain.StatusFinished, nil), false)
	require.True(t, p.CanEditFollowUpContent, "nil follow-up status evaluates as DRAFTING")
	assert.True(t, p.EditableFields.Has(domain.FieldNarrative))
	assert.True(t, p.EditableFields.Has(domain.FieldEvidenceLink))
	assert.False(t, p.EditableFields.Has(domain.FieldReviewerNote))
	assert.Equal(t, []domain.Status{domain.StatusChecking}, p.AllowedTargets.Slice())

	p = auth.FollowUpPermissions("both", task, matrixAt(domain.StatusFinished, statusPtr(domain.StatusChecking)), false)
	assert.True(t, p.CanEditFollowUpContent)
	assert.Equal(t, domain.NewFieldSet(domain.FieldReviewerNote), p.EditableFields)
	assert.Equal(t, []domain.Status{domain.StatusDrafting, domain.StatusValidating}, p.AllowedTargets.Slice())

	p = auth.FollowUpPermissions("tech", task, matrixAt(domain.StatusFinished, statusPtr(domain.StatusValidating)), false)
	assert.False(t, p.CanEditFollowUpContent)
	assert.Equal(t, []domain.Status{domain.StatusDrafting, domain.StatusFinished}, p.AllowedTargets.Slice())

	p = auth.FollowUpPermissions("tech", task, matrixAt(domain.StatusFinished, statusPtr(domain.StatusFinished)), false)
	assert.Equal(t, domain.FollowUpPermissions{}, p)
}

func TestQualityControllerBreakGlass(t *testing.T) {
	task := sampleTask()
	p := auth.FollowUpPermissions("qc", task, matrixAt(domain.StatusFinished, statusPtr(domain.StatusFinished)), false)
	assert.True(t, p.CanEditFollowUpContent)
	assert.Equal(t, domain.AllFollowUpFields(), p.EditableFields)
	assert.Equal(t, domain.Statuses, p.AllowedTargets.Slice())

	p = auth.FollowUpPermissions("qc", task, matrixAt(domain.StatusFinished, statusPtr(domain.StatusChecking)), false)
	assert.Equal(t, domain.FollowUpPermissions{}, p)
}

func TestAdminFollowUp(t *testing.T) {
	p := auth.FollowUpPermissions("root", sampleTask(), matrixAt(domain.StatusFinished, statusPtr(domain.StatusFinished)), true)
	assert.True(t, p.CanEditFollowUpContent)
	assert.Equal(t, []domain.Status{domain.StatusValidating}, p.AllowedTargets.Slice())

	p = auth.FollowUpPermissions("root", sampleTask(), matrixAt(domain.StatusFinished, statusPtr(domain.StatusDrafting)), true)
	assert.Equal(t, []domain.Status{domain.StatusChecking}, p.AllowedTargets.Slice())
	assert.Equal(t, domain.AllFollowUpFields(), p.EditableFields)
}
