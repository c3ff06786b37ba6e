// Package auth resolves which roles a user holds on an audit task and what
// those roles allow on the task's evaluation matrix. Everything here is pure:
// callers load the task and matrix, this package only reads them.
package auth

import (
	"evaltrack/internal/domain"
)

type tableKey struct {
	role   domain.Role
	status domain.Status
}

var primaryTable = map[tableKey]domain.Capability{
	{domain.RoleTeamMember, domain.StatusDrafting}: {
		CanEditFindings: true,
		CanChangeStatus: true,
		AllowedTargets:  domain.NewStatusSet(domain.StatusChecking),
	},
	{domain.RoleTeamLead, domain.StatusDrafting}: {
		CanEditFindings: true,
	},
	{domain.RoleTeamLead, domain.StatusChecking}: {
		CanChangeStatus: true,
		AllowedTargets:  domain.NewStatusSet(domain.StatusDrafting, domain.StatusValidating),
	},
	{domain.RoleTechnicalController, domain.StatusValidating}: {
		CanChangeStatus: true,
		AllowedTargets:  domain.NewStatusSet(domain.StatusDrafting, domain.StatusFinished),
	},
}

var followUpTable = map[tableKey]domain.FollowUpCapability{
	{domain.RoleAuditee, domain.StatusDrafting}: {
		EditableFields:  domain.NewFieldSet(domain.FieldNarrative, domain.FieldEvidenceLink),
		CanChangeStatus: true,
		AllowedTargets:  domain.NewStatusSet(domain.StatusChecking),
	},
	{domain.RoleTeamLead, domain.StatusChecking}: {
		EditableFields:  domain.NewFieldSet(domain.FieldReviewerNote),
		CanChangeStatus: true,
		AllowedTargets:  domain.NewStatusSet(domain.StatusDrafting, domain.StatusValidating),
	},
	{domain.RoleTechnicalController, domain.StatusValidating}: {
		CanChangeStatus: true,
		AllowedTargets:  domain.NewStatusSet(domain.StatusDrafting, domain.StatusFinished),
	},
	// Break-glass correction path once follow-up is closed.
	{domain.RoleQualityController, domain.StatusFinished}: {
		EditableFields:  domain.AllFollowUpFields(),
		CanChangeStatus: true,
		AllowedTargets:  domain.AllStatuses(),
	},
}

// ResolveRoles returns every role userID holds on task. An empty user id
// matches nothing.
func ResolveRoles(userID string, task domain.AuditTask) domain.RoleSet {
	var roles domain.RoleSet
	if userID == "" {
		return roles
	}
	for _, m := range task.TeamMembers {
		if m == userID {
			roles = roles.With(domain.RoleTeamMember)
			break
		}
	}
	bindings := []struct {
		id   string
		role domain.Role
	}{
		{task.TeamLead, domain.RoleTeamLead},
		{task.TechnicalController, domain.RoleTechnicalController},
		{task.QualityController, domain.RoleQualityController},
		{task.UnitLeadership, domain.RoleUnitLeadership},
		{task.Auditee, domain.RoleAuditee},
	}
	for _, b := range bindings {
		if b.id == userID {
			roles = roles.With(b.role)
		}
	}
	return roles
}

// Capabilities is the primary-pipeline table row for one business role.
func Capabilities(role domain.Role, status domain.Status) domain.Capability {
	return primaryTable[tableKey{role, status}]
}

// AdminCapabilities mirrors the business edges below FINISHED so an
// administrator cannot skip states. At FINISHED it grants the reopen edge.
func AdminCapabilities(status domain.Status) domain.Capability {
	if status == domain.StatusFinished {
		return domain.Capability{
			CanChangeStatus: true,
			AllowedTargets:  domain.NewStatusSet(domain.StatusValidating),
		}
	}
	var c domain.Capability
	for _, r := range domain.Roles {
		c = c.Union(Capabilities(r, status))
	}
	return c
}

// FollowUpCapabilities is the follow-up table row for one business role.
func FollowUpCapabilities(role domain.Role, status domain.Status) domain.FollowUpCapability {
	return followUpTable[tableKey{role, status}]
}

// AdminFollowUpCapabilities grants every follow-up field at any status and
// the business edges of the current status. At FINISHED the only edge is
// the reopen to VALIDATING.
func AdminFollowUpCapabilities(status domain.Status) domain.FollowUpCapability {
	c := domain.FollowUpCapability{EditableFields: domain.AllFollowUpFields()}
	if status == domain.StatusFinished {
		c.CanChangeStatus = true
		c.AllowedTargets = domain.NewStatusSet(domain.StatusValidating)
		return c
	}
	for _, r := range domain.Roles {
		row := FollowUpCapabilities(r, status)
		c.CanChangeStatus = c.CanChangeStatus || row.CanChangeStatus
		c.AllowedTargets = c.AllowedTargets.Union(row.AllowedTargets)
	}
	return c
}

// EffectivePermissions unions the primary capabilities of every role the
// user holds at the matrix's current status.
func EffectivePermissions(userID string, task domain.AuditTask, matrix domain.MatrixRecord, isAdmin bool) domain.UserPermissions {
	var c domain.Capability
	if isAdmin {
		c = AdminCapabilities(matrix.PrimaryStatus)
	} else {
		for _, r := range ResolveRoles(userID, task).Roles() {
			c = c.Union(Capabilities(r, matrix.PrimaryStatus))
		}
	}
	return domain.UserPermissions{
		CanEditFindings: c.CanEditFindings,
		CanChangeStatus: c.CanChangeStatus,
		AllowedTargets:  c.AllowedTargets,
	}
}

// FollowUpPermissions is zero unless the primary pipeline is FINISHED. A nil
// follow-up status is evaluated as DRAFTING.
func FollowUpPermissions(userID string, task domain.AuditTask, matrix domain.MatrixRecord, isAdmin bool) domain.FollowUpPermissions {
	if matrix.PrimaryStatus != domain.StatusFinished {
		return domain.FollowUpPermissions{}
	}
	status := matrix.FollowUpOrDefault()
	var c domain.FollowUpCapability
	if isAdmin {
		c = AdminFollowUpCapabilities(status)
	} else {
		for _, r := range ResolveRoles(userID, task).Roles() {
			c = c.Union(FollowUpCapabilities(r, status))
		}
	}
	return domain.FollowUpPermissions{
		CanEditFollowUpContent: !c.EditableFields.Empty(),
		EditableFields:         c.EditableFields,
		CanChangeStatus:        c.CanChangeStatus,
		AllowedTargets:         c.AllowedTargets,
	}
}
