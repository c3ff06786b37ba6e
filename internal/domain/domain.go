package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is a step of either the primary matrix pipeline or the follow-up pipeline.
// Both pipelines share the same four values.
type Status string

const (
	StatusDrafting   Status = "DRAFTING"
	StatusChecking   Status = "CHECKING"
	StatusValidating Status = "VALIDATING"
	StatusFinished   Status = "FINISHED"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{StatusDrafting, StatusChecking, StatusValidating, StatusFinished}

func (s Status) Valid() bool {
	return s.index() >= 0
}

func (s Status) index() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseStatus accepts any casing of a status name.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

// StatusSet is an immutable set of statuses.
type StatusSet uint8

func NewStatusSet(statuses ...Status) StatusSet {
	var set StatusSet
	for _, s := range statuses {
		set = set.With(s)
	}
	return set
}

// AllStatuses is the set of the four pipeline statuses.
func AllStatuses() StatusSet {
	return NewStatusSet(Statuses...)
}

func (s StatusSet) With(st Status) StatusSet {
	i := st.index()
	if i < 0 {
		return s
	}
	return s | 1<<uint(i)
}

func (s StatusSet) Has(st Status) bool {
	i := st.index()
	return i >= 0 && s&(1<<uint(i)) != 0
}

func (s StatusSet) Union(o StatusSet) StatusSet { return s | o }

func (s StatusSet) Empty() bool { return s == 0 }

// Slice returns the members in pipeline order.
func (s StatusSet) Slice() []Status {
	out := make([]Status, 0, len(Statuses))
	for _, st := range Statuses {
		if s.Has(st) {
			out = append(out, st)
		}
	}
	return out
}

func (s StatusSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *StatusSet) UnmarshalJSON(data []byte) error {
	var items []Status
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewStatusSet(items...)
	return nil
}

// Role is a business role a user may hold on one audit task.
type Role uint8

const (
	RoleTeamMember Role = iota
	RoleTeamLead
	RoleTechnicalController
	RoleQualityController
	RoleUnitLeadership
	RoleAuditee
)

// Roles lists every business role.
var Roles = []Role{
	RoleTeamMember,
	RoleTeamLead,
	RoleTechnicalController,
	RoleQualityController,
	RoleUnitLeadership,
	RoleAuditee,
}

var roleNames = [...]string{
	RoleTeamMember:          "TEAM_MEMBER",
	RoleTeamLead:            "TEAM_LEAD",
	RoleTechnicalController: "TECHNICAL_CONTROLLER",
	RoleQualityController:   "QUALITY_CONTROLLER",
	RoleUnitLeadership:      "UNIT_LEADERSHIP",
	RoleAuditee:             "AUDITEE",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// RoleSet holds the roles one user has on one task.
type RoleSet uint8

func NewRoleSet(roles ...Role) RoleSet {
	var set RoleSet
	for _, r := range roles {
		set = set.With(r)
	}
	return set
}

func (s RoleSet) With(r Role) RoleSet { return s | 1<<uint(r) }

func (s RoleSet) Has(r Role) bool { return s&(1<<uint(r)) != 0 }

func (s RoleSet) Empty() bool { return s == 0 }

func (s RoleSet) Roles() []Role {
	var out []Role
	for _, r := range Roles {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// OnlyAuditee reports whether the set contains the auditee role and nothing else.
func (s RoleSet) OnlyAuditee() bool {
	return s == NewRoleSet(RoleAuditee)
}

func (s RoleSet) Strings() []string {
	roles := s.Roles()
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.String())
	}
	return out
}

// FollowUpField identifies a per-item follow-up field.
type FollowUpField uint8

const (
	FieldNarrative FollowUpField = iota
	FieldEvidenceLink
	FieldReviewerNote
)

var followUpFieldNames = [...]string{
	FieldNarrative:    "follow_up_narrative",
	FieldEvidenceLink: "follow_up_evidence_link",
	FieldReviewerNote: "reviewer_note",
}

func (f FollowUpField) String() string {
	if int(f) < len(followUpFieldNames) {
		return followUpFieldNames[f]
	}
	return fmt.Sprintf("FollowUpField(%d)", uint8(f))
}

// FieldSet is a set of follow-up fields.
type FieldSet uint8

func NewFieldSet(fields ...FollowUpField) FieldSet {
	var set FieldSet
	for _, f := range fields {
		set |= 1 << uint(f)
	}
	return set
}

// AllFollowUpFields is every follow-up field.
func AllFollowUpFields() FieldSet {
	return NewFieldSet(FieldNarrative, FieldEvidenceLink, FieldReviewerNote)
}

func (s FieldSet) Has(f FollowUpField) bool { return s&(1<<uint(f)) != 0 }

func (s FieldSet) Union(o FieldSet) FieldSet { return s | o }

func (s FieldSet) Empty() bool { return s == 0 }

// Strings returns the wire names of the members; never nil.
func (s FieldSet) Strings() []string {
	out := []string{}
	for _, f := range []FollowUpField{FieldNarrative, FieldEvidenceLink, FieldReviewerNote} {
		if s.Has(f) {
			out = append(out, f.String())
		}
	}
	return out
}

func (s FieldSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// Capability is one row of a capability table for the primary pipeline.
type Capability struct {
	CanEditFindings bool
	CanChangeStatus bool
	AllowedTargets  StatusSet
}

func (c Capability) Union(o Capability) Capability {
	return Capability{
		CanEditFindings: c.CanEditFindings || o.CanEditFindings,
		CanChangeStatus: c.CanChangeStatus || o.CanChangeStatus,
		AllowedTargets:  c.AllowedTargets.Union(o.AllowedTargets),
	}
}

// FollowUpCapability is one row of the follow-up capability table.
type FollowUpCapability struct {
	EditableFields  FieldSet
	CanChangeStatus bool
	AllowedTargets  StatusSet
}

func (c FollowUpCapability) Union(o FollowUpCapability) FollowUpCapability {
	return FollowUpCapability{
		EditableFields:  c.EditableFields.Union(o.EditableFields),
		CanChangeStatus: c.CanChangeStatus || o.CanChangeStatus,
		AllowedTargets:  c.AllowedTargets.Union(o.AllowedTargets),
	}
}

// UserPermissions is the effective primary-pipeline permission of one caller.
type UserPermissions struct {
	CanEditFindings bool      `json:"can_edit_findings"`
	CanChangeStatus bool      `json:"can_change_status"`
	AllowedTargets  StatusSet `json:"allowed_targets"`
}

// FollowUpPermissions is the effective follow-up permission of one caller.
type FollowUpPermissions struct {
	CanEditFollowUpContent bool      `json:"can_edit_follow_up_content"`
	EditableFields         FieldSet  `json:"editable_fields"`
	CanChangeStatus        bool      `json:"can_change_status"`
	AllowedTargets         StatusSet `json:"allowed_targets"`
}

// AuditTask is the assignment record of one audit engagement.
type AuditTask struct {
	ID                  string   `json:"id"`
	Number              string   `json:"number"`
	AuditeeName         string   `json:"auditee_name,omitempty"`
	Inspectorate        string   `json:"inspectorate,omitempty"`
	StartDate           string   `json:"start_date,omitempty" format:"date"`
	EndDate             string   `json:"end_date,omitempty" format:"date"`
	TeamMembers         []string `json:"team_members"`
	TeamLead            string   `json:"team_lead,omitempty"`
	TechnicalController string   `json:"technical_controller,omitempty"`
	QualityController   string   `json:"quality_controller,omitempty"`
	UnitLeadership      string   `json:"unit_leadership,omitempty"`
	Auditee             string   `json:"auditee,omitempty"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
	CreatedBy           string   `json:"created_by,omitempty"`
	UpdatedBy           string   `json:"updated_by,omitempty"`
}

// RoleBindings is the reassignable part of an AuditTask.
type RoleBindings struct {
	TeamMembers         []string `json:"team_members"`
	TeamLead            string   `json:"team_lead,omitempty"`
	TechnicalController string   `json:"technical_controller,omitempty"`
	QualityController   string   `json:"quality_controller,omitempty"`
	UnitLeadership      string   `json:"unit_leadership,omitempty"`
	Auditee             string   `json:"auditee,omitempty"`
}

func (t AuditTask) Bindings() RoleBindings {
	return RoleBindings{
		TeamMembers:         append([]string(nil), t.TeamMembers...),
		TeamLead:            t.TeamLead,
		TechnicalController: t.TechnicalController,
		QualityController:   t.QualityController,
		UnitLeadership:      t.UnitLeadership,
		Auditee:             t.Auditee,
	}
}

func (t *AuditTask) SetBindings(b RoleBindings) {
	t.TeamMembers = append([]string(nil), b.TeamMembers...)
	t.TeamLead = b.TeamLead
	t.TechnicalController = b.TechnicalController
	t.QualityController = b.QualityController
	t.UnitLeadership = b.UnitLeadership
	t.Auditee = b.Auditee
}

// Finding is one condition/criterion/recommendation item of a matrix.
type Finding struct {
	ID                   int    `json:"id"`
	Condition            string `json:"condition"`
	Criterion            string `json:"criterion"`
	Recommendation       string `json:"recommendation"`
	FollowUpNarrative    string `json:"follow_up_narrative,omitempty"`
	FollowUpEvidenceLink string `json:"follow_up_evidence_link,omitempty"`
	ReviewerNote         string `json:"reviewer_note,omitempty"`
}

// FindingInput is a candidate item for a findings replacement.
// Missing or blank fields are allowed here; such items are dropped on save.
type FindingInput struct {
	Condition      string `json:"condition" required:"false"`
	Criterion      string `json:"criterion" required:"false"`
	Recommendation string `json:"recommendation" required:"false"`
}

// FollowUpFields carries a partial follow-up update; nil means untouched.
type FollowUpFields struct {
	Narrative    *string `json:"follow_up_narrative,omitempty"`
	EvidenceLink *string `json:"follow_up_evidence_link,omitempty"`
	ReviewerNote *string `json:"reviewer_note,omitempty"`
}

// MatrixRecord is the persisted evaluation matrix of one audit task.
type MatrixRecord struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	PrimaryStatus   Status    `json:"primary_status"`
	FollowUpStatus  *Status   `json:"follow_up_status"`
	Findings        []Finding `json:"findings"`
	FindingsVersion int       `json:"findings_version"`
	CreatedAt       string    `json:"created_at" format:"date-time"`
	UpdatedAt       string    `json:"updated_at" format:"date-time"`
	CreatedBy       string    `json:"created_by,omitempty"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
}

// Clone returns a deep copy so pure transformations never alias the input.
func (m MatrixRecord) Clone() MatrixRecord {
	out := m
	if m.FollowUpStatus != nil {
		s := *m.FollowUpStatus
		out.FollowUpStatus = &s
	}
	if m.Findings != nil {
		out.Findings = append([]Finding(nil), m.Findings...)
	}
	return out
}

// FollowUpOrDefault returns the follow-up status, treating nil as DRAFTING.
func (m MatrixRecord) FollowUpOrDefault() Status {
	if m.FollowUpStatus == nil {
		return StatusDrafting
	}
	return *m.FollowUpStatus
}

// MatrixView is what callers receive after every read or mutation.
type MatrixView struct {
	ID                  string              `json:"id"`
	TaskID              string              `json:"task_id"`
	PrimaryStatus       Status              `json:"primary_status"`
	FollowUpStatus      *Status             `json:"follow_up_status"`
	FindingsVersion     int                 `json:"findings_version"`
	Findings            []Finding           `json:"findings"`
	FindingsHidden      bool                `json:"findings_hidden,omitempty"`
	Roles               []string            `json:"roles"`
	IsAdmin             bool                `json:"is_admin,omitempty"`
	Permissions         UserPermissions     `json:"permissions"`
	FollowUpPermissions FollowUpPermissions `json:"follow_up_permissions"`
	CreatedAt           string              `json:"created_at" format:"date-time"`
	UpdatedAt           string              `json:"updated_at" format:"date-time"`
	UpdatedBy           string              `json:"updated_by,omitempty"`
}

// MatrixSummary is a list row joining a matrix with its task.
type MatrixSummary struct {
	Task   AuditTask    `json:"task"`
	Matrix MatrixRecord `json:"matrix"`
}

// MatrixStatistics summarises the visible matrices.
type MatrixStatistics struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	ByFollowUp     map[Status]int `json:"by_follow_up_status"`
	Finished       int            `json:"finished"`
	CompletionRate float64        `json:"completion_rate"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
