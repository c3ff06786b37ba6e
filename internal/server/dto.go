package server

import (
	"encoding/json"

	"evaltrack/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID           *string             `json:"id,omitempty"`
	Number       string              `json:"number" doc:"Assignment letter number, unique among live tasks"`
	AuditeeName  string              `json:"auditee_name,omitempty"`
	Inspectorate string              `json:"inspectorate,omitempty"`
	StartDate    string              `json:"start_date,omitempty" format:"date"`
	EndDate      string              `json:"end_date,omitempty" format:"date"`
	Roles        RoleBindingsRequest `json:"roles"`
}

type RoleBindingsRequest struct {
	TeamMembers         []string `json:"team_members,omitempty"`
	TeamLead            string   `json:"team_lead,omitempty"`
	TechnicalController string   `json:"technical_controller,omitempty"`
	QualityController   string   `json:"quality_controller,omitempty"`
	UnitLeadership      string   `json:"unit_leadership,omitempty"`
	Auditee             string   `json:"auditee,omitempty"`
}

func (r RoleBindingsRequest) bindings() domain.RoleBindings {
	return domain.RoleBindings{
		TeamMembers:         r.TeamMembers,
		TeamLead:            r.TeamLead,
		TechnicalController: r.TechnicalController,
		QualityController:   r.QualityController,
		UnitLeadership:      r.UnitLeadership,
		Auditee:             r.Auditee,
	}
}

type StatusChangeRequest struct {
	Status string `json:"status" doc:"Target status: DRAFTING, CHECKING, VALIDATING or FINISHED"`
}

type ReplaceFindingsRequest struct {
	ExpectedVersion int                   `json:"expected_version" minimum:"0" doc:"findings_version the client last read"`
	Items           []domain.FindingInput `json:"items"`
}

type FollowUpItemRequest struct {
	FollowUpNarrative    *string `json:"follow_up_narrative,omitempty"`
	FollowUpEvidenceLink *string `json:"follow_up_evidence_link,omitempty"`
	ReviewerNote         *string `json:"reviewer_note,omitempty"`
}

func (r FollowUpItemRequest) fields() domain.FollowUpFields {
	return domain.FollowUpFields{
		Narrative:    r.FollowUpNarrative,
		EvidenceLink: r.FollowUpEvidenceLink,
		ReviewerNote: r.ReviewerNote,
	}
}

// Response payloads

type PermissionsResponse struct {
	CanEditFindings bool     `json:"can_edit_findings"`
	CanChangeStatus bool     `json:"can_change_status"`
	AllowedTargets  []string `json:"allowed_targets"`
}

type FollowUpPermissionsResponse struct {
	CanEditFollowUpContent bool     `json:"can_edit_follow_up_content"`
	EditableFields         []string `json:"editable_fields"`
	CanChangeStatus        bool     `json:"can_change_status"`
	AllowedTargets         []string `json:"allowed_targets"`
}

type MatrixResponse struct {
	ID                  string                      `json:"id"`
	TaskID              string                      `json:"task_id"`
	PrimaryStatus       string                      `json:"primary_status" enum:"DRAFTING,CHECKING,VALIDATING,FINISHED"`
	FollowUpStatus      *string                     `json:"follow_up_status,omitempty" enum:"DRAFTING,CHECKING,VALIDATING,FINISHED"`
	FindingsVersion     int                         `json:"findings_version"`
	Findings            []domain.Finding            `json:"findings"`
	FindingsHidden      bool                        `json:"findings_hidden,omitempty"`
	Roles               []string                    `json:"roles"`
	IsAdmin             bool                        `json:"is_admin,omitempty"`
	Permissions         PermissionsResponse         `json:"permissions"`
	FollowUpPermissions FollowUpPermissionsResponse `json:"follow_up_permissions"`
	CreatedAt           string                      `json:"created_at" format:"date-time"`
	UpdatedAt           string                      `json:"updated_at" format:"date-time"`
	UpdatedBy           string                      `json:"updated_by,omitempty"`
}

type MatrixSummaryResponse struct {
	TaskID          string  `json:"task_id"`
	Number          string  `json:"number"`
	AuditeeName     string  `json:"auditee_name,omitempty"`
	MatrixID        string  `json:"matrix_id"`
	PrimaryStatus   string  `json:"primary_status"`
	FollowUpStatus  *string `json:"follow_up_status,omitempty"`
	FindingsVersion int     `json:"findings_version"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type StatisticsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByFollowUp     map[string]int `json:"by_follow_up_status"`
	Finished       int            `json:"finished"`
	CompletionRate float64        `json:"completion_rate"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventsResponse struct {
	Items      []EventResponse `json:"items"`
	NextCursor *int64          `json:"next_cursor,omitempty"`
}

func statusStrings(s domain.StatusSet) []string {
	out := []string{}
	for _, st := range s.Slice() {
		out = append(out, string(st))
	}
	return out
}

func statusPtr(s *domain.Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func matrixResponse(v domain.MatrixView) MatrixResponse {
	findings := v.Findings
	if findings == nil {
		findings = []domain.Finding{}
	}
	roles := v.Roles
	if roles == nil {
		roles = []string{}
	}
	return MatrixResponse{
		ID:              v.ID,
		TaskID:          v.TaskID,
		PrimaryStatus:   string(v.PrimaryStatus),
		FollowUpStatus:  statusPtr(v.FollowUpStatus),
		FindingsVersion: v.FindingsVersion,
		Findings:        findings,
		FindingsHidden:  v.FindingsHidden,
		Roles:           roles,
		IsAdmin:         v.IsAdmin,
		Permissions: PermissionsResponse{
			CanEditFindings: v.Permissions.CanEditFindings,
			CanChangeStatus: v.Permissions.CanChangeStatus,
			AllowedTargets:  statusStrings(v.Permissions.AllowedTargets),
		},
		FollowUpPermissions: FollowUpPermissionsResponse{
			CanEditFollowUpContent: v.FollowUpPermissions.CanEditFollowUpContent,
			EditableFields:         v.FollowUpPermissions.EditableFields.Strings(),
			CanChangeStatus:        v.FollowUpPermissions.CanChangeStatus,
			AllowedTargets:         statusStrings(v.FollowUpPermissions.AllowedTargets),
		},
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
		UpdatedBy: v.UpdatedBy,
	}
}

func mapSummaries(items []domain.MatrixSummary) []MatrixSummaryResponse {
	out := make([]MatrixSummaryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, MatrixSummaryResponse{
			TaskID:          s.Task.ID,
			Number:          s.Task.Number,
			AuditeeName:     s.Task.AuditeeName,
			MatrixID:        s.Matrix.ID,
			PrimaryStatus:   string(s.Matrix.PrimaryStatus),
			FollowUpStatus:  statusPtr(s.Matrix.FollowUpStatus),
			FindingsVersion: s.Matrix.FindingsVersion,
			UpdatedAt:       s.Matrix.UpdatedAt,
		})
	}
	return out
}

func statisticsResponse(s domain.MatrixStatistics) StatisticsResponse {
	out := StatisticsResponse{
		Total:          s.Total,
		ByStatus:       map[string]int{},
		ByFollowUp:     map[string]int{},
		Finished:       s.Finished,
		CompletionRate: s.CompletionRate,
	}
	for k, v := range s.ByStatus {
		out.ByStatus[string(k)] = v
	}
	for k, v := range s.ByFollowUp {
		out.ByFollowUp[string(k)] = v
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TaskID:     e.TaskID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
