package evaltracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal evaltrack HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Servers
	// only honour it with auth.allow_legacy_actor_header enabled.
	ActorID    string
	HTTPClient *http.Client
	// Timeout applies when HTTPClient is nil.
	Timeout time.Duration
	// MaxRetries bounds retries of GET requests that failed in transport or
	// with a 5xx. Writes are sent once. Zero disables retrying.
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	timeout := 10 * time.Second
	return &Client{
		BaseURL:        baseURL,
		BearerToken:    bearerToken,
		HTTPClient:     &http.Client{Timeout: timeout},
		Timeout:        timeout,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
	}
}

// RoleBindings names who holds each role on a task.
type RoleBindings struct {
	TeamMembers         []string `json:"team_members,omitempty"`
	TeamLead            string   `json:"team_lead,omitempty"`
	TechnicalController string   `json:"technical_controller,omitempty"`
	QualityController   string   `json:"quality_controller,omitempty"`
	UnitLeadership      string   `json:"unit_leadership,omitempty"`
	Auditee             string   `json:"auditee,omitempty"`
}

type CreateTaskInput struct {
	ID           string       `json:"id,omitempty"`
	Number       string       `json:"number"`
	AuditeeName  string       `json:"auditee_name,omitempty"`
	Inspectorate string       `json:"inspectorate,omitempty"`
	StartDate    string       `json:"start_date,omitempty"`
	EndDate      string       `json:"end_date,omitempty"`
	Roles        RoleBindings `json:"roles"`
}

// Task is an audit task as returned by the API.
type Task struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	AuditeeName  string `json:"auditee_name"`
	Inspectorate string `json:"inspectorate"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	RoleBindings
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type Finding struct {
	ID                   int    `json:"id"`
	Condition            string `json:"condition"`
	Criterion            string `json:"criterion"`
	Recommendation       string `json:"recommendation"`
	FollowUpNarrative    string `json:"follow_up_narrative,omitempty"`
	FollowUpEvidenceLink string `json:"follow_up_evidence_link,omitempty"`
	ReviewerNote         string `json:"reviewer_note,omitempty"`
}

// FindingInput is one item of a findings replacement.
type FindingInput struct {
	Condition      string `json:"condition"`
	Criterion      string `json:"criterion"`
	Recommendation string `json:"recommendation"`
}

// FollowUpUpdate carries the follow-up fields to write. Nil fields are left alone.
type FollowUpUpdate struct {
	FollowUpNarrative    *string `json:"follow_up_narrative,omitempty"`
	FollowUpEvidenceLink *string `json:"follow_up_evidence_link,omitempty"`
	ReviewerNote         *string `json:"reviewer_note,omitempty"`
}

type Permissions struct {
	CanEditFindings bool     `json:"can_edit_findings"`
	CanChangeStatus bool     `json:"can_change_status"`
	AllowedTargets  []string `json:"allowed_targets"`
}

type FollowUpPermissions struct {
	CanEditFollowUpContent bool     `json:"can_edit_follow_up_content"`
	EditableFields         []string `json:"editable_fields"`
	CanChangeStatus        bool     `json:"can_change_status"`
	AllowedTargets         []string `json:"allowed_targets"`
}

// Matrix is a task's evaluation matrix together with the caller's permissions.
type Matrix struct {
	ID                  string              `json:"id"`
	TaskID              string              `json:"task_id"`
	PrimaryStatus       string              `json:"primary_status"`
	FollowUpStatus      *string             `json:"follow_up_status,omitempty"`
	FindingsVersion     int                 `json:"findings_version"`
	Findings            []Finding           `json:"findings"`
	FindingsHidden      bool                `json:"findings_hidden,omitempty"`
	Roles               []string            `json:"roles"`
	IsAdmin             bool                `json:"is_admin,omitempty"`
	Permissions         Permissions         `json:"permissions"`
	FollowUpPermissions FollowUpPermissions `json:"follow_up_permissions"`
	UpdatedAt           string              `json:"updated_at"`
	UpdatedBy           string              `json:"updated_by,omitempty"`
}

type MatrixSummary struct {
	TaskID          string  `json:"task_id"`
	Number          string  `json:"number"`
	AuditeeName     string  `json:"auditee_name,omitempty"`
	MatrixID        string  `json:"matrix_id"`
	PrimaryStatus   string  `json:"primary_status"`
	FollowUpStatus  *string `json:"follow_up_status,omitempty"`
	FindingsVersion int     `json:"findings_version"`
	UpdatedAt       string  `json:"updated_at"`
}

type Statistics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByFollowUp     map[string]int `json:"by_follow_up_status"`
	Finished       int            `json:"finished"`
	CompletionRate float64        `json:"completion_rate"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor *int64  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and Details are filled
// from the error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports a stale findings version.
func (e *APIError) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// CurrentVersion returns the findings version reported with a conflict.
func (e *APIError) CurrentVersion() (int, bool) {
	v, ok := e.Details["current_version"].(float64)
	return int(v), ok
}

// IsConflict reports whether err is an APIError for a version conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsConflict()
}

func newAPIError(status int, body []byte) *APIError {
	out := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		out.Code = env.Error.Code
		out.Message = env.Error.Message
		out.Details = env.Error.Details
	}
	return out
}

// CreateTask creates an audit task and its empty matrix. Admin only.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v1/tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// ReassignRoles replaces every role binding of a task. Admin only.
func (c *Client) ReassignRoles(ctx context.Context, taskID string, roles RoleBindings) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, taskPath(taskID, "roles"), roles, &resp)
	return resp, err
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, taskPath(taskID, ""), nil, nil)
}

// GetMatrix returns the task's matrix and the caller's permissions on it.
func (c *Client) GetMatrix(ctx context.Context, taskID string) (Matrix, error) {
	var resp Matrix
	err := c.do(ctx, http.MethodGet, taskPath(taskID, "matrix"), nil, &resp)
	return resp, err
}

// ChangeStatus moves the primary pipeline.
func (c *Client) ChangeStatus(ctx context.Context, taskID, status string) (Matrix, error) {
	var resp Matrix
	err := c.do(ctx, http.MethodPatch, taskPath(taskID, "matrix/status"), map[string]string{"status": status}, &resp)
	return resp, err
}

// ChangeFollowUpStatus moves the follow-up pipeline.
func (c *Client) ChangeFollowUpStatus(ctx context.Context, taskID, status string) (Matrix, error) {
	var resp Matrix
	err := c.do(ctx, http.MethodPatch, taskPath(taskID, "matrix/follow-up/status"), map[string]string{"status": status}, &resp)
	return resp, err
}

// ReplaceFindings swaps the whole findings list. expectedVersion must be the
// findings_version last read; a stale one fails with an APIError for which
// IsConflict is true.
func (c *Client) ReplaceFindings(ctx context.Context, taskID string, expectedVersion int, items []FindingInput) (Matrix, error) {
	if items == nil {
		items = []FindingInput{}
	}
	body := map[string]any{
		"expected_version": expectedVersion,
		"items":            items,
	}
	var resp Matrix
	err := c.do(ctx, http.MethodPut, taskPath(taskID, "matrix/findings"), body, &resp)
	return resp, err
}

// UpdateFollowUpItem writes the follow-up fields of one finding.
func (c *Client) UpdateFollowUpItem(ctx context.Context, taskID string, itemID int, in FollowUpUpdate) (Matrix, error) {
	var resp Matrix
	endpoint := taskPath(taskID, fmt.Sprintf("matrix/findings/%d/follow-up", itemID))
	err := c.do(ctx, http.MethodPatch, endpoint, in, &resp)
	return resp, err
}

// ListMatrices returns summaries of the matrices visible to the caller.
// Empty filters match everything.
func (c *Client) ListMatrices(ctx context.Context, primary, followUp []string, limit int) ([]MatrixSummary, error) {
	q := url.Values{}
	if len(primary) > 0 {
		q.Set("primary_status", strings.Join(primary, ","))
	}
	if len(followUp) > 0 {
		q.Set("follow_up_status", strings.Join(followUp, ","))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []MatrixSummary
	err := c.do(ctx, http.MethodGet, withQuery("v1/matrices", q), nil, &resp)
	return resp, err
}

func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var resp Statistics
	err := c.do(ctx, http.MethodGet, "v1/matrices/statistics", nil, &resp)
	return resp, err
}

// Events returns the most recent events of a task.
func (c *Client) Events(ctx context.Context, taskID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, taskID, limit, 0)
	return page.Items, err
}

// EventsPage returns one page of a task's events, newest first. Pass the
// previous page's NextCursor as before to continue.
func (c *Client) EventsPage(ctx context.Context, taskID string, limit int, before int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if before > 0 {
		q.Set("before", fmt.Sprint(before))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(taskPath(taskID, "events"), q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	// A write whose response was lost may have committed; resending it
	// would report a stale 409 or 403 for a change that succeeded.
	retryable := method == http.MethodGet
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	attempt := func() error {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		switch {
		case c.BearerToken != "":
			req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		case c.ActorID != "":
			req.Header.Set("X-Actor-Id", c.ActorID)
		}
		resp, err := hc.Do(req)
		if err != nil {
			if !retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			apiErr := newAPIError(resp.StatusCode, b)
			if retryable && resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(err)
			}
		}
		return nil
	}
	return backoff.Retry(attempt, backoff.WithContext(c.backoff(), ctx))
}

func (c *Client) backoff() backoff.BackOff {
	if c.MaxRetries == 0 {
		return &backoff.StopBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	if c.InitialBackoff > 0 {
		bo.InitialInterval = c.InitialBackoff
	}
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, c.MaxRetries)
}

func taskPath(taskID, rest string) string {
	p := "v1/tasks/" + url.PathEscape(taskID)
	if rest != "" {
		p += "/" + rest
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
