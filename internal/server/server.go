package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"evaltrack/internal/domain"
	"evaltrack/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Version  string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"findings version conflict: expected 3, current 4; re-read the matrix and retry"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_version\":4}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the evaluation matrix API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema errors are reported as 400.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("evaltrack API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, version)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerMatrices(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth)

	return router, nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusForbidden, "invalid_transition", err.Error(), map[string]any{
			"pipeline": te.Pipeline, "from": string(te.From), "to": string(te.To),
		})
	}
	var pe domain.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "precondition_failed", err.Error(), map[string]any{"primary_status": string(pe.PrimaryStatus)})
	}
	var fe domain.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	var ce domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"expected_version": ce.Expected, "current_version": ce.Current,
		})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrPreconditionFailed):
		return newAPIError(http.StatusForbidden, "", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath, version string) {
	page := docsPage(basePath, version)
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var doc []byte
	var once sync.Once
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			describeErrors(oas)
			describeAuth(oas, basePath, auth)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// errorMeanings documents how engine errors surface per status.
var errorMeanings = map[int]string{
	http.StatusBadRequest:          "Malformed request or query parameter",
	http.StatusUnauthorized:        "Missing or invalid bearer token",
	http.StatusForbidden:           "forbidden: role lacks the capability; invalid_transition: target not allowed from the current status; precondition_failed: follow-up requires a FINISHED matrix",
	http.StatusNotFound:            "Audit task, matrix or finding item does not exist or was deleted",
	http.StatusConflict:            "Findings version is stale; details.current_version holds the version to re-read",
	http.StatusUnprocessableEntity: "Findings, dates, task number or status name failed validation",
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

// describeErrors points every declared error status at the envelope schema.
func describeErrors(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	envelope := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			for status, text := range errorMeanings {
				resp, ok := op.Responses[strconv.Itoa(status)]
				if !ok {
					continue
				}
				resp.Description = text
				resp.Content = map[string]*huma.MediaType{"application/json": {Schema: envelope}}
			}
		}
	}
}

// describeAuth documents the JWT scheme, and the X-Actor-Id header when the
// server accepts it. Health stays public.
func describeAuth(oas *huma.OpenAPI, basePath string, auth AuthConfig) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	adminClaim := auth.AdminClaim
	if adminClaim == "" {
		adminClaim = "admin"
	}
	oas.Components.SecuritySchemes["evaltrackJWT"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description: fmt.Sprintf("HS256 token; sub is the acting user id, a true %q claim grants administrator rights. Mint one with `evt token`.",
			adminClaim),
	}
	security := []map[string][]string{{"evaltrackJWT": {}}}
	if auth.AllowLegacyActorHeader {
		oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
			Type:        "apiKey",
			In:          "header",
			Name:        "X-Actor-Id",
			Description: "Unauthenticated user id, accepted only with auth.allow_legacy_actor_header. Never grants administrator rights.",
		}
		security = append(security, map[string][]string{"actorHeader": {}})
	}
	oas.Security = security
	public := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == public {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func docsPage(basePath, version string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>evaltrack %[2]s: evaluation matrix API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%[1]s', dom_id: '#swagger-ui', persistAuthorization: true, docExpansion: 'list' });
      };
    </script>
  </body>
</html>`, path.Join("/", basePath, "openapi.json"), version)
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type healthOutput struct {
	Body map[string]string `json:"body"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: map[string]string{"status": "ok"}}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

type taskOutput struct {
	Body domain.AuditTask `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create audit task with an empty matrix",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Number:       input.Body.Number,
			AuditeeName:  input.Body.AuditeeName,
			Inspectorate: input.Body.Inspectorate,
			StartDate:    input.Body.StartDate,
			EndDate:      input.Body.EndDate,
			Roles:        input.Body.Roles.bindings(),
			ActorID:      p.UserID,
			IsAdmin:      p.IsAdmin,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.CreateAuditTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get audit task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetAuditTask(ctx, input.TaskID, p.UserID, p.IsAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-task-roles",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/roles",
		Summary:     "Replace role bindings",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   RoleBindingsRequest `json:"body"`
	}) (*taskOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReassignRoles(ctx, input.TaskID, input.Body.bindings(), p.UserID, p.IsAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Soft-delete audit task and its matrix",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAuditTask(ctx, input.TaskID, p.UserID, p.IsAdmin); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type matrixOutput struct {
	Body MatrixResponse `json:"body"`
}

func matrixResult(v domain.MatrixView, err error) (*matrixOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &matrixOutput{Body: matrixResponse(v)}, nil
}

func parseStatuses(raw string) ([]domain.Status, error) {
	var out []domain.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st, err := domain.ParseStatus(strings.ToUpper(part))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		out = append(out, st)
	}
	return out, nil
}

func registerMatrices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-matrices",
		Method:      http.MethodGet,
		Path:        "/matrices",
		Summary:     "List matrices visible to the caller",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PrimaryStatus  string `query:"primary_status" doc:"Comma-separated primary statuses"`
		FollowUpStatus string `query:"follow_up_status" doc:"Comma-separated follow-up statuses"`
		Limit          int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []MatrixSummaryResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		primary, err := parseStatuses(input.PrimaryStatus)
		if err != nil {
			return nil, err
		}
		followUp, err := parseStatuses(input.FollowUpStatus)
		if err != nil {
			return nil, err
		}
		items, err := e.ListMatrices(ctx, p.UserID, p.IsAdmin, engine.ListOptions{
			PrimaryStatus:  primary,
			FollowUpStatus: followUp,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MatrixSummaryResponse `json:"body"`
		}{Body: mapSummaries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "matrix-statistics",
		Method:      http.MethodGet,
		Path:        "/matrices/statistics",
		Summary:     "Per-status counts over visible matrices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatisticsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.MatrixStatistics(ctx, p.UserID, p.IsAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatisticsResponse `json:"body"`
		}{Body: statisticsResponse(stats)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-matrix",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/matrix",
		Summary:     "Get the task's evaluation matrix with the caller's permissions",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*matrixOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return matrixResult(e.GetMatrix(ctx, input.TaskID, p.UserID, p.IsAdmin))
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-matrix-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/matrix/status",
		Summary:     "Move the primary pipeline",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   StatusChangeRequest `json:"body"`
	}) (*matrixOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := domain.Status(strings.ToUpper(strings.TrimSpace(input.Body.Status)))
		return matrixResult(e.ChangePrimaryStatus(ctx, input.TaskID, p.UserID, p.IsAdmin, target))
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-follow-up-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/matrix/follow-up/status",
		Summary:     "Move the follow-up pipeline",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   StatusChangeRequest `json:"body"`
	}) (*matrixOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := domain.Status(strings.ToUpper(strings.TrimSpace(input.Body.Status)))
		return matrixResult(e.ChangeFollowUpStatus(ctx, input.TaskID, p.UserID, p.IsAdmin, target))
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-findings",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/matrix/findings",
		Summary:     "Replace the findings list if expected_version is current",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                 `path:"task_id"`
		Body   ReplaceFindingsRequest `json:"body"`
	}) (*matrixOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return matrixResult(e.ReplaceFindings(ctx, input.TaskID, p.UserID, p.IsAdmin, input.Body.Items, input.Body.ExpectedVersion))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-follow-up-item",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}/matrix/findings/{item_id}/follow-up",
		Summary:     "Edit the follow-up fields of one finding",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		ItemID int                 `path:"item_id"`
		Body   FollowUpItemRequest `json:"body"`
	}) (*matrixOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return matrixResult(e.UpdateFollowUpItem(ctx, input.TaskID, p.UserID, p.IsAdmin, input.ItemID, input.Body.fields()))
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "Activity log of a task, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
		Before int64  `query:"before" doc:"Return events with ids below this cursor"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		evs, err := e.TaskEvents(ctx, input.TaskID, p.UserID, p.IsAdmin, limit, input.Before)
		if err != nil {
			return nil, handleError(err)
		}
		out := EventsResponse{Items: make([]EventResponse, 0, len(evs))}
		for _, ev := range evs {
			out.Items = append(out.Items, eventResponse(ev))
		}
		if len(evs) == limit {
			next := evs[len(evs)-1].ID
			out.NextCursor = &next
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: out}, nil
	})
}
