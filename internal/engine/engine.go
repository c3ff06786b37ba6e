package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"evaltrack/internal/config"
	"evaltrack/internal/domain"
	"evaltrack/internal/engine/auth"
	"evaltrack/internal/engine/workflow"
	"evaltrack/internal/events"
	"evaltrack/internal/repo"
	"evaltrack/internal/telemetry"
)

// Engine runs every matrix operation as load, decide, save and record in a
// single transaction. It keeps no state between calls.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *telemetry.EngineInstruments

	// Observer, when set, receives each workflow event after its transaction commits.
	Observer func(taskID string, ev workflow.Event)
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: logger,
	}
	if m, err := telemetry.NewEngineInstruments(nil); err == nil {
		e.Metrics = m
	} else if logger != nil {
		logger.Warn("engine metrics disabled", slog.String("error", err.Error()))
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) maxFindings() int {
	if e.Config != nil && e.Config.Workflow.MaxFindings > 0 {
		return e.Config.Workflow.MaxFindings
	}
	return workflow.MaxFindings
}

func (e Engine) hideFromAuditee() bool {
	if e.Config == nil {
		return true
	}
	return e.Config.Workflow.HideFindingsFromAuditee
}

// appendEvent stamps events with the engine clock unless the writer has its own.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, taskID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, taskID, entityKind, entityID, actorID, payload)
}

func (e Engine) stamp(m *domain.MatrixRecord, userID string) {
	m.UpdatedAt = e.timestamp()
	m.UpdatedBy = userID
}

// matrixMutation decides and persists one change inside tx.
type matrixMutation func(tx *sql.Tx, task domain.AuditTask, m domain.MatrixRecord) (domain.MatrixRecord, []workflow.Event, error)

func (e Engine) mutateMatrix(ctx context.Context, op, taskID, userID string, isAdmin bool, fn matrixMutation) (domain.MatrixView, error) {
	start := e.now()
	view, evs, err := e.runMatrixTx(ctx, taskID, userID, isAdmin, fn)
	e.observe(ctx, op, taskID, userID, start, evs, err)
	if err != nil {
		return domain.MatrixView{}, err
	}
	return view, nil
}

func (e Engine) runMatrixTx(ctx context.Context, taskID, userID string, isAdmin bool, fn matrixMutation) (domain.MatrixView, []workflow.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MatrixView{}, nil, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetAuditTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.MatrixView{}, nil, err
	}
	m, err := e.Repo.GetMatrixByTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.MatrixView{}, nil, err
	}
	next, evs, err := fn(tx, task, m)
	if err != nil {
		return domain.MatrixView{}, nil, err
	}
	for _, ev := range evs {
		if err := e.appendEvent(ctx, tx, ev.Type, taskID, "matrix", m.ID, userID, events.EventPayload(ev.Payload)); err != nil {
			return domain.MatrixView{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.MatrixView{}, nil, err
	}
	return e.view(task, next, userID, isAdmin), evs, nil
}

// observe logs, counts and forwards the outcome of one operation.
func (e Engine) observe(ctx context.Context, op, taskID, userID string, start time.Time, evs []workflow.Event, err error) {
	log := e.logger().With(slog.String("op", op), slog.String("task_id", taskID), slog.String("user_id", userID))
	if e.Metrics != nil {
		e.Metrics.Duration.Record(ctx, float64(e.now().Sub(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", op)))
	}
	if err != nil {
		kind := errorKind(err)
		if e.Metrics != nil {
			e.Metrics.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("kind", kind)))
			if errors.Is(err, domain.ErrConflict) {
				e.Metrics.Conflicts.Add(ctx, 1)
			}
		}
		switch kind {
		case "internal":
			log.Error("operation failed", slog.String("error", err.Error()))
		case "conflict":
			log.Warn("findings version conflict", slog.String("error", err.Error()))
		default:
			log.Debug("operation rejected", slog.String("kind", kind), slog.String("error", err.Error()))
		}
		return
	}
	for _, ev := range evs {
		attrs := []any{slog.String("event", ev.Type)}
		for k, v := range ev.Payload {
			attrs = append(attrs, slog.Any(k, v))
		}
		log.Info("matrix event", attrs...)
		if e.Metrics != nil {
			switch ev.Type {
			case workflow.EventStatusChanged:
				e.Metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
					attribute.String("pipeline", workflow.PipelinePrimary), attribute.String("to", fmt.Sprint(ev.Payload["to"]))))
			case workflow.EventFollowUpStatusChanged:
				e.Metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
					attribute.String("pipeline", workflow.PipelineFollowUp), attribute.String("to", fmt.Sprint(ev.Payload["to"]))))
			case workflow.EventFindingsReplaced:
				e.Metrics.Replacements.Add(ctx, 1)
			}
		}
		if e.Observer != nil {
			e.Observer(taskID, ev)
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return "internal"
}

// view renders m for one caller. Auditee-only callers see no findings
// until the primary pipeline is FINISHED.
func (e Engine) view(task domain.AuditTask, m domain.MatrixRecord, userID string, isAdmin bool) domain.MatrixView {
	roles := auth.ResolveRoles(userID, task)
	v := domain.MatrixView{
		ID:                  m.ID,
		TaskID:              m.TaskID,
		PrimaryStatus:       m.PrimaryStatus,
		FollowUpStatus:      m.FollowUpStatus,
		FindingsVersion:     m.FindingsVersion,
		Findings:            m.Findings,
		Roles:               roles.Strings(),
		IsAdmin:             isAdmin,
		Permissions:         auth.EffectivePermissions(userID, task, m, isAdmin),
		FollowUpPermissions: auth.FollowUpPermissions(userID, task, m, isAdmin),
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
		UpdatedBy:           m.UpdatedBy,
	}
	if v.Findings == nil {
		v.Findings = []domain.Finding{}
	}
	if e.hideFromAuditee() && !isAdmin && roles.OnlyAuditee() && m.PrimaryStatus != domain.StatusFinished {
		v.Findings = []domain.Finding{}
		v.FindingsHidden = true
	}
	return v
}
