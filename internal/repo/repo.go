package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"evaltrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is the domain sentinel so callers can match with errors.Is
// regardless of which layer produced it.
var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set, otherwise the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// wrapDBError adds operation context and converts sql.ErrNoRows into a
// NotFoundError for kind/id.
func wrapDBError(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueConstraintError reports a sqlite UNIQUE violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStatus(s *domain.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
