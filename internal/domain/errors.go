package domain

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
)

// ForbiddenError names the capability the caller lacks.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s not permitted", e.Capability)
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }

// TransitionError reports a status change outside the allowed-target set.
type TransitionError struct {
	Pipeline string
	From     Status
	To       Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s", e.Pipeline, e.From, e.To)
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// PreconditionError reports a follow-up operation attempted too early.
type PreconditionError struct {
	PrimaryStatus Status
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("follow-up requires primary status %s, matrix is %s", StatusFinished, e.PrimaryStatus)
}

func (e PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// ConflictError reports a stale findings version.
type ConflictError struct {
	Expected int
	Current  int
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("findings version conflict: expected %d, current %d; re-read the matrix and retry", e.Expected, e.Current)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }
