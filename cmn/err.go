// Package cmn provides common low-level types and utilities for all Nexus modules.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
)

// Boundary error kinds. Every error that crosses a component boundary wraps
// exactly one of these; callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidPath       = errors.New("invalid path")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("version conflict")
	ErrIntegrity         = errors.New("integrity violation")
	ErrStaleSession      = errors.New("stale session")
	ErrStaleAgent        = errors.New("stale agent generation")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBackend           = errors.New("backend error")
	ErrNotImplemented    = errors.New("not implemented")
)

func NewErrNotFound(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, a...))
}

func NewErrAlreadyExists(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrAlreadyExists, fmt.Sprintf(format, a...))
}

func NewErrAccessDenied(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, fmt.Sprintf(format, a...))
}

func NewErrInvalidPath(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPath, fmt.Sprintf(format, a...))
}

func NewErrValidation(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, a...))
}

func NewErrConflict(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, a...))
}

func NewErrIntegrity(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, a...))
}

func NewErrStaleSession(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrStaleSession, fmt.Sprintf(format, a...))
}

func NewErrStaleAgent(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrStaleAgent, fmt.Sprintf(format, a...))
}

func NewErrInvalidTransition(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, a...))
}

func NewErrBackend(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrBackend, fmt.Sprintf(format, a...))
}

func NewErrNotImplemented(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrNotImplemented, fmt.Sprintf(format, a...))
}

// IsFatal reports whether err signals data corruption; fatal errors are
// surfaced as-is and never retried.
func IsFatal(err error) bool { return errors.Is(err, ErrIntegrity) }
