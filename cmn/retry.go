// Package cmn provides common low-level types and utilities for all Nexus modules.
/*
 * Copyright (c) 2025, Nexi Lab. All rights reserved.
 */
package cmn

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryKind selects the back-off profile for a retried operation.
type RetryKind int

const (
	// RetryLocalIO: 3 attempts, constant 10ms (share-lock class failures).
	RetryLocalIO RetryKind = iota
	// RetryNetwork: 3 attempts, exponential starting at 10ms.
	RetryNetwork
)

const retryAttempts = 3

// IsTransient classifies an error as retry-worthy. Fatal (integrity) and
// client-visible kinds are never transient.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	for _, kind := range []error{
		ErrNotFound, ErrAlreadyExists, ErrAccessDenied, ErrInvalidPath,
		ErrValidation, ErrConflict, ErrStaleSession, ErrStaleAgent,
		ErrInvalidTransition, ErrNotImplemented,
	} {
		if errors.Is(err, kind) {
			return false
		}
	}
	var perr *fs.PathError
	if errors.As(err, &perr) {
		switch {
		case errors.Is(perr.Err, syscall.EACCES), errors.Is(perr.Err, syscall.EAGAIN),
			errors.Is(perr.Err, syscall.EBUSY), errors.Is(perr.Err, syscall.EINTR):
			return true
		case errors.Is(perr.Err, fs.ErrNotExist), errors.Is(perr.Err, fs.ErrExist),
			errors.Is(perr.Err, syscall.EISDIR), errors.Is(perr.Err, syscall.ENOTDIR):
			return false
		}
		return true
	}
	return errors.Is(err, ErrBackend)
}

// Retry runs fn up to three times, backing off between attempts per kind.
// Non-transient errors abort immediately.
func Retry(ctx context.Context, kind RetryKind, fn func() error) error {
	var bo backoff.BackOff
	switch kind {
	case RetryNetwork:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 10 * time.Millisecond
		bo = eb
	default:
		bo = backoff.NewConstantBackOff(10 * time.Millisecond)
	}
	bo = backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
