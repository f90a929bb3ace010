// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the store and engine that belongs to
// one of these kinds matches it with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrTransientStorage = errors.New("transient storage failure")
)

// NotFoundError reports a missing topic, version, or episode.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Entity, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a lost race or an invariant the operation would break.
type ConflictError struct {
	Op     string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict: %s", e.Op, e.Detail)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError reports a malformed field or out-of-range value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransientStorageError wraps a retryable backing-store failure.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("%s: transient storage failure: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() []error {
	return []error{ErrTransientStorage, e.Err}
}
