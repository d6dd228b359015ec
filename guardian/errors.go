// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the decision engine. Adapters translate them
// to transport-level failures (HTTP 422/500/404).
var (
	// ErrInvalidInput indicates a proposal, context, or policy failed
	// validation at construction time.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownRewriteRule indicates a policy referenced a rewrite rule id
	// that is not registered in the catalogue. This is a misconfiguration.
	ErrUnknownRewriteRule = errors.New("unknown rewrite rule")

	// ErrNoPendingDecision indicates resolve was called for a decision id
	// that is not pending (never existed, or already resolved).
	ErrNoPendingDecision = errors.New("no pending decision")
)

// ValidationError describes a single field that failed validation.
// It unwraps to ErrInvalidInput.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
