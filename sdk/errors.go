// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"errors"
	"fmt"

	"dataguard/platform/guardian"
)

// ErrCircuitOpen is returned while the circuit breaker is rejecting calls
// after repeated connection failures.
var ErrCircuitOpen = errors.New("guardian circuit breaker is open")

// ToolBlockedError signals a deny verdict. The full decision is attached
// so callers can surface the reason.
type ToolBlockedError struct {
	Decision *guardian.GuardianDecision
}

func (e *ToolBlockedError) Error() string {
	return fmt.Sprintf("tool call blocked: %s", e.Decision.Reason)
}

// ApprovalRequiredError signals a require_approval verdict: the call is
// parked until a human resolves decision Decision.DecisionID.
type ApprovalRequiredError struct {
	Decision *guardian.GuardianDecision
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("tool call requires approval (decision %s): %s",
		e.Decision.DecisionID, e.Decision.Reason)
}

// APIError is a non-2xx response from the guardian service.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guardian API error (status %d): %s", e.StatusCode, e.Detail)
}
