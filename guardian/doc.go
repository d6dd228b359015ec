// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package guardian is the DataGuard decision engine: the pure library that
// turns a tool-call proposal plus ambient context into a verdict (allow,
// deny, rewrite, require_approval).
//
// The pipeline is: deterministic policy rules first (MatchPolicy), then the
// risk scorer for unmatched proposals, mapped through the policy's risk
// thresholds with the rewrite catalogue as the fallback in the confirm band.
// The Orchestrator composes the pieces and owns pending-approval state.
//
// The package performs no I/O and persists nothing. With the built-in
// heuristic scorer the pipeline is fully deterministic; the blended scorer
// may consult an external LLM backend but absorbs all of its failures.
package guardian
