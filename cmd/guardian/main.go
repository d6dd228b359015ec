// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the DataGuard Guardian service.
//
// The Guardian is an inline governance layer for AI-agent tool calls:
// - Evaluates every proposed tool call against the active policy
// - Scores residual risk with heuristics and an optional LLM backend
// - Rewrites risky calls into safer equivalents
// - Holds high-risk calls for human approval
// - Persists every decision to the audit log
//
// Usage:
//
//	./guardian
//
// Configuration is read from GUARDIAN_* environment variables; see the
// gateway package for the full list. With no configuration the service
// runs on :8000 with the built-in default policy, heuristic scoring only,
// auth disabled, and no audit persistence.
package main

import (
	"dataguard/platform/gateway"
)

func main() {
	gateway.Run()
}
