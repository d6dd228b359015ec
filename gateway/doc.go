// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package gateway is the HTTP facade over the guardian decision engine:
// routing, API-key auth, rate limiting, Prometheus metrics, the admin
// dashboard, and process lifecycle. The engine itself stays pure; every
// adapter concern lives here.
package gateway
