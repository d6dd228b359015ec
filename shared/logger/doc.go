// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with multi-tenant support
for DataGuard components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, audit, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with tenant and request context:

	log.Info("acme-corp", "req-456", "Evaluating proposal", map[string]interface{}{
	    "tool_name": "bash",
	    "verdict":   "allow",
	})

Log errors with status codes:

	log.ErrorWithCode("acme-corp", "req-456", "Audit write failed", 500, err, nil)

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("acme-corp", "req-456", "Evaluation completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"guardian-xyz",
	 "tenant_id":"acme-corp","request_id":"req-456",
	 "message":"Evaluating proposal","fields":{"tool_name":"bash"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

The minimum emitted level defaults to INFO and can be adjusted with
SetMinLevel (the gateway wires GUARDIAN_LOG_LEVEL through it).

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
