// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"context"

	"dataguard/platform/guardian"
)

// GuardOpts tunes the Guard wrapper for one tool.
type GuardOpts struct {
	Category           guardian.ToolCategory
	IntendedOutcome    string
	DisableAutoRewrite bool
}

// GuardedFunc evaluates a tool call before execution and returns the args
// that are safe to run with.
type GuardedFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Guard wraps a tool in a pre-execution evaluation:
//
//   - allow: the original args come back unchanged
//   - rewrite: the rewritten args are substituted, unless auto-rewrite is
//     disabled, in which case the call is treated as blocked
//   - deny: *ToolBlockedError
//   - require_approval: *ApprovalRequiredError carrying the decision id
//
// Guard translates verdicts itself, so it behaves the same whether or not
// the client was built with RaiseOnDeny.
func Guard(client *Client, toolName string, opts GuardOpts) GuardedFunc {
	return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		decision, err := client.Evaluate(ctx, &guardian.ToolCallProposal{
			ToolName:        toolName,
			ToolArgs:        args,
			ToolCategory:    opts.Category,
			IntendedOutcome: opts.IntendedOutcome,
		})
		if err != nil {
			// With RaiseOnDeny this is already the typed error.
			return nil, err
		}

		switch decision.Verdict {
		case guardian.VerdictAllow:
			return args, nil
		case guardian.VerdictRewrite:
			if opts.DisableAutoRewrite || decision.RewrittenCall == nil {
				return nil, &ToolBlockedError{Decision: decision}
			}
			return decision.RewrittenCall.RewrittenToolArgs, nil
		case guardian.VerdictRequireApproval:
			return nil, &ApprovalRequiredError{Decision: decision}
		default:
			return nil, &ToolBlockedError{Decision: decision}
		}
	}
}
