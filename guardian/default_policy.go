// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"errors"
	"io/fs"
)

// allowedHTTPDomains is the default outbound allowlist. URLs whose host is
// not listed require human approval.
var allowedHTTPDomains = []string{
	"api.github.com",
	"github.com",
	"api.openai.com",
	"api.anthropic.com",
	"api.stripe.com",
	"localhost",
	"127.0.0.1",
}

// DefaultPolicy returns the built-in policy document. It must stay in
// lockstep with policies/default_policy.json; the loader falls back to this
// value when no policy file is present.
func DefaultPolicy() *PolicySpec {
	domains := make([]interface{}, len(allowedHTTPDomains))
	for i, d := range allowedHTTPDomains {
		domains[i] = d
	}

	p := &PolicySpec{
		PolicyID:    "default-v1",
		Version:     1,
		Description: "Baseline guardrails for agent tool calls",
		Scope:       []string{"tool_call", "message_send"},
		Rules: []PolicyRule{
			{
				RuleID: "deny-rm-rf",
				Match: MatchCondition{
					ToolName:         &StringCondition{In: []string{"bash", "shell", "code_execution"}},
					ToolArgsContains: &ArgsContains{Pattern: `rm\s+-[a-z]*[rf]`},
				},
				Action: ActionDeny,
				Reason: "Recursive or forced file deletion is not permitted.",
			},
			{
				RuleID: "deny-drop-table",
				Match: MatchCondition{
					ToolName:         &StringCondition{In: []string{"database", "sql", "query"}},
					ToolArgsContains: &ArgsContains{Pattern: `(?i)drop\s+(table|database|schema)`},
				},
				Action: ActionDeny,
				Reason: "Destructive schema operations are not permitted.",
			},
			{
				RuleID: "deny-secret-in-url",
				Match: MatchCondition{
					ToolName:         &StringCondition{In: []string{"http_request", "http_fetch", "curl"}},
					ToolArgsContains: &ArgsContains{Pattern: `(?i)(api[_-]?key|apikey|token|secret|password)=\S+`},
				},
				Action: ActionDeny,
				Reason: "Credentials must not be sent as URL parameters.",
			},
			{
				RuleID: "require-approval-payment",
				Match: MatchCondition{
					ToolCategory: &StringCondition{In: []string{"payment", "auth"}},
				},
				Action: ActionRequireApproval,
				Reason: "Payment and auth operations require human approval.",
			},
			{
				RuleID: "require-approval-mass-email",
				Match: MatchCondition{
					ToolName: &StringCondition{In: []string{"send_email", "message_send", "email"}},
					ToolArgsFieldCheck: &FieldCheck{
						Field:     "recipients",
						Condition: CheckLengthGT,
						Value:     5,
					},
				},
				Action: ActionRequireApproval,
				Reason: "Bulk messaging requires human approval.",
			},
			{
				RuleID: "require-approval-unknown-domain",
				Match: MatchCondition{
					ToolName: &StringCondition{In: []string{"http_request", "http_fetch", "curl"}},
					ToolArgsFieldCheck: &FieldCheck{
						Field:     "url",
						Condition: CheckDomainNotIn,
						Value:     domains,
					},
				},
				Action: ActionRequireApproval,
				Reason: "Requests to non-allowlisted domains require human approval.",
			},
			{
				RuleID: "rewrite-force-flags",
				Match: MatchCondition{
					ToolName:         &StringCondition{In: []string{"bash", "shell", "code_execution"}},
					ToolArgsContains: &ArgsContains{Pattern: `\s--force\b|\s-f\b`},
				},
				Action:        ActionRewrite,
				Reason:        "Force flags are stripped before execution.",
				RewriteRuleID: strPtr("strip-force-flags"),
			},
			{
				RuleID: "rewrite-http-to-https",
				Match: MatchCondition{
					ToolName: &StringCondition{In: []string{"http_request", "http_fetch", "curl"}},
					ToolArgsFieldCheck: &FieldCheck{
						Field:     "url",
						Condition: CheckMatches,
						Value:     `^http://`,
					},
				},
				Action:        ActionRewrite,
				Reason:        "Plaintext HTTP is upgraded to HTTPS.",
				RewriteRuleID: strPtr("enforce-https"),
			},
			{
				RuleID: "rewrite-sudo-commands",
				Match: MatchCondition{
					ToolName:         &StringCondition{In: []string{"bash", "shell", "code_execution"}},
					ToolArgsContains: &ArgsContains{Pattern: `\bsudo\s`},
				},
				Action:        ActionRewrite,
				Reason:        "Privilege escalation is removed before execution.",
				RewriteRuleID: strPtr("neutralize-sudo"),
			},
		},
		RiskThresholds: DefaultRiskThresholds(),
	}
	return p
}

// LoadPolicyFileOrDefault loads a policy document from path, falling back to
// the built-in default when path is empty or the file does not exist.
func LoadPolicyFileOrDefault(path string) (*PolicySpec, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	p, err := LoadPolicyFile(path)
	if err != nil {
		if isNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, err
	}
	return p, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
