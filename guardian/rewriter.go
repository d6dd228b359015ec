// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"fmt"
	"regexp"
	"strings"
)

// RewriteRule is a named, pure transformation from (tool_name, args) to a
// safer equivalent. AppliesTo gates FindApplicable only; Apply by rule id
// runs the transform unconditionally.
type RewriteRule struct {
	RuleID      string
	Description string
	AppliesTo   func(toolName string, args map[string]interface{}) bool
	Transform   func(toolName string, args map[string]interface{}) (string, map[string]interface{})
}

// RewriteResult is the outcome of applying one rewrite rule.
type RewriteResult struct {
	RuleID            string                 `json:"rule_id"`
	OriginalToolName  string                 `json:"original_tool_name"`
	OriginalToolArgs  map[string]interface{} `json:"original_tool_args"`
	RewrittenToolName string                 `json:"rewritten_tool_name"`
	RewrittenToolArgs map[string]interface{} `json:"rewritten_tool_args"`
	Description       string                 `json:"description"`
}

// Catalogue holds rewrite rules in registration order. It is populated once
// at startup and never mutated afterwards, so concurrent reads need no
// synchronization. Registration order is the FindApplicable tie-break.
type Catalogue struct {
	rules []*RewriteRule
	byID  map[string]*RewriteRule
}

// NewCatalogue builds a catalogue from rules, preserving their order.
func NewCatalogue(rules ...*RewriteRule) *Catalogue {
	c := &Catalogue{byID: make(map[string]*RewriteRule, len(rules))}
	for _, r := range rules {
		c.rules = append(c.rules, r)
		c.byID[r.RuleID] = r
	}
	return c
}

// Apply looks up a rule by id and runs its transform unconditionally.
// Inputs are never mutated: the transform works on a deep copy of args.
func (c *Catalogue) Apply(ruleID, toolName string, args map[string]interface{}) (*RewriteResult, error) {
	rule, ok := c.byID[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRewriteRule, ruleID)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	newName, newArgs := rule.Transform(toolName, copyArgs(args))
	return &RewriteResult{
		RuleID:            ruleID,
		OriginalToolName:  toolName,
		OriginalToolArgs:  args,
		RewrittenToolName: newName,
		RewrittenToolArgs: newArgs,
		Description:       rule.Description,
	}, nil
}

// FindApplicable returns the first rule, in registration order, whose
// applicability predicate accepts the call. Nil when none applies.
func (c *Catalogue) FindApplicable(toolName string, args map[string]interface{}) *RewriteRule {
	if args == nil {
		args = map[string]interface{}{}
	}
	for _, rule := range c.rules {
		if rule.AppliesTo(toolName, args) {
			return rule
		}
	}
	return nil
}

// Has reports whether ruleID is registered.
func (c *Catalogue) Has(ruleID string) bool {
	_, ok := c.byID[ruleID]
	return ok
}

// RuleIDs returns the registered ids in registration order.
func (c *Catalogue) RuleIDs() []string {
	ids := make([]string, len(c.rules))
	for i, r := range c.rules {
		ids[i] = r.RuleID
	}
	return ids
}

// copyArgs deep-copies a JSON-like map so transforms cannot mutate the
// caller's value.
func copyArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyArgs(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// Canonical rewrite rule set. Order here is normative: FindApplicable tries
// rules in exactly this sequence.

var (
	forceFlagRe    = regexp.MustCompile(`\s--force\b|\s-f\b`)
	writeCommandRe = regexp.MustCompile(`\b(mv|cp|rm|mkdir|touch|chmod|chown|git\s+push|git\s+reset)\b`)
	gitWriteRe     = regexp.MustCompile(`\bgit\s+(push|reset)\b`)
	gitDryRunRe    = regexp.MustCompile(`(git\s+(?:push|reset))`)
	wildcardRmRe   = regexp.MustCompile(`\brm\s+.*\*`)
	bareDeleteRe   = regexp.MustCompile(`(?i)delete\s+from\s+\S+\s*$`)
	rmTokenRe      = regexp.MustCompile(`\brm\b`)
	selectRe       = regexp.MustCompile(`(?i)\bSELECT\b`)
	limitRe        = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	sudoRe         = regexp.MustCompile(`\bsudo\s`)
	sudoPrefixRe   = regexp.MustCompile(`\bsudo\s+`)
	httpSchemeRe   = regexp.MustCompile(`^http://`)

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)(secret|token|bearer)\s*[=:]\s*\S+`),
		regexp.MustCompile(`(?i)(authorization)\s*[=:]\s*\S+`),
		regexp.MustCompile(`\b(sk-[a-zA-Z0-9]{20,})\b`),
		regexp.MustCompile(`\b(ghp_[a-zA-Z0-9]{36,})\b`),
		regexp.MustCompile(`\b(xoxb-[a-zA-Z0-9\-]+)\b`),
	}
)

const (
	maxHTTPTimeoutMS = 30000
	defaultRowLimit  = 1000
	maxRecipients    = 5
)

func isShellTool(name string) bool {
	return name == "bash" || name == "shell" || name == "code_execution"
}

func isHTTPTool(name string) bool {
	return name == "http_request" || name == "http_fetch" || name == "curl"
}

func redactSecretsValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		result := t
		for _, p := range secretPatterns {
			result = p.ReplaceAllString(result, "[REDACTED]")
		}
		return result
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = redactSecretsValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactSecretsValue(item)
		}
		return out
	default:
		return v
	}
}

func redactPIIValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		redacted, _ := RedactPII(t)
		return redacted
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = redactPIIValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactPIIValue(item)
		}
		return out
	default:
		return v
	}
}

// NewDefaultCatalogue registers the 11 canonical rewrite rules.
func NewDefaultCatalogue() *Catalogue {
	return NewCatalogue(
		&RewriteRule{
			RuleID:      "strip-force-flags",
			Description: "Remove --force / -f from shell commands",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				return isShellTool(toolName) && forceFlagRe.MatchString(stringArg(args, "command"))
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				cmd := forceFlagRe.ReplaceAllString(stringArg(args, "command"), " ")
				args["command"] = strings.TrimSpace(cmd)
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "sandbox-code-exec",
			Description: "Inject sandbox/read-only flags into code execution",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				return toolName == "code_execution" || toolName == "exec" || toolName == "run_code"
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				args["sandbox"] = true
				args["read_only"] = true
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "truncate-recipients",
			Description: "Cap email recipients at 5",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				if toolName != "send_email" && toolName != "message_send" && toolName != "email" {
					return false
				}
				recipients, ok := args["recipients"].([]interface{})
				return ok && len(recipients) > maxRecipients
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				recipients, ok := args["recipients"].([]interface{})
				if !ok || len(recipients) <= maxRecipients {
					return toolName, args
				}
				args["_guardian_note"] = fmt.Sprintf("Truncated from %d to %d recipients.", len(recipients), maxRecipients)
				args["recipients"] = recipients[:maxRecipients]
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "redact-secrets",
			Description: "Replace secret values with [REDACTED]",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				serialized := serializeArgs(args)
				for _, p := range secretPatterns {
					if p.MatchString(serialized) {
						return true
					}
				}
				return false
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				return toolName, redactSecretsValue(args).(map[string]interface{})
			},
		},
		&RewriteRule{
			RuleID:      "downgrade-write-to-dryrun",
			Description: "Add --dry-run or preview mode to write operations",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				if toolName != "bash" && toolName != "shell" && toolName != "file_system" {
					return false
				}
				return writeCommandRe.MatchString(stringArg(args, "command"))
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				cmd := stringArg(args, "command")
				if gitWriteRe.MatchString(cmd) {
					cmd = gitDryRunRe.ReplaceAllString(cmd, "$1 --dry-run")
				} else {
					cmd = fmt.Sprintf("echo '[DRY RUN] Would execute:' && echo '%s'", cmd)
				}
				args["command"] = cmd
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "replace-wildcard-delete",
			Description: "Convert wildcard deletes to preview/limited operations",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				if toolName == "bash" || toolName == "shell" {
					return wildcardRmRe.MatchString(stringArg(args, "command"))
				}
				if toolName == "database" || toolName == "sql" {
					return bareDeleteRe.MatchString(strings.TrimSpace(stringArg(args, "query")))
				}
				return false
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				if toolName == "bash" || toolName == "shell" {
					args["command"] = rmTokenRe.ReplaceAllString(stringArg(args, "command"), "ls")
					args["_guardian_note"] = "Wildcard delete converted to ls preview."
					return toolName, args
				}
				query := strings.TrimRight(strings.TrimRight(stringArg(args, "query"), " \t\n"), ";")
				args["query"] = query + " LIMIT 1;"
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "cap-http-timeout",
			Description: "Enforce max 30s timeout on HTTP requests",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				if !isHTTPTool(toolName) {
					return false
				}
				switch t := args["timeout"].(type) {
				case nil:
					return true
				case float64:
					return t > maxHTTPTimeoutMS
				case int:
					return t > maxHTTPTimeoutMS
				default:
					return false
				}
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				args["timeout"] = maxHTTPTimeoutMS
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "enforce-https",
			Description: "Upgrade http:// to https://",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				if !isHTTPTool(toolName) {
					return false
				}
				url := stringArg(args, "url")
				return strings.HasPrefix(url, "http://") &&
					!strings.Contains(url, "localhost") &&
					!strings.Contains(url, "127.0.0.1")
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				args["url"] = httpSchemeRe.ReplaceAllString(stringArg(args, "url"), "https://")
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "limit-query-rows",
			Description: "Add LIMIT 1000 to unbounded SELECT queries",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				if toolName != "database" && toolName != "sql" && toolName != "query" {
					return false
				}
				query := stringArg(args, "query")
				return selectRe.MatchString(query) && !limitRe.MatchString(query)
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				query := strings.TrimRight(strings.TrimRight(stringArg(args, "query"), " \t\n"), ";")
				args["query"] = fmt.Sprintf("%s LIMIT %d;", query, defaultRowLimit)
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "neutralize-sudo",
			Description: "Strip sudo prefix from commands",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				return isShellTool(toolName) && sudoRe.MatchString(stringArg(args, "command"))
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				args["command"] = sudoPrefixRe.ReplaceAllString(stringArg(args, "command"), "")
				return toolName, args
			},
		},
		&RewriteRule{
			RuleID:      "redact-pii",
			Description: "Auto-redact PII (SSNs, emails, phones, etc.) in tool arguments",
			AppliesTo: func(toolName string, args map[string]interface{}) bool {
				return ScanForPII(serializeArgs(args)).Found
			},
			Transform: func(toolName string, args map[string]interface{}) (string, map[string]interface{}) {
				return toolName, redactPIIValue(args).(map[string]interface{})
			},
		},
	)
}
