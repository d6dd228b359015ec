// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"net/url"
	"regexp"
	"strings"
)

// PolicyMatchResult is returned when a policy rule matches a proposal.
type PolicyMatchResult struct {
	RuleID        string
	Action        PolicyAction
	Reason        string
	RewriteRuleID *string
}

// MatchPolicy walks the policy's rules top-to-bottom and returns the first
// match, or nil when no rule matches. The evaluator is stateless.
func MatchPolicy(proposal *ToolCallProposal, policy *PolicySpec) *PolicyMatchResult {
	for i := range policy.Rules {
		rule := &policy.Rules[i]
		if ruleMatches(proposal, &rule.Match) {
			return &PolicyMatchResult{
				RuleID:        rule.RuleID,
				Action:        rule.Action,
				Reason:        rule.Reason,
				RewriteRuleID: rule.RewriteRuleID,
			}
		}
	}
	return nil
}

// ruleMatches applies AND logic across the present clauses. Zero present
// clauses never match.
func ruleMatches(proposal *ToolCallProposal, cond *MatchCondition) bool {
	if cond.empty() {
		return false
	}
	if cond.ToolName != nil && !cond.ToolName.Matches(proposal.ToolName) {
		return false
	}
	if cond.ToolCategory != nil && !cond.ToolCategory.Matches(string(proposal.ToolCategory)) {
		return false
	}
	if cond.ToolArgsContains != nil && !matchArgsContains(proposal.ToolArgs, cond.ToolArgsContains) {
		return false
	}
	if cond.ToolArgsFieldCheck != nil && !matchFieldCheck(proposal.ToolArgs, cond.ToolArgsFieldCheck) {
		return false
	}
	return true
}

func matchArgsContains(args map[string]interface{}, cond *ArgsContains) bool {
	if cond.Pattern == "" {
		return false
	}
	re, err := regexp.Compile(cond.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(serializeArgs(args))
}

func matchFieldCheck(args map[string]interface{}, check *FieldCheck) bool {
	fieldVal, ok := args[check.Field]
	if !ok || fieldVal == nil {
		return false
	}

	switch check.Condition {
	case CheckLengthGT:
		list, ok := fieldVal.([]interface{})
		threshold, numOK := asFloat(check.Value)
		return ok && numOK && float64(len(list)) > threshold

	case CheckLengthLT:
		list, ok := fieldVal.([]interface{})
		threshold, numOK := asFloat(check.Value)
		return ok && numOK && float64(len(list)) < threshold

	case CheckEq:
		return looseEqual(fieldVal, check.Value)

	case CheckGT:
		v, vOK := asFloat(fieldVal)
		threshold, tOK := asFloat(check.Value)
		return vOK && tOK && v > threshold

	case CheckLT:
		v, vOK := asFloat(fieldVal)
		threshold, tOK := asFloat(check.Value)
		return vOK && tOK && v < threshold

	case CheckContains:
		s, sOK := fieldVal.(string)
		sub, vOK := check.Value.(string)
		return sOK && vOK && strings.Contains(s, sub)

	case CheckMatches:
		s, sOK := fieldVal.(string)
		pattern, vOK := check.Value.(string)
		if !sOK || !vOK {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)

	case CheckDomainIn:
		s, sOK := fieldVal.(string)
		if !sOK {
			return false
		}
		host, ok := parseHost(s)
		// A malformed URL is never in the allowlist.
		return ok && domainInList(host, check.Value)

	case CheckDomainNotIn:
		s, sOK := fieldVal.(string)
		if !sOK {
			return false
		}
		host, ok := parseHost(s)
		// A malformed URL counts as "not in the allowlist".
		if !ok {
			return true
		}
		return !domainInList(host, check.Value)
	}

	return false
}

func parseHost(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return u.Hostname(), true
}

func domainInList(host string, value interface{}) bool {
	switch list := value.(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok && s == host {
				return true
			}
		}
	case []string:
		for _, s := range list {
			if s == host {
				return true
			}
		}
	}
	return false
}

// asFloat coerces numeric JSON values (float64 off the wire, int from Go
// callers) into a comparable float.
func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// looseEqual compares scalars the way JSON does: numbers by value, the rest
// by interface equality.
func looseEqual(a, b interface{}) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}
