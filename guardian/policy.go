// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyAction is what a matched rule instructs the orchestrator to do.
type PolicyAction string

const (
	ActionAllow           PolicyAction = "allow"
	ActionDeny            PolicyAction = "deny"
	ActionRequireApproval PolicyAction = "require_approval"
	ActionRewrite         PolicyAction = "rewrite"
)

// Valid reports whether a is one of the closed action values.
func (a PolicyAction) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionRequireApproval, ActionRewrite:
		return true
	}
	return false
}

// Verdict maps a policy action to its decision verdict (identity mapping).
func (a PolicyAction) Verdict() Verdict {
	return Verdict(a)
}

// StringCondition matches a string value. At most one operator is honored,
// checked in order: In, Eq, NotIn. A condition with no operator never matches.
type StringCondition struct {
	Eq    *string  `json:"eq,omitempty"`
	In    []string `json:"in,omitempty"`
	NotIn []string `json:"not_in,omitempty"`
}

// Matches evaluates the condition against value.
func (c *StringCondition) Matches(value string) bool {
	if c.In != nil {
		for _, v := range c.In {
			if v == value {
				return true
			}
		}
		return false
	}
	if c.Eq != nil {
		return value == *c.Eq
	}
	if c.NotIn != nil {
		for _, v := range c.NotIn {
			if v == value {
				return false
			}
		}
		return true
	}
	return false
}

// ArgsContains matches a regex against the key-sorted JSON serialization of
// the proposal's tool_args.
type ArgsContains struct {
	Pattern string `json:"pattern"`
}

// Field check condition names.
const (
	CheckLengthGT    = "length_gt"
	CheckLengthLT    = "length_lt"
	CheckEq          = "eq"
	CheckGT          = "gt"
	CheckLT          = "lt"
	CheckContains    = "contains"
	CheckMatches     = "matches"
	CheckDomainIn    = "domain_in"
	CheckDomainNotIn = "domain_not_in"
)

// FieldCheck matches a single tool_args field against a typed condition.
type FieldCheck struct {
	Field     string      `json:"field"`
	Condition string      `json:"condition"`
	Value     interface{} `json:"value"`
}

// MatchCondition is the AND-composed clause set of a policy rule.
// A condition with zero active clauses never matches.
type MatchCondition struct {
	ToolName           *StringCondition `json:"tool_name,omitempty"`
	ToolCategory       *StringCondition `json:"tool_category,omitempty"`
	ToolArgsContains   *ArgsContains    `json:"tool_args_contains,omitempty"`
	ToolArgsFieldCheck *FieldCheck      `json:"tool_args_field_check,omitempty"`
}

func (m *MatchCondition) empty() bool {
	return m == nil ||
		(m.ToolName == nil && m.ToolCategory == nil &&
			m.ToolArgsContains == nil && m.ToolArgsFieldCheck == nil)
}

// PolicyRule is one ordered entry in a policy. Rules are visited
// top-to-bottom; the first match wins.
type PolicyRule struct {
	RuleID        string         `json:"rule_id"`
	Match         MatchCondition `json:"match"`
	Action        PolicyAction   `json:"action"`
	Reason        string         `json:"reason"`
	RewriteRuleID *string        `json:"rewrite_rule_id,omitempty"`
}

// RiskThresholds map a risk score to a verdict band. All values in [0,100].
type RiskThresholds struct {
	AllowMax          int `json:"allow_max"`
	RewriteConfirmMin int `json:"rewrite_confirm_min"`
	RewriteConfirmMax int `json:"rewrite_confirm_max"`
	BlockApprovalMin  int `json:"block_approval_min"`
}

// DefaultRiskThresholds returns the canonical threshold bands.
func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{
		AllowMax:          30,
		RewriteConfirmMin: 31,
		RewriteConfirmMax: 60,
		BlockApprovalMin:  61,
	}
}

// UnmarshalJSON starts from the defaults so partially-specified threshold
// objects keep canonical values for the omitted fields.
func (t *RiskThresholds) UnmarshalJSON(data []byte) error {
	type plain RiskThresholds
	tmp := plain(DefaultRiskThresholds())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*t = RiskThresholds(tmp)
	return nil
}

func (t RiskThresholds) validate() error {
	for _, v := range []struct {
		name  string
		value int
	}{
		{"allow_max", t.AllowMax},
		{"rewrite_confirm_min", t.RewriteConfirmMin},
		{"rewrite_confirm_max", t.RewriteConfirmMax},
		{"block_approval_min", t.BlockApprovalMin},
	} {
		if v.value < 0 || v.value > 100 {
			return validationErr("risk_thresholds."+v.name, "must be in [0,100]")
		}
	}
	return nil
}

// PolicySpec is a complete, immutable policy document: ordered rules plus
// risk thresholds. Replaced wholesale on hot reload.
type PolicySpec struct {
	PolicyID       string         `json:"policy_id"`
	Version        int            `json:"version"`
	Description    string         `json:"description"`
	Scope          []string       `json:"scope"`
	ParentPolicyID *string        `json:"parent_policy_id,omitempty"`
	Rules          []PolicyRule   `json:"rules"`
	RiskThresholds RiskThresholds `json:"risk_thresholds"`
}

// Normalize fills policy defaults in place.
func (p *PolicySpec) Normalize() {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Scope == nil {
		p.Scope = []string{"tool_call", "message_send"}
	}
	if p.Rules == nil {
		p.Rules = []PolicyRule{}
	}
	if (p.RiskThresholds == RiskThresholds{}) {
		p.RiskThresholds = DefaultRiskThresholds()
	}
}

// Pattern limits, matching the gateway's accepted policy size envelope.
const maxMatchPatternLen = 2048

// Validate checks the policy after Normalize. Regex clauses are compiled
// here so a bad pattern is rejected at load time, not at match time.
func (p *PolicySpec) Validate() error {
	if p.PolicyID == "" {
		return validationErr("policy_id", "must not be empty")
	}
	if p.Version < 1 {
		return validationErr("version", "must be >= 1")
	}
	if err := p.RiskThresholds.validate(); err != nil {
		return err
	}
	for i := range p.Rules {
		if err := p.Rules[i].validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

func (r *PolicyRule) validate() error {
	if r.RuleID == "" {
		return validationErr("rule_id", "must not be empty")
	}
	if !r.Action.Valid() {
		return validationErr("action", "unknown action '"+string(r.Action)+"'")
	}
	if r.Action == ActionRewrite && (r.RewriteRuleID == nil || *r.RewriteRuleID == "") {
		return validationErr("rewrite_rule_id", "required when action is rewrite")
	}
	if ac := r.Match.ToolArgsContains; ac != nil {
		if err := validateMatchPattern(ac.Pattern); err != nil {
			return validationErr("match.tool_args_contains.pattern", err.Error())
		}
	}
	if fc := r.Match.ToolArgsFieldCheck; fc != nil {
		if fc.Field == "" {
			return validationErr("match.tool_args_field_check.field", "must not be empty")
		}
		switch fc.Condition {
		case CheckLengthGT, CheckLengthLT, CheckEq, CheckGT, CheckLT,
			CheckContains, CheckDomainIn, CheckDomainNotIn:
		case CheckMatches:
			pat, ok := fc.Value.(string)
			if !ok {
				return validationErr("match.tool_args_field_check.value", "matches requires a string pattern")
			}
			if err := validateMatchPattern(pat); err != nil {
				return validationErr("match.tool_args_field_check.value", err.Error())
			}
		default:
			return validationErr("match.tool_args_field_check.condition",
				"unknown condition '"+fc.Condition+"'")
		}
	}
	return nil
}

func validateMatchPattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if len(pattern) > maxMatchPatternLen {
		return fmt.Errorf("pattern exceeds %d characters", maxMatchPatternLen)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %v", err)
	}
	return nil
}

// ParsePolicy decodes and validates a JSON policy document.
func ParsePolicy(data []byte) (*PolicySpec, error) {
	var p PolicySpec
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, validationErr("policy", "malformed JSON: "+err.Error())
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicyFile reads a policy document from disk. JSON is the native
// format; .yaml/.yml documents are converted through an intermediate generic
// decode so the same field names apply.
func LoadPolicyFile(path string) (*PolicySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, validationErr("policy", "malformed YAML: "+err.Error())
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, validationErr("policy", "YAML conversion: "+err.Error())
		}
	}
	return ParsePolicy(data)
}
