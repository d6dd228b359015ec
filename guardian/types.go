// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolCategory classifies the kind of side effect a tool can have.
type ToolCategory string

const (
	CategoryFileSystem    ToolCategory = "file_system"
	CategoryDatabase      ToolCategory = "database"
	CategoryHTTPRequest   ToolCategory = "http_request"
	CategoryCodeExecution ToolCategory = "code_execution"
	CategoryMessageSend   ToolCategory = "message_send"
	CategoryPayment       ToolCategory = "payment"
	CategoryAuth          ToolCategory = "auth"
	CategoryUnknown       ToolCategory = "unknown"
)

// Valid reports whether c is one of the closed category values.
func (c ToolCategory) Valid() bool {
	switch c {
	case CategoryFileSystem, CategoryDatabase, CategoryHTTPRequest,
		CategoryCodeExecution, CategoryMessageSend, CategoryPayment,
		CategoryAuth, CategoryUnknown:
		return true
	}
	return false
}

// Verdict is the outcome of a guardian evaluation.
type Verdict string

const (
	VerdictAllow           Verdict = "allow"
	VerdictDeny            Verdict = "deny"
	VerdictRewrite         Verdict = "rewrite"
	VerdictRequireApproval Verdict = "require_approval"
)

// Valid reports whether v is one of the closed verdict values.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictDeny, VerdictRewrite, VerdictRequireApproval:
		return true
	}
	return false
}

const (
	maxToolNameLen        = 256
	maxIntendedOutcomeLen = 1024
	maxSummaryLen         = 4096
)

// ToolCallProposal is a tool invocation an agent wishes to perform.
// Immutable once handed to the engine.
type ToolCallProposal struct {
	ProposalID      string                 `json:"proposal_id"`
	ToolName        string                 `json:"tool_name"`
	ToolArgs        map[string]interface{} `json:"tool_args"`
	ToolCategory    ToolCategory           `json:"tool_category"`
	IntendedOutcome string                 `json:"intended_outcome"`
}

// Normalize fills defaults and canonicalizes the tool name: generated
// proposal id, trimmed lower-case tool name, unknown category, non-nil args.
func (p *ToolCallProposal) Normalize() {
	if p.ProposalID == "" {
		p.ProposalID = uuid.NewString()
	}
	p.ToolName = strings.ToLower(strings.TrimSpace(p.ToolName))
	if p.ToolCategory == "" {
		p.ToolCategory = CategoryUnknown
	}
	if p.ToolArgs == nil {
		p.ToolArgs = map[string]interface{}{}
	}
}

// Validate checks the proposal after Normalize.
func (p *ToolCallProposal) Validate() error {
	if p.ToolName == "" {
		return validationErr("tool_name", "must not be empty")
	}
	if len(p.ToolName) > maxToolNameLen {
		return validationErr("tool_name", "exceeds 256 characters")
	}
	if !p.ToolCategory.Valid() {
		return validationErr("tool_category", "unknown category '"+string(p.ToolCategory)+"'")
	}
	if len(p.IntendedOutcome) > maxIntendedOutcomeLen {
		return validationErr("intended_outcome", "exceeds 1024 characters")
	}
	return nil
}

// ToolCallContext is the ambient context an evaluation runs under.
type ToolCallContext struct {
	AgentID             string    `json:"agent_id"`
	SessionID           string    `json:"session_id"`
	TenantID            string    `json:"tenant_id"`
	UserID              string    `json:"user_id,omitempty"`
	ConversationSummary string    `json:"conversation_summary"`
	PriorDecisions      []string  `json:"prior_decisions"`
	Timestamp           time.Time `json:"timestamp"`
}

// Normalize fills context defaults.
func (c *ToolCallContext) Normalize() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.PriorDecisions == nil {
		c.PriorDecisions = []string{}
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
}

// Validate checks the context after Normalize.
func (c *ToolCallContext) Validate() error {
	if c.AgentID == "" {
		return validationErr("agent_id", "must not be empty")
	}
	if len(c.ConversationSummary) > maxSummaryLen {
		return validationErr("conversation_summary", "exceeds 4096 characters")
	}
	return nil
}

// RiskScore carries the per-source and blended risk for a decision.
// Exactly one of DeterministicScore and LLMScore is set: the former when a
// policy rule matched, the latter when the risk scorer produced the verdict.
type RiskScore struct {
	DeterministicScore *int     `json:"deterministic_score"`
	LLMScore           *int     `json:"llm_score"`
	FinalScore         int      `json:"final_score"`
	Explanation        string   `json:"explanation"`
	Flags              []string `json:"flags"`
}

// RewrittenCall is the safer substitute produced by a rewrite rule.
// Present on a decision iff verdict == rewrite.
type RewrittenCall struct {
	OriginalToolName  string                 `json:"original_tool_name"`
	OriginalToolArgs  map[string]interface{} `json:"original_tool_args"`
	RewrittenToolName string                 `json:"rewritten_tool_name"`
	RewrittenToolArgs map[string]interface{} `json:"rewritten_tool_args"`
	RewriteRuleID     string                 `json:"rewrite_rule_id"`
	Description       string                 `json:"description"`
}

// GuardianDecision is the result of one evaluation.
type GuardianDecision struct {
	DecisionID    string         `json:"decision_id"`
	ProposalID    string         `json:"proposal_id"`
	Verdict       Verdict        `json:"verdict"`
	RiskScore     RiskScore      `json:"risk_score"`
	MatchedRuleID *string        `json:"matched_rule_id"`
	Reason        string         `json:"reason"`
	RewrittenCall *RewrittenCall `json:"rewritten_call"`
	RequiresHuman bool           `json:"requires_human"`
	Timestamp     time.Time      `json:"timestamp"`
}

// EvaluateRequest is the wire shape accepted by the evaluate endpoints.
type EvaluateRequest struct {
	Proposal ToolCallProposal `json:"proposal"`
	Context  ToolCallContext  `json:"context"`
	PolicyID *string          `json:"policy_id,omitempty"`
}

// Normalize applies proposal and context defaults in place.
func (r *EvaluateRequest) Normalize() {
	r.Proposal.Normalize()
	r.Context.Normalize()
}

// Validate checks the request after Normalize.
func (r *EvaluateRequest) Validate() error {
	if err := r.Proposal.Validate(); err != nil {
		return err
	}
	return r.Context.Validate()
}

// OutcomeReport is submitted by agents after executing an approved call.
type OutcomeReport struct {
	ProposalID          string                 `json:"proposal_id"`
	ToolName            string                 `json:"tool_name"`
	Success             bool                   `json:"success"`
	ResponseData        map[string]interface{} `json:"response_data,omitempty"`
	ErrorMessage        *string                `json:"error_message,omitempty"`
	ExecutionDurationMS *int                   `json:"execution_duration_ms,omitempty"`
}

// Validate checks the report.
func (o *OutcomeReport) Validate() error {
	if o.ProposalID == "" {
		return validationErr("proposal_id", "must not be empty")
	}
	if o.ToolName == "" {
		return validationErr("tool_name", "must not be empty")
	}
	return nil
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }
