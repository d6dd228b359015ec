// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// actionScore is the deterministic score attached to a decision when a
// policy rule produced the verdict directly.
func actionScore(a PolicyAction) int {
	switch a {
	case ActionDeny:
		return 100
	case ActionRequireApproval:
		return 80
	case ActionRewrite:
		return 50
	default:
		return 0
	}
}

// Orchestrator composes the policy evaluator, risk scorer, and rewrite
// catalogue into the decision pipeline, and owns the pending-approval store.
//
// The active policy is swapped wholesale through an atomic pointer so
// concurrent evaluations always observe a complete policy document. The
// catalogue is immutable after construction.
type Orchestrator struct {
	policy    atomic.Pointer[PolicySpec]
	scorer    RiskScorer
	catalogue *Catalogue

	mu      sync.Mutex
	pending map[string]*GuardianDecision
}

// NewOrchestrator builds an orchestrator over an initial policy, a scorer,
// and a rewrite catalogue.
func NewOrchestrator(policy *PolicySpec, scorer RiskScorer, catalogue *Catalogue) *Orchestrator {
	o := &Orchestrator{
		scorer:    scorer,
		catalogue: catalogue,
		pending:   make(map[string]*GuardianDecision),
	}
	o.policy.Store(policy)
	return o
}

// ActivePolicy returns the policy used by subsequent evaluations.
func (o *Orchestrator) ActivePolicy() *PolicySpec {
	return o.policy.Load()
}

// UpdatePolicy atomically replaces the active policy. Pending approvals are
// unaffected.
func (o *Orchestrator) UpdatePolicy(policy *PolicySpec) {
	o.policy.Store(policy)
}

// Catalogue returns the orchestrator's rewrite catalogue.
func (o *Orchestrator) Catalogue() *Catalogue {
	return o.catalogue
}

// PendingCount returns the number of unresolved approval decisions.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Evaluate runs the decision pipeline for one proposal. The policy
// evaluator runs first; on a miss the risk scorer's output is mapped through
// the active policy's thresholds, with rewrite-as-fallback in the confirm
// band. A cancelled ctx aborts the evaluation without producing a decision
// or touching the pending store.
func (o *Orchestrator) Evaluate(ctx context.Context, proposal *ToolCallProposal, callCtx *ToolCallContext) (*GuardianDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	policy := o.policy.Load()

	var decision *GuardianDecision
	if match := MatchPolicy(proposal, policy); match != nil {
		d, err := o.buildDeterministicDecision(proposal, match)
		if err != nil {
			return nil, err
		}
		decision = d
	} else {
		assessment, err := o.scorer.Score(ctx, proposal, callCtx)
		if err != nil {
			// Only cancellation can surface here (spec: scorer failures
			// are absorbed by the scorer itself).
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := o.buildThresholdDecision(proposal, assessment, policy.RiskThresholds)
		if err != nil {
			return nil, err
		}
		decision = d
	}

	if decision.RequiresHuman {
		o.mu.Lock()
		o.pending[decision.DecisionID] = decision
		o.mu.Unlock()
	}

	return decision, nil
}

// ResolveApproval removes a pending decision and returns its resolution:
// verdict allow on approval, deny on rejection, with the reason prefixed by
// the reviewer. ErrNoPendingDecision when the id is unknown or already
// resolved.
func (o *Orchestrator) ResolveApproval(decisionID string, approved bool, reviewer string) (*GuardianDecision, error) {
	o.mu.Lock()
	decision, ok := o.pending[decisionID]
	if ok {
		delete(o.pending, decisionID)
	}
	o.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingDecision, decisionID)
	}

	verdict := VerdictDeny
	prefix := "Rejected by"
	if approved {
		verdict = VerdictAllow
		prefix = "Approved by"
	}

	return &GuardianDecision{
		DecisionID:    decision.DecisionID,
		ProposalID:    decision.ProposalID,
		Verdict:       verdict,
		RiskScore:     decision.RiskScore,
		MatchedRuleID: decision.MatchedRuleID,
		Reason:        fmt.Sprintf("%s %s. Original: %s", prefix, reviewer, decision.Reason),
		RequiresHuman: false,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// PendingDecisions returns a snapshot of the unresolved decisions.
func (o *Orchestrator) PendingDecisions() []*GuardianDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*GuardianDecision, 0, len(o.pending))
	for _, d := range o.pending {
		out = append(out, d)
	}
	return out
}

func (o *Orchestrator) buildDeterministicDecision(proposal *ToolCallProposal, match *PolicyMatchResult) (*GuardianDecision, error) {
	score := actionScore(match.Action)

	var rewritten *RewrittenCall
	if match.Action == ActionRewrite && match.RewriteRuleID != nil {
		result, err := o.catalogue.Apply(*match.RewriteRuleID, proposal.ToolName, proposal.ToolArgs)
		if err != nil {
			return nil, err
		}
		rewritten = rewrittenCallFrom(result)
	}

	return &GuardianDecision{
		DecisionID: uuid.NewString(),
		ProposalID: proposal.ProposalID,
		Verdict:    match.Action.Verdict(),
		RiskScore: RiskScore{
			DeterministicScore: intPtr(score),
			LLMScore:           nil,
			FinalScore:         score,
			Explanation:        "Matched rule: " + match.RuleID,
			Flags:              []string{},
		},
		MatchedRuleID: strPtr(match.RuleID),
		Reason:        match.Reason,
		RewrittenCall: rewritten,
		RequiresHuman: match.Action == ActionRequireApproval,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) buildThresholdDecision(proposal *ToolCallProposal, assessment RiskAssessment, thresholds RiskThresholds) (*GuardianDecision, error) {
	score := assessment.FinalScore

	verdict := VerdictRequireApproval
	var rewritten *RewrittenCall

	switch {
	case score <= thresholds.AllowMax:
		verdict = VerdictAllow
	case score <= thresholds.RewriteConfirmMax:
		if rule := o.catalogue.FindApplicable(proposal.ToolName, proposal.ToolArgs); rule != nil {
			result, err := o.catalogue.Apply(rule.RuleID, proposal.ToolName, proposal.ToolArgs)
			if err != nil {
				return nil, err
			}
			verdict = VerdictRewrite
			rewritten = rewrittenCallFrom(result)
		}
	}

	flags := assessment.Flags
	if flags == nil {
		flags = []string{}
	}

	return &GuardianDecision{
		DecisionID: uuid.NewString(),
		ProposalID: proposal.ProposalID,
		Verdict:    verdict,
		RiskScore: RiskScore{
			DeterministicScore: nil,
			LLMScore:           intPtr(score),
			FinalScore:         score,
			Explanation:        assessment.Explanation,
			Flags:              flags,
		},
		Reason:        assessment.Explanation,
		RewrittenCall: rewritten,
		RequiresHuman: verdict == VerdictRequireApproval,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func rewrittenCallFrom(result *RewriteResult) *RewrittenCall {
	return &RewrittenCall{
		OriginalToolName:  result.OriginalToolName,
		OriginalToolArgs:  result.OriginalToolArgs,
		RewrittenToolName: result.RewrittenToolName,
		RewrittenToolArgs: result.RewrittenToolArgs,
		RewriteRuleID:     result.RuleID,
		Description:       result.Description,
	}
}
