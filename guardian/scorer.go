// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"context"
	"fmt"
	"strings"
)

// RiskAssessment is the output of a risk scorer.
type RiskAssessment struct {
	FinalScore  int      `json:"final_score"`
	Explanation string   `json:"explanation"`
	Flags       []string `json:"flags"`
}

// Risk flag names emitted by the heuristic scorer.
const (
	FlagPIIDetected      = "pii_detected"
	FlagInjectionSuspect = "prompt_injection_suspected"
	FlagHighImpact       = "high_impact_category"
)

// RiskScorer produces a risk assessment for a proposal that no policy rule
// matched. Implementations must never fail for backend reasons; only
// cancellation of ctx may surface as an error.
type RiskScorer interface {
	Score(ctx context.Context, proposal *ToolCallProposal, callCtx *ToolCallContext) (RiskAssessment, error)
}

// HeuristicScorer is the built-in deterministic scorer. It runs the PII and
// injection detectors over the combined text of the evaluation and applies a
// fixed scoring table.
type HeuristicScorer struct{}

// NewHeuristicScorer returns the deterministic pattern-based scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// heuristicScore returns the raw score delta and flags without the
// no-signal floor applied.
func heuristicScore(proposal *ToolCallProposal, callCtx *ToolCallContext) (int, []string) {
	score := 0
	flags := []string{}

	summary := ""
	if callCtx != nil {
		summary = callCtx.ConversationSummary
	}
	allText := CollectAllTextFields(proposal.ToolArgs, summary, proposal.IntendedOutcome)

	if pii := ScanForPII(allText); pii.Found {
		score += 25
		if uniqueTypes := len(pii.PatternIDs); uniqueTypes >= 2 {
			score += 5 * (uniqueTypes - 1)
		}
		flags = append(flags, FlagPIIDetected)
	}

	if inj := ScanForInjection(allText); inj.Found {
		score += 65
		flags = append(flags, FlagInjectionSuspect)
	}

	if proposal.ToolCategory == CategoryPayment || proposal.ToolCategory == CategoryAuth {
		score += 15
		flags = append(flags, FlagHighImpact)
	}

	if score > 100 {
		score = 100
	}
	return score, flags
}

// Score implements RiskScorer. It never returns an error.
func (s *HeuristicScorer) Score(ctx context.Context, proposal *ToolCallProposal, callCtx *ToolCallContext) (RiskAssessment, error) {
	score, flags := heuristicScore(proposal, callCtx)

	if score == 0 {
		return RiskAssessment{
			FinalScore:  10,
			Explanation: "No risk indicators detected by heuristics.",
			Flags:       flags,
		}, nil
	}

	var explanations []string
	for _, flag := range flags {
		switch flag {
		case FlagPIIDetected:
			explanations = append(explanations, "Possible PII found in tool arguments.")
		case FlagInjectionSuspect:
			explanations = append(explanations, "Potential prompt injection pattern detected.")
		case FlagHighImpact:
			explanations = append(explanations,
				fmt.Sprintf("Tool category '%s' is high-impact.", proposal.ToolCategory))
		}
	}

	return RiskAssessment{
		FinalScore:  score,
		Explanation: strings.Join(explanations, " "),
		Flags:       flags,
	}, nil
}
