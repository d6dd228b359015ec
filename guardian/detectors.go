// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package guardian

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DetectionMatch is a single pattern hit inside scanned text.
type DetectionMatch struct {
	PatternID   string `json:"pattern_id"`
	Category    string `json:"category"` // "pii" or "injection"
	MatchedText string `json:"matched_text"`
	Replacement string `json:"replacement,omitempty"`
}

// DetectionResult aggregates the hits from one scan. PatternIDs is
// deduplicated and sorted; Matches preserves scan order.
type DetectionResult struct {
	Found      bool             `json:"found"`
	PatternIDs []string         `json:"pattern_ids"`
	Matches    []DetectionMatch `json:"matches"`
}

type piiPattern struct {
	id          string
	re          *regexp.Regexp
	replacement string
	// accept filters individual matches; nil accepts everything. Used where
	// RE2 cannot express the original exclusion (no negative lookahead).
	accept func(match string) bool
}

type injectionPattern struct {
	id string
	re *regexp.Regexp
}

func notLoopbackOrZero(match string) bool {
	return match != "127.0.0.1" && match != "0.0.0.0"
}

// The 12 PII patterns. Declaration order is the redaction order.
var piiPatterns = []piiPattern{
	{id: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), replacement: "[SSN REDACTED]"},
	{id: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), replacement: "[EMAIL REDACTED]"},
	{id: "credit_card", re: regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), replacement: "[CARD REDACTED]"},
	{id: "password_literal", re: regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[=:]\s*\S+`), replacement: "[PASSWORD REDACTED]"},
	{id: "phone_us", re: regexp.MustCompile(`\(?\d{3}\)?[\s.-]\d{3}[\s.-]\d{4}\b`), replacement: "[PHONE REDACTED]"},
	{id: "phone_intl", re: regexp.MustCompile(`\+\d{1,3}[\s.-]\d{3,5}[\s.-]\d{3,8}`), replacement: "[PHONE REDACTED]"},
	{id: "aws_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), replacement: "[AWS KEY REDACTED]"},
	{id: "aws_secret", re: regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*\S+`), replacement: "[AWS SECRET REDACTED]"},
	{id: "jwt_token", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), replacement: "[JWT REDACTED]"},
	{
		id: "ipv4_address",
		re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d\d?)\b`),
		// RE2 has no negative lookahead, so loopback and the zero address
		// are excluded here instead of in the pattern.
		accept:      notLoopbackOrZero,
		replacement: "[IP REDACTED]",
	},
	{id: "date_of_birth", re: regexp.MustCompile(`(?i)\bdob\s*[=:]\s*\S+`), replacement: "[DOB REDACTED]"},
	{id: "private_key_header", re: regexp.MustCompile(`-----BEGIN\s[\w\s]*PRIVATE\sKEY-----`), replacement: "[PRIVATE KEY REDACTED]"},
}

// The 11 prompt-injection patterns.
var injectionPatterns = []injectionPattern{
	{id: "ignore_instructions", re: regexp.MustCompile(`(?i)ignore\s+(?:previous|all|prior|above)\s+(?:instructions?|prompts?)`)},
	{id: "role_override", re: regexp.MustCompile(`(?i)you\s+are\s+now\s+`)},
	{id: "system_prompt_fake", re: regexp.MustCompile(`(?im)^(?:system|assistant)\s*:\s*`)},
	{id: "override_instructions", re: regexp.MustCompile(`(?i)override\s+(?:instructions?|policy|rules?|guidelines?)`)},
	{id: "forget_instructions", re: regexp.MustCompile(`(?i)forget\s+(?:everything|all|your\s+instructions?)`)},
	{id: "do_anything_now", re: regexp.MustCompile(`(?i)\b(?:DAN|do\s+anything\s+now)\b`)},
	{id: "delimiter_injection", re: regexp.MustCompile("(?i)(?:```\\s*system|---\\s*instruction|###\\s*admin)")},
	{id: "pretend_mode", re: regexp.MustCompile(`(?i)pretend\s+you\s+have\s+no\s+(?:rules|restrictions|limits)`)},
	{id: "disregard_prompt", re: regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|above)`)},
	{id: "reveal_instructions", re: regexp.MustCompile(`(?i)(?:reveal|show|output|print)\s+(?:your\s+)?(?:system\s+prompt|instructions?)`)},
	{id: "concatenation_attack", re: regexp.MustCompile(`(?i)concatenate\s+(?:previous\s+)?system\s+output`)},
}

// ScanForPII scans text for all PII patterns.
func ScanForPII(text string) DetectionResult {
	var matches []DetectionMatch
	seen := map[string]bool{}

	for _, p := range piiPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			if p.accept != nil && !p.accept(m) {
				continue
			}
			seen[p.id] = true
			matches = append(matches, DetectionMatch{
				PatternID:   p.id,
				Category:    "pii",
				MatchedText: m,
				Replacement: p.replacement,
			})
		}
	}

	return DetectionResult{
		Found:      len(matches) > 0,
		PatternIDs: sortedKeys(seen),
		Matches:    matches,
	}
}

// ScanForInjection scans text for prompt-injection patterns.
func ScanForInjection(text string) DetectionResult {
	var matches []DetectionMatch
	seen := map[string]bool{}

	for _, p := range injectionPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			seen[p.id] = true
			matches = append(matches, DetectionMatch{
				PatternID:   p.id,
				Category:    "injection",
				MatchedText: m,
			})
		}
	}

	return DetectionResult{
		Found:      len(matches) > 0,
		PatternIDs: sortedKeys(seen),
		Matches:    matches,
	}
}

// RedactPII replaces every PII occurrence in text. Patterns are applied in
// declaration order; the operation is idempotent. Returns the redacted text
// and the sorted ids of the patterns that fired.
func RedactPII(text string) (string, []string) {
	result := text
	seen := map[string]bool{}

	for _, p := range piiPatterns {
		fired := false
		result = p.re.ReplaceAllStringFunc(result, func(m string) string {
			if p.accept != nil && !p.accept(m) {
				return m
			}
			fired = true
			return p.replacement
		})
		if fired {
			seen[p.id] = true
		}
	}

	return result, sortedKeys(seen)
}

// CollectAllTextFields concatenates the scannable text of an evaluation:
// the key-sorted serialization of tool_args, then the conversation summary
// and intended outcome when non-empty, newline-separated.
func CollectAllTextFields(toolArgs map[string]interface{}, conversationSummary, intendedOutcome string) string {
	parts := []string{serializeArgs(toolArgs)}
	if conversationSummary != "" {
		parts = append(parts, conversationSummary)
	}
	if intendedOutcome != "" {
		parts = append(parts, intendedOutcome)
	}
	return strings.Join(parts, "\n")
}

// serializeArgs produces the canonical key-sorted JSON for tool_args.
// encoding/json marshals map keys in sorted order, which keeps the
// serialization stable across evaluations.
func serializeArgs(args map[string]interface{}) string {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		// Non-serializable values cannot come off the wire; fall back to a
		// best-effort rendering so scanning still sees the content.
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
