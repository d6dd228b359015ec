// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataguard/platform/guardian"
	"dataguard/platform/shared/logger"
)

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestEvaluateDeny(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/evaluate", `{
		"proposal": {"tool_name": "bash", "tool_args": {"command": "rm -rf /data"}},
		"context": {"agent_id": "agent-1"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deny", body["verdict"])
	assert.Equal(t, "deny-rm-rf", body["matched_rule_id"])
	assert.Equal(t, float64(100), body["risk_score"].(map[string]interface{})["final_score"])
}

func TestEvaluateAllow(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/evaluate", evaluateBody())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "allow", body["verdict"])
	assert.NotEmpty(t, body["decision_id"])
	assert.NotEmpty(t, body["proposal_id"])
}

func TestEvaluateRewrite(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/evaluate", `{
		"proposal": {"tool_name": "http_request", "tool_args": {"url": "http://api.github.com/repos"}},
		"context": {"agent_id": "agent-1"}
	}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rewrite", body["verdict"])
	rewritten := body["rewritten_call"].(map[string]interface{})
	assert.Equal(t, "enforce-https", rewritten["rewrite_rule_id"])
	args := rewritten["rewritten_tool_args"].(map[string]interface{})
	assert.Equal(t, "https://api.github.com/repos", args["url"])
}

func TestEvaluateValidationError(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/evaluate", `{
		"proposal": {"tool_name": "bash"},
		"context": {}
	}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["detail"], "agent_id")
}

func TestEvaluateMalformedBody(t *testing.T) {
	s := newTestServer(t)
	rec, _ := doJSON(t, s, "POST", "/v1/guardian/evaluate", `{nope`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestEvaluateBatchPreservesOrder(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/guardian/evaluate-batch", strings.NewReader(`[
		{"proposal": {"tool_name": "bash", "tool_args": {"command": "rm -rf /"}}, "context": {"agent_id": "a"}},
		{"proposal": {"tool_name": "get_weather", "tool_args": {"city": "Lisbon"}}, "context": {"agent_id": "a"}}
	]`))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var decisions []guardian.GuardianDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decisions))
	require.Len(t, decisions, 2)
	assert.Equal(t, guardian.VerdictDeny, decisions[0].Verdict)
	assert.Equal(t, guardian.VerdictAllow, decisions[1].Verdict)
}

func TestEvaluateBatchInvalidItem(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/evaluate-batch", `[
		{"proposal": {"tool_name": "get_weather"}, "context": {"agent_id": "a"}},
		{"proposal": {"tool_name": "get_weather"}, "context": {}}
	]`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["detail"], "item 1")
}

func TestReportOutcomeAccepted(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/report-outcome", `{
		"proposal_id": "prop-1", "tool_name": "bash", "success": true
	}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", body["status"])
}

func TestReportOutcomeValidation(t *testing.T) {
	s := newTestServer(t)
	rec, _ := doJSON(t, s, "POST", "/v1/guardian/report-outcome", `{"tool_name": "bash", "success": true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// evaluatePending pushes an evaluation that lands in the pending-approval
// store and returns its decision id.
func evaluatePending(t *testing.T, s *Server) string {
	t.Helper()
	rec, body := doJSON(t, s, "POST", "/v1/guardian/evaluate", `{
		"proposal": {"tool_name": "http_request", "tool_args": {"url": "https://unknown-partner.example.com/api"}},
		"context": {"agent_id": "agent-1"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "require_approval", body["verdict"])
	return body["decision_id"].(string)
}

func TestApproveLifecycle(t *testing.T) {
	s := newTestServer(t)
	decisionID := evaluatePending(t, s)
	require.Equal(t, 1, s.orch.PendingCount())

	rec, body := doJSON(t, s, "POST",
		fmt.Sprintf("/v1/guardian/approve/%s?approved=true&reviewer=alice", decisionID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "allow", body["verdict"])
	assert.Contains(t, body["reason"], "Approved by alice")
	assert.Equal(t, 0, s.orch.PendingCount())

	// Resolving twice is a 404.
	rec, body = doJSON(t, s, "POST",
		fmt.Sprintf("/v1/guardian/approve/%s?approved=true&reviewer=alice", decisionID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, fmt.Sprintf("No pending decision with id '%s'", decisionID), body["detail"])
}

func TestApproveReject(t *testing.T) {
	s := newTestServer(t)
	decisionID := evaluatePending(t, s)

	rec, body := doJSON(t, s, "POST",
		fmt.Sprintf("/v1/guardian/approve/%s?approved=false&reviewer=bob", decisionID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deny", body["verdict"])
	assert.Contains(t, body["reason"], "Rejected by bob")
}

func TestApproveUnknownID(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/guardian/approve/no-such-id?approved=true&reviewer=alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No pending decision with id 'no-such-id'", body["detail"])
}

func TestApproveParamValidation(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doJSON(t, s, "POST", "/v1/guardian/approve/x?approved=maybe&reviewer=alice", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = doJSON(t, s, "POST", "/v1/guardian/approve/x?approved=true", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetActivePolicy(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "GET", "/v1/policies/active", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default-v1", body["policy_id"])
}

func TestPutActivePolicyHotReload(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "PUT", "/v1/policies/active", `{
		"policy_id": "custom-v2",
		"rules": [{"rule_id": "deny-all-db", "match": {"tool_category": {"eq": "database"}}, "action": "deny", "reason": "no db"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "custom-v2", body["policy_id"])
	assert.Equal(t, "custom-v2", s.orch.ActivePolicy().PolicyID)

	// The new policy governs subsequent evaluations.
	rec, body = doJSON(t, s, "POST", "/v1/guardian/evaluate", `{
		"proposal": {"tool_name": "anything", "tool_category": "database"},
		"context": {"agent_id": "a"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deny", body["verdict"])
	assert.Equal(t, "deny-all-db", body["matched_rule_id"])
}

func TestPutActivePolicyInvalid(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doJSON(t, s, "PUT", "/v1/policies/active", `{"version": 1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "default-v1", s.orch.ActivePolicy().PolicyID)

	rec, _ = doJSON(t, s, "PUT", "/v1/policies/active", `{nope`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAuditQueryWithoutRepository(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "POST", "/v1/audit/query", `{"tenant_id": "acme"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Audit repository not configured.", body["detail"])
}

func TestStatsSummaryWithoutRepository(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "GET", "/v1/stats/summary", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(24), body["hours"])
	assert.Equal(t, float64(0), body["total_decisions"])
}

func TestStatsSummaryClampsHours(t *testing.T) {
	s := newTestServer(t)

	_, body := doJSON(t, s, "GET", "/v1/stats/summary?hours=10000", "")
	assert.Equal(t, float64(720), body["hours"])

	_, body = doJSON(t, s, "GET", "/v1/stats/summary?hours=0", "")
	assert.Equal(t, float64(1), body["hours"])

	_, body = doJSON(t, s, "GET", "/v1/stats/summary?hours=-3", "")
	assert.Equal(t, float64(1), body["hours"])

	_, body = doJSON(t, s, "GET", "/v1/stats/summary?hours=48", "")
	assert.Equal(t, float64(48), body["hours"])
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, body := doJSON(t, s, "GET", "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "dataguard-guardian", body["service"])
}

func TestReadyEndpoint(t *testing.T) {
	cfg := Config{LLMProvider: "stub"}
	s, err := NewServer(context.Background(), cfg, logger.New("gateway-test"))
	require.NoError(t, err)

	rec, body := doJSON(t, s, "GET", "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "starting", body["status"])

	s.ready.Store(true)
	rec, body = doJSON(t, s, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	// Generate at least one evaluation so the counters exist.
	doJSON(t, s, "POST", "/v1/guardian/evaluate", evaluateBody())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "guardian_evaluations_total")
}

func TestBuildScorerUnknownProvider(t *testing.T) {
	_, err := buildScorer(context.Background(), Config{LLMProvider: "oracle"})
	assert.Error(t, err)
}

func TestBuildScorerAnthropicNeedsKey(t *testing.T) {
	_, err := buildScorer(context.Background(), Config{LLMProvider: "anthropic"})
	assert.Error(t, err)
}

func TestNewServerRejectsBadKeys(t *testing.T) {
	cfg := Config{LLMProvider: "stub", APIKeys: "k:t:badrole"}
	_, err := NewServer(context.Background(), cfg, logger.New("gateway-test"))
	assert.Error(t, err)
}
