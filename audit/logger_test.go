// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataguard/platform/guardian"
	"dataguard/platform/shared/logger"
)

var entryColumns = []string{
	"id", "decision_id", "proposal_id", "agent_id", "session_id", "tenant_id", "user_id",
	"tool_name", "tool_category", "tool_args_hash", "tool_args_snapshot", "intended_outcome",
	"verdict", "risk_score_final", "risk_score_deterministic", "risk_score_llm", "matched_rule_id",
	"reason", "rewrite_rule_id", "rewritten_args_snapshot", "requires_human", "approved_by",
	"approved_at", "outcome_success", "outcome_error", "execution_duration_ms", "created_at",
}

// newMockLogger builds a Logger over sqlmock without the background writer,
// so tests drive writes synchronously.
func newMockLogger(t *testing.T) (*Logger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Logger{
		db:       db,
		queue:    make(chan *Entry, 4),
		log:      logger.New("audit-test"),
		shutdown: make(chan struct{}),
	}, mock
}

func sampleEntry() *Entry {
	det := 100
	rule := "deny-rm-rf"
	return &Entry{
		DecisionID:             "dec-1",
		ProposalID:             "prop-1",
		AgentID:                "agent-1",
		SessionID:              "sess-1",
		TenantID:               "acme",
		ToolName:               "bash",
		ToolCategory:           "code_execution",
		ToolArgsHash:           HashArgs(map[string]interface{}{"command": "rm -rf /"}),
		ToolArgsSnapshot:       map[string]interface{}{"command": "rm -rf /"},
		Verdict:                "deny",
		RiskScoreFinal:         100,
		RiskScoreDeterministic: &det,
		MatchedRuleID:          &rule,
		Reason:                 "Recursive or forced file deletion is not permitted.",
		CreatedAt:              time.Now().UTC(),
	}
}

func TestHashArgsKeySorted(t *testing.T) {
	sum := sha256.Sum256([]byte(`{"a":1,"b":"two"}`))
	expected := hex.EncodeToString(sum[:])

	// Go map iteration order must not leak into the hash.
	assert.Equal(t, expected, HashArgs(map[string]interface{}{"b": "two", "a": 1}))
	assert.Equal(t, expected, HashArgs(map[string]interface{}{"a": 1, "b": "two"}))
}

func TestWriteBatchInsertsAllEntries(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO guardian_audit_log")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, l.writeBatch([]*Entry{sampleEntry(), sampleEntry()}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRollsBackOnInsertError(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO guardian_audit_log")
	prep.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := l.writeBatch([]*Entry{sampleEntry()})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogDecisionDropsWhenQueueFull(t *testing.T) {
	l, _ := newMockLogger(t)
	l.queue = make(chan *Entry, 1)

	proposal := &guardian.ToolCallProposal{ProposalID: "p", ToolName: "bash",
		ToolCategory: guardian.CategoryCodeExecution,
		ToolArgs:     map[string]interface{}{"command": "ls"}}
	callCtx := &guardian.ToolCallContext{AgentID: "a", SessionID: "s", TenantID: "t"}
	decision := &guardian.GuardianDecision{DecisionID: "d", ProposalID: "p",
		Verdict: guardian.VerdictAllow, Timestamp: time.Now().UTC()}

	l.LogDecision(decision, proposal, callCtx)
	l.LogDecision(decision, proposal, callCtx) // dropped, must not block

	assert.Equal(t, 1, l.QueueDepth())
}

func TestLogDecisionCapturesRewrite(t *testing.T) {
	l, _ := newMockLogger(t)

	proposal := &guardian.ToolCallProposal{ProposalID: "p", ToolName: "http_request",
		ToolCategory: guardian.CategoryHTTPRequest,
		ToolArgs:     map[string]interface{}{"url": "http://api.github.com"}}
	callCtx := &guardian.ToolCallContext{AgentID: "a", SessionID: "s", TenantID: "t", UserID: "u-9"}
	decision := &guardian.GuardianDecision{
		DecisionID: "d", ProposalID: "p", Verdict: guardian.VerdictRewrite,
		RewrittenCall: &guardian.RewrittenCall{
			RewriteRuleID:     "enforce-https",
			RewrittenToolArgs: map[string]interface{}{"url": "https://api.github.com"},
		},
		Timestamp: time.Now().UTC(),
	}

	l.LogDecision(decision, proposal, callCtx)

	entry := <-l.queue
	require.NotNil(t, entry.RewriteRuleID)
	assert.Equal(t, "enforce-https", *entry.RewriteRuleID)
	assert.Equal(t, "https://api.github.com", entry.RewrittenArgsSnapshot["url"])
	require.NotNil(t, entry.UserID)
	assert.Equal(t, "u-9", *entry.UserID)
}

func TestRecordOutcome(t *testing.T) {
	l, mock := newMockLogger(t)

	errMsg := "timeout"
	duration := 1200
	mock.ExpectExec("UPDATE guardian_audit_log").
		WithArgs(false, "timeout", 1200, "prop-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.RecordOutcome(context.Background(), "prop-1", false, &errMsg, &duration))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkApproved(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectExec("UPDATE guardian_audit_log").
		WithArgs("alice", sqlmock.AnyArg(), "allow", "dec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.MarkApproved(context.Background(), "dec-1", "alice", guardian.VerdictAllow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryBuildsFilters(t *testing.T) {
	l, mock := newMockLogger(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(entryColumns).AddRow(
		int64(1), "dec-1", "prop-1", "agent-1", "sess-1", "acme", nil,
		"bash", "code_execution", "hash", []byte(`{"command":"rm -rf /"}`), "",
		"deny", 100, 100, nil, "deny-rm-rf",
		"not permitted", nil, nil, false, nil,
		nil, nil, nil, nil, now,
	)

	mock.ExpectQuery("WHERE tenant_id = \\$1 AND verdict = \\$2 ORDER BY created_at DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs("acme", "deny", 100, 0).
		WillReturnRows(rows)

	entries, err := l.Query(context.Background(), QueryFilter{
		TenantID: "acme",
		Verdict:  "deny",
		Limit:    100,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dec-1", entries[0].DecisionID)
	assert.Equal(t, "rm -rf /", entries[0].ToolArgsSnapshot["command"])
	require.NotNil(t, entries[0].RiskScoreDeterministic)
	assert.Equal(t, 100, *entries[0].RiskScoreDeterministic)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryClampsLimitAndOffset(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectQuery("FROM guardian_audit_log ORDER BY created_at DESC LIMIT \\$1 OFFSET \\$2").
		WithArgs(maxQueryLimit, 0).
		WillReturnRows(sqlmock.NewRows(entryColumns))

	entries, err := l.Query(context.Background(), QueryFilter{Limit: 9999, Offset: -5})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryAggregates(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM guardian_audit_log WHERE created_at >= \\$1").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("SELECT verdict, COUNT\\(\\*\\) FROM guardian_audit_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"verdict", "count"}).
			AddRow("allow", 8).AddRow("deny", 3).AddRow("require_approval", 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM guardian_audit_log WHERE requires_human = TRUE AND approved_by IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT AVG\\(risk_score_final\\) FROM guardian_audit_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(43.26))

	stats, err := l.Summary(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 24, stats.Hours)
	assert.Equal(t, 12, stats.TotalDecisions)
	assert.Equal(t, map[string]int{"allow": 8, "deny": 3, "require_approval": 1}, stats.ByVerdict)
	assert.Equal(t, 2, stats.PendingApprovals)
	assert.Equal(t, 43.3, stats.AvgRiskScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryEmptyTable(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM guardian_audit_log WHERE created_at >= \\$1").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT verdict, COUNT\\(\\*\\) FROM guardian_audit_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"verdict", "count"}))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM guardian_audit_log WHERE requires_human = TRUE AND approved_by IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT AVG\\(risk_score_final\\) FROM guardian_audit_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(nil))

	stats, err := l.Summary(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalDecisions)
	assert.Empty(t, stats.ByVerdict)
	assert.Equal(t, 0.0, stats.AvgRiskScore)
}

func TestPendingQuery(t *testing.T) {
	l, mock := newMockLogger(t)

	mock.ExpectQuery("WHERE requires_human = TRUE AND approved_by IS NULL ORDER BY created_at DESC").
		WillReturnRows(sqlmock.NewRows(entryColumns))

	entries, err := l.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}
