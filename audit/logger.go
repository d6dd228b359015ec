// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package audit persists guardian decisions to Postgres. Writes go through
// an in-memory queue and a batching background writer so evaluation latency
// never blocks on audit I/O.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"dataguard/platform/guardian"
	"dataguard/platform/shared/logger"
)

const (
	queueSize     = 10000
	batchSize     = 50
	flushInterval = 5 * time.Second
	maxQueryLimit = 500
)

// Entry is one row of guardian_audit_log.
type Entry struct {
	ID                     int64                  `json:"id"`
	DecisionID             string                 `json:"decision_id"`
	ProposalID             string                 `json:"proposal_id"`
	AgentID                string                 `json:"agent_id"`
	SessionID              string                 `json:"session_id"`
	TenantID               string                 `json:"tenant_id"`
	UserID                 *string                `json:"user_id,omitempty"`
	ToolName               string                 `json:"tool_name"`
	ToolCategory           string                 `json:"tool_category"`
	ToolArgsHash           string                 `json:"tool_args_hash"`
	ToolArgsSnapshot       map[string]interface{} `json:"tool_args_snapshot"`
	IntendedOutcome        string                 `json:"intended_outcome"`
	Verdict                string                 `json:"verdict"`
	RiskScoreFinal         int                    `json:"risk_score_final"`
	RiskScoreDeterministic *int                   `json:"risk_score_deterministic"`
	RiskScoreLLM           *int                   `json:"risk_score_llm"`
	MatchedRuleID          *string                `json:"matched_rule_id"`
	Reason                 string                 `json:"reason"`
	RewriteRuleID          *string                `json:"rewrite_rule_id"`
	RewrittenArgsSnapshot  map[string]interface{} `json:"rewritten_args_snapshot,omitempty"`
	RequiresHuman          bool                   `json:"requires_human"`
	ApprovedBy             *string                `json:"approved_by"`
	ApprovedAt             *time.Time             `json:"approved_at"`
	OutcomeSuccess         *bool                  `json:"outcome_success"`
	OutcomeError           *string                `json:"outcome_error"`
	ExecutionDurationMS    *int                   `json:"execution_duration_ms"`
	CreatedAt              time.Time              `json:"created_at"`
}

// QueryFilter selects audit rows. Zero-value fields are skipped.
type QueryFilter struct {
	TenantID  string     `json:"tenant_id,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Verdict   string     `json:"verdict,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// SummaryStats is the aggregate view served by /v1/stats/summary.
type SummaryStats struct {
	Hours            int            `json:"hours"`
	TotalDecisions   int            `json:"total_decisions"`
	ByVerdict        map[string]int `json:"by_verdict"`
	PendingApprovals int            `json:"pending_approvals"`
	AvgRiskScore     float64        `json:"avg_risk_score"`
}

// Logger is the audit repository plus its asynchronous batch writer.
type Logger struct {
	db    *sql.DB
	queue chan *Entry
	log   *logger.Logger

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewLogger opens the Postgres pool, ensures the schema, and starts the
// batch writer.
func NewLogger(databaseURL string) (*Logger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return NewLoggerFromDB(db)
}

// NewLoggerFromDB wraps an existing pool. Used by tests and embedders.
func NewLoggerFromDB(db *sql.DB) (*Logger, error) {
	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	l := &Logger{
		db:       db,
		queue:    make(chan *Entry, queueSize),
		log:      logger.New("audit"),
		shutdown: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// HashArgs returns the SHA-256 hex digest of the key-sorted JSON
// serialization of args.
func HashArgs(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LogDecision queues one decision for persistence. Never blocks: when the
// queue is full the entry is dropped with a warning.
func (l *Logger) LogDecision(decision *guardian.GuardianDecision, proposal *guardian.ToolCallProposal, callCtx *guardian.ToolCallContext) {
	entry := &Entry{
		DecisionID:             decision.DecisionID,
		ProposalID:             proposal.ProposalID,
		AgentID:                callCtx.AgentID,
		SessionID:              callCtx.SessionID,
		TenantID:               callCtx.TenantID,
		ToolName:               proposal.ToolName,
		ToolCategory:           string(proposal.ToolCategory),
		ToolArgsHash:           HashArgs(proposal.ToolArgs),
		ToolArgsSnapshot:       proposal.ToolArgs,
		IntendedOutcome:        proposal.IntendedOutcome,
		Verdict:                string(decision.Verdict),
		RiskScoreFinal:         decision.RiskScore.FinalScore,
		RiskScoreDeterministic: decision.RiskScore.DeterministicScore,
		RiskScoreLLM:           decision.RiskScore.LLMScore,
		MatchedRuleID:          decision.MatchedRuleID,
		Reason:                 decision.Reason,
		RequiresHuman:          decision.RequiresHuman,
		CreatedAt:              decision.Timestamp,
	}
	if callCtx.UserID != "" {
		userID := callCtx.UserID
		entry.UserID = &userID
	}
	if decision.RewrittenCall != nil {
		ruleID := decision.RewrittenCall.RewriteRuleID
		entry.RewriteRuleID = &ruleID
		entry.RewrittenArgsSnapshot = decision.RewrittenCall.RewrittenToolArgs
	}

	select {
	case l.queue <- entry:
	default:
		l.log.Warn(callCtx.TenantID, decision.DecisionID, "audit queue full, dropping entry", map[string]interface{}{
			"proposal_id": proposal.ProposalID,
			"queue_depth": len(l.queue),
		})
	}
}

// QueueDepth reports the number of entries waiting to be written.
func (l *Logger) QueueDepth() int {
	return len(l.queue)
}

// RecordOutcome fills the outcome columns for the row matching proposalID.
func (l *Logger) RecordOutcome(ctx context.Context, proposalID string, success bool, errMsg *string, durationMS *int) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE guardian_audit_log
		SET outcome_success = $1, outcome_error = $2, execution_duration_ms = $3
		WHERE proposal_id = $4`,
		success, errMsg, durationMS, proposalID)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// MarkApproved stamps the approval columns and final verdict for decisionID.
func (l *Logger) MarkApproved(ctx context.Context, decisionID, reviewer string, verdict guardian.Verdict) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE guardian_audit_log
		SET approved_by = $1, approved_at = $2, verdict = $3
		WHERE decision_id = $4`,
		reviewer, time.Now().UTC(), string(verdict), decisionID)
	if err != nil {
		return fmt.Errorf("mark approved: %w", err)
	}
	return nil
}

const selectColumns = `id, decision_id, proposal_id, agent_id, session_id, tenant_id, user_id,
	tool_name, tool_category, tool_args_hash, tool_args_snapshot, intended_outcome,
	verdict, risk_score_final, risk_score_deterministic, risk_score_llm, matched_rule_id,
	reason, rewrite_rule_id, rewritten_args_snapshot, requires_human, approved_by,
	approved_at, outcome_success, outcome_error, execution_duration_ms, created_at`

// Query returns audit rows matching filter, newest first.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]*Entry, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = "+arg(filter.TenantID))
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = "+arg(filter.AgentID))
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = "+arg(filter.SessionID))
	}
	if filter.Verdict != "" {
		conds = append(conds, "verdict = "+arg(filter.Verdict))
	}
	if filter.ToolName != "" {
		conds = append(conds, "tool_name = "+arg(filter.ToolName))
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= "+arg(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "created_at <= "+arg(*filter.Until))
	}

	query := "SELECT " + selectColumns + " FROM guardian_audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Pending returns unresolved approval rows, newest first.
func (l *Logger) Pending(ctx context.Context) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT "+selectColumns+
		" FROM guardian_audit_log WHERE requires_human = TRUE AND approved_by IS NULL ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Recent returns the newest limit rows.
func (l *Logger) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > maxQueryLimit {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, "SELECT "+selectColumns+
		" FROM guardian_audit_log ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("query recent decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Summary aggregates decisions from the last hours hours. Pending approvals
// are counted without the time window: an old unresolved approval is still
// pending.
func (l *Logger) Summary(ctx context.Context, hours int) (*SummaryStats, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats := &SummaryStats{Hours: hours, ByVerdict: map[string]int{}}

	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM guardian_audit_log WHERE created_at >= $1", since).
		Scan(&stats.TotalDecisions)
	if err != nil {
		return nil, fmt.Errorf("summary total: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT verdict, COUNT(*) FROM guardian_audit_log WHERE created_at >= $1 GROUP BY verdict", since)
	if err != nil {
		return nil, fmt.Errorf("summary by verdict: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, fmt.Errorf("summary by verdict: %w", err)
		}
		stats.ByVerdict[verdict] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary by verdict: %w", err)
	}

	err = l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM guardian_audit_log WHERE requires_human = TRUE AND approved_by IS NULL").
		Scan(&stats.PendingApprovals)
	if err != nil {
		return nil, fmt.Errorf("summary pending: %w", err)
	}

	var avg sql.NullFloat64
	err = l.db.QueryRowContext(ctx,
		"SELECT AVG(risk_score_final) FROM guardian_audit_log WHERE created_at >= $1", since).
		Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("summary avg risk: %w", err)
	}
	if avg.Valid {
		stats.AvgRiskScore = math.Round(avg.Float64*10) / 10
	}

	return stats, nil
}

// IsHealthy reports whether the database answers a ping.
func (l *Logger) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return l.db.PingContext(ctx) == nil
}

// Close flushes the queue and closes the pool. Safe to call once.
func (l *Logger) Close() error {
	l.once.Do(func() {
		close(l.shutdown)
	})
	l.wg.Wait()
	return l.db.Close()
}

// run is the batch writer loop: collect up to batchSize entries, flush on
// size or on the ticker, drain on shutdown.
func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.writeBatch(batch); err != nil {
			l.log.Error("", "", "audit batch write failed", map[string]interface{}{
				"error":      err.Error(),
				"batch_size": len(batch),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.queue:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.shutdown:
			for {
				select {
				case entry := <-l.queue:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) writeBatch(entries []*Entry) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO guardian_audit_log (
			decision_id, proposal_id, agent_id, session_id, tenant_id, user_id,
			tool_name, tool_category, tool_args_hash, tool_args_snapshot, intended_outcome,
			verdict, risk_score_final, risk_score_deterministic, risk_score_llm,
			matched_rule_id, reason, rewrite_rule_id, rewritten_args_snapshot,
			requires_human, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		argsJSON, _ := json.Marshal(e.ToolArgsSnapshot)
		var rewrittenJSON interface{}
		if e.RewrittenArgsSnapshot != nil {
			data, _ := json.Marshal(e.RewrittenArgsSnapshot)
			rewrittenJSON = data
		}

		if _, err := stmt.Exec(
			e.DecisionID, e.ProposalID, e.AgentID, e.SessionID, e.TenantID, e.UserID,
			e.ToolName, e.ToolCategory, e.ToolArgsHash, argsJSON, e.IntendedOutcome,
			e.Verdict, e.RiskScoreFinal, e.RiskScoreDeterministic, e.RiskScoreLLM,
			e.MatchedRuleID, e.Reason, e.RewriteRuleID, rewrittenJSON,
			e.RequiresHuman, e.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := []*Entry{}
	for rows.Next() {
		e := &Entry{}
		var argsJSON, rewrittenJSON []byte
		if err := rows.Scan(
			&e.ID, &e.DecisionID, &e.ProposalID, &e.AgentID, &e.SessionID, &e.TenantID, &e.UserID,
			&e.ToolName, &e.ToolCategory, &e.ToolArgsHash, &argsJSON, &e.IntendedOutcome,
			&e.Verdict, &e.RiskScoreFinal, &e.RiskScoreDeterministic, &e.RiskScoreLLM, &e.MatchedRuleID,
			&e.Reason, &e.RewriteRuleID, &rewrittenJSON, &e.RequiresHuman, &e.ApprovedBy,
			&e.ApprovedAt, &e.OutcomeSuccess, &e.OutcomeError, &e.ExecutionDurationMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if len(argsJSON) > 0 {
			_ = json.Unmarshal(argsJSON, &e.ToolArgsSnapshot)
		}
		if len(rewrittenJSON) > 0 {
			_ = json.Unmarshal(rewrittenJSON, &e.RewrittenArgsSnapshot)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}

func createSchema(db *sql.DB) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS guardian_audit_log (
		id BIGSERIAL PRIMARY KEY,
		decision_id VARCHAR(36) NOT NULL,
		proposal_id VARCHAR(36) NOT NULL,
		agent_id VARCHAR(256) NOT NULL,
		session_id VARCHAR(36) NOT NULL,
		tenant_id VARCHAR(256) NOT NULL DEFAULT 'default',
		user_id VARCHAR(256),
		tool_name VARCHAR(256) NOT NULL,
		tool_category VARCHAR(64) NOT NULL,
		tool_args_hash VARCHAR(64) NOT NULL,
		tool_args_snapshot JSONB,
		intended_outcome TEXT NOT NULL DEFAULT '',
		verdict VARCHAR(32) NOT NULL,
		risk_score_final INTEGER NOT NULL,
		risk_score_deterministic INTEGER,
		risk_score_llm INTEGER,
		matched_rule_id VARCHAR(128),
		reason TEXT NOT NULL DEFAULT '',
		rewrite_rule_id VARCHAR(128),
		rewritten_args_snapshot JSONB,
		requires_human BOOLEAN NOT NULL DEFAULT FALSE,
		approved_by VARCHAR(256),
		approved_at TIMESTAMPTZ,
		outcome_success BOOLEAN,
		outcome_error TEXT,
		execution_duration_ms INTEGER,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_guardian_audit_decision_id ON guardian_audit_log(decision_id);
	CREATE INDEX IF NOT EXISTS idx_guardian_audit_proposal_id ON guardian_audit_log(proposal_id);
	CREATE INDEX IF NOT EXISTS idx_guardian_audit_tenant_id ON guardian_audit_log(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_guardian_audit_verdict ON guardian_audit_log(verdict);
	CREATE INDEX IF NOT EXISTS idx_guardian_audit_created_at ON guardian_audit_log(created_at);
	`
	_, err := db.Exec(ddl)
	return err
}
