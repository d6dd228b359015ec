// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package sdk is the Go client for the guardian HTTP API. It adds retry
// with exponential backoff on connection errors, a consecutive-failure
// circuit breaker, and verdict-to-error translation for agent loops.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dataguard/platform/audit"
	"dataguard/platform/guardian"
)

const (
	defaultTimeout          = 5 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
	defaultBackoffBase      = 500 * time.Millisecond
)

// Config configures a Client. BaseURL and AgentID are required.
type Config struct {
	BaseURL   string
	AgentID   string
	TenantID  string
	APIKey    string
	SessionID string

	Timeout     time.Duration
	RaiseOnDeny bool

	MaxRetries              int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// Client talks to one guardian service. Safe for concurrent use.
type Client struct {
	cfg         Config
	httpc       *http.Client
	backoffBase time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// NewClient validates the config, fills defaults, and returns a client.
// A missing SessionID gets a generated UUID so every evaluation from this
// client shares a session.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sdk: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("sdk: AgentID is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TenantID == "" {
		cfg.TenantID = "default"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		// Negative disables retries.
		cfg.MaxRetries = 0
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = defaultBreakerThreshold
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = defaultBreakerTimeout
	}

	return &Client{
		cfg:         cfg,
		httpc:       &http.Client{Timeout: cfg.Timeout},
		backoffBase: defaultBackoffBase,
	}, nil
}

// SessionID returns the session attached to this client's evaluations.
func (c *Client) SessionID() string {
	return c.cfg.SessionID
}

// Evaluate submits one proposal. When RaiseOnDeny is set, a deny verdict
// comes back as *ToolBlockedError and require_approval as
// *ApprovalRequiredError; the decision is returned in both cases.
func (c *Client) Evaluate(ctx context.Context, proposal *guardian.ToolCallProposal) (*guardian.GuardianDecision, error) {
	req := guardian.EvaluateRequest{
		Proposal: *proposal,
		Context:  c.callContext(),
	}

	var decision guardian.GuardianDecision
	if err := c.do(ctx, http.MethodPost, "/v1/guardian/evaluate", req, &decision); err != nil {
		return nil, err
	}

	if c.cfg.RaiseOnDeny {
		switch decision.Verdict {
		case guardian.VerdictDeny:
			return &decision, &ToolBlockedError{Decision: &decision}
		case guardian.VerdictRequireApproval:
			return &decision, &ApprovalRequiredError{Decision: &decision}
		}
	}
	return &decision, nil
}

// EvaluateBatch submits proposals in one call; decisions come back in the
// same order. No verdict translation is applied.
func (c *Client) EvaluateBatch(ctx context.Context, proposals []*guardian.ToolCallProposal) ([]*guardian.GuardianDecision, error) {
	reqs := make([]guardian.EvaluateRequest, len(proposals))
	for i, p := range proposals {
		reqs[i] = guardian.EvaluateRequest{Proposal: *p, Context: c.callContext()}
	}

	var decisions []*guardian.GuardianDecision
	if err := c.do(ctx, http.MethodPost, "/v1/guardian/evaluate-batch", reqs, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

// ReportOutcome reports the execution result of an approved call.
func (c *Client) ReportOutcome(ctx context.Context, report *guardian.OutcomeReport) error {
	return c.do(ctx, http.MethodPost, "/v1/guardian/report-outcome", report, nil)
}

// Approve resolves a pending decision.
func (c *Client) Approve(ctx context.Context, decisionID string, approved bool, reviewer string) (*guardian.GuardianDecision, error) {
	query := url.Values{
		"approved": {strconv.FormatBool(approved)},
		"reviewer": {reviewer},
	}
	path := "/v1/guardian/approve/" + url.PathEscape(decisionID) + "?" + query.Encode()

	var decision guardian.GuardianDecision
	if err := c.do(ctx, http.MethodPost, path, nil, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// GetPolicy fetches the active policy.
func (c *Client) GetPolicy(ctx context.Context) (*guardian.PolicySpec, error) {
	var policy guardian.PolicySpec
	if err := c.do(ctx, http.MethodGet, "/v1/policies/active", nil, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// UpdatePolicy hot-reloads the active policy (admin key required).
func (c *Client) UpdatePolicy(ctx context.Context, policy *guardian.PolicySpec) (*guardian.PolicySpec, error) {
	var updated guardian.PolicySpec
	if err := c.do(ctx, http.MethodPut, "/v1/policies/active", policy, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// QueryAudit fetches audit entries matching the filter.
func (c *Client) QueryAudit(ctx context.Context, filter audit.QueryFilter) ([]*audit.Entry, error) {
	var resp struct {
		Entries []*audit.Entry `json:"entries"`
		Count   int            `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/audit/query", filter, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// GetStats fetches the decision summary over the trailing window.
func (c *Client) GetStats(ctx context.Context, hours int) (*audit.SummaryStats, error) {
	var stats audit.SummaryStats
	path := fmt.Sprintf("/v1/stats/summary?hours=%d", hours)
	if err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}

func (c *Client) callContext() guardian.ToolCallContext {
	return guardian.ToolCallContext{
		AgentID:   c.cfg.AgentID,
		SessionID: c.cfg.SessionID,
		TenantID:  c.cfg.TenantID,
	}
}

// do runs one API call through the circuit breaker with connection-error
// retries. HTTP error statuses are returned as *APIError and do not count
// against the breaker.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.breakerAllow(); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sdk: marshal request: %w", err)
		}
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("sdk: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", c.cfg.APIKey)
		}

		resp, lastErr = c.httpc.Do(req)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if lastErr != nil {
		c.breakerRecord(false)
		return fmt.Errorf("sdk: request failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
	}
	defer func() { _ = resp.Body.Close() }()
	c.breakerRecord(true)

	if resp.StatusCode >= 400 {
		var envelope struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &APIError{StatusCode: resp.StatusCode, Detail: envelope.Detail}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("sdk: decode response: %w", err)
		}
	}
	return nil
}

// breakerAllow rejects while the breaker is open, permitting one probe
// after the cool-down (half-open).
func (c *Client) breakerAllow() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures < c.cfg.CircuitBreakerThreshold {
		return nil
	}
	if time.Since(c.openedAt) >= c.cfg.CircuitBreakerTimeout {
		// Half-open: let this call probe; a failure reopens the window.
		return nil
	}
	return ErrCircuitOpen
}

func (c *Client) breakerRecord(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if success {
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.cfg.CircuitBreakerThreshold {
		c.openedAt = time.Now()
	}
}
