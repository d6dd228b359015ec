// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"dataguard/platform/audit"
	"dataguard/platform/guardian"
	"dataguard/platform/guardian/llm"
	"dataguard/platform/guardian/llm/anthropic"
	"dataguard/platform/guardian/llm/bedrock"
	"dataguard/platform/shared/logger"
)

const (
	serviceVersion  = "1.0.0"
	minStatsHours   = 1
	maxStatsHours   = 720
	defaultStatsHrs = 24
)

// Server wires the decision engine, audit repository, auth, and rate
// limiting behind the HTTP API.
type Server struct {
	cfg     Config
	log     *logger.Logger
	orch    *guardian.Orchestrator
	audit   *audit.Logger
	keys    map[string]APIKey
	limiter rateLimiter
	ready   atomic.Bool
}

// NewServer assembles a server from configuration: policy load, scorer
// selection, key parsing, limiter choice, and optionally the audit
// repository. The caller flips readiness once the listener is up.
func NewServer(ctx context.Context, cfg Config, log *logger.Logger) (*Server, error) {
	keys, err := cfg.ParseAPIKeys()
	if err != nil {
		return nil, err
	}

	policy, err := guardian.LoadPolicyFileOrDefault(cfg.DefaultPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load default policy: %w", err)
	}

	scorer, err := buildScorer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:  cfg,
		log:  log,
		orch: guardian.NewOrchestrator(policy, scorer, guardian.NewDefaultCatalogue()),
		keys: keys,
	}

	if cfg.RateLimitRPM > 0 {
		if cfg.RedisURL != "" {
			limiter, err := newRedisLimiter(cfg.RedisURL, cfg.RateLimitRPM, log)
			if err != nil {
				return nil, err
			}
			s.limiter = limiter
		} else {
			s.limiter = newMemoryLimiter(cfg.RateLimitRPM)
		}
	}

	if cfg.DatabaseURL != "" {
		auditLog, err := audit.NewLogger(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init audit repository: %w", err)
		}
		s.audit = auditLog
	}

	return s, nil
}

func buildScorer(ctx context.Context, cfg Config) (guardian.RiskScorer, error) {
	switch cfg.LLMProvider {
	case "", "stub":
		return guardian.NewHeuristicScorer(), nil
	case "anthropic":
		provider, err := anthropic.NewProvider(anthropic.Config{
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		return guardian.NewBlendedScorer(provider, cfg.LLMModel), nil
	case "bedrock":
		provider, err := bedrock.NewProvider(ctx, bedrock.Config{Region: cfg.AWSRegion})
		if err != nil {
			return nil, fmt.Errorf("bedrock provider: %w", err)
		}
		return guardian.NewBlendedScorer(provider, ""), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

var _ llm.Provider = (*anthropic.Provider)(nil)

// Handler returns the full middleware chain: CORS, rate limiting, auth,
// then the router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOriginList(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.rateLimitMiddleware(s.authMiddleware(s.routes())))
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", metricsHandler()).Methods("GET")

	r.HandleFunc("/v1/guardian/evaluate", instrument("evaluate", s.handleEvaluate)).Methods("POST")
	r.HandleFunc("/v1/guardian/evaluate-batch", instrument("evaluate_batch", s.handleEvaluateBatch)).Methods("POST")
	r.HandleFunc("/v1/guardian/report-outcome", instrument("report_outcome", s.handleReportOutcome)).Methods("POST")
	r.HandleFunc("/v1/guardian/approve/{decision_id}", instrument("approve", s.handleApprove)).Methods("POST")

	r.HandleFunc("/v1/policies/active", instrument("get_policy", s.handleGetPolicy)).Methods("GET")
	r.HandleFunc("/v1/policies/active", instrument("put_policy", s.handlePutPolicy)).Methods("PUT")

	r.HandleFunc("/v1/audit/query", instrument("audit_query", s.handleAuditQuery)).Methods("POST")
	r.HandleFunc("/v1/stats/summary", instrument("stats_summary", s.handleStatsSummary)).Methods("GET")

	s.registerDashboard(r)

	return r
}

// Close releases the server's external resources.
func (s *Server) Close() {
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.log.Error("", "", "audit shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if c, ok := s.limiter.(io.Closer); ok {
		_ = c.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "dataguard-guardian",
		"timestamp": time.Now().UTC(),
		"version":   serviceVersion,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req guardian.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	decision, status, err := s.evaluateOne(r.Context(), &req)
	if err != nil {
		writeDetail(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []guardian.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	decisions := make([]*guardian.GuardianDecision, 0, len(reqs))
	for i := range reqs {
		decision, status, err := s.evaluateOne(r.Context(), &reqs[i])
		if err != nil {
			writeDetail(w, status, fmt.Sprintf("item %d: %s", i, err.Error()))
			return
		}
		decisions = append(decisions, decision)
	}
	writeJSON(w, http.StatusOK, decisions)
}

// evaluateOne normalizes, validates, applies the key's tenant override,
// evaluates, and audits a single request.
func (s *Server) evaluateOne(ctx context.Context, req *guardian.EvaluateRequest) (*guardian.GuardianDecision, int, error) {
	req.Normalize()
	overrideTenant(principalFrom(ctx), req)
	if err := req.Validate(); err != nil {
		return nil, http.StatusUnprocessableEntity, err
	}

	decision, err := s.orch.Evaluate(ctx, &req.Proposal, &req.Context)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, statusClientClosedRequest, err
		}
		return nil, http.StatusInternalServerError, err
	}

	if s.audit != nil {
		s.audit.LogDecision(decision, &req.Proposal, &req.Context)
	}
	s.recordDecisionMetrics(string(decision.Verdict), decision.MatchedRuleID)

	return decision, http.StatusOK, nil
}

// statusClientClosedRequest mirrors the nginx convention for a caller that
// went away mid-request.
const statusClientClosedRequest = 499

// overrideTenant forces the evaluation onto the API key's tenant unless the
// key is scoped to the default tenant.
func overrideTenant(p principal, req *guardian.EvaluateRequest) {
	if p.TenantID != "" && p.TenantID != "default" {
		req.Context.TenantID = p.TenantID
	}
}

func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	var report guardian.OutcomeReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}
	if err := report.Validate(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if s.audit != nil {
		if err := s.audit.RecordOutcome(r.Context(), report.ProposalID, report.Success,
			report.ErrorMessage, report.ExecutionDurationMS); err != nil {
			// Audit failures never block the caller.
			s.log.Error("", "", "record outcome failed",
				map[string]interface{}{"proposal_id": report.ProposalID, "error": err.Error()})
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	decisionID := mux.Vars(r)["decision_id"]

	approved, err := strconv.ParseBool(r.URL.Query().Get("approved"))
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "query param 'approved' must be true or false")
		return
	}
	reviewer := r.URL.Query().Get("reviewer")
	if reviewer == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "query param 'reviewer' is required")
		return
	}

	decision, err := s.resolveApproval(r.Context(), decisionID, approved, reviewer)
	if err != nil {
		if errors.Is(err, guardian.ErrNoPendingDecision) {
			writeDetail(w, http.StatusNotFound,
				fmt.Sprintf("No pending decision with id '%s'", decisionID))
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// resolveApproval resolves a pending decision and mirrors the result into
// the audit log.
func (s *Server) resolveApproval(ctx context.Context, decisionID string, approved bool, reviewer string) (*guardian.GuardianDecision, error) {
	decision, err := s.orch.ResolveApproval(decisionID, approved, reviewer)
	if err != nil {
		return nil, err
	}
	pendingApprovals.Set(float64(s.orch.PendingCount()))

	if s.audit != nil {
		if err := s.audit.MarkApproved(ctx, decisionID, reviewer, decision.Verdict); err != nil {
			s.log.Error("", "", "mark approved failed",
				map[string]interface{}{"decision_id": decisionID, "error": err.Error()})
		}
	}
	return decision, nil
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ActivePolicy())
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "read body: "+err.Error())
		return
	}
	policy, err := guardian.ParsePolicy(body)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.orch.UpdatePolicy(policy)
	s.log.Info(principalFrom(r.Context()).TenantID, "", "active policy replaced",
		map[string]interface{}{"policy_id": policy.PolicyID, "version": policy.Version})
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeDetail(w, http.StatusServiceUnavailable, "Audit repository not configured.")
		return
	}
	var filter audit.QueryFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed request body: "+err.Error())
		return
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	hours := defaultStatsHrs
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			hours = n
		}
	}
	hours = clampHours(hours)

	if s.audit == nil {
		writeJSON(w, http.StatusOK, &audit.SummaryStats{Hours: hours, ByVerdict: map[string]int{}})
		return
	}

	stats, err := s.audit.Summary(r.Context(), hours)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func clampHours(hours int) int {
	if hours < minStatsHours {
		return minStatsHours
	}
	if hours > maxStatsHours {
		return maxStatsHours
	}
	return hours
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeDetail writes the FastAPI-style error envelope the clients expect.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
