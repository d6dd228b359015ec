// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_evaluations_total",
		Help: "Evaluations processed, labelled by verdict.",
	}, []string{"verdict"})

	ruleHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_policy_rule_hits_total",
		Help: "Policy rule matches, labelled by rule id.",
	}, []string{"rule_id"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_http_request_duration_seconds",
		Help:    "HTTP request latency by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	pendingApprovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_pending_approvals",
		Help: "Decisions awaiting human approval.",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardian_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_audit_queue_depth",
		Help: "Entries buffered in the audit write queue.",
	})
)

func init() {
	prometheus.MustRegister(
		evaluationsTotal,
		ruleHitsTotal,
		httpDuration,
		pendingApprovals,
		rateLimitedTotal,
		auditQueueDepth,
	)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// instrument wraps a handler with a latency observation for the endpoint.
func instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		httpDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// recordDecisionMetrics updates the evaluation counters for one decision.
func (s *Server) recordDecisionMetrics(verdict string, matchedRuleID *string) {
	evaluationsTotal.WithLabelValues(verdict).Inc()
	if matchedRuleID != nil {
		ruleHitsTotal.WithLabelValues(*matchedRuleID).Inc()
	}
	pendingApprovals.Set(float64(s.orch.PendingCount()))
	if s.audit != nil {
		auditQueueDepth.Set(float64(s.audit.QueueDepth()))
	}
}
