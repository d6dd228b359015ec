// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"

	"dataguard/platform/audit"
	"dataguard/platform/guardian"
)

//go:embed templates/*.html
var templatesFS embed.FS

var dashboardTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// dashboardReviewer is recorded as the approver for decisions resolved
// through the admin dashboard form.
const dashboardReviewer = "dashboard-admin"

func (s *Server) registerDashboard(r *mux.Router) {
	r.HandleFunc("/dashboard/", instrument("dashboard", s.handleDashboard)).Methods("GET")
	r.HandleFunc("/dashboard/approvals", instrument("dashboard_approvals", s.handleDashboardApprovals)).Methods("GET")
	r.HandleFunc("/dashboard/approvals/{decision_id}/resolve", instrument("dashboard_resolve", s.handleDashboardResolve)).Methods("POST")
}

type dashboardData struct {
	Stats  *audit.SummaryStats
	Recent []*audit.Entry
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	data := dashboardData{
		Stats: &audit.SummaryStats{Hours: defaultStatsHrs, ByVerdict: map[string]int{}},
	}
	if s.audit != nil {
		if stats, err := s.audit.Summary(r.Context(), defaultStatsHrs); err == nil {
			data.Stats = stats
		}
		if recent, err := s.audit.Recent(r.Context(), 50); err == nil {
			data.Recent = recent
		}
	}

	s.renderTemplate(w, "dashboard.html", data)
}

type approvalsData struct {
	Pending []*guardian.GuardianDecision
}

func (s *Server) handleDashboardApprovals(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	s.renderTemplate(w, "approvals.html", approvalsData{Pending: s.orch.PendingDecisions()})
}

func (s *Server) handleDashboardResolve(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	decisionID := mux.Vars(r)["decision_id"]

	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "malformed form body")
		return
	}
	approved := r.FormValue("approved") == "true"

	// A stale form submit for an already-resolved decision still redirects
	// back to the list.
	if _, err := s.resolveApproval(r.Context(), decisionID, approved, dashboardReviewer); err != nil {
		s.log.Warn("", "", "dashboard resolve failed",
			map[string]interface{}{"decision_id": decisionID, "error": err.Error()})
	}

	http.Redirect(w, r, "/dashboard/approvals", http.StatusSeeOther)
}

func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplates.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("", "", "template render failed",
			map[string]interface{}{"template": name, "error": err.Error()})
	}
}
