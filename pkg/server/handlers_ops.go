package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/authz"
	"github.com/auditflow/deploywatch/pkg/opsaudit"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

// ListAlertsHandler handles GET /api/v1/alerts?applicationId=
func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	open, err := s.alerts.ListOpen(r.Context(), r.URL.Query().Get("applicationId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list alerts: %v", err))
		return
	}
	out := make([]alertResponse, len(open))
	for i := range open {
		out[i] = alertToResponse(&open[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

// GetAlertHandler handles GET /api/v1/alerts/{alertID}
func (s *Server) getAlertHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	alert, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get alert: %v", err))
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("alert %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, alertToResponse(alert))
}

type resolveAlertRequest struct {
	Note string `json:"note"`
}

// ResolveAlertHandler handles POST /api/v1/alerts/{alertID}/resolve
// A note is mandatory; the resolver is taken from the request's actor.
func (s *Server) resolveAlertHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alertID")
	var req resolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}
	actor := authz.ActorFromContext(r.Context())

	alert, err := s.alerts.Resolve(r.Context(), id, actor.User, req.Note)
	if errors.Is(err, alerts.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("alert %q not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("failed to resolve alert: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, alertToResponse(alert))
}

// ListJobsHandler handles GET /api/v1/jobs?applicationId=&status=&limit=
func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := syncer.JobListFilter{
		ApplicationID: q.Get("applicationId"),
		Status:        syncer.JobStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
		return
	}
	out := make([]jobResponse, len(jobs))
	for i := range jobs {
		out[i] = jobToResponse(&jobs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// ListAuditEventsHandler handles GET /api/v1/audit-events?actor=&action=&limit=
func (s *Server) listAuditEventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := opsaudit.ListFilter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	events, err := s.audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit events: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
