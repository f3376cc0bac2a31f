package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/auditflow/deploywatch/pkg/authz"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/githost"
)

// ListDeploymentsHandler handles GET /api/v1/applications/{appID}/deployments
// Query params: status, year, hasFourEyes, deployer, pageSize, pageToken
func (s *Server) listDeploymentsHandler(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	q := r.URL.Query()

	filter := deployments.ListFilter{
		Deployer:  q.Get("deployer"),
		PageToken: q.Get("pageToken"),
	}
	if v := q.Get("status"); v != "" {
		status, err := foureyes.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = status
	}
	if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid year %q", v))
			return
		}
		filter.Year = year
	}
	if v := q.Get("hasFourEyes"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hasFourEyes %q", v))
			return
		}
		filter.HasFourEyes = &b
	}
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.PageSize = n
		}
	}

	records, nextToken, err := s.deploys.ListByApplication(r.Context(), appID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list deployments: %v", err))
		return
	}
	out := make([]deploymentResponse, len(records))
	for i := range records {
		out[i] = deploymentToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments":   out,
		"nextPageToken": nextToken,
	})
}

// QueryDeploymentsHandler handles GET /api/v1/deployments?filter=...
// The filter query param takes the report filter DSL, e.g.
// `status = missing and year = 2026`.
func (s *Server) queryDeploymentsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.reports.Query(r.Context(), r.URL.Query().Get("filter"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid filter: %v", err))
		return
	}
	out := make([]deploymentResponse, len(records))
	for i := range records {
		out[i] = deploymentToResponse(&records[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

// GetDeploymentHandler handles GET /api/v1/deployments/{deploymentID}
func (s *Server) getDeploymentHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	d, err := s.deploys.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get deployment: %v", err))
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("deployment %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

// ListTransitionsHandler handles GET /api/v1/deployments/{deploymentID}/transitions
func (s *Server) listTransitionsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	transitions, err := s.deploys.TransitionsFor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list transitions: %v", err))
		return
	}
	out := make([]transitionResponse, len(transitions))
	for i := range transitions {
		out[i] = transitionToResponse(&transitions[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

// VerifyHandler handles POST /api/v1/deployments/{deploymentID}/verify
// The force query param recomputes over a sticky manual approval.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		force, _ = strconv.ParseBool(v)
	}

	result, err := s.orchestrator.VerifyDeployment(r.Context(), id, force)
	if errors.Is(err, deployments.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("deployment %q not found", id))
		return
	}
	if err != nil {
		writeError(w, statusForSyncError(err), fmt.Sprintf("verification failed: %v", err))
		return
	}

	d, err := s.deploys.Get(r.Context(), id)
	if err != nil || d == nil {
		writeError(w, http.StatusInternalServerError, "failed to reload deployment after verification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployment": deploymentToResponse(d),
		"rule":       result.Rule,
		"reason":     result.Reason,
	})
}

type manualApprovalRequest struct {
	Justification string `json:"justification"`
}

// ManualApprovalHandler handles POST /api/v1/deployments/{deploymentID}/manual-approval
// A justification is mandatory; the approving operator is taken from the
// request's actor, never from the body.
func (s *Server) manualApprovalHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	var req manualApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Justification) == "" {
		writeError(w, http.StatusBadRequest, "justification is required")
		return
	}
	actor := authz.ActorFromContext(r.Context())

	err := s.deploys.SetStatus(r.Context(), id, foureyes.StatusManuallyApproved, deployments.SourceManual,
		deployments.StatusUpdate{
			Detail: deployments.JSONAny{
				"justification": req.Justification,
				"approved_by":   actor.User,
			},
			StatusDetail: fmt.Sprintf("manually approved by %s: %s", actor.User, req.Justification),
		})
	if errors.Is(err, deployments.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("deployment %q not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to record manual approval: %v", err))
		return
	}

	d, err := s.deploys.Get(r.Context(), id)
	if err != nil || d == nil {
		writeError(w, http.StatusInternalServerError, "failed to reload deployment after approval")
		return
	}
	writeJSON(w, http.StatusOK, deploymentToResponse(d))
}

// statusForSyncError maps verification failures to HTTP statuses. Code host
// rate limits surface as 429 so callers know to back off.
func statusForSyncError(err error) int {
	if githost.IsRateLimit(err) {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
