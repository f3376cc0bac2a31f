package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/authz"
	"github.com/auditflow/deploywatch/pkg/foureyes"
)

// ListApplicationsHandler handles GET /api/v1/applications
func (s *Server) listApplicationsHandler(w http.ResponseWriter, r *http.Request) {
	applications, err := s.apps.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list applications: %v", err))
		return
	}
	out := make([]applicationResponse, len(applications))
	for i := range applications {
		out[i] = appToResponse(&applications[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": out})
}

type registerApplicationRequest struct {
	Team                 string `json:"team"`
	Environment          string `json:"environment"`
	Name                 string `json:"name"`
	AuditStartYear       int    `json:"auditStartYear"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	NotifyChannel        string `json:"notifyChannel"`
	ImplicitApprovalMode string `json:"implicitApprovalMode"`
}

// RegisterApplicationHandler handles POST /api/v1/applications
func (s *Server) registerApplicationHandler(w http.ResponseWriter, r *http.Request) {
	var req registerApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Team == "" || req.Environment == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "team, environment and name are required")
		return
	}
	if req.ImplicitApprovalMode != "" {
		if _, err := foureyes.ParseImplicitApprovalMode(req.ImplicitApprovalMode); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown implicit approval mode %q", req.ImplicitApprovalMode))
			return
		}
	}

	if existing, err := s.apps.GetByRef(r.Context(), req.Team, req.Environment, req.Name); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to register application: %v", err))
		return
	} else if existing != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("application %s/%s/%s already registered",
			req.Team, req.Environment, req.Name))
		return
	}

	app, err := s.apps.Register(r.Context(), &apps.Application{
		Team:                 req.Team,
		Environment:          req.Environment,
		Name:                 req.Name,
		AuditStartYear:       req.AuditStartYear,
		NotificationsEnabled: req.NotificationsEnabled,
		NotifyChannel:        req.NotifyChannel,
		ImplicitApprovalMode: req.ImplicitApprovalMode,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to register application: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, appToResponse(app))
}

// GetApplicationHandler handles GET /api/v1/applications/{appID}
func (s *Server) getApplicationHandler(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	app, err := s.apps.Get(r.Context(), appID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get application: %v", err))
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("application %q not found", appID))
		return
	}
	writeJSON(w, http.StatusOK, appToResponse(app))
}

// ListAssociationsHandler handles GET /api/v1/applications/{appID}/associations
func (s *Server) listAssociationsHandler(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	associations, err := s.apps.Associations(r.Context(), appID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list associations: %v", err))
		return
	}
	out := make([]associationResponse, len(associations))
	for i := range associations {
		out[i] = associationToResponse(&associations[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"associations": out})
}

// ApproveAssociationHandler handles POST /api/v1/associations/{assocID}/approve
func (s *Server) approveAssociationHandler(w http.ResponseWriter, r *http.Request) {
	assocID := chi.URLParam(r, "assocID")
	actor := authz.ActorFromContext(r.Context())

	assoc, err := s.apps.ApproveAssociation(r.Context(), assocID, actor.User)
	if errors.Is(err, apps.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("association %q not found", assocID))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("failed to approve association: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, associationToResponse(assoc))
}

type notificationsRequest struct {
	Enabled bool   `json:"enabled"`
	Channel string `json:"channel"`
}

// SetNotificationsHandler handles PUT /api/v1/applications/{appID}/notifications
func (s *Server) setNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	var req notificationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled && req.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required when notifications are enabled")
		return
	}

	err := s.apps.SetNotifications(r.Context(), appID, req.Enabled, req.Channel)
	if errors.Is(err, apps.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("application %q not found", appID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to update notifications: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": appID,
		"enabled":       req.Enabled,
		"channel":       req.Channel,
	})
}

// SyncHandler handles POST /api/v1/applications/{appID}/sync
func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	batchLimit := 0
	if v := r.URL.Query().Get("batchLimit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchLimit = n
		}
	}

	summary, err := s.orchestrator.SyncApplication(r.Context(), appID, batchLimit)
	if err != nil {
		writeError(w, statusForSyncError(err), fmt.Sprintf("sync failed: %v", err))
		return
	}
	if summary.Skipped {
		writeError(w, http.StatusConflict, "a sync is already running for this application")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applicationId": summary.ApplicationID,
		"fetched":       summary.Fetched,
		"verified":      summary.Verified,
		"failed":        summary.Failed,
	})
}
