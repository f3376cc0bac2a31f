package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

type applicationResponse struct {
	ID                   string `json:"id"`
	Team                 string `json:"team"`
	Environment          string `json:"environment"`
	Name                 string `json:"name"`
	AuditStartYear       int    `json:"auditStartYear,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	NotifyChannel        string `json:"notifyChannel,omitempty"`
	ImplicitApprovalMode string `json:"implicitApprovalMode,omitempty"`
	LastSyncedAt         string `json:"lastSyncedAt,omitempty"`
	CreatedAt            string `json:"createdAt"`
}

func appToResponse(a *apps.Application) applicationResponse {
	resp := applicationResponse{
		ID:                   a.ID,
		Team:                 a.Team,
		Environment:          a.Environment,
		Name:                 a.Name,
		AuditStartYear:       a.AuditStartYear,
		NotificationsEnabled: a.NotificationsEnabled,
		NotifyChannel:        a.NotifyChannel,
		ImplicitApprovalMode: a.ImplicitApprovalMode,
		CreatedAt:            a.CreatedAt.Format(time.RFC3339),
	}
	if a.LastSyncedAt != nil {
		resp.LastSyncedAt = a.LastSyncedAt.Format(time.RFC3339)
	}
	return resp
}

type associationResponse struct {
	ID            string `json:"id"`
	ApplicationID string `json:"applicationId"`
	Repository    string `json:"repository"`
	Status        string `json:"status"`
	ApprovedBy    string `json:"approvedBy,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func associationToResponse(a *apps.RepositoryAssociation) associationResponse {
	return associationResponse{
		ID:            a.ID,
		ApplicationID: a.ApplicationID,
		Repository:    a.Repo().String(),
		Status:        string(a.Status),
		ApprovedBy:    a.ApprovedBy,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
}

type deploymentResponse struct {
	ID            string `json:"id"`
	PlatformID    string `json:"platformId"`
	ApplicationID string `json:"applicationId"`
	CreatedAt     string `json:"createdAt"`
	Deployer      string `json:"deployer,omitempty"`
	CommitSHA     string `json:"commitSha,omitempty"`
	Repository    string `json:"repository,omitempty"`
	Status        string `json:"status"`
	HasFourEyes   bool   `json:"hasFourEyes"`
	StatusDetail  string `json:"statusDetail,omitempty"`
	PRNumber      *int   `json:"prNumber,omitempty"`
	PRURL         string `json:"prUrl,omitempty"`
	NotifiedAt    string `json:"notifiedAt,omitempty"`
}

func deploymentToResponse(d *deployments.Deployment) deploymentResponse {
	resp := deploymentResponse{
		ID:            d.ID,
		PlatformID:    d.PlatformID,
		ApplicationID: d.ApplicationID,
		CreatedAt:     d.CreatedAt.Format(time.RFC3339),
		Deployer:      d.Deployer,
		CommitSHA:     d.CommitSHA,
		Status:        string(d.Status),
		HasFourEyes:   d.HasFourEyes,
		StatusDetail:  d.StatusDetail,
		PRNumber:      d.PRNumber,
		PRURL:         d.PRURL,
	}
	if repo := d.DetectedRepo(); repo.Owner != "" {
		resp.Repository = repo.String()
	}
	if d.NotifiedAt != nil {
		resp.NotifiedAt = d.NotifiedAt.Format(time.RFC3339)
	}
	return resp
}

type transitionResponse struct {
	ID         string         `json:"id"`
	FromStatus string         `json:"fromStatus"`
	ToStatus   string         `json:"toStatus"`
	Source     string         `json:"source"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  string         `json:"createdAt"`
}

func transitionToResponse(t *deployments.StatusTransition) transitionResponse {
	return transitionResponse{
		ID:         t.ID,
		FromStatus: string(t.FromStatus),
		ToStatus:   string(t.ToStatus),
		Source:     string(t.Source),
		Detail:     t.Detail,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339),
	}
}

type alertResponse struct {
	ID            string `json:"id"`
	ApplicationID string `json:"applicationId"`
	DeploymentID  string `json:"deploymentId"`
	DetectedRepo  string `json:"detectedRepo"`
	ApprovedRepo  string `json:"approvedRepo,omitempty"`
	Status        string `json:"status"`
	Note          string `json:"note,omitempty"`
	ResolvedBy    string `json:"resolvedBy,omitempty"`
	ResolvedAt    string `json:"resolvedAt,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func alertToResponse(a *alerts.Alert) alertResponse {
	resp := alertResponse{
		ID:            a.ID,
		ApplicationID: a.ApplicationID,
		DeploymentID:  a.DeploymentID,
		DetectedRepo:  a.DetectedRepo,
		ApprovedRepo:  a.ApprovedRepo,
		Status:        string(a.Status),
		Note:          a.Note,
		ResolvedBy:    a.ResolvedBy,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
	if a.ResolvedAt != nil {
		resp.ResolvedAt = a.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}

type jobResponse struct {
	ID                 string `json:"id"`
	ApplicationID      string `json:"applicationId"`
	Kind               string `json:"kind"`
	Status             string `json:"status"`
	WorkerID           string `json:"workerId,omitempty"`
	StartedAt          string `json:"startedAt"`
	FinishedAt         string `json:"finishedAt,omitempty"`
	EventsFetched      int    `json:"eventsFetched"`
	DeploymentsChecked int    `json:"deploymentsChecked"`
	LastError          string `json:"lastError,omitempty"`
}

func jobToResponse(j *syncer.Job) jobResponse {
	resp := jobResponse{
		ID:                 j.ID,
		ApplicationID:      j.ApplicationID,
		Kind:               j.Kind,
		Status:             string(j.Status),
		WorkerID:           j.WorkerID,
		StartedAt:          j.StartedAt.Format(time.RFC3339),
		EventsFetched:      j.EventsFetched,
		DeploymentsChecked: j.DeploymentsChecked,
		LastError:          j.LastError,
	}
	if j.FinishedAt != nil {
		resp.FinishedAt = j.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
