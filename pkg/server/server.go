// Package server exposes the management HTTP API: applications and their
// repository associations, deployment verdicts, alerts, sync jobs, reports
// and the ops audit trail.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/authz"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/metrics"
	"github.com/auditflow/deploywatch/pkg/opsaudit"
	"github.com/auditflow/deploywatch/pkg/reports"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

// Server wires the stores and the orchestrator into the HTTP API.
type Server struct {
	apps         *apps.Store
	deploys      *deployments.Store
	alerts       *alerts.Store
	jobs         *syncer.JobStore
	orchestrator *syncer.Orchestrator
	reports      *reports.Store
	audit        *opsaudit.Store
	metrics      *metrics.Metrics
	extractor    authz.Extractor
	logger       *slog.Logger
}

// Deps carries everything the server needs. Audit, metrics and the
// extractor are optional; a nil extractor falls back to header extraction.
type Deps struct {
	Apps         *apps.Store
	Deployments  *deployments.Store
	Alerts       *alerts.Store
	Jobs         *syncer.JobStore
	Orchestrator *syncer.Orchestrator
	Reports      *reports.Store
	Audit        *opsaudit.Store
	Metrics      *metrics.Metrics
	Extractor    authz.Extractor
	Logger       *slog.Logger
}

// New creates a Server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = authz.HeaderExtractor()
	}
	return &Server{
		apps:         deps.Apps,
		deploys:      deps.Deployments,
		alerts:       deps.Alerts,
		jobs:         deps.Jobs,
		orchestrator: deps.Orchestrator,
		reports:      deps.Reports,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		extractor:    extractor,
		logger:       logger,
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Remote-User", "X-Remote-Role"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(authz.Middleware(s.extractor))
	if s.audit != nil {
		r.Use(opsaudit.Middleware(s.audit, s.logger))
	}

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/applications", func(r chi.Router) {
			r.Get("/", s.listApplicationsHandler)
			r.With(authz.RequireOperator).Post("/", s.registerApplicationHandler)
			r.Route("/{appID}", func(r chi.Router) {
				r.Get("/", s.getApplicationHandler)
				r.Get("/associations", s.listAssociationsHandler)
				r.Get("/deployments", s.listDeploymentsHandler)
				r.Get("/report", s.reportHandler)
				r.With(authz.RequireOperator).Put("/notifications", s.setNotificationsHandler)
				r.With(authz.RequireOperator).Post("/sync", s.syncHandler)
			})
		})
		r.With(authz.RequireOperator).
			Post("/associations/{assocID}/approve", s.approveAssociationHandler)

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.queryDeploymentsHandler)
			r.Route("/{deploymentID}", func(r chi.Router) {
				r.Get("/", s.getDeploymentHandler)
				r.Get("/transitions", s.listTransitionsHandler)
				r.With(authz.RequireOperator).Post("/verify", s.verifyHandler)
				r.With(authz.RequireOperator).Post("/manual-approval", s.manualApprovalHandler)
			})
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.listAlertsHandler)
			r.Get("/{alertID}", s.getAlertHandler)
			r.With(authz.RequireOperator).Post("/{alertID}/resolve", s.resolveAlertHandler)
		})

		r.Get("/jobs", s.listJobsHandler)
		if s.audit != nil {
			r.Get("/audit-events", s.listAuditEventsHandler)
		}
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler reports ready once the database answers a trivial query.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.apps.List(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
