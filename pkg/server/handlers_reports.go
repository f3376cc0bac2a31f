package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// ReportHandler handles GET /api/v1/applications/{appID}/report?year=&format=
// The format query param selects json (default) or csv.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
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

	year := time.Now().UTC().Year()
	if v := r.URL.Query().Get("year"); v != "" {
		year, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid year %q", v))
			return
		}
	}

	report, err := s.reports.Yearly(r.Context(), appID, year)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build report: %v", err))
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := report.WriteJSON(w); err != nil {
			s.logger.Error("writing report failed", "application", appID, "error", err)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("four-eyes-%s-%d.csv", appID, year)))
		w.WriteHeader(http.StatusOK)
		if err := report.WriteCSV(w); err != nil {
			s.logger.Error("writing report failed", "application", appID, "error", err)
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", r.URL.Query().Get("format")))
	}
}
