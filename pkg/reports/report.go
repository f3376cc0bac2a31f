package reports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
)

// Store runs report queries.
type Store struct {
	db *gorm.DB
}

// NewStore creates a report Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Query lists deployments matching a filter DSL expression, newest first.
func (s *Store) Query(ctx context.Context, filter string, limit int) ([]deployments.Deployment, error) {
	parsed, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	condition, args, err := parsed.Compile()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = deployments.DefaultPageSize
	}

	q := s.db.WithContext(ctx).Model(&deployments.Deployment{}).
		Joins("JOIN applications ON applications.id = deployments.application_id")
	if condition != "" {
		q = q.Where(condition, args...)
	}
	var out []deployments.Deployment
	err = q.Order("deployments.created_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	return out, nil
}

// ManualIntervention is one operator action extracted from the transition
// log.
type ManualIntervention struct {
	DeploymentID string          `json:"deploymentId"`
	FromStatus   foureyes.Status `json:"fromStatus"`
	ToStatus     foureyes.Status `json:"toStatus"`
	At           time.Time       `json:"at"`
}

// YearlyReport is the per-application audit summary for one calendar year.
type YearlyReport struct {
	ApplicationID string `json:"applicationId"`
	Year          int    `json:"year"`

	Total        int64                     `json:"total"`
	StatusCounts map[foureyes.Status]int64 `json:"statusCounts"`
	// Exempted counts deployments that pass without review evidence.
	Exempted int64 `json:"exempted"`
	// Satisfied counts deployments with four-eyes satisfied, exemptions
	// included.
	Satisfied int64 `json:"satisfied"`

	AlertsOpen         int64 `json:"alertsOpen"`
	AlertsResolved     int64 `json:"alertsResolved"`
	AlertsAutoResolved int64 `json:"alertsAutoResolved"`

	ManualInterventions []ManualIntervention `json:"manualInterventions"`
}

// Yearly builds the audit report for one application and year.
func (s *Store) Yearly(ctx context.Context, appID string, year int) (*YearlyReport, error) {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)

	report := &YearlyReport{
		ApplicationID: appID,
		Year:          year,
		StatusCounts:  map[foureyes.Status]int64{},
	}

	type statusRow struct {
		Status foureyes.Status
		N      int64
	}
	var rows []statusRow
	err := s.db.WithContext(ctx).Model(&deployments.Deployment{}).
		Select("status, count(*) as n").
		Where("application_id = ? AND created_at >= ? AND created_at < ?", appID, start, end).
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("yearly report status counts: %w", err)
	}
	for _, r := range rows {
		report.StatusCounts[r.Status] = r.N
		report.Total += r.N
		if r.Status.HasFourEyes() {
			report.Satisfied += r.N
		}
		if r.Status == foureyes.StatusLegacy || r.Status == foureyes.StatusManuallyApproved {
			report.Exempted += r.N
		}
	}

	type alertRow struct {
		Status alerts.AlertStatus
		N      int64
	}
	var alertRows []alertRow
	err = s.db.WithContext(ctx).Model(&alerts.Alert{}).
		Select("repository_alerts.status, count(*) as n").
		Joins("JOIN deployments ON deployments.id = repository_alerts.deployment_id").
		Where("repository_alerts.application_id = ? AND deployments.created_at >= ? AND deployments.created_at < ?",
			appID, start, end).
		Group("repository_alerts.status").Scan(&alertRows).Error
	if err != nil {
		return nil, fmt.Errorf("yearly report alert counts: %w", err)
	}
	for _, r := range alertRows {
		switch r.Status {
		case alerts.AlertOpen:
			report.AlertsOpen = r.N
		case alerts.AlertResolved:
			report.AlertsResolved = r.N
		case alerts.AlertAutoResolved:
			report.AlertsAutoResolved = r.N
		}
	}

	var manual []deployments.StatusTransition
	err = s.db.WithContext(ctx).Model(&deployments.StatusTransition{}).
		Joins("JOIN deployments ON deployments.id = deployment_status_transitions.deployment_id").
		Where("deployments.application_id = ? AND deployment_status_transitions.source = ?", appID, deployments.SourceManual).
		Where("deployment_status_transitions.created_at >= ? AND deployment_status_transitions.created_at < ?", start, end).
		Order("deployment_status_transitions.created_at ASC").
		Find(&manual).Error
	if err != nil {
		return nil, fmt.Errorf("yearly report manual interventions: %w", err)
	}
	for _, tr := range manual {
		report.ManualInterventions = append(report.ManualInterventions, ManualIntervention{
			DeploymentID: tr.DeploymentID,
			FromStatus:   tr.FromStatus,
			ToStatus:     tr.ToStatus,
			At:           tr.CreatedAt,
		})
	}
	return report, nil
}

// WriteJSON writes the report as indented JSON.
func (r *YearlyReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteCSV writes the status breakdown as CSV.
func (r *YearlyReport) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"application_id", "year", "status", "count"}); err != nil {
		return err
	}

	statuses := make([]string, 0, len(r.StatusCounts))
	for status := range r.StatusCounts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)

	for _, status := range statuses {
		record := []string{
			r.ApplicationID,
			strconv.Itoa(r.Year),
			status,
			strconv.FormatInt(r.StatusCounts[foureyes.Status(status)], 10),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
