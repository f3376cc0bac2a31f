// Package alerts tracks repository-mismatch alerts. One alert exists per
// offending deployment; it stays open until an operator resolves it with a
// note or the deployment ages past the legacy window.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	// AlertOpen means the mismatch is unreviewed.
	AlertOpen AlertStatus = "open"
	// AlertResolved means an operator closed the alert with a note.
	AlertResolved AlertStatus = "resolved"
	// AlertAutoResolved means the sweep closed the alert because the
	// deployment aged past the legacy window.
	AlertAutoResolved AlertStatus = "auto_resolved"
)

// ErrNotFound is returned when resolving a missing alert.
var ErrNotFound = errors.New("alert not found")

// Alert records one repository mismatch.
type Alert struct {
	ID            string      `gorm:"primaryKey;column:id;type:varchar(36)"`
	ApplicationID string      `gorm:"column:application_id;index;not null"`
	DeploymentID  string      `gorm:"column:deployment_id;uniqueIndex;not null"`
	DetectedRepo  string      `gorm:"column:detected_repo;not null"`
	ApprovedRepo  string      `gorm:"column:approved_repo"`
	Status        AlertStatus `gorm:"column:status;index;default:open;not null"`
	Note          string      `gorm:"column:note"`
	ResolvedBy    string      `gorm:"column:resolved_by"`
	ResolvedAt    *time.Time  `gorm:"column:resolved_at"`
	CreatedAt     time.Time   `gorm:"column:created_at"`
	UpdatedAt     time.Time   `gorm:"column:updated_at"`
}

// TableName returns the table name for Alert.
func (Alert) TableName() string { return "repository_alerts" }

// Store provides database operations for alerts.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new alert Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the alerts table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Alert{})
}

// Raise opens an alert for the deployment. At most one alert exists per
// deployment; raising again returns the existing one regardless of its
// state, so a resolved alert is not reopened by a re-sync.
func (s *Store) Raise(ctx context.Context, appID, deploymentID, detectedRepo, approvedRepo string) (*Alert, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("raise alert: missing deployment ID")
	}

	var out *Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Alert
		err := tx.Where("deployment_id = ?", deploymentID).First(&existing).Error
		if err == nil {
			out = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup alert for deployment %s: %w", deploymentID, err)
		}

		alert := &Alert{
			ID:            uuid.NewString(),
			ApplicationID: appID,
			DeploymentID:  deploymentID,
			DetectedRepo:  detectedRepo,
			ApprovedRepo:  approvedRepo,
			Status:        AlertOpen,
		}
		if err := tx.Create(alert).Error; err != nil {
			var race Alert
			if lookupErr := tx.Where("deployment_id = ?", deploymentID).First(&race).Error; lookupErr == nil {
				out = &race
				return nil
			}
			return fmt.Errorf("create alert: %w", err)
		}
		out = alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve closes an open alert. The note is mandatory: it is the audit
// evidence for why the mismatch was acceptable. Resolving a missing alert is
// a hard error.
func (s *Store) Resolve(ctx context.Context, id, actor, note string) (*Alert, error) {
	if note == "" {
		return nil, fmt.Errorf("resolve alert %s: a resolution note is required", id)
	}
	if actor == "" {
		return nil, fmt.Errorf("resolve alert %s: actor is required", id)
	}

	var out *Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alert Alert
		err := tx.First(&alert, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("resolve alert %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load alert %s: %w", id, err)
		}
		if alert.Status != AlertOpen {
			return fmt.Errorf("resolve alert %s: already %s", id, alert.Status)
		}

		now := time.Now().UTC()
		err = tx.Model(&Alert{}).Where("id = ?", id).Updates(map[string]any{
			"status":      AlertResolved,
			"note":        note,
			"resolved_by": actor,
			"resolved_at": now,
		}).Error
		if err != nil {
			return fmt.Errorf("resolve alert %s: %w", id, err)
		}
		if err := tx.First(&alert, "id = ?", id).Error; err != nil {
			return err
		}
		out = &alert
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AutoResolveLegacy closes open alerts whose deployment was created before
// the cutoff. Returns the number of alerts closed.
func (s *Store) AutoResolveLegacy(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Alert{}).
		Where("status = ? AND deployment_id IN (?)", AlertOpen,
			s.db.Table("deployments").Select("id").Where("created_at < ?", cutoff)).
		Updates(map[string]any{
			"status":      AlertAutoResolved,
			"note":        "deployment aged past the legacy window",
			"resolved_by": "system:legacy-sweep",
			"resolved_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("auto-resolve legacy alerts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListOpen returns all open alerts, oldest first. An empty appID lists
// every application.
func (s *Store) ListOpen(ctx context.Context, appID string) ([]Alert, error) {
	q := s.db.WithContext(ctx).Where("status = ?", AlertOpen)
	if appID != "" {
		q = q.Where("application_id = ?", appID)
	}
	var out []Alert
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	return out, nil
}

// Get returns the alert by ID, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	var alert Alert
	err := s.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	return &alert, nil
}
