// Package deployments stores deployment records and their append-only
// status transition history. The deployment row is the single source of
// truth for a deployment's four-eyes status; the transition table is the
// compliance evidence trail and is never pruned.
package deployments

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/githost"
)

// Source identifies what caused a status transition.
type Source string

const (
	// SourceSync is the automatic sync loop.
	SourceSync Source = "sync"
	// SourceManual is an operator action through the API.
	SourceManual Source = "manual"
	// SourceSystem is internal maintenance (sweeps, migrations).
	SourceSystem Source = "system"
)

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// PRSnapshot is a pull request snapshot stored as a JSON column. The
// snapshot is validated on write so a corrupt record can never enter the
// evidence trail.
type PRSnapshot struct {
	PR *githost.PullRequest
}

// Scan implements the sql.Scanner interface for PRSnapshot.
func (p *PRSnapshot) Scan(value any) error {
	if value == nil {
		p.PR = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for PRSnapshot: %T", value)
	}
	if len(bytes) == 0 {
		p.PR = nil
		return nil
	}
	pr := &githost.PullRequest{}
	if err := json.Unmarshal(bytes, pr); err != nil {
		return fmt.Errorf("decode PR snapshot: %w", err)
	}
	p.PR = pr
	return nil
}

// Value implements the driver.Valuer interface for PRSnapshot.
func (p PRSnapshot) Value() (driver.Value, error) {
	if p.PR == nil {
		return nil, nil
	}
	if err := p.PR.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to store invalid PR snapshot: %w", err)
	}
	b, err := json.Marshal(p.PR)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Deployment is one deployment of an application as reported by the
// platform. PlatformID is the platform's own identifier and deduplicates
// re-synced events.
type Deployment struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	PlatformID    string    `gorm:"column:platform_id;uniqueIndex;not null"`
	ApplicationID string    `gorm:"column:application_id;index:idx_deploy_app_created,priority:1;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;index:idx_deploy_app_created,priority:2"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`

	Deployer      string `gorm:"column:deployer"`
	CommitSHA     string `gorm:"column:commit_sha;index"`
	DetectedOwner string `gorm:"column:detected_owner"`
	DetectedName  string `gorm:"column:detected_name"`

	Status foureyes.Status `gorm:"column:status;index;default:pending;not null"`
	// HasFourEyes is always the projection of Status; the store is the only
	// writer and keeps the two in lockstep.
	HasFourEyes  bool       `gorm:"column:has_four_eyes;not null"`
	StatusDetail string     `gorm:"column:status_detail"`
	PRNumber     *int       `gorm:"column:pr_number"`
	PRURL        string     `gorm:"column:pr_url"`
	PRSnapshot   PRSnapshot `gorm:"column:pr_snapshot;type:text"`

	// NotifyMessageID is the exactly-once notification marker: set by the
	// dispatcher that wins the claim, NULL until then.
	NotifyMessageID *string    `gorm:"column:notify_message_id"`
	NotifiedAt      *time.Time `gorm:"column:notified_at"`
}

// TableName returns the table name for Deployment.
func (Deployment) TableName() string { return "deployments" }

// DetectedRepo returns the repository carried by the deployment's trigger
// metadata, zero when none was detected.
func (d *Deployment) DetectedRepo() githost.Repo {
	return githost.Repo{Owner: d.DetectedOwner, Name: d.DetectedName}
}

// StatusTransition is one append-only status change record. Rows are never
// updated or deleted.
type StatusTransition struct {
	ID           string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	DeploymentID string          `gorm:"column:deployment_id;index:idx_transition_deploy_time,priority:1;not null"`
	FromStatus   foureyes.Status `gorm:"column:from_status;not null"`
	ToStatus     foureyes.Status `gorm:"column:to_status;not null"`
	Source       Source          `gorm:"column:source;not null"`
	Detail       JSONAny         `gorm:"column:detail;type:text"`
	CreatedAt    time.Time       `gorm:"column:created_at;index:idx_transition_deploy_time,priority:2"`
}

// TableName returns the table name for StatusTransition.
func (StatusTransition) TableName() string { return "deployment_status_transitions" }
