// Package apps manages the monitored applications and their repository
// associations. An application is one (team, environment, name) triple on
// the deployment platform; its associations record which source repository
// is approved to feed it.
package apps

import (
	"time"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// AssociationStatus is the lifecycle state of a repository association.
type AssociationStatus string

const (
	// AssociationActive is the currently approved repository.
	AssociationActive AssociationStatus = "active"
	// AssociationPending is a detected repository awaiting operator review.
	AssociationPending AssociationStatus = "pending"
	// AssociationHistorical is a previously active repository superseded by
	// a takeover approval.
	AssociationHistorical AssociationStatus = "historical"
)

// Application is one monitored application.
type Application struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	Team        string    `gorm:"column:team;uniqueIndex:idx_app_ref,priority:1;not null"`
	Environment string    `gorm:"column:environment;uniqueIndex:idx_app_ref,priority:2;not null"`
	Name        string    `gorm:"column:name;uniqueIndex:idx_app_ref,priority:3;not null"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`

	// AuditStartYear exempts deployments created before this year; zero
	// means audit everything.
	AuditStartYear int `gorm:"column:audit_start_year"`

	NotificationsEnabled bool   `gorm:"column:notifications_enabled"`
	NotifyChannel        string `gorm:"column:notify_channel"`

	// ImplicitApprovalMode overrides the global policy for this application;
	// empty uses the policy default.
	ImplicitApprovalMode string `gorm:"column:implicit_approval_mode"`

	// EventCursor is the platform pagination cursor of the last fully
	// persisted deployment events page.
	EventCursor  string     `gorm:"column:event_cursor"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
}

// TableName returns the table name for Application.
func (Application) TableName() string { return "applications" }

// Ref returns the application's platform reference.
func (a *Application) Ref() (team, environment, name string) {
	return a.Team, a.Environment, a.Name
}

// RepositoryAssociation links an application to a source repository. The
// rows form an ordered history; at most one is active at a time.
type RepositoryAssociation struct {
	ID            string            `gorm:"primaryKey;column:id;type:varchar(36)"`
	ApplicationID string            `gorm:"column:application_id;index:idx_assoc_app;not null"`
	Owner         string            `gorm:"column:owner;not null"`
	Name          string            `gorm:"column:name;not null"`
	Status        AssociationStatus `gorm:"column:status;index;not null"`
	ApprovedBy    string            `gorm:"column:approved_by"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
}

// TableName returns the table name for RepositoryAssociation.
func (RepositoryAssociation) TableName() string { return "repository_associations" }

// Repo returns the association's repository.
func (a *RepositoryAssociation) Repo() githost.Repo {
	return githost.Repo{Owner: a.Owner, Name: a.Name}
}
