// Package syncer drives the deployment sync loop: it pulls deployment
// events from the platform, persists them, and runs four-eyes verification
// over everything still awaiting a verdict. Cross-replica exclusion is done
// with database-level job claims, not in-process locks.
package syncer

import (
	"time"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	// JobRunning means a worker holds the job lease.
	JobRunning JobStatus = "running"
	// JobCompleted means the job finished normally.
	JobCompleted JobStatus = "completed"
	// JobFailed means the job errored or its lease expired.
	JobFailed JobStatus = "failed"
)

// JobKindSync is the only job kind today.
const JobKindSync = "sync"

// Job is one sync run over one application. Active is true while the lease
// is held and NULL once terminal; the unique (application_id, kind, active)
// index makes concurrent acquisition race-free, since NULLs never collide.
type Job struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ApplicationID string    `gorm:"column:application_id;uniqueIndex:idx_job_active,priority:1;not null"`
	Kind          string    `gorm:"column:kind;uniqueIndex:idx_job_active,priority:2;not null"`
	Active        *bool     `gorm:"column:active;uniqueIndex:idx_job_active,priority:3"`
	Status        JobStatus `gorm:"column:status;index;not null"`
	WorkerID      string    `gorm:"column:worker_id"`
	StartedAt     time.Time `gorm:"column:started_at"`
	ExpiresAt     time.Time `gorm:"column:expires_at;index"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`

	EventsFetched      int    `gorm:"column:events_fetched"`
	DeploymentsChecked int    `gorm:"column:deployments_checked"`
	LastError          string `gorm:"column:last_error"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName returns the table name for Job.
func (Job) TableName() string { return "sync_jobs" }
