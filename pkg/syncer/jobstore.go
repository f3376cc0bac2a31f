package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrJobNotFound is returned for operations on a missing job.
var ErrJobNotFound = errors.New("sync job not found")

// JobStore provides database operations for sync jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// AutoMigrate creates or updates the sync_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Job{})
}

// Acquire tries to claim the sync lease for one application. The insert
// conflicts on the unique (application_id, kind, active) index when another
// worker holds the lease; contention is a normal outcome, not an error.
func (s *JobStore) Acquire(ctx context.Context, appID, kind, workerID string, lease time.Duration) (*Job, bool, error) {
	active := true
	now := time.Now().UTC()
	job := &Job{
		ID:            uuid.NewString(),
		ApplicationID: appID,
		Kind:          kind,
		Active:        &active,
		Status:        JobRunning,
		WorkerID:      workerID,
		StartedAt:     now,
		ExpiresAt:     now.Add(lease),
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if result.Error != nil {
		return nil, false, fmt.Errorf("acquire sync job for %s: %w", appID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return job, true, nil
}

// Heartbeat extends the lease of a running job.
func (s *JobStore) Heartbeat(ctx context.Context, jobID string, lease time.Duration) error {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobRunning).
		Update("expires_at", time.Now().UTC().Add(lease))
	if result.Error != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("heartbeat job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Complete marks the job finished and releases the lease.
func (s *JobStore) Complete(ctx context.Context, jobID string, eventsFetched, deploymentsChecked int) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobRunning).
		Updates(map[string]any{
			"status":              JobCompleted,
			"active":              nil,
			"finished_at":         now,
			"events_fetched":      eventsFetched,
			"deployments_checked": deploymentsChecked,
		})
	if result.Error != nil {
		return fmt.Errorf("complete job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("complete job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// Fail marks the job failed and releases the lease.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, JobRunning).
		Updates(map[string]any{
			"status":      JobFailed,
			"active":      nil,
			"finished_at": now,
			"last_error":  errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("fail job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("fail job %s: %w", jobID, ErrJobNotFound)
	}
	return nil
}

// ReleaseExpired fails running jobs whose lease expired, so a crashed worker
// never blocks its application forever. Returns the number released.
func (s *JobStore) ReleaseExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND expires_at < ?", JobRunning, now).
		Updates(map[string]any{
			"status":      JobFailed,
			"active":      nil,
			"finished_at": now,
			"last_error":  "lease expired",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("release expired jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// JobListFilter narrows List results.
type JobListFilter struct {
	ApplicationID string
	Status        JobStatus
	Limit         int
}

// List returns jobs, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter) ([]Job, error) {
	q := s.db.WithContext(ctx).Model(&Job{})
	if filter.ApplicationID != "" {
		q = q.Where("application_id = ?", filter.ApplicationID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []Job
	if err := q.Order("started_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes terminal jobs finished before the cutoff. The
// deployment transition history is kept forever; job rows are operational
// noise, not evidence.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", []JobStatus{JobCompleted, JobFailed}, cutoff).
		Delete(&Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
