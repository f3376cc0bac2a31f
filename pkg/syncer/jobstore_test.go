package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewJobStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestAcquireContentionIsAValueNotAnError(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	job, acquired, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotNil(t, job)

	_, acquired, err = store.Acquire(ctx, "app-1", JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "second worker loses the claim quietly")

	// A different application is independent.
	_, acquired, err = store.Acquire(ctx, "app-2", JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestCompleteReleasesTheLease(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	job, acquired, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.Complete(ctx, job.ID, 12, 7))

	// The lease is free again.
	_, acquired, err = store.Acquire(ctx, "app-1", JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	jobs, err := store.List(ctx, JobListFilter{ApplicationID: "app-1", Status: JobCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 12, jobs[0].EventsFetched)
	assert.Equal(t, 7, jobs[0].DeploymentsChecked)
	assert.Nil(t, jobs[0].Active)
}

func TestFailReleasesTheLease(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	job, _, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, job.ID, "code host rate limited"))

	jobs, err := store.List(ctx, JobListFilter{Status: JobFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "code host rate limited", jobs[0].LastError)

	_, acquired, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseExpiredFreesCrashedWorkers(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	// Negative lease: already expired.
	_, acquired, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-crashed", -time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	released, err := store.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	_, acquired, err = store.Acquire(ctx, "app-1", JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lease no longer blocks acquisition")
}

func TestHeartbeatExtendsLease(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	job, _, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-a", time.Second)
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(ctx, job.ID, time.Hour))

	released, err := store.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	assert.ErrorIs(t, store.Heartbeat(ctx, "missing", time.Minute), ErrJobNotFound)
}

func TestDeleteOlderThanKeepsRunningJobs(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	done, _, err := store.Acquire(ctx, "app-1", JobKindSync, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done.ID, 0, 0))

	_, _, err = store.Acquire(ctx, "app-2", JobKindSync, "worker-a", time.Minute)
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := store.List(ctx, JobListFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, JobRunning, remaining[0].Status)
}
