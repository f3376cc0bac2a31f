// Package integration holds tests that run against a real postgres
// instance via testcontainers. They are skipped unless
// DEPLOYWATCH_INTEGRATION=1 is set, so the regular test run stays free
// of a Docker dependency.
package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/db"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("DEPLOYWATCH_INTEGRATION") == "" {
		t.Skip("set DEPLOYWATCH_INTEGRATION=1 to run postgres integration tests")
	}

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("deploywatch"),
		tcpostgres.WithUsername("deploywatch"),
		tcpostgres.WithPassword("deploywatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := db.DefaultConfig()
	cfg.Dialect = "postgres"
	cfg.DSN = dsn
	conn, err := db.Connect(cfg, logger)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, conn, logger))
	return conn
}

func TestPostgresMigrateAndStores(t *testing.T) {
	conn := setupPostgres(t)
	ctx := context.Background()

	appStore := apps.NewStore(conn)
	app, err := appStore.Register(ctx, &apps.Application{
		Team:        "payments",
		Environment: "production",
		Name:        "checkout",
	})
	require.NoError(t, err)

	found, err := appStore.GetByRef(ctx, "payments", "production", "checkout")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, app.ID, found.ID)

	deployStore := deployments.NewStore(conn)
	d, created, err := deployStore.CreateIfAbsent(ctx, &deployments.Deployment{
		PlatformID:    "evt-1",
		ApplicationID: app.ID,
		CreatedAt:     time.Now().UTC(),
		Deployer:      "alice",
		CommitSHA:     "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, foureyes.StatusPending, d.Status)

	// A second ingest of the same platform event is a no-op.
	_, created, err = deployStore.CreateIfAbsent(ctx, &deployments.Deployment{
		PlatformID:    "evt-1",
		ApplicationID: app.ID,
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created)

	err = deployStore.SetStatus(ctx, d.ID, foureyes.StatusApprovedPR, deployments.SourceSync,
		deployments.StatusUpdate{StatusDetail: "approved pull request"})
	require.NoError(t, err)

	got, err := deployStore.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, foureyes.StatusApprovedPR, got.Status)
	assert.True(t, got.HasFourEyes)

	transitions, err := deployStore.TransitionsFor(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, foureyes.StatusPending, transitions[0].FromStatus)
	assert.Equal(t, foureyes.StatusApprovedPR, transitions[0].ToStatus)
}

func TestPostgresNotificationClaim(t *testing.T) {
	conn := setupPostgres(t)
	ctx := context.Background()

	appStore := apps.NewStore(conn)
	app, err := appStore.Register(ctx, &apps.Application{
		Team:        "search",
		Environment: "production",
		Name:        "indexer",
	})
	require.NoError(t, err)

	deployStore := deployments.NewStore(conn)
	d, _, err := deployStore.CreateIfAbsent(ctx, &deployments.Deployment{
		PlatformID:    "evt-claim",
		ApplicationID: app.ID,
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)

	won, err := deployStore.ClaimNotification(ctx, d.ID, "msg-1")
	require.NoError(t, err)
	assert.True(t, won)

	// The claim is exactly-once, a second dispatcher loses.
	won, err = deployStore.ClaimNotification(ctx, d.ID, "msg-2")
	require.NoError(t, err)
	assert.False(t, won)

	got, err := deployStore.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NotifyMessageID)
	assert.Equal(t, "msg-1", *got.NotifyMessageID)
}

func TestPostgresJobAcquireConflict(t *testing.T) {
	conn := setupPostgres(t)
	ctx := context.Background()

	jobs := syncer.NewJobStore(conn)

	first, acquired, err := jobs.Acquire(ctx, "app-1", syncer.JobKindSync, "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// The unique active index admits a single running job per application.
	_, acquired, err = jobs.Acquire(ctx, "app-1", syncer.JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, jobs.Complete(ctx, first.ID, 3, 3))

	_, acquired, err = jobs.Acquire(ctx, "app-1", syncer.JobKindSync, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}
