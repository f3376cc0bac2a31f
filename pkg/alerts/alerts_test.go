package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
)

func newTestStores(t *testing.T) (*Store, *deployments.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	alertStore := NewStore(db)
	require.NoError(t, alertStore.AutoMigrate())
	deployStore := deployments.NewStore(db)
	require.NoError(t, deployStore.AutoMigrate())
	return alertStore, deployStore
}

func createDeployment(t *testing.T, store *deployments.Store, platformID string, created time.Time) *deployments.Deployment {
	t.Helper()
	d, _, err := store.CreateIfAbsent(context.Background(), &deployments.Deployment{
		PlatformID:    platformID,
		ApplicationID: "app-1",
		CreatedAt:     created,
		Status:        foureyes.StatusPending,
	})
	require.NoError(t, err)
	return d
}

func TestRaiseIsIdempotentPerDeployment(t *testing.T) {
	alerts, deploys := newTestStores(t)
	ctx := context.Background()
	d := createDeployment(t, deploys, "plat-1", time.Now())

	first, err := alerts.Raise(ctx, "app-1", d.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)
	assert.Equal(t, AlertOpen, first.Status)

	second, err := alerts.Raise(ctx, "app-1", d.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	open, err := alerts.ListOpen(ctx, "app-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestResolveRequiresNote(t *testing.T) {
	alerts, deploys := newTestStores(t)
	ctx := context.Background()
	d := createDeployment(t, deploys, "plat-2", time.Now())

	alert, err := alerts.Raise(ctx, "app-1", d.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)

	_, err = alerts.Resolve(ctx, alert.ID, "carol", "")
	assert.Error(t, err, "a resolution note is mandatory evidence")

	resolved, err := alerts.Resolve(ctx, alert.ID, "carol", "fork approved by security review")
	require.NoError(t, err)
	assert.Equal(t, AlertResolved, resolved.Status)
	assert.Equal(t, "carol", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = alerts.Resolve(ctx, alert.ID, "carol", "again")
	assert.Error(t, err, "resolved alerts stay resolved")
}

func TestResolveMissingAlertIsHardError(t *testing.T) {
	alerts, _ := newTestStores(t)
	_, err := alerts.Resolve(context.Background(), "no-such-alert", "carol", "note")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRaiseDoesNotReopenResolvedAlert(t *testing.T) {
	alerts, deploys := newTestStores(t)
	ctx := context.Background()
	d := createDeployment(t, deploys, "plat-3", time.Now())

	alert, err := alerts.Raise(ctx, "app-1", d.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)
	_, err = alerts.Resolve(ctx, alert.ID, "carol", "accepted")
	require.NoError(t, err)

	again, err := alerts.Raise(ctx, "app-1", d.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)
	assert.Equal(t, AlertResolved, again.Status)

	open, err := alerts.ListOpen(ctx, "app-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestAutoResolveLegacySweep(t *testing.T) {
	alerts, deploys := newTestStores(t)
	ctx := context.Background()

	old := createDeployment(t, deploys, "plat-old", time.Now().AddDate(-2, 0, 0))
	recent := createDeployment(t, deploys, "plat-recent", time.Now())

	_, err := alerts.Raise(ctx, "app-1", old.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)
	_, err = alerts.Raise(ctx, "app-1", recent.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)

	closed, err := alerts.AutoResolveLegacy(ctx, time.Now().AddDate(-1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	open, err := alerts.ListOpen(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, recent.ID, open[0].DeploymentID)
}
