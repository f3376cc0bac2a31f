package apps

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auditflow/deploywatch/pkg/githost"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func registerApp(t *testing.T, store *Store) *Application {
	t.Helper()
	app, err := store.Register(context.Background(), &Application{
		Team:        "payments",
		Environment: "production",
		Name:        "checkout",
	})
	require.NoError(t, err)
	return app
}

var (
	repoA = githost.Repo{Owner: "org", Name: "svc"}
	repoB = githost.Repo{Owner: "org", Name: "forked-svc"}
)

func TestRegisterRejectsDuplicateTriple(t *testing.T) {
	store := newTestStore(t)
	registerApp(t, store)

	_, err := store.Register(context.Background(), &Application{
		Team: "payments", Environment: "production", Name: "checkout",
	})
	assert.Error(t, err)
}

func TestFirstRepositoryIsAutoApproved(t *testing.T) {
	store := newTestStore(t)
	app := registerApp(t, store)
	ctx := context.Background()

	res, err := store.ResolveRepository(ctx, app.ID, repoA)
	require.NoError(t, err)
	assert.False(t, res.Mismatch)
	require.NotNil(t, res.Approved)
	assert.Equal(t, repoA, *res.Approved)
	assert.Equal(t, AssociationActive, res.Association.Status)

	// Resolving the same repository again is a no-op.
	again, err := store.ResolveRepository(ctx, app.ID, repoA)
	require.NoError(t, err)
	assert.False(t, again.Mismatch)
	assert.Equal(t, res.Association.ID, again.Association.ID)
}

func TestDifferentRepositoryOpensPendingAssociation(t *testing.T) {
	store := newTestStore(t)
	app := registerApp(t, store)
	ctx := context.Background()

	_, err := store.ResolveRepository(ctx, app.ID, repoA)
	require.NoError(t, err)

	res, err := store.ResolveRepository(ctx, app.ID, repoB)
	require.NoError(t, err)
	assert.True(t, res.Mismatch)
	assert.Equal(t, repoA, *res.Approved, "the approved repository is unchanged")
	assert.Equal(t, AssociationPending, res.Association.Status)

	// Repeated mismatches reuse the same pending association.
	again, err := store.ResolveRepository(ctx, app.ID, repoB)
	require.NoError(t, err)
	assert.True(t, again.Mismatch)
	assert.Equal(t, res.Association.ID, again.Association.ID)

	assocs, err := store.Associations(ctx, app.ID)
	require.NoError(t, err)
	assert.Len(t, assocs, 2)
}

func TestApproveAssociationTakesOver(t *testing.T) {
	store := newTestStore(t)
	app := registerApp(t, store)
	ctx := context.Background()

	_, err := store.ResolveRepository(ctx, app.ID, repoA)
	require.NoError(t, err)
	res, err := store.ResolveRepository(ctx, app.ID, repoB)
	require.NoError(t, err)

	approved, err := store.ApproveAssociation(ctx, res.Association.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, AssociationActive, approved.Status)
	assert.Equal(t, "carol", approved.ApprovedBy)

	active, err := store.ActiveRepository(ctx, app.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, repoB, *active)

	// The old active association is kept as history, not deleted.
	assocs, err := store.Associations(ctx, app.ID)
	require.NoError(t, err)
	var historical int
	for _, a := range assocs {
		if a.Status == AssociationHistorical {
			historical++
		}
	}
	assert.Equal(t, 1, historical)
}

func TestApproveAssociationRequiresPending(t *testing.T) {
	store := newTestStore(t)
	app := registerApp(t, store)
	ctx := context.Background()

	res, err := store.ResolveRepository(ctx, app.ID, repoA)
	require.NoError(t, err)

	_, err = store.ApproveAssociation(ctx, res.Association.ID, "carol")
	assert.Error(t, err, "active associations cannot be re-approved")

	_, err = store.ApproveAssociation(ctx, "no-such-id", "carol")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCursorAndSyncBookkeeping(t *testing.T) {
	store := newTestStore(t)
	app := registerApp(t, store)
	ctx := context.Background()

	require.NoError(t, store.AdvanceCursor(ctx, app.ID, "cursor-7"))
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkSynced(ctx, app.ID, at))

	got, err := store.Get(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-7", got.EventCursor)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, got.LastSyncedAt.Equal(at))

	assert.ErrorIs(t, store.AdvanceCursor(ctx, "missing", "c"), ErrNotFound)
}
