package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
)

// memTransport records posted and deleted messages.
type memTransport struct {
	mu      sync.Mutex
	nextID  atomic.Int64
	posted  []string
	deleted []string
}

func (m *memTransport) PostMessage(_ context.Context, _, text string) (string, error) {
	id := fmt.Sprintf("msg-%d", m.nextID.Add(1))
	m.mu.Lock()
	m.posted = append(m.posted, id+": "+text)
	m.mu.Unlock()
	return id, nil
}

func (m *memTransport) UpdateMessage(context.Context, string, string, string) error { return nil }

func (m *memTransport) DeleteMessage(_ context.Context, _, messageID string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, messageID)
	m.mu.Unlock()
	return nil
}

type fixture struct {
	apps    *apps.Store
	deploys *deployments.Store
	app     *apps.Application
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	f := &fixture{apps: apps.NewStore(db), deploys: deployments.NewStore(db)}
	require.NoError(t, f.apps.AutoMigrate())
	require.NoError(t, f.deploys.AutoMigrate())

	f.app, err = f.apps.Register(context.Background(), &apps.Application{
		Team: "payments", Environment: "production", Name: "checkout",
		NotificationsEnabled: true, NotifyChannel: "#deploy-audit",
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) addProblemDeployment(t *testing.T, platformID string, status foureyes.Status) *deployments.Deployment {
	t.Helper()
	ctx := context.Background()
	d, _, err := f.deploys.CreateIfAbsent(ctx, &deployments.Deployment{
		PlatformID:    platformID,
		ApplicationID: f.app.ID,
		CreatedAt:     time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		Deployer:      "alice",
		CommitSHA:     "abc123",
	})
	require.NoError(t, err)
	require.NoError(t, f.deploys.SetStatus(ctx, d.ID, status, deployments.SourceSync,
		deployments.StatusUpdate{StatusDetail: "no pull request found"}))
	return d
}

func TestDispatchNotifiesProblemStatusesOnce(t *testing.T) {
	f := newFixture(t)
	d := f.addProblemDeployment(t, "plat-1", foureyes.StatusDirectPush)
	transport := &memTransport{}
	dispatcher := NewDispatcher(f.apps, f.deploys, transport)
	ctx := context.Background()

	sent, err := dispatcher.DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, transport.posted, 1)
	assert.Contains(t, transport.posted[0], "direct_push")
	assert.Contains(t, transport.posted[0], "payments/production/checkout")

	got, err := f.deploys.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NotifyMessageID)

	// A second run finds nothing left to send.
	sent, err = dispatcher.DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, transport.posted, 1)
}

func TestDispatchSkipsHealthyAndDisabled(t *testing.T) {
	f := newFixture(t)
	f.addProblemDeployment(t, "plat-ok", foureyes.StatusApprovedPR)
	ctx := context.Background()

	require.NoError(t, f.apps.SetNotifications(ctx, f.app.ID, false, "#deploy-audit"))
	f.addProblemDeployment(t, "plat-bad", foureyes.StatusMissing)

	transport := &memTransport{}
	sent, err := NewDispatcher(f.apps, f.deploys, transport).DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, transport.posted)
}

func TestConcurrentDispatchersDeliverExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addProblemDeployment(t, "plat-1", foureyes.StatusMissing)
	transport := &memTransport{}
	ctx := context.Background()

	const racers = 6
	var wg sync.WaitGroup
	var totalSent atomic.Int64
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher := NewDispatcher(f.apps, f.deploys, transport)
			sent, err := dispatcher.DispatchPending(ctx, 10)
			if err == nil {
				totalSent.Add(int64(sent))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), totalSent.Load(), "exactly one dispatcher reports a send")
	// Every message except the claim winner's was retracted.
	assert.Equal(t, len(transport.posted)-1, len(transport.deleted))
}

func TestWebhookTransportPostAndDelete(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Channel string `json:"channel"`
			Text    string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "#deploy-audit", req.Channel)
		json.NewEncoder(w).Encode(map[string]string{"message_id": "m-77"})
	})
	mux.HandleFunc("DELETE /messages/m-77", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	transport := NewWebhookTransport(server.URL, "secret-token")
	ctx := context.Background()

	id, err := transport.PostMessage(ctx, "#deploy-audit", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m-77", id)
	assert.Equal(t, "Bearer secret-token", gotAuth)

	require.NoError(t, transport.DeleteMessage(ctx, "#deploy-audit", "m-77"))
}

func TestWebhookTransportErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "channel_not_found", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewWebhookTransport(server.URL, "").PostMessage(context.Background(), "#nope", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}
