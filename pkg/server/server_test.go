package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/githost"
	"github.com/auditflow/deploywatch/pkg/metrics"
	"github.com/auditflow/deploywatch/pkg/opsaudit"
	"github.com/auditflow/deploywatch/pkg/paas"
	"github.com/auditflow/deploywatch/pkg/reports"
	"github.com/auditflow/deploywatch/pkg/syncer"
)

type fakeEvents struct {
	pages map[string]*paas.Page
}

func (f *fakeEvents) FetchEvents(_ context.Context, _ paas.AppRef, cursor string) (*paas.Page, error) {
	if page, ok := f.pages[cursor]; ok {
		return page, nil
	}
	return &paas.Page{}, nil
}

type fakeVerifier struct {
	result foureyes.Result
	err    error
}

func (f *fakeVerifier) Classify(_ context.Context, in foureyes.Input) (*foureyes.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

type fixture struct {
	router   http.Handler
	apps     *apps.Store
	deploys  *deployments.Store
	alerts   *alerts.Store
	jobs     *syncer.JobStore
	events   *fakeEvents
	verifier *fakeVerifier
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

	appStore := apps.NewStore(db)
	require.NoError(t, appStore.AutoMigrate())
	deployStore := deployments.NewStore(db)
	require.NoError(t, deployStore.AutoMigrate())
	alertStore := alerts.NewStore(db)
	require.NoError(t, alertStore.AutoMigrate())
	jobStore := syncer.NewJobStore(db)
	require.NoError(t, jobStore.AutoMigrate())
	auditStore := opsaudit.NewStore(db)
	require.NoError(t, auditStore.AutoMigrate())

	events := &fakeEvents{pages: map[string]*paas.Page{}}
	verifier := &fakeVerifier{result: foureyes.Result{
		Status:      foureyes.StatusApprovedPR,
		Rule:        "explicit_approval",
		Reason:      "approved by carol",
		HasFourEyes: true,
	}}
	orchestrator := syncer.NewOrchestrator(appStore, deployStore, alertStore, jobStore,
		events, verifier, syncer.DefaultConfig(), "test-worker")

	srv := New(Deps{
		Apps:         appStore,
		Deployments:  deployStore,
		Alerts:       alertStore,
		Jobs:         jobStore,
		Orchestrator: orchestrator,
		Reports:      reports.NewStore(db),
		Audit:        auditStore,
		Metrics:      metrics.New(),
	})
	return &fixture{
		router:   srv.Router(),
		apps:     appStore,
		deploys:  deployStore,
		alerts:   alertStore,
		jobs:     jobStore,
		events:   events,
		verifier: verifier,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, operator bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if operator {
		req.Header.Set("X-Remote-User", "alice")
		req.Header.Set("X-Remote-Role", "operator")
	} else {
		req.Header.Set("X-Remote-User", "viewer-bob")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (f *fixture) registerApp(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/applications", map[string]any{
		"team": "payments", "environment": "production", "name": "checkout",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["id"].(string)
}

func TestRegisterApplication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/applications", map[string]any{
		"team": "payments", "environment": "production", "name": "checkout",
		"auditStartYear": 2025,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "payments", body["team"])
	assert.Equal(t, float64(2025), body["auditStartYear"])

	// Same triple again conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/applications", map[string]any{
		"team": "payments", "environment": "production", "name": "checkout",
	}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing fields rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/applications", map[string]any{"team": "payments"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown implicit mode rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/applications", map[string]any{
		"team": "t", "environment": "e", "name": "n", "implicitApprovalMode": "sometimes",
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/applications", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["applications"], 1)
}

func TestMutationsRequireOperator(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)

	for _, call := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/applications"},
		{http.MethodPost, "/api/v1/applications/" + appID + "/sync"},
		{http.MethodPut, "/api/v1/applications/" + appID + "/notifications"},
		{http.MethodPost, "/api/v1/deployments/d1/verify"},
		{http.MethodPost, "/api/v1/deployments/d1/manual-approval"},
		{http.MethodPost, "/api/v1/alerts/a1/resolve"},
		{http.MethodPost, "/api/v1/associations/x1/approve"},
	} {
		rec := f.do(t, call.method, call.path, map[string]any{}, false)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", call.method, call.path)
	}
}

func TestSyncAndListDeployments(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)
	now := time.Now().UTC()

	f.events.pages[""] = &paas.Page{
		Events: []paas.Event{
			{ID: "ev-1", CreatedAt: now.Add(-2 * time.Hour), Deployer: "alice", CommitSHA: "head1",
				Repo: githost.Repo{Owner: "org", Name: "svc"}},
			{ID: "ev-2", CreatedAt: now.Add(-1 * time.Hour), Deployer: "bob", CommitSHA: "head2",
				Repo: githost.Repo{Owner: "org", Name: "svc"}},
		},
		NextCursor: "c1",
	}

	rec := f.do(t, http.MethodPost, "/api/v1/applications/"+appID+"/sync", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["fetched"])
	assert.Equal(t, float64(2), body["verified"])

	rec = f.do(t, http.MethodGet, "/api/v1/applications/"+appID+"/deployments", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody(t, rec)["deployments"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, "approved_pr", first["status"])
	assert.Equal(t, true, first["hasFourEyes"])
	assert.Equal(t, "org/svc", first["repository"])

	// Status filter.
	rec = f.do(t, http.MethodGet, "/api/v1/applications/"+appID+"/deployments?status=pending", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["deployments"])

	// The completed job is visible.
	rec = f.do(t, http.MethodGet, "/api/v1/jobs?applicationId="+appID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].(map[string]any)["status"])
}

func TestDeploymentFilterQuery(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)
	f.events.pages[""] = &paas.Page{Events: []paas.Event{
		{ID: "ev-1", CreatedAt: time.Now().UTC(), Deployer: "alice", CommitSHA: "head1"},
	}}
	rec := f.do(t, http.MethodPost, "/api/v1/applications/"+appID+"/sync", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	filter := url.QueryEscape(`status = approved_pr and team = "payments"`)
	rec = f.do(t, http.MethodGet, "/api/v1/deployments?filter="+filter, nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody(t, rec)["deployments"], 1)

	rec = f.do(t, http.MethodGet, "/api/v1/deployments?filter="+url.QueryEscape("nonsense ~ 3"), nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualApproval(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)

	d, _, err := f.deploys.CreateIfAbsent(context.Background(), &deployments.Deployment{
		PlatformID: "ev-9", ApplicationID: appID, CreatedAt: time.Now().UTC(),
		Deployer: "mallory", CommitSHA: "rogue1",
	})
	require.NoError(t, err)

	// A justification is mandatory.
	rec := f.do(t, http.MethodPost, "/api/v1/deployments/"+d.ID+"/manual-approval",
		map[string]any{"justification": "  "}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/deployments/"+d.ID+"/manual-approval",
		map[string]any{"justification": "hotfix deployed under incident INC-421"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "manually_approved", body["status"])
	assert.Equal(t, true, body["hasFourEyes"])

	// The transition trail records the operator and justification.
	rec = f.do(t, http.MethodGet, "/api/v1/deployments/"+d.ID+"/transitions", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	transitions := decodeBody(t, rec)["transitions"].([]any)
	require.Len(t, transitions, 1)
	tr := transitions[0].(map[string]any)
	assert.Equal(t, "manual", tr["source"])
	detail := tr["detail"].(map[string]any)
	assert.Equal(t, "alice", detail["approved_by"])

	// Unknown deployment is a 404.
	rec = f.do(t, http.MethodPost, "/api/v1/deployments/nope/manual-approval",
		map[string]any{"justification": "x"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)
	d, _, err := f.deploys.CreateIfAbsent(context.Background(), &deployments.Deployment{
		PlatformID: "ev-5", ApplicationID: appID, CreatedAt: time.Now().UTC(), CommitSHA: "head5",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/deployments/"+d.ID+"/verify?force=true", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "explicit_approval", body["rule"])
	assert.Equal(t, "approved_pr", body["deployment"].(map[string]any)["status"])

	rec = f.do(t, http.MethodPost, "/api/v1/deployments/missing/verify", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.verifier.err = &githost.RateLimitError{Host: "github"}
	rec = f.do(t, http.MethodPost, "/api/v1/deployments/"+d.ID+"/verify", nil, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAlertLifecycle(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)
	d, _, err := f.deploys.CreateIfAbsent(context.Background(), &deployments.Deployment{
		PlatformID: "ev-7", ApplicationID: appID, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	alert, err := f.alerts.Raise(context.Background(), appID, d.ID, "org/forked-svc", "org/svc")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/alerts?applicationId="+appID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["alerts"], 1)

	// A note is mandatory.
	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve",
		map[string]any{"note": "fork confirmed legitimate by team lead"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "resolved", body["status"])
	assert.Equal(t, "alice", body["resolvedBy"])

	// Resolving twice conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve",
		map[string]any{"note": "again"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts/missing/resolve", map[string]any{"note": "x"}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssociationApproval(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)
	ctx := context.Background()

	_, err := f.apps.ResolveRepository(ctx, appID, githost.Repo{Owner: "org", Name: "svc"})
	require.NoError(t, err)
	res, err := f.apps.ResolveRepository(ctx, appID, githost.Repo{Owner: "org", Name: "svc-v2"})
	require.NoError(t, err)
	require.True(t, res.Mismatch)

	rec := f.do(t, http.MethodGet, "/api/v1/applications/"+appID+"/associations", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	associations := decodeBody(t, rec)["associations"].([]any)
	require.Len(t, associations, 2)

	rec = f.do(t, http.MethodPost, "/api/v1/associations/"+res.Association.ID+"/approve", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "alice", body["approvedBy"])

	// Approving a non-pending association conflicts.
	rec = f.do(t, http.MethodPost, "/api/v1/associations/"+res.Association.ID+"/approve", nil, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNotificationSettings(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)

	rec := f.do(t, http.MethodPut, "/api/v1/applications/"+appID+"/notifications",
		map[string]any{"enabled": true}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/applications/"+appID+"/notifications",
		map[string]any{"enabled": true, "channel": "#payments-deploys"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/applications/"+appID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["notificationsEnabled"])
	assert.Equal(t, "#payments-deploys", body["notifyChannel"])
}

func TestYearlyReportEndpoint(t *testing.T) {
	f := newFixture(t)
	appID := f.registerApp(t)
	f.events.pages[""] = &paas.Page{Events: []paas.Event{
		{ID: "ev-1", CreatedAt: time.Now().UTC(), Deployer: "alice", CommitSHA: "head1"},
	}}
	rec := f.do(t, http.MethodPost, "/api/v1/applications/"+appID+"/sync", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	year := time.Now().UTC().Year()
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/applications/%s/report?year=%d", appID, year), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["satisfied"])

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/applications/%s/report?year=%d&format=csv", appID, year), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "application_id,year,status,count"))

	rec = f.do(t, http.MethodGet, "/api/v1/applications/nope/report", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditTrailEndpoint(t *testing.T) {
	f := newFixture(t)
	f.registerApp(t)

	rec := f.do(t, http.MethodGet, "/api/v1/audit-events", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]any)
	require.Len(t, events, 1)
	ev := events[0].(map[string]any)
	assert.Equal(t, "alice", ev["actor"])
	assert.Equal(t, "create", ev["action"])
	assert.Equal(t, "success", ev["outcome"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/readyz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
