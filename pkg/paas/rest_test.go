package paas

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditflow/deploywatch/pkg/githost"
)

func TestFetchEventsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/teams/payments/environments/prod/applications/checkout/deployments", r.URL.Path)
		if r.URL.Query().Get("cursor") == "c1" {
			fmt.Fprint(w, `{"deployments": [{"id": "d2", "created_at": "2024-05-02T00:00:00Z",
				"deployer": {"username": "bob"}, "commit_sha": "def",
				"trigger": {"kind": "git-push", "repository_url": "git@github.com:org/svc.git"}}],
				"next_cursor": "", "has_more": false}`)
			return
		}
		fmt.Fprint(w, `{"deployments": [{"id": "d1", "created_at": "2024-05-01T00:00:00Z",
			"deployer": {"username": "alice"}, "commit_sha": "abc",
			"trigger": {"kind": "pipeline", "repository_url": "https://github.com/org/svc"}}],
			"next_cursor": "c1", "has_more": true}`)
	}))
	defer srv.Close()

	src := NewRESTSource(RESTSourceConfig{BaseURL: srv.URL})
	app := AppRef{Team: "payments", Environment: "prod", Name: "checkout"}

	page, err := src.FetchEvents(context.Background(), app, "")
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "d1", page.Events[0].ID)
	assert.Equal(t, githost.Repo{Owner: "org", Name: "svc"}, page.Events[0].Repo)
	assert.True(t, page.HasMore)

	page, err = src.FetchEvents(context.Background(), app, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "d2", page.Events[0].ID)
	assert.Equal(t, githost.Repo{Owner: "org", Name: "svc"}, page.Events[0].Repo, "ssh URL parsed")
	assert.False(t, page.HasMore)
}

func TestFetchEventsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewRESTSource(RESTSourceConfig{BaseURL: srv.URL})
	_, err := src.FetchEvents(context.Background(), AppRef{Team: "t", Environment: "e", Name: "a"}, "")
	require.Error(t, err)
	assert.True(t, githost.IsRateLimit(err))
}
