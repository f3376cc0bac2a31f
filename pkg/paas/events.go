// Package paas abstracts the platform-as-a-service that deployment events
// are ingested from. The sync orchestrator only depends on the EventSource
// interface.
package paas

import (
	"context"
	"time"

	"github.com/auditflow/deploywatch/pkg/githost"
)

// Event is one deployment event reported by the platform.
type Event struct {
	// ID is the platform-assigned deployment identifier, unique per
	// deployment and stable across re-fetches.
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"createdAt"`
	Deployer    string       `json:"deployer"`
	CommitSHA   string       `json:"commitSha"`
	Environment string       `json:"environment"`
	// Repo is the source repository detected from the deployment's trigger
	// metadata. Zero when the trigger carried no source information.
	Repo        githost.Repo `json:"repo"`
	TriggerKind string       `json:"triggerKind"`
}

// Page is one page of deployment events.
type Page struct {
	Events     []Event
	NextCursor string
	HasMore    bool
}

// AppRef identifies the monitored application on the platform side.
type AppRef struct {
	Team        string
	Environment string
	Name        string
}

// EventSource is the capability interface for the deployment event feed.
// Fetching is cursor-based: pass the cursor from the previous page ("" for
// the beginning) and keep fetching while HasMore is set.
type EventSource interface {
	FetchEvents(ctx context.Context, app AppRef, cursor string) (*Page, error)
}
