// Package notify delivers exactly-once chat notifications for deployments
// whose verification status needs human attention. Exactly-once is enforced
// with the database claim on the deployment row: every dispatcher may post,
// but only the claim winner keeps its message, losers retract theirs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/metrics"
)

// Transport posts messages to a chat service.
type Transport interface {
	PostMessage(ctx context.Context, channel, text string) (messageID string, err error)
	UpdateMessage(ctx context.Context, channel, messageID, text string) error
	DeleteMessage(ctx context.Context, channel, messageID string) error
}

// Dispatcher sends notifications for unnotified problem deployments.
type Dispatcher struct {
	apps      *apps.Store
	deploys   *deployments.Store
	transport Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics attaches service metrics.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(appStore *apps.Store, deployStore *deployments.Store, transport Transport,
	opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		apps:      appStore,
		deploys:   deployStore,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchPending notifies up to limit deployments per application. It posts
// first and claims second: if the claim is lost to a concurrent dispatcher,
// the freshly posted message is deleted so exactly one notification survives.
// Returns the number of notifications that won their claim.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	applications, err := d.apps.List(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range applications {
		app := &applications[i]
		if !app.NotificationsEnabled || app.NotifyChannel == "" {
			continue
		}
		n, err := d.dispatchForApp(ctx, app, limit)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (d *Dispatcher) dispatchForApp(ctx context.Context, app *apps.Application, limit int) (int, error) {
	pending, err := d.deploys.ListUnnotified(ctx, app.ID, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range pending {
		dep := &pending[i]
		text := buildMessage(app, dep)

		messageID, err := d.transport.PostMessage(ctx, app.NotifyChannel, text)
		if err != nil {
			d.count("post_failed")
			return sent, fmt.Errorf("post notification for deployment %s: %w", dep.ID, err)
		}

		claimed, err := d.deploys.ClaimNotification(ctx, dep.ID, messageID)
		if err != nil {
			d.count("claim_failed")
			return sent, err
		}
		if !claimed {
			// Another dispatcher won; retract the duplicate.
			if err := d.transport.DeleteMessage(ctx, app.NotifyChannel, messageID); err != nil {
				d.logger.Warn("retracting duplicate notification failed",
					"deployment", dep.ID, "messageID", messageID, "error", err)
			}
			d.count("lost_race")
			continue
		}
		d.count("sent")
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(result).Inc()
	}
}

// buildMessage renders the notification text.
func buildMessage(app *apps.Application, dep *deployments.Deployment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deployment needs review: %s/%s/%s\n", app.Team, app.Environment, app.Name)
	fmt.Fprintf(&b, "Status: %s\n", dep.Status)
	if dep.StatusDetail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", dep.StatusDetail)
	}
	fmt.Fprintf(&b, "Deployed by %s at %s", dep.Deployer, dep.CreatedAt.Format("2006-01-02 15:04 UTC"))
	if dep.CommitSHA != "" {
		fmt.Fprintf(&b, "\nCommit: %s", dep.CommitSHA)
	}
	if dep.PRURL != "" {
		fmt.Fprintf(&b, "\nPull request: %s", dep.PRURL)
	}
	return b.String()
}
