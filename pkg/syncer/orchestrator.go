package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auditflow/deploywatch/pkg/alerts"
	"github.com/auditflow/deploywatch/pkg/apps"
	"github.com/auditflow/deploywatch/pkg/deployments"
	"github.com/auditflow/deploywatch/pkg/foureyes"
	"github.com/auditflow/deploywatch/pkg/githost"
	"github.com/auditflow/deploywatch/pkg/metrics"
	"github.com/auditflow/deploywatch/pkg/paas"
)

// Verifier runs four-eyes classification for one deployment. Satisfied by
// *foureyes.Classifier.
type Verifier interface {
	Classify(ctx context.Context, in foureyes.Input) (*foureyes.Result, error)
}

// Summary reports what one sync run did.
type Summary struct {
	ApplicationID string
	Fetched       int
	Verified      int
	Failed        int
	// Skipped is true when another worker held the sync lease.
	Skipped bool
}

// Orchestrator runs the full sync pipeline for applications.
type Orchestrator struct {
	apps     *apps.Store
	deploys  *deployments.Store
	alerts   *alerts.Store
	jobs     *JobStore
	events   paas.EventSource
	verifier Verifier
	metrics  *metrics.Metrics
	cfg      *Config
	workerID string
	logger   *slog.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics attaches service metrics.
func WithMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator(appStore *apps.Store, deployStore *deployments.Store, alertStore *alerts.Store,
	jobStore *JobStore, events paas.EventSource, verifier Verifier, cfg *Config, workerID string,
	opts ...OrchestratorOption) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &Orchestrator{
		apps:     appStore,
		deploys:  deployStore,
		alerts:   alertStore,
		jobs:     jobStore,
		events:   events,
		verifier: verifier,
		cfg:      cfg,
		workerID: workerID,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncApplication runs one full sync for one application: acquire the lease,
// ingest new deployment events, then classify everything awaiting a verdict.
// Lease contention is a normal outcome reported as a skipped summary. A rate
// limit aborts the classification batch, fails the job and surfaces the
// error; remaining deployments stay pending for the next run.
func (o *Orchestrator) SyncApplication(ctx context.Context, appID string, batchLimit int) (Summary, error) {
	summary := Summary{ApplicationID: appID}
	if batchLimit <= 0 {
		batchLimit = o.cfg.BatchLimit
	}

	if released, err := o.jobs.ReleaseExpired(ctx); err != nil {
		return summary, fmt.Errorf("sync %s: %w", appID, err)
	} else if released > 0 {
		o.logger.Warn("released expired sync leases", "count", released)
	}

	app, err := o.apps.Get(ctx, appID)
	if err != nil {
		return summary, err
	}
	if app == nil {
		return summary, fmt.Errorf("sync: application %s not found", appID)
	}

	job, acquired, err := o.jobs.Acquire(ctx, appID, JobKindSync, o.workerID, o.cfg.Lease)
	if err != nil {
		return summary, err
	}
	if !acquired {
		o.logger.Info("sync lease held elsewhere, skipping", "application", appID)
		summary.Skipped = true
		return summary, nil
	}

	start := time.Now()
	fetched, err := o.ingestEvents(ctx, app)
	summary.Fetched = fetched
	if err != nil {
		o.failJob(ctx, job.ID, err)
		return summary, err
	}

	verified, failed, err := o.classifyPending(ctx, app, batchLimit)
	summary.Verified = verified
	summary.Failed = failed
	if err != nil {
		o.failJob(ctx, job.ID, err)
		return summary, err
	}

	if err := o.apps.MarkSynced(ctx, appID, time.Now().UTC()); err != nil {
		o.logger.Warn("marking application synced failed", "application", appID, "error", err)
	}
	if err := o.jobs.Complete(ctx, job.ID, summary.Fetched, verified+failed); err != nil {
		o.logger.Warn("completing sync job failed", "job", job.ID, "error", err)
	}
	if o.metrics != nil {
		o.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}
	o.logger.Info("application synced", "application", appID,
		"fetched", summary.Fetched, "verified", verified, "failed", failed)
	return summary, nil
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) {
	if githost.IsRateLimit(cause) && o.metrics != nil {
		o.metrics.RateLimitAborts.Inc()
	}
	if err := o.jobs.Fail(ctx, jobID, cause.Error()); err != nil {
		o.logger.Warn("failing sync job failed", "job", jobID, "error", err)
	}
}

// ingestEvents pulls deployment events page by page from the stored cursor.
// The cursor only advances after a page's events are all persisted, so a
// crash mid-page re-reads the page and the idempotent insert deduplicates.
func (o *Orchestrator) ingestEvents(ctx context.Context, app *apps.Application) (int, error) {
	ref := paas.AppRef{Team: app.Team, Environment: app.Environment, Name: app.Name}
	cursor := app.EventCursor
	fetched := 0

	for {
		page, err := o.events.FetchEvents(ctx, ref, cursor)
		if err != nil {
			return fetched, fmt.Errorf("fetch deployment events for %s: %w", app.ID, err)
		}
		for i := range page.Events {
			ev := &page.Events[i]
			_, created, err := o.deploys.CreateIfAbsent(ctx, &deployments.Deployment{
				PlatformID:    ev.ID,
				ApplicationID: app.ID,
				CreatedAt:     ev.CreatedAt,
				Deployer:      ev.Deployer,
				CommitSHA:     ev.CommitSHA,
				DetectedOwner: ev.Repo.Owner,
				DetectedName:  ev.Repo.Name,
			})
			if err != nil {
				return fetched, fmt.Errorf("persist deployment event %s: %w", ev.ID, err)
			}
			if created {
				fetched++
			}
		}
		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := o.apps.AdvanceCursor(ctx, app.ID, page.NextCursor); err != nil {
				return fetched, err
			}
			cursor = page.NextCursor
		}
		if !page.HasMore {
			return fetched, nil
		}
	}
}

// classifyPending verifies every deployment still awaiting a verdict. A rate
// limit aborts the batch; any other per-deployment failure records an error
// status and the batch continues.
func (o *Orchestrator) classifyPending(ctx context.Context, app *apps.Application, limit int) (verified, failed int, err error) {
	pending, err := o.deploys.NeedingClassification(ctx, app.ID, limit)
	if err != nil {
		return 0, 0, err
	}

	for i := range pending {
		d := &pending[i]

		var approvedRepo *githost.Repo
		detected := d.DetectedRepo()
		if detected.Owner != "" && detected.Name != "" {
			res, err := o.apps.ResolveRepository(ctx, app.ID, detected)
			if err != nil {
				return verified, failed, err
			}
			approvedRepo = res.Approved
			if res.Mismatch {
				if _, err := o.alerts.Raise(ctx, app.ID, d.ID, detected.String(), res.Approved.String()); err != nil {
					o.logger.Warn("raising mismatch alert failed", "deployment", d.ID, "error", err)
				}
			}
		}

		previousSHA := ""
		if prev, err := o.deploys.PreviousDeployment(ctx, app.ID, d.CreatedAt, d.ID); err == nil && prev != nil {
			previousSHA = prev.CommitSHA
		}

		result, err := o.verifier.Classify(ctx, foureyes.Input{
			DeploymentID:             d.ID,
			CreatedAt:                d.CreatedAt,
			CommitSHA:                d.CommitSHA,
			Repo:                     detected,
			ApprovedRepo:             approvedRepo,
			PreviousSHA:              previousSHA,
			CurrentStatus:            d.Status,
			AuditStartYear:           app.AuditStartYear,
			ImplicitApprovalOverride: app.ImplicitApprovalMode,
		})
		if err != nil {
			// Only rate limits surface as errors; everything else is folded
			// into an error-status result by the classifier.
			return verified, failed, err
		}

		if err := o.deploys.ApplyClassification(ctx, d.ID, result, deployments.SourceSync); err != nil {
			return verified, failed, err
		}
		if o.metrics != nil {
			o.metrics.Classifications.WithLabelValues(string(result.Status)).Inc()
		}
		if result.Status == foureyes.StatusError {
			failed++
		} else {
			verified++
		}
	}
	return verified, failed, nil
}

// VerifyDeployment re-runs classification for a single deployment on demand.
// With force set, a sticky manual approval is recomputed too. The verdict is
// persisted with a manual source so the transition trail shows who asked.
func (o *Orchestrator) VerifyDeployment(ctx context.Context, deploymentID string, force bool) (*foureyes.Result, error) {
	d, err := o.deploys.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, deployments.ErrNotFound
	}
	app, err := o.apps.Get(ctx, d.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("verify %s: application %s not found", deploymentID, d.ApplicationID)
	}

	var approvedRepo *githost.Repo
	detected := d.DetectedRepo()
	if detected.Owner != "" && detected.Name != "" {
		res, err := o.apps.ResolveRepository(ctx, app.ID, detected)
		if err != nil {
			return nil, err
		}
		approvedRepo = res.Approved
		if res.Mismatch {
			if _, err := o.alerts.Raise(ctx, app.ID, d.ID, detected.String(), res.Approved.String()); err != nil {
				o.logger.Warn("raising mismatch alert failed", "deployment", d.ID, "error", err)
			}
		}
	}

	previousSHA := ""
	if prev, err := o.deploys.PreviousDeployment(ctx, app.ID, d.CreatedAt, d.ID); err == nil && prev != nil {
		previousSHA = prev.CommitSHA
	}

	result, err := o.verifier.Classify(ctx, foureyes.Input{
		DeploymentID:             d.ID,
		CreatedAt:                d.CreatedAt,
		CommitSHA:                d.CommitSHA,
		Repo:                     detected,
		ApprovedRepo:             approvedRepo,
		PreviousSHA:              previousSHA,
		CurrentStatus:            d.Status,
		AuditStartYear:           app.AuditStartYear,
		ImplicitApprovalOverride: app.ImplicitApprovalMode,
		Force:                    force,
	})
	if err != nil {
		return nil, err
	}
	if err := o.deploys.ApplyClassification(ctx, d.ID, result, deployments.SourceManual); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.Classifications.WithLabelValues(string(result.Status)).Inc()
	}
	return result, nil
}

// SyncAll syncs every application with bounded parallelism. The first rate
// limit cancels the remaining work.
func (o *Orchestrator) SyncAll(ctx context.Context, batchLimit int) ([]Summary, error) {
	applications, err := o.apps.List(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, len(applications))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i := range applications {
		g.Go(func() error {
			summary, err := o.SyncApplication(gctx, applications[i].ID, batchLimit)
			summaries[i] = summary
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}
	return summaries, nil
}
