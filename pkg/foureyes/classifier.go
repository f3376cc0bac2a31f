package foureyes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auditflow/deploywatch/pkg/commits"
	"github.com/auditflow/deploywatch/pkg/githost"
)

// Input is everything the classifier needs to know about one deployment.
// The orchestrator assembles it; the classifier itself never reads the
// deployment table.
type Input struct {
	DeploymentID string
	CreatedAt    time.Time
	CommitSHA    string
	// Repo is the repository detected from the deployment's trigger
	// metadata.
	Repo githost.Repo
	// ApprovedRepo is the application's currently approved repository, nil
	// when the application has none yet.
	ApprovedRepo *githost.Repo
	// PreviousSHA is the commit of the previous deployment in the same
	// application/environment, resolved by creation timestamp. Used as a
	// fallback walk base.
	PreviousSHA string
	// CurrentStatus is the deployment's stored status, consulted for
	// manual-approval stickiness.
	CurrentStatus Status
	// AuditStartYear exempts deployments created before this year.
	AuditStartYear int
	// ImplicitApprovalOverride is the application's per-app policy override,
	// empty to use the global policy.
	ImplicitApprovalOverride string
	// Force re-runs classification even over a sticky manual approval.
	Force bool
}

// Result is one classification outcome.
type Result struct {
	Status      Status
	Rule        string
	Reason      string
	HasFourEyes bool

	PRNumber   *int
	PRURL      string
	Snapshot   *githost.PullRequest
	Unreviewed []commits.UnreviewedCommit

	// RepoMismatch is set when the detected repository differs from the
	// approved one; ContentStatus then records what the content analysis
	// alone concluded.
	RepoMismatch  bool
	ContentStatus Status

	// Sticky marks a manual approval left in place by an unforced
	// re-classification. The stored record, including its evidence, must
	// not be rewritten from this result.
	Sticky bool
}

// Classifier is the four-eyes decision engine. Rules are evaluated as an
// ordered list, top to bottom; each rule either produces a terminal result
// or passes. The order encodes precedence: the unreviewed-commits override
// beats explicit and implicit approval.
type Classifier struct {
	correlator *Correlator
	walker     *commits.Walker
	store      *commits.Store
	host       githost.Client
	policies   *PolicyWatcher
	now        func() time.Time
	logger     *slog.Logger
}

// ClassifierOption customizes a Classifier.
type ClassifierOption func(*Classifier)

// WithClock overrides the classifier's clock, for tests.
func WithClock(now func() time.Time) ClassifierOption {
	return func(c *Classifier) { c.now = now }
}

// WithClassifierLogger sets the classifier's logger.
func WithClassifierLogger(logger *slog.Logger) ClassifierOption {
	return func(c *Classifier) { c.logger = logger }
}

// NewClassifier creates the four-eyes classifier.
func NewClassifier(correlator *Correlator, walker *commits.Walker, store *commits.Store,
	host githost.Client, policies *PolicyWatcher, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		correlator: correlator,
		walker:     walker,
		store:      store,
		host:       host,
		policies:   policies,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// evaluation carries lazily loaded remote state across rules so each remote
// lookup happens at most once per classification.
type evaluation struct {
	in     Input
	policy Policy

	refLoaded bool
	ref       *githost.PullRequestRef
	pr        *githost.PullRequest

	commitLoaded bool
	commit       *commits.Commit
}

type rule struct {
	name string
	eval func(ctx context.Context, ev *evaluation) (*Result, error)
}

// rules returns the ordered rule list. Classification is idempotent:
// re-running on unchanged inputs yields the same status.
func (c *Classifier) rules() []rule {
	return []rule{
		{"manual_approval_sticky", c.ruleManualApprovalSticky},
		{"legacy_exemption", c.ruleLegacyExemption},
		{"missing_commit_sha", c.ruleMissingCommitSHA},
		{"direct_push", c.ruleDirectPush},
		{"unreviewed_commits", c.ruleUnreviewedCommits},
		{"explicit_approval", c.ruleExplicitApproval},
		{"implicit_approval", c.ruleImplicitApproval},
		{"missing_approval", c.ruleMissingApproval},
	}
}

// Classify runs the rule cascade for one deployment. Rate-limit errors
// propagate to the caller so the batch can abort cleanly; any other failure
// is folded into a StatusError result for this deployment only.
func (c *Classifier) Classify(ctx context.Context, in Input) (*Result, error) {
	ev := &evaluation{
		in:     in,
		policy: c.policies.Current().WithMode(in.ImplicitApprovalOverride),
	}

	var result *Result
	for _, r := range c.rules() {
		res, err := r.eval(ctx, ev)
		if err != nil {
			if githost.IsRateLimit(err) {
				return nil, err
			}
			c.logger.Warn("classification failed", "deployment", in.DeploymentID,
				"rule", r.name, "error", err)
			result = &Result{
				Status: StatusError,
				Rule:   r.name,
				Reason: err.Error(),
			}
			break
		}
		if res != nil {
			res.Rule = r.name
			result = res
			break
		}
	}
	if result == nil {
		// Unreachable: missing_approval is a catch-all.
		result = &Result{Status: StatusError, Rule: "none", Reason: "no rule matched"}
	}

	if ev.pr != nil {
		n := ev.pr.Number
		result.PRNumber = &n
		result.PRURL = ev.pr.URL
		result.Snapshot = ev.pr
	} else if ev.ref != nil {
		n := ev.ref.Number
		result.PRNumber = &n
		result.PRURL = ev.ref.URL
	}

	result = c.ruleRepositoryMismatch(in, result)
	result.HasFourEyes = result.Status.HasFourEyes()

	c.recordCommitOutcome(ctx, ev, result)
	return result, nil
}

// ruleManualApprovalSticky keeps a recorded human override in place:
// automatic reclassification never overwrites it unless forced by an
// operator.
func (c *Classifier) ruleManualApprovalSticky(_ context.Context, ev *evaluation) (*Result, error) {
	if ev.in.CurrentStatus == StatusManuallyApproved && !ev.in.Force {
		return &Result{
			Status: StatusManuallyApproved,
			Reason: "manual approval on record, not overwritten by automatic re-classification",
			Sticky: true,
		}, nil
	}
	return nil, nil
}

// ruleLegacyExemption exempts deployments that predate audit coverage. This
// rule is terminal and makes no remote calls.
func (c *Classifier) ruleLegacyExemption(_ context.Context, ev *evaluation) (*Result, error) {
	if ev.in.AuditStartYear > 0 && ev.in.CreatedAt.Year() < ev.in.AuditStartYear {
		return &Result{
			Status: StatusLegacy,
			Reason: fmt.Sprintf("deployed %d, before audit start year %d",
				ev.in.CreatedAt.Year(), ev.in.AuditStartYear),
		}, nil
	}
	if ev.in.CommitSHA == "" && ev.in.CreatedAt.Before(c.now().Add(-ev.policy.LegacyCutoff())) {
		return &Result{
			Status: StatusLegacy,
			Reason: fmt.Sprintf("no commit SHA and older than the %d-day legacy cutoff",
				ev.policy.LegacyCutoffDays),
		}, nil
	}
	return nil, nil
}

// ruleMissingCommitSHA stops deployments whose platform record never carried
// a commit SHA. Nothing can be correlated without one, and calling that a
// direct push would assert something about the repository history we cannot
// see, so it is recorded as an error with an explicit reason.
func (c *Classifier) ruleMissingCommitSHA(_ context.Context, ev *evaluation) (*Result, error) {
	if ev.in.CommitSHA == "" {
		return &Result{
			Status: StatusError,
			Reason: "deployment record carries no commit SHA",
		}, nil
	}
	return nil, nil
}

// ruleDirectPush matches commits that reached the deploy branch without a
// pull request.
func (c *Classifier) ruleDirectPush(ctx context.Context, ev *evaluation) (*Result, error) {
	if err := c.ensureRef(ctx, ev); err != nil {
		return nil, err
	}
	if ev.ref == nil {
		return &Result{
			Status: StatusDirectPush,
			Reason: fmt.Sprintf("no pull request found for commit %s", ev.in.CommitSHA),
		}, nil
	}
	return nil, nil
}

// ruleUnreviewedCommits detects commits that rode into production alongside
// an approved PR: for merge commits, everything reachable from a non-PR
// parent down to the PR base that is not part of the PR's own commit set.
// A single unreviewed commit forces approved_pr_with_unreviewed regardless
// of the PR's own approval state.
func (c *Classifier) ruleUnreviewedCommits(ctx context.Context, ev *evaluation) (*Result, error) {
	if err := c.ensurePR(ctx, ev); err != nil {
		return nil, err
	}
	if err := c.ensureCommit(ctx, ev); err != nil {
		return nil, err
	}
	if ev.commit == nil || len(ev.commit.Parents) < 2 {
		return nil, nil
	}

	base := ev.pr.BaseSHA
	if base == "" {
		base = ev.in.PreviousSHA
	}

	var unreviewed []commits.UnreviewedCommit
	for _, parent := range ev.commit.Parents {
		if ev.pr.ContainsCommit(parent) {
			continue
		}
		if parent == base {
			continue
		}
		walked, err := c.walker.WalkRange(ctx, ev.in.Repo, base, parent)
		if err != nil {
			return nil, err
		}
		found, err := c.unreviewedIn(ctx, ev, walked)
		if err != nil {
			return nil, err
		}
		unreviewed = append(unreviewed, found...)
	}

	if len(unreviewed) == 0 {
		return nil, nil
	}
	return &Result{
		Status:     StatusApprovedPRWithUnreviewed,
		Reason:     fmt.Sprintf("merge contains %d commit(s) outside the reviewed pull request", len(unreviewed)),
		Unreviewed: unreviewed,
	}, nil
}

// unreviewedIn checks each walked commit for a verified, approved
// originating PR. Merge commits and the deployment PR's own commits are
// skipped.
func (c *Classifier) unreviewedIn(ctx context.Context, ev *evaluation, walked []commits.Commit) ([]commits.UnreviewedCommit, error) {
	var out []commits.UnreviewedCommit
	for i := range walked {
		commit := &walked[i]
		if commit.IsMerge || len(commit.Parents) > 1 {
			continue
		}
		if ev.pr.ContainsCommit(commit.SHA) {
			continue
		}

		// Trust a previously verified outcome from the commit cache.
		if commit.PRApproved != nil {
			if !*commit.PRApproved {
				out = append(out, commits.UnreviewedCommit{SHA: commit.SHA, Reason: commits.ReasonPRNotApproved})
			}
			continue
		}

		ref, err := c.correlator.FindPullRequest(ctx, ev.in.Repo, commit.SHA)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			out = append(out, commits.UnreviewedCommit{SHA: commit.SHA, Reason: commits.ReasonNoPR})
			continue
		}

		otherPR, err := c.correlator.Snapshot(ctx, ev.in.Repo, ref.Number, commit.SHA, commit.Parents)
		if errors.Is(err, githost.ErrNotFound) {
			out = append(out, commits.UnreviewedCommit{SHA: commit.SHA, Reason: commits.ReasonPRNotFound})
			continue
		}
		if err != nil {
			return nil, err
		}

		approved, reason := c.qualifies(ev.policy, otherPR)
		if err := c.store.SetPullRequestOutcome(ctx, ev.in.Repo, commit.SHA,
			otherPR.Number, otherPR.Title, otherPR.URL, approved, reason); err != nil {
			c.logger.Warn("caching PR outcome failed", "sha", commit.SHA, "error", err)
		}
		if !approved {
			out = append(out, commits.UnreviewedCommit{SHA: commit.SHA, Reason: commits.ReasonPRNotApproved})
		}
	}
	return out, nil
}

// ruleExplicitApproval accepts a PR with at least one APPROVED review
// recorded at or after its last commit. An approval predating a later commit
// never counts.
func (c *Classifier) ruleExplicitApproval(ctx context.Context, ev *evaluation) (*Result, error) {
	if err := c.ensurePR(ctx, ev); err != nil {
		return nil, err
	}
	if reviewer, at, ok := explicitApproval(ev.pr); ok {
		return &Result{
			Status: StatusApprovedPR,
			Reason: fmt.Sprintf("approved by %s at %s", reviewer, at.Format(time.RFC3339)),
		}, nil
	}
	return nil, nil
}

// ruleImplicitApproval applies the policy-gated heuristic for PRs without an
// explicit approving review. It runs after the unreviewed-commits override,
// so implicit qualification can never mask unreviewed commits.
func (c *Classifier) ruleImplicitApproval(ctx context.Context, ev *evaluation) (*Result, error) {
	if ev.policy.ImplicitApproval == ImplicitOff || ev.policy.ImplicitApproval == "" {
		return nil, nil
	}
	if err := c.ensurePR(ctx, ev); err != nil {
		return nil, err
	}
	if ok, reason := implicitApproval(ev.policy, ev.pr); ok {
		return &Result{Status: StatusApprovedPR, Reason: reason}, nil
	}
	return nil, nil
}

// ruleMissingApproval is the catch-all: a PR exists but nothing qualified it.
func (c *Classifier) ruleMissingApproval(ctx context.Context, ev *evaluation) (*Result, error) {
	if err := c.ensurePR(ctx, ev); err != nil {
		return nil, err
	}
	return &Result{
		Status: StatusMissing,
		Reason: fmt.Sprintf("pull request #%d has no qualifying approval after its last commit", ev.pr.Number),
	}, nil
}

// ruleRepositoryMismatch wraps the content analysis when the detected
// repository differs from the approved one. The deployment is not blocked
// but flagged; the analysis outcome is preserved as ContentStatus so the
// transition detail records what the code itself looked like.
func (c *Classifier) ruleRepositoryMismatch(in Input, res *Result) *Result {
	if in.ApprovedRepo == nil || in.Repo == (githost.Repo{}) || *in.ApprovedRepo == in.Repo {
		return res
	}
	switch res.Status {
	case StatusLegacy, StatusManuallyApproved, StatusError:
		return res
	}
	return &Result{
		Status: StatusRepositoryMismatch,
		Rule:   "repository_mismatch",
		Reason: fmt.Sprintf("detected repository %s differs from approved repository %s (content analysis: %s)",
			in.Repo.String(), in.ApprovedRepo.String(), res.Status),
		PRNumber:      res.PRNumber,
		PRURL:         res.PRURL,
		Snapshot:      res.Snapshot,
		Unreviewed:    res.Unreviewed,
		RepoMismatch:  true,
		ContentStatus: res.Status,
	}
}

// ensureRef loads the commit-to-PR association once per evaluation.
func (c *Classifier) ensureRef(ctx context.Context, ev *evaluation) error {
	if ev.refLoaded {
		return nil
	}
	ref, err := c.correlator.FindPullRequest(ctx, ev.in.Repo, ev.in.CommitSHA)
	if err != nil {
		return err
	}
	ev.ref = ref
	ev.refLoaded = true
	return nil
}

// ensurePR loads the detailed PR snapshot once per evaluation.
func (c *Classifier) ensurePR(ctx context.Context, ev *evaluation) error {
	if ev.pr != nil {
		return nil
	}
	if err := c.ensureRef(ctx, ev); err != nil {
		return err
	}
	if ev.ref == nil {
		return fmt.Errorf("no pull request to snapshot for commit %s", ev.in.CommitSHA)
	}
	// Parent pointers sharpen the correlator's stale-snapshot check. Only
	// the local store is consulted; an uncached commit costs no remote call
	// here.
	var parents []string
	if ev.commitLoaded && ev.commit != nil {
		parents = ev.commit.Parents
	} else if ev.in.CommitSHA != "" {
		if cached, err := c.store.Get(ctx, ev.in.Repo, ev.in.CommitSHA); err == nil && cached != nil {
			parents = cached.Parents
		}
	}
	pr, err := c.correlator.Snapshot(ctx, ev.in.Repo, ev.ref.Number, ev.in.CommitSHA, parents)
	if err != nil {
		return err
	}
	ev.pr = pr
	return nil
}

// ensureCommit loads the deployment commit's parent pointers once.
func (c *Classifier) ensureCommit(ctx context.Context, ev *evaluation) error {
	if ev.commitLoaded {
		return nil
	}
	cached, err := c.store.Get(ctx, ev.in.Repo, ev.in.CommitSHA)
	if err != nil {
		return err
	}
	if cached != nil && cached.Parents != nil {
		ev.commit = cached
		ev.commitLoaded = true
		return nil
	}
	hostCommit, err := c.host.GetCommit(ctx, ev.in.Repo, ev.in.CommitSHA)
	if err != nil {
		return err
	}
	commit := commits.FromHost(ev.in.Repo, hostCommit)
	if err := c.store.Upsert(ctx, commit); err != nil {
		return err
	}
	ev.commit = commit
	ev.commitLoaded = true
	return nil
}

// recordCommitOutcome caches the verification outcome on the deployment
// commit so later graph walks over it skip the remote lookups.
func (c *Classifier) recordCommitOutcome(ctx context.Context, ev *evaluation, res *Result) {
	if ev.pr == nil || ev.in.CommitSHA == "" {
		return
	}
	status := res.Status
	if res.RepoMismatch {
		status = res.ContentStatus
	}
	// A transient failure says nothing about the PR. Caching it as a
	// negative verdict would poison later graph walks over this commit.
	if status == StatusError || res.Sticky {
		return
	}
	approved := status == StatusApprovedPR
	if err := c.store.SetPullRequestOutcome(ctx, ev.in.Repo, ev.in.CommitSHA,
		ev.pr.Number, ev.pr.Title, ev.pr.URL, approved, res.Reason); err != nil {
		c.logger.Warn("caching deployment commit outcome failed",
			"sha", ev.in.CommitSHA, "error", err)
	}
}

// explicitApproval returns the first APPROVED review submitted at or after
// the PR's last commit.
func explicitApproval(pr *githost.PullRequest) (reviewer string, at time.Time, ok bool) {
	last := pr.LastCommitTime()
	for _, review := range pr.Reviews {
		if review.State != githost.ReviewApproved {
			continue
		}
		if review.SubmittedAt.Before(last) {
			continue
		}
		return review.Reviewer, review.SubmittedAt, true
	}
	return "", time.Time{}, false
}

// implicitApproval applies the configured heuristic.
func implicitApproval(policy Policy, pr *githost.PullRequest) (bool, string) {
	if pr.MergedBy == "" {
		return false, ""
	}
	switch policy.ImplicitApproval {
	case ImplicitAll:
		if pr.MergedBy == pr.CreatedBy {
			return false, ""
		}
		if author := lastCommitAuthor(pr); author != "" && pr.MergedBy == author {
			return false, ""
		}
		return true, fmt.Sprintf("implicitly approved: merged by %s, who neither created the pull request nor authored its last commit", pr.MergedBy)
	case ImplicitDependabotOnly:
		if policy.IsAutomation(pr.MergedBy) {
			return false, ""
		}
		if len(pr.Commits) == 0 {
			return false, ""
		}
		for i := range pr.Commits {
			if !policy.IsAutomation(pr.Commits[i].Author) || !policy.IsAutomation(pr.Commits[i].Committer) {
				return false, ""
			}
		}
		return true, fmt.Sprintf("implicitly approved: automation-authored pull request merged by %s", pr.MergedBy)
	}
	return false, ""
}

// lastCommitAuthor returns the author of the newest commit in the PR.
func lastCommitAuthor(pr *githost.PullRequest) string {
	var last time.Time
	var author string
	for i := range pr.Commits {
		if !pr.Commits[i].CommittedAt.Before(last) {
			last = pr.Commits[i].CommittedAt
			author = pr.Commits[i].Author
		}
	}
	return author
}

// qualifies reports whether a PR satisfies four-eyes on its own, used when
// verifying originating PRs of walked commits.
func (c *Classifier) qualifies(policy Policy, pr *githost.PullRequest) (bool, string) {
	if reviewer, at, ok := explicitApproval(pr); ok {
		return true, fmt.Sprintf("approved by %s at %s", reviewer, at.Format(time.RFC3339))
	}
	if ok, reason := implicitApproval(policy, pr); ok && policy.ImplicitApproval != ImplicitOff {
		return true, reason
	}
	return false, "no qualifying approval"
}
