// Package foureyes implements the four-eyes verification engine: the pull
// request correlator and the classifier that decides whether the code behind
// a deployment passed independent review.
package foureyes

import "fmt"

// Status is the four-eyes classification outcome stored per deployment.
// The string values are the durable compliance contract consumed by
// reporting; they must not change.
type Status string

const (
	// StatusPending means the deployment has not been classified yet.
	StatusPending Status = "pending"
	// StatusLegacy exempts deployments that predate audit coverage.
	StatusLegacy Status = "legacy"
	// StatusDirectPush means no PR was found for the commit.
	StatusDirectPush Status = "direct_push"
	// StatusApprovedPR means the PR carries a qualifying approval and the
	// merge contains no commits outside the reviewed set.
	StatusApprovedPR Status = "approved_pr"
	// StatusApprovedPRWithUnreviewed means the PR was approved but the merge
	// also contains commits outside the PR's reviewed commit set.
	StatusApprovedPRWithUnreviewed Status = "approved_pr_with_unreviewed"
	// StatusMissing means a PR exists but lacks a qualifying approval.
	StatusMissing Status = "missing"
	// StatusRepositoryMismatch means the detected repository differs from
	// the application's approved repository.
	StatusRepositoryMismatch Status = "repository_mismatch"
	// StatusError means verification could not complete.
	StatusError Status = "error"
	// StatusManuallyApproved records an out-of-band human approval.
	StatusManuallyApproved Status = "manually_approved"
)

// statusApprovedAlias is accepted on parse for historical data and always
// normalized to StatusApprovedPR on write.
const statusApprovedAlias = "approved"

// HasFourEyes is the boolean projection of the status. It is derived, never
// set independently.
func (s Status) HasFourEyes() bool {
	switch s {
	case StatusApprovedPR, StatusLegacy, StatusManuallyApproved:
		return true
	}
	return false
}

// IsTerminal reports whether the sync loop considers the status settled.
// Pending deployments have never been classified; error deployments are
// retried on later runs.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPending, StatusError:
		return false
	}
	return true
}

// NeedsAttention reports whether the status should trigger a notification.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusDirectPush, StatusApprovedPRWithUnreviewed, StatusMissing, StatusRepositoryMismatch:
		return true
	}
	return false
}

// ParseStatus validates and normalizes a status string.
func ParseStatus(s string) (Status, error) {
	if s == statusApprovedAlias {
		return StatusApprovedPR, nil
	}
	switch Status(s) {
	case StatusPending, StatusLegacy, StatusDirectPush, StatusApprovedPR,
		StatusApprovedPRWithUnreviewed, StatusMissing, StatusRepositoryMismatch,
		StatusError, StatusManuallyApproved:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown four-eyes status %q", s)
}
