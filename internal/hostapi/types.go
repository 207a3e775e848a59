// Package hostapi abstracts the git host behind the HostClient
// contract and provides the GitHub REST implementation the controller
// runs against in production.
package hostapi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTokenMissing indicates no GITHUB_TOKEN is available. Raised by the
// operation that needs the token, never at startup.
var ErrTokenMissing = errors.New("GITHUB_TOKEN not set")

// HostError wraps a git-host 4xx/5xx response.
type HostError struct {
	Status  int
	Message string
}

func (e *HostError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("host returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("host returned %d", e.Status)
}

// MergeStrategy selects how a PR is merged.
type MergeStrategy string

const (
	MergeSquash MergeStrategy = "squash"
	MergeMerge  MergeStrategy = "merge"
	MergeRebase MergeStrategy = "rebase"
)

// Valid reports whether s is a known strategy.
func (s MergeStrategy) Valid() bool {
	switch s {
	case MergeSquash, MergeMerge, MergeRebase:
		return true
	}
	return false
}

// OpenPRRequest describes a pull request to create.
type OpenPRRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// PRInfo holds the host's view of a pull request.
type PRInfo struct {
	Number    int       `json:"number"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Branch    string    `json:"branch"`
	Base      string    `json:"base"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
	CreatedAt time.Time `json:"createdAt"`
}

// MergeResult holds the outcome of a merge operation.
type MergeResult struct {
	Merged  bool   `json:"merged"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// CheckRun is a single CI check run on a commit.
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, cancelled, skipped
}

// Review is one submitted PR review.
type Review struct {
	ID          int64     `json:"id"`
	Author      string    `json:"author"`
	State       string    `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED
	SubmittedAt time.Time `json:"submittedAt"`
}

// ReviewRequest describes a review to post.
type ReviewRequest struct {
	Body  string
	Event string // APPROVE, REQUEST_CHANGES, COMMENT
}

// Client is the git-host contract everything above this package
// depends on. *GitHub satisfies it; tests use fakes.
type Client interface {
	OpenPR(ctx context.Context, req OpenPRRequest) (PRInfo, error)
	MergePR(ctx context.Context, number int, strategy MergeStrategy) (MergeResult, error)
	ListChecks(ctx context.Context, ref string) ([]CheckRun, error)
	ListReviews(ctx context.Context, number int) ([]Review, error)
	PostReview(ctx context.Context, number int, review ReviewRequest) error
	PostComment(ctx context.Context, number int, body string) error
	GetPRInfo(ctx context.Context, number int) (PRInfo, error)
}

// CheckState is the aggregated status of a commit's check runs.
type CheckState string

const (
	// ChecksPending indicates runs are still in flight (or none exist).
	ChecksPending CheckState = "pending"
	// ChecksSuccess indicates every run completed acceptably.
	ChecksSuccess CheckState = "success"
	// ChecksFailure indicates at least one run failed.
	ChecksFailure CheckState = "failure"
)

// AggregateChecks folds check runs into one state. Failure wins over
// pending: a failed run is reported even while others are in flight.
// No runs at all reads as pending (checks have not started).
func AggregateChecks(runs []CheckRun) CheckState {
	if len(runs) == 0 {
		return ChecksPending
	}

	allComplete := true
	anyFailed := false

	for _, run := range runs {
		if run.Status != "completed" {
			allComplete = false
			continue
		}
		switch run.Conclusion {
		case "success", "skipped", "neutral":
		default:
			anyFailed = true
		}
	}

	if anyFailed {
		return ChecksFailure
	}
	if !allComplete {
		return ChecksPending
	}
	return ChecksSuccess
}
