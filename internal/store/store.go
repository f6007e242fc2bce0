// Package store declares the persistence contract (spec §4.6) used by the
// lifecycle engine, admission pipeline, embedding worker, and cleanup
// scheduler. internal/store/sqlite provides the concrete implementation;
// nothing above this package depends on a specific database product.
package store

import (
	"context"
	"io"
	"time"

	"github.com/issuesink/issuesink/internal/types"
)

// SimilarIssue pairs an issue with its cosine similarity to a query vector.
type SimilarIssue struct {
	Issue *types.Issue
	Score float64
}

// Store is the abstract persistence contract (spec §4.6). Every mutation
// that must be atomic (admission's create-or-reopen, merges, per-issue
// transitions) is a single method so the implementation owns the
// transaction boundary.
type Store interface {
	io.Closer

	CreateIssue(ctx context.Context, issue *types.Issue) error
	GetIssue(ctx context.Context, appID string, id types.ID) (*types.Issue, error)

	ListAll(ctx context.Context, appID string) ([]*types.Issue, error)
	ListByState(ctx context.Context, appID string, state types.Status) ([]*types.Issue, error)
	ListOpenView(ctx context.Context, appID string) ([]*types.Issue, error)
	ListPending(ctx context.Context, limit int, exclude []types.ID) ([]*types.Issue, error)
	CountByState(ctx context.Context, appID string) (map[types.Status]int, error)

	// Mutate loads the issue inside a transaction, invokes fn on it, and
	// persists the result (bumping UpdatedAt) unless fn returns an error.
	// Every single-issue lifecycle transition in spec §4.1 is built on this.
	Mutate(ctx context.Context, appID string, id types.ID, fn func(*types.Issue) error) (*types.Issue, error)

	// AdmitOrReopen is the admission pipeline's exact-duplicate probe plus
	// create-or-reopen (spec §4.2 steps 4-5), executed atomically.
	AdmitOrReopen(ctx context.Context, candidate *types.Issue, mergeContext types.Context, mergeScreenshots []string) (issue *types.Issue, reopened bool, err error)

	// MergeIssues folds source into the issue identified by targetID and
	// deletes source (spec §4.1 pending-merge, §4.4e, §4.5 phase 1).
	MergeIssues(ctx context.Context, targetID types.ID, source *types.Issue, contextPatch types.Context, edgeScore float64) (*types.Issue, error)

	SimilarIssues(ctx context.Context, appID string, q types.Vector, limit int, minSimilarity float64) ([]SimilarIssue, error)

	CloseIssue(ctx context.Context, appID string, id types.ID) (*types.Issue, []string, error)
	PurgeApplication(ctx context.Context, appID string) ([]string, error)
	PurgeClosed(ctx context.Context, appID string) ([]string, error)
	ExpireClosedOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	ReconciliationCandidates(ctx context.Context, appID string) ([]*types.Issue, error)
	ListApplications(ctx context.Context) ([]string, error)
	AllScreenshotFilenames(ctx context.Context) (map[string]bool, error)

	ListBlacklist(ctx context.Context, applicationID string) ([]*types.BlacklistPattern, error)
	GetBlacklist(ctx context.Context, id int64) (*types.BlacklistPattern, error)
	CreateBlacklist(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error)
	UpdateBlacklist(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error)
	DeleteBlacklist(ctx context.Context, id int64) error
	ClearBlacklist(ctx context.Context) error
	AllBlacklist(ctx context.Context) ([]*types.BlacklistPattern, error)
}
