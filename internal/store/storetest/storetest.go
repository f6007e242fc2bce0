// Package storetest provides an in-memory store.Store fake for unit tests
// of the packages built on top of the Store contract (lifecycle,
// admission, embedworker, cleanup), so those tests exercise transition
// logic and orchestration without a real SQLite file. Grounded on the
// teacher's preference for lightweight, hand-written fakes over a mocking
// library in its core package tests (internal/types, internal/storage/sqlite
// use real structs/real databases, never a generated mock).
package storetest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// Store is a concurrency-safe, process-local implementation of store.Store
// backed by plain maps. It reproduces the transactional semantics the
// contract documents (single issue mutated at a time under mu) without a
// real database engine.
type Store struct {
	mu        sync.Mutex
	issues    map[types.ID]*types.Issue
	blacklist map[int64]*types.BlacklistPattern
	nextBLID  int64
}

func New() *Store {
	return &Store{
		issues:    make(map[types.ID]*types.Issue),
		blacklist: make(map[int64]*types.BlacklistPattern),
	}
}

// Seed inserts an issue directly, bypassing dedup-key checks, for test
// setup.
func (s *Store) Seed(iss *types.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *iss
	s.issues[iss.ID] = &cp
	return nil
}

func clone(iss *types.Issue) *types.Issue {
	if iss == nil {
		return nil
	}
	cp := *iss
	cp.Context = iss.Context.Clone()
	cp.Screenshots = append([]string(nil), iss.Screenshots...)
	return &cp
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateIssue(ctx context.Context, iss *types.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[iss.ID] = clone(iss)
	return nil
}

func (s *Store) GetIssue(ctx context.Context, appID string, id types.ID) (*types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iss, ok := s.issues[id]
	if !ok || iss.ApplicationID != appID {
		return nil, fmt.Errorf("get issue: %w", issuesink.ErrNotFound)
	}
	return clone(iss), nil
}

func (s *Store) ListAll(ctx context.Context, appID string) ([]*types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Issue
	for _, iss := range s.issues {
		if iss.ApplicationID == appID {
			out = append(out, clone(iss))
		}
	}
	sortIssues(out)
	return out, nil
}

func (s *Store) ListByState(ctx context.Context, appID string, state types.Status) ([]*types.Issue, error) {
	all, _ := s.ListAll(ctx, appID)
	var out []*types.Issue
	for _, iss := range all {
		if iss.State == state {
			out = append(out, iss)
		}
	}
	return out, nil
}

func (s *Store) ListOpenView(ctx context.Context, appID string) ([]*types.Issue, error) {
	reverts, _ := s.ListByState(ctx, appID, types.StatusRevert)
	opens, _ := s.ListByState(ctx, appID, types.StatusOpen)
	return append(reverts, opens...), nil
}

func (s *Store) ListPending(ctx context.Context, limit int, exclude []types.ID) ([]*types.Issue, error) {
	s.mu.Lock()
	excl := make(map[types.ID]bool, len(exclude))
	for _, id := range exclude {
		excl[id] = true
	}
	var out []*types.Issue
	for _, iss := range s.issues {
		if iss.State == types.StatusPending && iss.Embedding == nil && !excl[iss.ID] {
			out = append(out, clone(iss))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByState(ctx context.Context, appID string) (map[types.Status]int, error) {
	all, _ := s.ListAll(ctx, appID)
	out := make(map[types.Status]int)
	for _, iss := range all {
		out[iss.State]++
	}
	return out, nil
}

func (s *Store) Mutate(ctx context.Context, appID string, id types.ID, fn func(*types.Issue) error) (*types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iss, ok := s.issues[id]
	if !ok || iss.ApplicationID != appID {
		return nil, fmt.Errorf("mutate: %w", issuesink.ErrNotFound)
	}
	cp := clone(iss)
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.issues[id] = cp
	return clone(cp), nil
}

func (s *Store) AdmitOrReopen(ctx context.Context, candidate *types.Issue, mergeContext types.Context, mergeScreenshots []string) (*types.Issue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := candidate.DedupKey()
	for _, iss := range s.issues {
		if iss.State == types.StatusDone && iss.DedupKey() == key {
			cp := clone(iss)
			cp.Context = types.MergeContext(cp.Context, mergeContext)
			cp.Screenshots = append(cp.Screenshots, mergeScreenshots...)
			cp.ReopenCount++
			cp.State = types.StatusOpen
			cp.Timestamp = candidate.Timestamp
			now := time.Now().UTC()
			cp.ReopenedAt = &now
			cp.UpdatedAt = now
			s.issues[cp.ID] = cp
			return clone(cp), true, nil
		}
	}

	s.issues[candidate.ID] = clone(candidate)
	return clone(candidate), false, nil
}

func (s *Store) MergeIssues(ctx context.Context, targetID types.ID, source *types.Issue, contextPatch types.Context, edgeScore float64) (*types.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.issues[targetID]
	if !ok {
		return nil, fmt.Errorf("merge: %w", issuesink.ErrNotFound)
	}
	cp := clone(target)
	cp.Context = types.MergeContext(cp.Context, contextPatch)
	cp.Screenshots = append(cp.Screenshots, source.Screenshots...)
	cp.ReopenCount++
	cp.UpdatedAt = time.Now().UTC()
	s.issues[targetID] = cp
	delete(s.issues, source.ID)
	return clone(cp), nil
}

func (s *Store) SimilarIssues(ctx context.Context, appID string, q types.Vector, limit int, minSimilarity float64) ([]store.SimilarIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.SimilarIssue
	for _, iss := range s.issues {
		if iss.ApplicationID != appID || iss.Embedding == nil || iss.State == types.StatusPending {
			continue
		}
		score := cosine(q, iss.Embedding)
		if score >= minSimilarity {
			out = append(out, store.SimilarIssue{Issue: clone(iss), Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b types.Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *Store) CloseIssue(ctx context.Context, appID string, id types.ID) (*types.Issue, []string, error) {
	var shots []string
	iss, err := s.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		shots = iss.Screenshots
		iss.State = types.StatusClosed
		iss.Screenshots = nil
		return nil
	})
	return iss, shots, err
}

func (s *Store) PurgeApplication(ctx context.Context, appID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var shots []string
	for id, iss := range s.issues {
		if iss.ApplicationID == appID {
			shots = append(shots, iss.Screenshots...)
			delete(s.issues, id)
		}
	}
	return shots, nil
}

func (s *Store) PurgeClosed(ctx context.Context, appID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var shots []string
	for id, iss := range s.issues {
		if iss.ApplicationID == appID && iss.State == types.StatusClosed {
			shots = append(shots, iss.Screenshots...)
			delete(s.issues, id)
		}
	}
	return shots, nil
}

func (s *Store) ExpireClosedOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var shots []string
	for id, iss := range s.issues {
		if iss.State == types.StatusClosed && iss.UpdatedAt.Before(cutoff) {
			shots = append(shots, iss.Screenshots...)
			delete(s.issues, id)
		}
	}
	return shots, nil
}

func (s *Store) ReconciliationCandidates(ctx context.Context, appID string) ([]*types.Issue, error) {
	all, _ := s.ListAll(ctx, appID)
	var out []*types.Issue
	for _, iss := range all {
		if iss.State != types.StatusClosed && iss.State != types.StatusPending {
			out = append(out, iss)
		}
	}
	return out, nil
}

func (s *Store) ListApplications(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, iss := range s.issues {
		if !seen[iss.ApplicationID] {
			seen[iss.ApplicationID] = true
			out = append(out, iss.ApplicationID)
		}
	}
	return out, nil
}

func (s *Store) AllScreenshotFilenames(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, iss := range s.issues {
		for _, f := range iss.Screenshots {
			out[f] = true
		}
	}
	return out, nil
}

func sortIssues(issues []*types.Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if !issues[i].Timestamp.Equal(issues[j].Timestamp) {
			return issues[i].Timestamp.After(issues[j].Timestamp)
		}
		if !issues[i].UpdatedAt.Equal(issues[j].UpdatedAt) {
			return issues[i].UpdatedAt.After(issues[j].UpdatedAt)
		}
		return issues[i].ID > issues[j].ID
	})
}

func (s *Store) ListBlacklist(ctx context.Context, applicationID string) ([]*types.BlacklistPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BlacklistPattern
	for _, p := range s.blacklist {
		if p.IsGlobal() || *p.ApplicationID == applicationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetBlacklist(ctx context.Context, id int64) (*types.BlacklistPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.blacklist[id]
	if !ok {
		return nil, fmt.Errorf("get blacklist: %w", issuesink.ErrNotFound)
	}
	return p, nil
}

func (s *Store) CreateBlacklist(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.blacklist {
		if existing.Pattern == p.Pattern && appEq(existing.ApplicationID, p.ApplicationID) {
			return nil, fmt.Errorf("create blacklist: %w", issuesink.ErrConflict)
		}
	}
	s.nextBLID++
	cp := *p
	cp.ID = s.nextBLID
	s.blacklist[cp.ID] = &cp
	return &cp, nil
}

func (s *Store) UpdateBlacklist(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blacklist[p.ID]; !ok {
		return nil, fmt.Errorf("update blacklist: %w", issuesink.ErrNotFound)
	}
	for id, existing := range s.blacklist {
		if id != p.ID && existing.Pattern == p.Pattern && appEq(existing.ApplicationID, p.ApplicationID) {
			return nil, fmt.Errorf("update blacklist: %w", issuesink.ErrConflict)
		}
	}
	cp := *p
	s.blacklist[p.ID] = &cp
	return &cp, nil
}

func (s *Store) DeleteBlacklist(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blacklist[id]; !ok {
		return fmt.Errorf("delete blacklist: %w", issuesink.ErrNotFound)
	}
	delete(s.blacklist, id)
	return nil
}

func (s *Store) ClearBlacklist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist = make(map[int64]*types.BlacklistPattern)
	return nil
}

func (s *Store) AllBlacklist(ctx context.Context) ([]*types.BlacklistPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.BlacklistPattern
	for _, p := range s.blacklist {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func appEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

var _ store.Store = (*Store)(nil)
