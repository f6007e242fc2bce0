package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testIssue(appID, msg string, state types.Status) *types.Issue {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.Issue{
		ID:            types.NewID(),
		ApplicationID: appID,
		Timestamp:     now,
		Message:       msg,
		Context:       types.Context{},
		State:         state,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	iss := testIssue("A", "boom", types.StatusOpen)
	iss.Context = types.Context{"url": "/checkout", "attempt": float64(2)}
	iss.Screenshots = []string{"A-img-x-1.png"}
	iss.Statistics = map[string]any{"files": float64(3)}
	if err := s.CreateIssue(ctx, iss); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetIssue(ctx, "A", iss.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Message != "boom" || got.State != types.StatusOpen {
		t.Errorf("got %+v", got)
	}
	if got.Context["url"] != "/checkout" || got.Context["attempt"] != float64(2) {
		t.Errorf("context = %v", got.Context)
	}
	if len(got.Screenshots) != 1 || got.Screenshots[0] != "A-img-x-1.png" {
		t.Errorf("screenshots = %v", got.Screenshots)
	}
	if got.Statistics["files"] != float64(3) {
		t.Errorf("statistics = %v", got.Statistics)
	}
}

func TestGetIssueWrongAppIsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	iss := testIssue("A", "boom", types.StatusOpen)
	if err := s.CreateIssue(ctx, iss); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetIssue(ctx, "B", iss.ID); !errors.Is(err, issuesink.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAdmitOrReopenCreatesThenReopens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testIssue("A", "null pointer", types.StatusOpen)
	got, reopened, err := s.AdmitOrReopen(ctx, first, first.Context, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if reopened || got.ID != first.ID {
		t.Fatalf("first admission should create, got reopened=%v id=%s", reopened, got.ID)
	}

	// only a `done` issue is a reopen target
	second := testIssue("A", "null pointer", types.StatusOpen)
	got, reopened, err = s.AdmitOrReopen(ctx, second, second.Context, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reopened {
		t.Fatal("non-done existing issue must not be reopened")
	}
	if got.ID != second.ID {
		t.Fatalf("expected a fresh issue, got %s", got.ID)
	}

	if _, err := s.Mutate(ctx, "A", first.ID, func(i *types.Issue) error {
		i.State = types.StatusDone
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	third := testIssue("A", "null pointer", types.StatusOpen)
	third.Context = types.Context{"retry": true}
	got, reopened, err = s.AdmitOrReopen(ctx, third, third.Context, []string{"A-img-z-1.png"})
	if err != nil {
		t.Fatal(err)
	}
	if !reopened {
		t.Fatal("done issue with the same key should reopen")
	}
	if got.ID != first.ID {
		t.Errorf("reopened id = %s, want original %s", got.ID, first.ID)
	}
	if got.State != types.StatusOpen || got.ReopenCount != 1 {
		t.Errorf("state=%s reopenCount=%d, want open/1", got.State, got.ReopenCount)
	}
	if got.ReopenedAt == nil {
		t.Error("reopened_at not set")
	}
	if got.Context["retry"] != true {
		t.Errorf("context not merged: %v", got.Context)
	}
	if len(got.Screenshots) != 1 {
		t.Errorf("screenshots not appended: %v", got.Screenshots)
	}
}

func TestMutateBumpsUpdatedAtAndRejectsUnknown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	iss := testIssue("A", "boom", types.StatusOpen)
	if err := s.CreateIssue(ctx, iss); err != nil {
		t.Fatal(err)
	}

	before := iss.UpdatedAt
	got, err := s.Mutate(ctx, "A", iss.ID, func(i *types.Issue) error {
		i.Plan = "fix it"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Plan != "fix it" {
		t.Errorf("plan = %q", got.Plan)
	}
	if !got.UpdatedAt.After(before) {
		t.Errorf("updated_at %v not bumped past %v", got.UpdatedAt, before)
	}

	if _, err := s.Mutate(ctx, "A", types.NewID(), func(i *types.Issue) error { return nil }); !errors.Is(err, issuesink.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListOpenViewPutsRevertFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	open := testIssue("A", "open issue", types.StatusOpen)
	rev := testIssue("A", "reverted issue", types.StatusRevert)
	// the open issue is newer, yet revert still sorts first
	open.Timestamp = rev.Timestamp.Add(time.Hour)
	for _, iss := range []*types.Issue{open, rev} {
		if err := s.CreateIssue(ctx, iss); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListOpenView(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != rev.ID || got[1].ID != open.ID {
		t.Errorf("order = %v", ids(got))
	}
}

func ids(issues []*types.Issue) []types.ID {
	out := make([]types.ID, len(issues))
	for i, iss := range issues {
		out[i] = iss.ID
	}
	return out
}

func TestListPendingOrdersOldestFirstAndExcludes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testIssue("A", "first", types.StatusPending)
	b := testIssue("A", "second", types.StatusPending)
	b.CreatedAt = a.CreatedAt.Add(time.Minute)
	for _, iss := range []*types.Issue{b, a} {
		if err := s.CreateIssue(ctx, iss); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListPending(ctx, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != a.ID {
		t.Errorf("order = %v, want oldest first", ids(got))
	}

	got, err = s.ListPending(ctx, 10, []types.ID{a.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("excluded claim still listed: %v", ids(got))
	}
}

func TestSimilarIssuesOrdersByScore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	near := testIssue("A", "near", types.StatusOpen)
	near.Embedding = types.Vector{1, 0, 0}
	far := testIssue("A", "far", types.StatusOpen)
	far.Embedding = types.Vector{0.6, 0.8, 0}
	pendingLike := testIssue("A", "no embedding", types.StatusPending)
	closed := testIssue("A", "closed but embedded", types.StatusClosed)
	closed.Embedding = types.Vector{1, 0, 0}
	otherApp := testIssue("B", "other app", types.StatusOpen)
	otherApp.Embedding = types.Vector{1, 0, 0}

	for _, iss := range []*types.Issue{near, far, pendingLike, closed, otherApp} {
		if err := s.CreateIssue(ctx, iss); err != nil {
			t.Fatal(err)
		}
	}

	// closed issues stay eligible neighbors; only pending (unembedded) and
	// other applications are out
	got, err := s.SimilarIssues(ctx, "A", types.Vector{1, 0, 0}, 5, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3 (no unembedded, no cross-app)", len(got))
	}
	for _, si := range got[:2] {
		if si.Issue.ID != near.ID && si.Issue.ID != closed.ID {
			t.Errorf("top two should be the exact-direction vectors, got %s", si.Issue.ID)
		}
		if si.Score < 0.99 {
			t.Errorf("score = %f for %s", si.Score, si.Issue.ID)
		}
	}
	if got[2].Issue.ID != far.ID {
		t.Errorf("third = %s, want the off-axis vector", got[2].Issue.ID)
	}

	// threshold filters
	got, err = s.SimilarIssues(ctx, "A", types.Vector{1, 0, 0}, 5, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("threshold 0.95 = %d candidates, want 2", len(got))
	}
}

func TestMergeIssuesFoldsSourceIntoTarget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target := testIssue("A", "target", types.StatusOpen)
	source := testIssue("A", "source", types.StatusPending)
	source.Screenshots = []string{"A-img-s-1.png"}
	for _, iss := range []*types.Issue{target, source} {
		if err := s.CreateIssue(ctx, iss); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.MergeIssues(ctx, target.ID, source, types.Context{"merged_from": string(source.ID)}, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReopenCount != 1 {
		t.Errorf("reopenCount = %d, want 1", got.ReopenCount)
	}
	if got.Context["merged_from"] != string(source.ID) {
		t.Errorf("context = %v", got.Context)
	}
	if len(got.Screenshots) != 1 {
		t.Errorf("screenshots = %v", got.Screenshots)
	}
	if _, err := s.GetIssue(ctx, "A", source.ID); !errors.Is(err, issuesink.ErrNotFound) {
		t.Errorf("source still exists: %v", err)
	}
}

func TestCloseIssueReturnsOwnedScreenshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	iss := testIssue("A", "boom", types.StatusOpen)
	iss.Screenshots = []string{"A-img-a-1.png", "A-img-a-2.png"}
	if err := s.CreateIssue(ctx, iss); err != nil {
		t.Fatal(err)
	}

	closed, shots, err := s.CloseIssue(ctx, "A", iss.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.State != types.StatusClosed {
		t.Errorf("state = %s", closed.State)
	}
	if len(shots) != 2 {
		t.Errorf("shots = %v", shots)
	}
	if len(closed.Screenshots) != 0 {
		t.Errorf("closed issue still owns screenshots: %v", closed.Screenshots)
	}
}

func TestExpireClosedOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testIssue("A", "old", types.StatusClosed)
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	old.Screenshots = []string{"A-img-old-1.png"}
	recent := testIssue("A", "recent", types.StatusClosed)
	stillOpen := testIssue("A", "open", types.StatusOpen)
	stillOpen.UpdatedAt = old.UpdatedAt
	for _, iss := range []*types.Issue{old, recent, stillOpen} {
		if err := s.CreateIssue(ctx, iss); err != nil {
			t.Fatal(err)
		}
	}

	shots, err := s.ExpireClosedOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(shots) != 1 || shots[0] != "A-img-old-1.png" {
		t.Errorf("shots = %v", shots)
	}
	if _, err := s.GetIssue(ctx, "A", old.ID); !errors.Is(err, issuesink.ErrNotFound) {
		t.Error("old closed issue should be gone")
	}
	if _, err := s.GetIssue(ctx, "A", recent.ID); err != nil {
		t.Error("recent closed issue should survive")
	}
	if _, err := s.GetIssue(ctx, "A", stillOpen.ID); err != nil {
		t.Error("open issue should survive regardless of age")
	}
}

func TestBlacklistUniqueViolationIsConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &types.BlacklistPattern{Pattern: "spam", PatternType: types.PatternSubstring}
	if _, err := s.CreateBlacklist(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateBlacklist(ctx, p); !errors.Is(err, issuesink.ErrConflict) {
		t.Errorf("duplicate global pattern: err = %v, want ErrConflict", err)
	}

	// same pattern, different scope, is fine
	app := "web"
	scoped := &types.BlacklistPattern{Pattern: "spam", PatternType: types.PatternSubstring, ApplicationID: &app}
	if _, err := s.CreateBlacklist(ctx, scoped); err != nil {
		t.Errorf("scoped duplicate should be allowed: %v", err)
	}
}

func TestCountByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, st := range []types.Status{types.StatusOpen, types.StatusOpen, types.StatusDone} {
		if err := s.CreateIssue(ctx, testIssue("A", string(st)+types.NewID().String(), st)); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.CountByState(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.StatusOpen] != 2 || counts[types.StatusDone] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
