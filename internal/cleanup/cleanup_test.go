package cleanup

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	memstore "github.com/issuesink/issuesink/internal/store/storetest"
	"github.com/issuesink/issuesink/internal/types"
)

func newIssue(appID, msg string, state types.Status, age time.Duration) *types.Issue {
	ts := time.Now().UTC().Add(-age)
	return &types.Issue{
		ID: types.NewID(), ApplicationID: appID, Message: msg, State: state,
		Timestamp: ts, CreatedAt: ts, UpdatedAt: ts,
	}
}

func newScheduler(s *memstore.Store, imagesDir string) *Scheduler {
	return New(s, nil, imagesDir, log.New(io.Discard, "", 0), "")
}

func TestReconcileDuplicatesMergesOlderIntoNewer(t *testing.T) {
	s := memstore.New()
	older := newIssue("A", "null pointer in handler", types.StatusOpen, 2*time.Hour)
	newer := newIssue("A", "null pointer in handler", types.StatusOpen, time.Hour)
	if err := s.Seed(older); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(newer); err != nil {
		t.Fatal(err)
	}

	sch := newScheduler(s, "")
	ran, counters, _, err := sch.Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected run to proceed")
	}
	if counters.DuplicatesFound != 1 || counters.DuplicatesRemoved != 1 {
		t.Errorf("counters = %+v", counters)
	}

	if _, err := s.GetIssue(context.Background(), "A", older.ID); err == nil {
		t.Error("older duplicate should have been merged away")
	}
	if _, err := s.GetIssue(context.Background(), "A", newer.ID); err != nil {
		t.Error("newer issue should survive")
	}
}

func TestReconcileDuplicatesIgnoresDissimilarMessages(t *testing.T) {
	s := memstore.New()
	a := newIssue("A", "database connection refused", types.StatusOpen, 2*time.Hour)
	b := newIssue("A", "completely unrelated stack trace about rendering", types.StatusOpen, time.Hour)
	if err := s.Seed(a); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(b); err != nil {
		t.Fatal(err)
	}

	sch := newScheduler(s, "")
	_, counters, _, err := sch.Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if counters.DuplicatesFound != 0 {
		t.Errorf("expected no duplicates, got %+v", counters)
	}
}

func TestDryRunReportsWithoutMutating(t *testing.T) {
	s := memstore.New()
	older := newIssue("A", "timeout talking to upstream", types.StatusOpen, 2*time.Hour)
	newer := newIssue("A", "timeout talking to upstream", types.StatusOpen, time.Hour)
	if err := s.Seed(older); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(newer); err != nil {
		t.Fatal(err)
	}

	sch := newScheduler(s, "")
	_, counters, actions, err := sch.Run(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if counters.DuplicatesRemoved != 0 {
		t.Errorf("dry run must not remove anything, got %+v", counters)
	}
	if len(actions) != 1 || actions[0].Kind != "merge" {
		t.Errorf("actions = %+v", actions)
	}
	if _, err := s.GetIssue(context.Background(), "A", older.ID); err != nil {
		t.Error("dry run must not delete the older issue")
	}
}

func TestExpireClosedRemovesOldButNotRecent(t *testing.T) {
	s := memstore.New()
	old := newIssue("A", "stale closed issue", types.StatusClosed, 60*24*time.Hour)
	recent := newIssue("A", "recently closed issue", types.StatusClosed, time.Hour)
	if err := s.Seed(old); err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(recent); err != nil {
		t.Fatal(err)
	}

	sch := newScheduler(s, "")
	sch.MaxAge = 24 * time.Hour
	_, counters, _, err := sch.Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if counters.OldLogsRemoved != 1 {
		t.Errorf("old_logs_removed = %d, want 1", counters.OldLogsRemoved)
	}
	if _, err := s.GetIssue(context.Background(), "A", old.ID); err == nil {
		t.Error("old closed issue should have expired")
	}
	if _, err := s.GetIssue(context.Background(), "A", recent.ID); err != nil {
		t.Error("recently closed issue should survive")
	}
}

func TestSweepOrphansDeletesUnreferencedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	s := memstore.New()
	iss := newIssue("A", "issue with screenshot", types.StatusOpen, time.Hour)
	iss.Screenshots = []string{"kept.png"}
	if err := s.Seed(iss); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"kept.png", "orphan.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sch := newScheduler(s, dir)
	_, counters, _, err := sch.Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if counters.OrphanedImagesRemoved != 1 {
		t.Errorf("orphaned_images_removed = %d, want 1", counters.OrphanedImagesRemoved)
	}
	if _, err := os.Stat(filepath.Join(dir, "orphan.png")); !os.IsNotExist(err) {
		t.Error("orphan.png should have been deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "kept.png")); err != nil {
		t.Error("kept.png should survive since it's referenced")
	}
}

func TestRunScheduleRejectsBadCronSpec(t *testing.T) {
	sch := newScheduler(memstore.New(), "")
	if err := sch.RunSchedule(context.Background(), "definitely not cron"); err == nil {
		t.Error("expected a parse error for a malformed schedule")
	}
}

func TestRunReturnsBusyWhileAlreadyRunning(t *testing.T) {
	s := memstore.New()
	sch := newScheduler(s, "")
	sch.running = true

	ran, _, _, err := sch.Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("expected busy (false) while a run is already in progress")
	}
}
