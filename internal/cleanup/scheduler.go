// Package cleanup implements the Cleanup Scheduler (spec §4.5): periodic
// near-duplicate reconciliation, age-based expiry of closed issues, and
// orphan-image garbage collection. Grounded on internal/coop/monitor.go's
// ticker-driven loop shape (shared with internal/embedworker) and
// github.com/gofrs/flock for cross-process mutual exclusion
// (internal/lockfile's ErrLocked/ErrLockBusy contract).
package cleanup

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/issuesink/issuesink/internal/llm"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

const (
	defaultMaxAge             = 30 * 24 * time.Hour
	defaultDuplicateThreshold = 0.85
)

// Counters is what the scheduler publishes after a run (spec §4.5
// "Partial failure").
type Counters struct {
	DuplicatesFound       int
	DuplicatesRemoved     int
	OldLogsRemoved        int
	OrphanedImagesRemoved int
	LastRunAt             time.Time
	LastRunDuration       time.Duration
	Failures              []string
}

// Action describes one candidate mutation for a dry run (spec §C.5).
type Action struct {
	Kind   string // "merge", "expire", "delete_orphan"
	Detail string
}

// Scheduler is the Cleanup Scheduler singleton (spec §5 "at most one
// active run; busy if re-triggered").
type Scheduler struct {
	Store     store.Store
	LLM       llm.Client // optional; nil disables refinement
	ImagesDir string
	Logger    *log.Logger

	DuplicateThreshold float64
	MaxAge             time.Duration
	BatchSize          int

	lockPath string

	mu      sync.Mutex
	running bool
	last    Counters
}

func New(s store.Store, llmClient llm.Client, imagesDir string, logger *log.Logger, lockPath string) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		Store:              s,
		LLM:                llmClient,
		ImagesDir:          imagesDir,
		Logger:             logger,
		DuplicateThreshold: defaultDuplicateThreshold,
		MaxAge:             defaultMaxAge,
		BatchSize:          50,
		lockPath:           lockPath,
	}
}

func (s *Scheduler) Status() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.last
	c.Failures = append([]string(nil), s.last.Failures...)
	return c
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run executes all three phases in order (spec §4.5). dryRun computes and
// returns the actions each phase would take without mutating anything
// (spec §C.5). Returns (ran, counters, actions, error); ran is false if
// another run is already in progress ("busy", spec §5).
func (s *Scheduler) Run(ctx context.Context, dryRun bool) (bool, Counters, []Action, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false, Counters{}, nil, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var fl *flock.Flock
	if s.lockPath != "" {
		fl = flock.New(s.lockPath)
		locked, err := fl.TryLock()
		if err != nil || !locked {
			return false, Counters{}, nil, nil
		}
		defer fl.Unlock()
	}

	start := time.Now()
	counters := Counters{}
	var actions []Action

	if err := s.reconcileDuplicates(ctx, dryRun, &counters, &actions); err != nil {
		counters.Failures = append(counters.Failures, "reconcile: "+err.Error())
	}
	if err := s.expireClosed(ctx, dryRun, &counters, &actions); err != nil {
		counters.Failures = append(counters.Failures, "expire: "+err.Error())
	}
	if err := s.sweepOrphans(ctx, dryRun, &counters, &actions); err != nil {
		counters.Failures = append(counters.Failures, "orphan sweep: "+err.Error())
	}

	counters.LastRunAt = start
	counters.LastRunDuration = time.Since(start)

	s.mu.Lock()
	s.last = counters
	s.mu.Unlock()

	return true, counters, actions, nil
}

// reconcileDuplicates is spec §4.5 phase 1. Pairs are scored with
// Levenshtein similarity (exact match short-circuits to 1.0), optionally
// refined by an LLM when the score is borderline, and older members of
// any pair at-or-above threshold merge into the newer one.
func (s *Scheduler) reconcileDuplicates(ctx context.Context, dryRun bool, counters *Counters, actions *[]Action) error {
	apps, err := s.Store.ListApplications(ctx)
	if err != nil {
		return err
	}

	for _, app := range apps {
		candidates, err := s.Store.ReconciliationCandidates(ctx, app)
		if err != nil {
			counters.Failures = append(counters.Failures, "reconcile "+app+": "+err.Error())
			continue
		}

		merged := make(map[types.ID]bool)
		for i := 0; i < len(candidates); i++ {
			a := candidates[i]
			if merged[a.ID] {
				continue
			}
			for j := i + 1; j < len(candidates); j++ {
				b := candidates[j]
				if merged[b.ID] || merged[a.ID] {
					continue
				}
				score := s.score(ctx, a.Message, b.Message)
				if score < s.threshold() {
					continue
				}
				counters.DuplicatesFound++

				older, newer := a, b
				if older.CreatedAt.After(newer.CreatedAt) {
					older, newer = newer, older
				}
				if merged[older.ID] {
					continue
				}

				if dryRun {
					*actions = append(*actions, Action{
						Kind:   "merge",
						Detail: string(older.ID) + " -> " + string(newer.ID),
					})
					continue
				}

				// Contexts merge older-loses: layering the newer context over
				// the older one keeps the newer member's value on every key
				// conflict (spec §4.5 phase 1).
				patch := types.MergeContext(older.Context, newer.Context)
				patch["reconciled_from"] = string(older.ID)
				if _, err := s.Store.MergeIssues(ctx, newer.ID, older, patch, score); err != nil {
					counters.Failures = append(counters.Failures, "merge "+string(older.ID)+": "+err.Error())
					continue
				}
				merged[older.ID] = true
				counters.DuplicatesRemoved++
			}
		}
	}
	return nil
}

func (s *Scheduler) threshold() float64 {
	if s.DuplicateThreshold > 0 {
		return s.DuplicateThreshold
	}
	return defaultDuplicateThreshold
}

// score computes the Levenshtein-based baseline and, when it's
// borderline (below threshold) and an LLM is configured, asks for a
// refined estimate (spec §4.5 phase 1 "If that is below the duplicate
// threshold ... and an LLM is available, optionally ask the LLM").
func (s *Scheduler) score(ctx context.Context, a, b string) float64 {
	base := similarity(a, b)
	if base >= s.threshold() || s.LLM == nil {
		return base
	}
	refined, err := s.LLM.RefineSimilarity(ctx, a, b, base)
	if err != nil {
		return base
	}
	return refined
}

// expireClosed is spec §4.5 phase 2.
func (s *Scheduler) expireClosed(ctx context.Context, dryRun bool, counters *Counters, actions *[]Action) error {
	cutoff := time.Now().UTC().Add(-s.maxAge())
	if dryRun {
		apps, err := s.Store.ListApplications(ctx)
		if err != nil {
			return err
		}
		for _, app := range apps {
			closed, err := s.Store.ListByState(ctx, app, types.StatusClosed)
			if err != nil {
				continue
			}
			for _, iss := range closed {
				if iss.UpdatedAt.Before(cutoff) {
					*actions = append(*actions, Action{Kind: "expire", Detail: string(iss.ID)})
				}
			}
		}
		return nil
	}

	removed, err := s.Store.ExpireClosedOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	counters.OldLogsRemoved += len(removed)
	return s.deleteFiles(removed)
}

func (s *Scheduler) maxAge() time.Duration {
	if s.MaxAge > 0 {
		return s.MaxAge
	}
	return defaultMaxAge
}

// sweepOrphans is spec §4.5 phase 3. Per §5's race note, the store is
// scanned first and the filesystem second; the race between a
// mid-admission image write and the sweep is tolerated by re-running on
// the next tick rather than by locking across both systems.
func (s *Scheduler) sweepOrphans(ctx context.Context, dryRun bool, counters *Counters, actions *[]Action) error {
	if s.ImagesDir == "" {
		return nil
	}

	referenced, err := s.Store.AllScreenshotFilenames(ctx)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(s.ImagesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if referenced[name] {
			continue
		}
		if dryRun {
			*actions = append(*actions, Action{Kind: "delete_orphan", Detail: name})
			continue
		}
		if err := os.Remove(filepath.Join(s.ImagesDir, name)); err != nil {
			counters.Failures = append(counters.Failures, "delete orphan "+name+": "+err.Error())
			continue
		}
		counters.OrphanedImagesRemoved++
	}
	return nil
}

func (s *Scheduler) deleteFiles(names []string) error {
	if s.ImagesDir == "" {
		return nil
	}
	for _, n := range names {
		_ = os.Remove(filepath.Join(s.ImagesDir, n))
	}
	return nil
}
