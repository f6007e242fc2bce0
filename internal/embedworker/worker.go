// Package embedworker implements the Embedding Worker (spec §4.4): a
// cooperative background task pool draining `pending` issues, computing
// embeddings, and either merging them into an existing cluster or
// promoting them to `open`. Grounded on internal/coop/monitor.go's
// ticker-driven polling loop shape and internal/eventbus/bus.go's
// "claim, process, continue on error" dispatch, with cross-process
// mutual exclusion via github.com/gofrs/flock (internal/lockfile's
// ErrLocked/ErrLockBusy contract, reimplemented over the third-party
// library per SPEC_FULL.md §B).
package embedworker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/issuesink/issuesink/internal/embedclient"
	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

const (
	defaultTickInterval = 2 * time.Minute
	defaultBatchSize    = 20
	defaultThreshold    = 0.85
	mergeEdgeScore      = 0.95
)

// Stats is the counters surfaced by `GET /embedding/status` (spec §6).
type Stats struct {
	Running      bool
	LastTick     time.Time
	LastDuration time.Duration
	Processed    int64
	Merged       int64
	Promoted     int64
	Errors       int64
	InFlightIDs  []types.ID
}

// Worker is the Embedding Worker singleton (spec §5 "at most one active
// tick; busy if re-triggered").
type Worker struct {
	Store  store.Store
	Client embedclient.Client
	Logger *log.Logger

	TickInterval time.Duration
	BatchSize    int
	Threshold    float64
	CallTimeout  time.Duration

	lockPath string

	mu       sync.Mutex
	running  bool
	inFlight map[types.ID]bool
	stats    Stats

	trigger chan chan bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Worker. lockPath, when non-empty, is the path to an
// advisory lock file enforcing single-active-tick across multiple
// service processes sharing a store (spec §5).
func New(s store.Store, client embedclient.Client, logger *log.Logger, lockPath string) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		Store:        s,
		Client:       client,
		Logger:       logger,
		TickInterval: defaultTickInterval,
		BatchSize:    defaultBatchSize,
		Threshold:    defaultThreshold,
		CallTimeout:  30 * time.Second,
		lockPath:     lockPath,
		inFlight:     make(map[types.ID]bool),
		trigger:      make(chan chan bool, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Run drives the timer+trigger loop until ctx is cancelled or Stop is
// called; it blocks, so callers run it in a goroutine. Graceful shutdown
// waits for the in-progress tick to finish (spec §5).
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runTick(ctx)
		case reply := <-w.trigger:
			ok := w.runTick(ctx)
			if reply != nil {
				reply <- ok
			}
		}
	}
}

// Stop signals Run to exit after its current tick completes.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// ForceProcess triggers an immediate tick (spec §4.4 "explicit trigger").
// Reports false ("busy") if a tick is already running.
func (w *Worker) ForceProcess(ctx context.Context) bool {
	w.mu.Lock()
	busy := w.running
	w.mu.Unlock()
	if busy {
		return false
	}
	reply := make(chan bool, 1)
	select {
	case w.trigger <- reply:
		select {
		case ok := <-reply:
			return ok
		case <-ctx.Done():
			return false
		}
	default:
		return false
	}
}

// ProcessIssue embeds a single issue on demand (spec §6 `POST
// /embedding/process/:logId`), outside the normal batch tick. Returns
// issuesink.ErrConflict if the issue is already being processed by a
// concurrent tick.
func (w *Worker) ProcessIssue(ctx context.Context, appID string, id types.ID) error {
	w.mu.Lock()
	if w.inFlight[id] {
		w.mu.Unlock()
		return fmt.Errorf("embedworker: %s already in flight: %w", id, issuesink.ErrConflict)
	}
	w.inFlight[id] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, id)
		w.mu.Unlock()
	}()

	iss, err := w.Store.GetIssue(ctx, appID, id)
	if err != nil {
		return err
	}
	w.processOne(ctx, iss)
	return nil
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Running = w.running
	for id := range w.inFlight {
		s.InFlightIDs = append(s.InFlightIDs, id)
	}
	return s
}

// runTick claims a batch, processes it, and returns true. A second tick
// while one is already running is a no-op returning false (spec §5 "a
// second trigger while running is a no-op that returns a busy signal").
func (w *Worker) runTick(ctx context.Context) bool {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return false
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	var fl *flock.Flock
	if w.lockPath != "" {
		fl = flock.New(w.lockPath)
		locked, err := fl.TryLock()
		if err != nil || !locked {
			return false
		}
		defer fl.Unlock()
	}

	start := time.Now()
	w.processBatch(ctx)
	w.mu.Lock()
	w.stats.LastTick = start
	w.stats.LastDuration = time.Since(start)
	w.mu.Unlock()
	return true
}

func (w *Worker) processBatch(ctx context.Context) {
	w.mu.Lock()
	excluded := make([]types.ID, 0, len(w.inFlight))
	for id := range w.inFlight {
		excluded = append(excluded, id)
	}
	w.mu.Unlock()

	batch, err := w.Store.ListPending(ctx, w.BatchSize, excluded)
	if err != nil {
		w.Logger.Printf("embedworker: list pending: %v", err)
		return
	}

	for _, iss := range batch {
		w.mu.Lock()
		w.inFlight[iss.ID] = true
		w.mu.Unlock()

		w.processOne(ctx, iss)

		w.mu.Lock()
		delete(w.inFlight, iss.ID)
		w.mu.Unlock()
	}
}

// processOne implements spec §4.4 steps 2a-2f for a single claimed issue.
func (w *Worker) processOne(ctx context.Context, iss *types.Issue) {
	w.mu.Lock()
	w.stats.Processed++
	w.mu.Unlock()

	input := embedInput(iss)

	callCtx := ctx
	var cancel context.CancelFunc
	if w.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, w.CallTimeout)
		defer cancel()
	}

	vec, model, err := w.Client.Embed(callCtx, input)
	if err != nil {
		// Decision §D.2: move straight to `open` on failure rather than
		// leave the issue stuck in `pending` across ticks.
		w.Logger.Printf("embedworker: embed %s: %v", iss.ID, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		if _, mErr := w.Store.Mutate(ctx, iss.ApplicationID, iss.ID, func(i *types.Issue) error {
			i.State = types.StatusOpen
			return nil
		}); mErr != nil {
			w.Logger.Printf("embedworker: fallback promote %s: %v", iss.ID, mErr)
		}
		return
	}

	neighbors, err := w.Store.SimilarIssues(ctx, iss.ApplicationID, vec, 5, w.Threshold)
	if err != nil {
		w.Logger.Printf("embedworker: similar issues for %s: %v", iss.ID, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	candidate, _ := bestMergeCandidate(neighbors)
	if candidate != nil {
		// The neighbor absorbs the source's context plus the merge
		// provenance fields (spec §4.4e).
		patch := types.MergeContext(iss.Context, types.Context{
			"merged_from":     string(iss.ID),
			"merge_reason":    "embedding similarity",
			"merge_timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		if _, err := w.Store.MergeIssues(ctx, candidate.ID, iss, patch, mergeEdgeScore); err != nil {
			w.Logger.Printf("embedworker: merge %s into %s: %v", iss.ID, candidate.ID, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			return
		}
		w.mu.Lock()
		w.stats.Merged++
		w.mu.Unlock()
		return
	}

	if _, err := w.Store.Mutate(ctx, iss.ApplicationID, iss.ID, func(i *types.Issue) error {
		i.Embedding = vec
		i.EmbeddingModel = model
		i.State = types.StatusOpen
		return nil
	}); err != nil {
		w.Logger.Printf("embedworker: promote %s: %v", iss.ID, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}
	w.mu.Lock()
	w.stats.Promoted++
	w.mu.Unlock()
}

// bestMergeCandidate returns the highest-scoring neighbor whose state is
// in {open, in_progress, done} (spec §4.4d).
func bestMergeCandidate(neighbors []store.SimilarIssue) (*types.Issue, float64) {
	var best *types.Issue
	var bestScore float64
	for _, n := range neighbors {
		switch n.Issue.State {
		case types.StatusOpen, types.StatusInProgress, types.StatusDone:
		default:
			continue
		}
		if best == nil || n.Score > bestScore {
			best = n.Issue
			bestScore = n.Score
		}
	}
	return best, bestScore
}

// embedInput builds the text fed to the embedding provider (spec §4.4
// step 2a): "Message: ...", "Application: ...", pretty-printed context.
func embedInput(iss *types.Issue) string {
	ctxStr := prettyContext(iss.Context)
	return fmt.Sprintf("Message: %s\nApplication: %s\nContext: %s", iss.Message, iss.ApplicationID, ctxStr)
}
