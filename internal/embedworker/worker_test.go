package embedworker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	memstore "github.com/issuesink/issuesink/internal/store/storetest"
	"github.com/issuesink/issuesink/internal/types"
)

type fakeClient struct {
	vectors map[string]types.Vector
	model   string
	err     error
}

func (f *fakeClient) Embed(ctx context.Context, text string) (types.Vector, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, f.model, nil
	}
	return types.Vector{1, 0, 0}, f.model, nil
}

func newIssue(appID, msg string, state types.Status) *types.Issue {
	now := time.Now().UTC()
	return &types.Issue{
		ID: types.NewID(), ApplicationID: appID, Message: msg, State: state,
		Timestamp: now, CreatedAt: now, UpdatedAt: now,
	}
}

func TestProcessOnePromotesWhenNoNeighbor(t *testing.T) {
	s := memstore.New()
	iss := newIssue("A", "m1", types.StatusPending)
	if err := s.Seed(iss); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{model: "test-model"}
	w := New(s, client, log.New(io.Discard, "", 0), "")

	w.processOne(context.Background(), iss)

	got, err := s.GetIssue(context.Background(), "A", iss.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.StatusOpen {
		t.Errorf("state = %s, want open", got.State)
	}
	if got.Embedding == nil {
		t.Error("expected embedding to be set")
	}
	if got.EmbeddingModel != "test-model" {
		t.Errorf("embedding model = %q", got.EmbeddingModel)
	}
}

func TestProcessOneMergesIntoSimilarNeighbor(t *testing.T) {
	s := memstore.New()
	neighbor := newIssue("A", "neighbor crash", types.StatusOpen)
	neighbor.Embedding = types.Vector{1, 0, 0}
	if err := s.Seed(neighbor); err != nil {
		t.Fatal(err)
	}
	source := newIssue("A", "source crash", types.StatusPending)
	if err := s.Seed(source); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{}
	w := New(s, client, log.New(io.Discard, "", 0), "")
	w.Threshold = 0.5

	w.processOne(context.Background(), source)

	if _, err := s.GetIssue(context.Background(), "A", source.ID); err == nil {
		t.Error("source issue should have been deleted after merge")
	}
	got, err := s.GetIssue(context.Background(), "A", neighbor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReopenCount != 1 {
		t.Errorf("reopen_count = %d, want 1", got.ReopenCount)
	}
	if got.Context["merged_from"] != string(source.ID) {
		t.Errorf("merged_from = %v", got.Context["merged_from"])
	}
}

func TestProcessOneFallsBackToOpenOnEmbedFailure(t *testing.T) {
	s := memstore.New()
	iss := newIssue("A", "m1", types.StatusPending)
	if err := s.Seed(iss); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{err: errors.New("provider down")}
	w := New(s, client, log.New(io.Discard, "", 0), "")

	w.processOne(context.Background(), iss)

	got, err := s.GetIssue(context.Background(), "A", iss.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.StatusOpen {
		t.Errorf("state = %s, want open (fallback)", got.State)
	}
	if got.Embedding != nil {
		t.Error("embedding should remain nil on failure")
	}
	if w.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", w.Stats().Errors)
	}
}

func TestProcessIssueEmbedsOnDemand(t *testing.T) {
	s := memstore.New()
	iss := newIssue("A", "on-demand issue", types.StatusPending)
	if err := s.Seed(iss); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{model: "test-model"}
	w := New(s, client, log.New(io.Discard, "", 0), "")

	if err := w.ProcessIssue(context.Background(), "A", iss.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetIssue(context.Background(), "A", iss.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.StatusOpen {
		t.Errorf("state = %s, want open", got.State)
	}
}

func TestProcessIssueRejectsConcurrentInFlight(t *testing.T) {
	s := memstore.New()
	iss := newIssue("A", "busy issue", types.StatusPending)
	if err := s.Seed(iss); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{}
	w := New(s, client, log.New(io.Discard, "", 0), "")

	w.mu.Lock()
	w.inFlight[iss.ID] = true
	w.mu.Unlock()

	if err := w.ProcessIssue(context.Background(), "A", iss.ID); err == nil {
		t.Error("expected error while issue already in flight")
	}
}

func TestRunTickReturnsBusyWhileAlreadyRunning(t *testing.T) {
	s := memstore.New()
	client := &fakeClient{}
	w := New(s, client, log.New(io.Discard, "", 0), "")

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	if ok := w.runTick(context.Background()); ok {
		t.Error("expected busy (false) while a tick is already running")
	}
}
