package admission

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/issuesink/issuesink/internal/blacklist"
	"github.com/issuesink/issuesink/internal/imageextract"
	"github.com/issuesink/issuesink/internal/issuesink"
	memstore "github.com/issuesink/issuesink/internal/store/storetest"
	"github.com/issuesink/issuesink/internal/types"
)

func newPipeline(t *testing.T, embeddingEnabled bool) (*Pipeline, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	cache := blacklist.New(s, 0, nil)
	dir := t.TempDir()
	extractor := imageextract.New(dir, 0, []string{"png", "jpeg"})
	return New(s, cache, extractor, embeddingEnabled), s
}

func TestAdmitCreatesNewInPendingWhenEmbeddingEnabled(t *testing.T) {
	p, _ := newPipeline(t, true)
	res, err := p.Admit(context.Background(), Input{ApplicationID: "A", Message: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionCreatedNew {
		t.Errorf("action = %s, want created_new", res.Action)
	}
	if res.Issue.State != types.StatusPending {
		t.Errorf("state = %s, want pending", res.Issue.State)
	}
	if res.Deduplicated {
		t.Error("deduplicated should be false for a fresh issue")
	}
}

func TestAdmitCreatesNewInOpenWhenEmbeddingDisabled(t *testing.T) {
	p, _ := newPipeline(t, false)
	res, err := p.Admit(context.Background(), Input{ApplicationID: "A", Message: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Issue.State != types.StatusOpen {
		t.Errorf("state = %s, want open", res.Issue.State)
	}
}

func TestAdmitRejectsMissingFields(t *testing.T) {
	p, _ := newPipeline(t, false)
	_, err := p.Admit(context.Background(), Input{Message: "m1"})
	if !errors.Is(err, issuesink.ErrInvalidInput) {
		t.Errorf("missing applicationId: got %v, want ErrInvalidInput", err)
	}
	_, err = p.Admit(context.Background(), Input{ApplicationID: "A"})
	if !errors.Is(err, issuesink.ErrInvalidInput) {
		t.Errorf("missing message: got %v, want ErrInvalidInput", err)
	}
}

func TestAdmitBlocksBlacklistedMessage(t *testing.T) {
	p, s := newPipeline(t, false)
	if _, err := s.CreateBlacklist(context.Background(), &types.BlacklistPattern{
		Pattern: "spam", PatternType: types.PatternSubstring,
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.Blacklist.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := p.Admit(context.Background(), Input{ApplicationID: "A", Message: "This is spam"})
	var blocked *issuesink.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Pattern != "spam" {
		t.Errorf("pattern = %q, want spam", blocked.Pattern)
	}
}

func TestAdmitReopensDoneExactDuplicate(t *testing.T) {
	p, s := newPipeline(t, false)
	ctx := context.Background()

	first, err := p.Admit(ctx, Input{ApplicationID: "A", Message: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Mutate(ctx, "A", first.Issue.ID, func(iss *types.Issue) error {
		iss.State = types.StatusDone
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	second, err := p.Admit(ctx, Input{ApplicationID: "A", Message: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Action != ActionReopenedExisting {
		t.Errorf("action = %s, want reopened_existing", second.Action)
	}
	if second.Issue.ID != first.Issue.ID {
		t.Errorf("id = %s, want %s", second.Issue.ID, first.Issue.ID)
	}
	if second.Issue.ReopenCount != 1 {
		t.Errorf("reopen_count = %d, want 1", second.Issue.ReopenCount)
	}
	if second.Issue.State != types.StatusOpen {
		t.Errorf("state = %s, want open", second.Issue.State)
	}
	if !second.Deduplicated {
		t.Error("deduplicated should be true")
	}
}

func TestAdmitExtractsImagesIntoScreenshots(t *testing.T) {
	p, _ := newPipeline(t, false)
	tinyPNG := "data:image/png;base64,iVBORw0KGgo="

	res, err := p.Admit(context.Background(), Input{
		ApplicationID: "A",
		Message:       "crash with screenshot",
		Context:       types.Context{"screenshot": tinyPNG},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issue.Screenshots) != 1 {
		t.Fatalf("screenshots = %v, want 1 entry", res.Issue.Screenshots)
	}
	path := res.Issue.Screenshots[0]
	filename, ok := res.Issue.Context["screenshot"].(string)
	if !ok || filename != path {
		t.Errorf("context field not rewritten to filename: %v", res.Issue.Context["screenshot"])
	}
	if _, err := os.Stat(p.Images.Dir + "/" + path); err != nil {
		t.Errorf("expected image file on disk: %v", err)
	}
}
