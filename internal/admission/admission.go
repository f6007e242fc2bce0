// Package admission implements the Admission Pipeline (spec §4.2):
// validate -> blacklist-check -> extract images -> exact-duplicate probe
// -> persist. Grounded on the teacher's staged-validation-then-persist
// importer shape (internal/importer/importer.go) adapted to the spec's
// five short-circuiting steps.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/issuesink/issuesink/internal/blacklist"
	"github.com/issuesink/issuesink/internal/imageextract"
	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/lifecycle"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// Action reports which of the admission pipeline's two terminal
// successful outcomes occurred (spec §4.2 steps 4-5).
type Action string

const (
	ActionCreatedNew       Action = "created_new"
	ActionReopenedExisting Action = "reopened_existing"
)

// Input is the admission request (spec §4.2, §6 `POST /log` body).
type Input struct {
	ApplicationID string
	Message       string
	Timestamp     time.Time // zero means "now"
	Context       types.Context
	Type          types.IssueType
	Effort        types.Effort
	Plan          string
	LLMOutput     string
}

// Result is what the pipeline returns on success (spec §6 `200
// {success, logged, deduplicated, action}`).
type Result struct {
	Issue        *types.Issue
	Action       Action
	Deduplicated bool
}

// Pipeline wires the four collaborators the Admission Pipeline orchestrates
// (spec §2 row 6): Blacklist Cache, Image Extractor, Store, and the
// initial-state policy from the Lifecycle Engine.
type Pipeline struct {
	Store            store.Store
	Blacklist        *blacklist.Cache
	Images           *imageextract.Extractor
	EmbeddingEnabled bool
}

func New(s store.Store, bl *blacklist.Cache, images *imageextract.Extractor, embeddingEnabled bool) *Pipeline {
	return &Pipeline{Store: s, Blacklist: bl, Images: images, EmbeddingEnabled: embeddingEnabled}
}

// Admit runs the full pipeline (spec §4.2 steps 1-5).
func (p *Pipeline) Admit(ctx context.Context, in Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	match, err := p.Blacklist.Check(ctx, in.ApplicationID, in.Message)
	if err != nil {
		return nil, fmt.Errorf("admission: blacklist check: %w", err)
	}
	if match != nil {
		return nil, &issuesink.BlockedError{Pattern: match.Pattern.Pattern, Reason: match.Reason}
	}

	id := types.NewID()
	ctxTree, screenshots, err := p.Images.Extract(in.ApplicationID, id, in.Context)
	if err != nil {
		return nil, fmt.Errorf("admission: image extraction: %w", err)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	candidate := &types.Issue{
		ID:            id,
		ApplicationID: in.ApplicationID,
		Timestamp:     ts,
		Message:       in.Message,
		Context:       ctxTree,
		Screenshots:   screenshots,
		State:         lifecycle.InitialState(p.EmbeddingEnabled),
		Plan:          in.Plan,
		Type:          in.Type,
		Effort:        in.Effort,
		LLMOutput:     in.LLMOutput,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}

	issue, reopened, err := p.Store.AdmitOrReopen(ctx, candidate, ctxTree, screenshots)
	if err != nil {
		return nil, fmt.Errorf("admission: admit or reopen: %w", err)
	}

	action := ActionCreatedNew
	if reopened {
		action = ActionReopenedExisting
	}
	return &Result{Issue: issue, Action: action, Deduplicated: reopened}, nil
}

func validate(in Input) error {
	if in.ApplicationID == "" {
		return fmt.Errorf("%w: applicationId is required", issuesink.ErrInvalidInput)
	}
	if in.Message == "" {
		return fmt.Errorf("%w: message is required", issuesink.ErrInvalidInput)
	}
	if !in.Type.IsValid() {
		return fmt.Errorf("%w: invalid type %q", issuesink.ErrInvalidInput, in.Type)
	}
	if !in.Effort.IsValid() {
		return fmt.Errorf("%w: invalid effort %q", issuesink.ErrInvalidInput, in.Effort)
	}
	return nil
}
