// Package lifecycle implements the Lifecycle Engine (spec §4.1): the
// issue state machine's transition table, guards, and side effects. Every
// mutation that changes an issue's State goes through one of the
// functions here, built on store.Store.Mutate so the transaction boundary
// (and UpdatedAt bump) is owned by the store.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// Engine applies lifecycle transitions against a Store (spec §4.1's
// transition table). PlanPromotes selects the §9/§D.1 open-question
// policy: when true, setting a non-empty Plan on a `pending` issue also
// promotes it to `open`, alongside embedding-based promotion.
type Engine struct {
	Store        store.Store
	PlanPromotes bool
}

func New(s store.Store, planPromotes bool) *Engine {
	return &Engine{Store: s, PlanPromotes: planPromotes}
}

func transitionError(current types.Status, requested string) error {
	return fmt.Errorf("transition: %w", &issuesink.TransitionError{
		Current:   string(current),
		Requested: requested,
	})
}

// StartProgress: `open`|`revert` -> `in_progress` (spec §4.1 row 3/4).
func (e *Engine) StartProgress(ctx context.Context, appID string, id types.ID) (*types.Issue, error) {
	return e.Store.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		if iss.State != types.StatusOpen && iss.State != types.StatusRevert {
			return transitionError(iss.State, "in_progress")
		}
		now := time.Now().UTC()
		iss.State = types.StatusInProgress
		iss.StartedAt = &now
		return nil
	})
}

// DoneInput carries the optional fields §6 `PUT /log/:app/:id` accepts.
type DoneInput struct {
	Message    *string
	LLMMessage string
	GitCommit  string
	Statistics map[string]any
}

// SetDone: `open`|`in_progress` -> `done` (spec §4.1 rows 5/6).
func (e *Engine) SetDone(ctx context.Context, appID string, id types.ID, in DoneInput) (*types.Issue, error) {
	return e.Store.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		if iss.State != types.StatusOpen && iss.State != types.StatusInProgress {
			return transitionError(iss.State, "done")
		}
		now := time.Now().UTC()
		iss.State = types.StatusDone
		iss.CompletedAt = &now
		if in.Message != nil {
			iss.Message = *in.Message
		}
		iss.LLMMessage = in.LLMMessage
		iss.GitCommit = in.GitCommit
		iss.Statistics = in.Statistics
		return nil
	})
}

// Revert: `done` -> `revert` (spec §4.1 row 7).
func (e *Engine) Revert(ctx context.Context, appID string, id types.ID, reason string) (*types.Issue, error) {
	return e.Store.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		if iss.State != types.StatusDone {
			return transitionError(iss.State, "revert")
		}
		now := time.Now().UTC()
		iss.State = types.StatusRevert
		iss.RevertedAt = &now
		iss.RevertReason = reason
		return nil
	})
}

// ReopenReject forces any non-`open` issue back to `open`, merging
// rejectReason into its context (spec §4.1 row 8, the forced-reopen HTTP
// verb `POST /log/:app/:id`). Unlike the exact-duplicate admission path,
// this works from every state including `closed` and does not touch
// ReopenCount: it is an operator override, not a dedup event.
func (e *Engine) ReopenReject(ctx context.Context, appID string, id types.ID, rejectReason string) (*types.Issue, error) {
	return e.Store.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		if iss.State == types.StatusOpen {
			return transitionError(iss.State, "open")
		}
		iss.State = types.StatusOpen
		if rejectReason != "" {
			iss.Context = types.MergeContext(iss.Context, types.Context{"reject_reason": rejectReason})
		}
		return nil
	})
}

// Close: any state except `closed` -> `closed`, screenshots deleted from
// the issue's own record (spec §4.1 row 9). The caller (admission/API
// layer) is responsible for deleting the returned filenames from disk;
// CloseIssue returns them precisely so GC can happen outside this
// transaction.
func (e *Engine) Close(ctx context.Context, appID string, id types.ID) (*types.Issue, []string, error) {
	current, err := e.Store.GetIssue(ctx, appID, id)
	if err != nil {
		return nil, nil, err
	}
	if current.State == types.StatusClosed {
		return nil, nil, transitionError(current.State, "closed")
	}
	return e.Store.CloseIssue(ctx, appID, id)
}

// SetPlan sets Plan on an issue and, if PlanPromotes is enabled and the
// issue is `pending` with a non-empty plan, promotes it to `open` as an
// alternative to embedding-based promotion (spec §4.1 "Plan promotion",
// §9/§D.1 — default disabled).
func (e *Engine) SetPlan(ctx context.Context, appID string, id types.ID, plan string) (*types.Issue, error) {
	return e.Store.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		iss.Plan = plan
		if e.PlanPromotes && iss.State == types.StatusPending && plan != "" {
			iss.State = types.StatusOpen
		}
		return nil
	})
}

// IssueFields is the partial-update payload for `PATCH
// .../issue-fields` (spec §6): Type/Effort/LLMOutput are the only
// issue-management fields mutable outside the dedicated verbs above.
type IssueFields struct {
	Type      *types.IssueType
	Effort    *types.Effort
	LLMOutput *string
}

func (e *Engine) SetIssueFields(ctx context.Context, appID string, id types.ID, f IssueFields) (*types.Issue, error) {
	return e.Store.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		if f.Type != nil {
			if !f.Type.IsValid() {
				return fmt.Errorf("%w: invalid type %q", issuesink.ErrInvalidInput, *f.Type)
			}
			iss.Type = *f.Type
		}
		if f.Effort != nil {
			if !f.Effort.IsValid() {
				return fmt.Errorf("%w: invalid effort %q", issuesink.ErrInvalidInput, *f.Effort)
			}
			iss.Effort = *f.Effort
		}
		if f.LLMOutput != nil {
			iss.LLMOutput = *f.LLMOutput
		}
		return nil
	})
}

// InitialState returns the state a freshly admitted issue should start in
// (spec §4.1 "Initial state"): `pending` when the embedding feature is
// enabled, `open` otherwise.
func InitialState(embeddingEnabled bool) types.Status {
	if embeddingEnabled {
		return types.StatusPending
	}
	return types.StatusOpen
}
