// Package types holds the data model shared across the admission pipeline,
// lifecycle engine, store, and HTTP layer: Issue, its lifecycle Status, and
// the supporting BlacklistPattern and DuplicateEdge entities (spec §3).
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is a dynamic JSON tree (spec §9): null, bool, number, string,
// []any, or map[string]any after decoding with encoding/json. We model it
// as an opaque value rather than a bespoke schema so image-rewriting and
// merge logic can walk it generically.
type Context map[string]any

// Clone returns a deep copy of c via JSON round-trip semantics (values are
// already JSON-decoded primitives/maps/slices, so a shallow recursive copy
// suffices and avoids importing a generic deep-copy library for one type).
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return t
	}
}

// MergeContext deep-merges src onto dst: keys present in src override dst's,
// nested objects are merged recursively, everything else (arrays, scalars)
// is replaced wholesale. Used by the reopen and embedding-merge paths
// (spec §4.1, §4.4e) where "incoming overrides existing on key collisions".
func MergeContext(dst, src Context) Context {
	if dst == nil {
		dst = Context{}
	}
	out := dst.Clone()
	for k, v := range src {
		if existing, ok := out[k]; ok {
			if existingMap, ok := existing.(map[string]any); ok {
				if srcMap, ok := v.(map[string]any); ok {
					out[k] = mergeMap(existingMap, srcMap)
					continue
				}
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func mergeMap(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			if existingMap, ok := existing.(map[string]any); ok {
				if srcMap, ok := v.(map[string]any); ok {
					out[k] = mergeMap(existingMap, srcMap)
					continue
				}
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// ID is the opaque 128-bit issue identifier (spec §3), stable across every
// transition an issue goes through.
type ID string

// NewID generates a fresh opaque identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// Vector is a fixed-dimension embedding (spec §3, nominally 768-d).
type Vector []float32

// Issue is the primary entity (spec §3).
type Issue struct {
	ID            ID        `json:"id"`
	ApplicationID string    `json:"applicationId"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	Context       Context   `json:"context"`
	Screenshots   []string  `json:"screenshots"`
	State         Status    `json:"state"`
	ReopenCount   int       `json:"reopenCount"`

	Plan      string    `json:"plan,omitempty"`
	Type      IssueType `json:"type,omitempty"`
	Effort    Effort    `json:"effort,omitempty"`
	LLMOutput string    `json:"llmOutput,omitempty"`

	LLMMessage    string         `json:"llmMessage,omitempty"`
	GitCommit     string         `json:"gitCommit,omitempty"`
	Statistics    map[string]any `json:"statistics,omitempty"`
	RevertReason  string         `json:"revertReason,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ReopenedAt  *time.Time `json:"reopenedAt,omitempty"`
	RevertedAt  *time.Time `json:"revertedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Embedding      Vector `json:"embedding,omitempty"`
	EmbeddingModel string `json:"embeddingModel,omitempty"`
}

// DedupKey returns the exact-duplicate natural key (spec §3 invariants):
// (application_id, message), optionally widened with context.message when
// present, matching the admission pipeline's exact-duplicate probe (§4.2
// step 4).
func (i *Issue) DedupKey() string {
	key := i.ApplicationID + "\x00" + i.Message
	if i.Context != nil {
		if cm, ok := i.Context["message"].(string); ok && cm != "" {
			key += "\x00" + cm
		}
	}
	return key
}

// Validate checks the mandatory admission fields (spec §4.2 step 1).
func (i *Issue) Validate() error {
	if i.ApplicationID == "" {
		return fmt.Errorf("applicationId is required")
	}
	if i.Message == "" {
		return fmt.Errorf("message is required")
	}
	if !i.Type.IsValid() {
		return fmt.Errorf("invalid type %q", i.Type)
	}
	if !i.Effort.IsValid() {
		return fmt.Errorf("invalid effort %q", i.Effort)
	}
	return nil
}
