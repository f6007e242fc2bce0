package sqlite

import (
	"context"
	"math"
	"sort"

	"github.com/issuesink/issuesink/internal/store"
	"github.com/issuesink/issuesink/internal/types"
)

// SimilarIssues scans every embedded, non-pending issue for the
// application and returns the top `limit` whose cosine similarity to q is
// at least minSimilarity, most similar first (spec §4.4c). A pending
// issue never has an embedding, so the state clause is belt-and-braces;
// every other state, closed included, is an eligible neighbor. The scan
// is application-side rather than a vector-index query: SPEC_FULL.md §B
// grounds this choice in the teacher's dependency set, which carries no
// vector-search extension.
func (s *Store) SimilarIssues(ctx context.Context, appID string, q types.Vector, limit int, minSimilarity float64) ([]store.SimilarIssue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE application_id=? AND embedding IS NOT NULL AND state != ?`,
		appID, types.StatusPending)
	if err != nil {
		return nil, wrapDBError("similar issues", err)
	}
	defer rows.Close()

	var candidates []store.SimilarIssue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(q, iss.Embedding)
		if score >= minSimilarity {
			candidates = append(candidates, store.SimilarIssue{Issue: iss, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// cosineSimilarity returns 0 for mismatched dimensions or zero vectors
// rather than erroring: callers treat "no signal" the same as "no match".
func cosineSimilarity(a, b types.Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
