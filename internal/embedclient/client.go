// Package embedclient implements the Embedding Client (spec §4.4): a
// deterministic contract over a vector-embedding function,
// `Embed(ctx, text) -> (vector, model, error)`, so callers stay agnostic
// to the concrete implementation.
package embedclient

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/issuesink/issuesink/internal/types"
)

// Client is the Embedding Client contract (spec §4.4a).
type Client interface {
	Embed(ctx context.Context, text string) (types.Vector, string, error)
}

// Dimension is the nominal embedding width (spec §3 "nominally 768").
const Dimension = 768

// lexicalClient embeds text with the hashing trick: every token and every
// adjacent-token bigram is hashed into one of Dimension buckets, the
// bucket counts accumulated, and the result L2-normalized. Related
// messages share tokens and therefore buckets, so cosine similarity
// tracks lexical overlap — the same signal the cleanup scheduler's
// Levenshtein scoring reads (internal/cleanup/similarity.go), in a
// fixed-dimension form the store's nearest-neighbor query can rank.
// Deterministic: identical text always yields an identical vector.
type lexicalClient struct {
	model string
}

// New builds the Embedding Client. model is recorded on each issue as its
// embedding_model; vectors from different models are not comparable, so
// changing it effectively restarts similarity clustering.
func New(model string) Client {
	return &lexicalClient{model: model}
}

func (c *lexicalClient) Embed(ctx context.Context, text string) (types.Vector, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	vec := make(types.Vector, Dimension)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[bucket(tok)]++
		// Bigrams let word order contribute: "timeout upstream" and
		// "upstream timeout" overlap on tokens but not on shingles.
		if i+1 < len(tokens) {
			vec[bucket(tok+" "+tokens[i+1])]++
		}
	}
	return normalize(vec), c.model, nil
}

// bucket maps a token or shingle to a vector dimension.
func bucket(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % Dimension)
}

// tokenize lowercases and splits on anything that is not a letter or
// digit, so punctuation and formatting differences don't perturb the
// vector.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v types.Vector) types.Vector {
	var sumSquares float64
	for _, f := range v {
		sumSquares += float64(f) * float64(f)
	}
	if sumSquares == 0 {
		return v
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	out := make(types.Vector, len(v))
	for i, f := range v {
		out[i] = f * norm
	}
	return out
}
