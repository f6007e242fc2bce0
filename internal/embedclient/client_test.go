package embedclient

import (
	"context"
	"math"
	"testing"

	"github.com/issuesink/issuesink/internal/types"
)

func cosine(a, b types.Vector) float64 {
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func embed(t *testing.T, c Client, text string) types.Vector {
	t.Helper()
	vec, model, err := c.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed %q: %v", text, err)
	}
	if model != "lexical-768" {
		t.Fatalf("model = %q", model)
	}
	if len(vec) != Dimension {
		t.Fatalf("dimension = %d, want %d", len(vec), Dimension)
	}
	return vec
}

func TestEmbedIsDeterministic(t *testing.T) {
	c := New("lexical-768")
	a := embed(t, c, "database connection refused on startup")
	b := embed(t, c, "database connection refused on startup")
	if cosine(a, b) < 0.9999 {
		t.Errorf("identical text should embed identically, cosine = %f", cosine(a, b))
	}
}

func TestEmbedSimilarTextScoresAboveDissimilar(t *testing.T) {
	c := New("lexical-768")
	base := embed(t, c, "Message: database connection refused\nApplication: checkout")
	reworded := embed(t, c, "Message: connection to database refused\nApplication: checkout")
	unrelated := embed(t, c, "Message: template rendering panic in admin view\nApplication: checkout")

	simReworded := cosine(base, reworded)
	simUnrelated := cosine(base, unrelated)
	if simReworded <= simUnrelated {
		t.Errorf("reworded duplicate (%f) should score above unrelated (%f)", simReworded, simUnrelated)
	}
	if simReworded < 0.5 {
		t.Errorf("reworded duplicate cosine = %f, want substantial overlap", simReworded)
	}
}

func TestEmbedIgnoresCaseAndPunctuation(t *testing.T) {
	c := New("lexical-768")
	a := embed(t, c, "Timeout talking to upstream!")
	b := embed(t, c, "timeout, talking to upstream")
	if cosine(a, b) < 0.9999 {
		t.Errorf("case/punctuation variants should embed identically, cosine = %f", cosine(a, b))
	}
}

func TestEmbedNormalizes(t *testing.T) {
	c := New("lexical-768")
	vec := embed(t, c, "some message repeated words words words")
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if math.Abs(sum-1.0) > 1e-3 {
		t.Errorf("squared norm = %f, want 1", sum)
	}
}

func TestEmbedHonorsCancelledContext(t *testing.T) {
	c := New("lexical-768")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := c.Embed(ctx, "anything"); err == nil {
		t.Error("expected context error")
	}
}
