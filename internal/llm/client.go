// Package llm implements the optional LLM client used by the Cleanup
// Scheduler to refine a borderline Levenshtein similarity score (spec
// §4.5 phase 1). Grounded directly on internal/compact/haiku.go's
// client shape, with its retry/OTel base kept in internal/providerclient.
// internal/embedclient computes embeddings locally and does not use it.
package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/issuesink/issuesink/internal/providerclient"
)

const instrumentationScope = "github.com/issuesink/issuesink/llm"

// Client refines a similarity score for a candidate duplicate pair.
type Client interface {
	RefineSimilarity(ctx context.Context, messageA, messageB string, baseline float64) (float64, error)
}

type anthropicClient struct {
	provider  *providerclient.Client
	maxTokens int64
}

// New builds the concrete LLM client, or (nil, nil) if disabled: the
// Cleanup Scheduler treats a nil Client as "no refinement available" and
// falls back to the Levenshtein score alone (spec §4.5 phase 1 "if...an
// LLM is available").
func New(enabled bool, apiKey, envKeyName, model string, maxTokens int, timeout time.Duration) (Client, error) {
	if !enabled {
		return nil, nil
	}
	pc, err := providerclient.New(apiKey, envKeyName, instrumentationScope, anthropic.Model(model), timeout)
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = 16
	}
	return &anthropicClient{provider: pc, maxTokens: int64(maxTokens)}, nil
}

func (c *anthropicClient) RefineSimilarity(ctx context.Context, messageA, messageB string, baseline float64) (float64, error) {
	prompt := fmt.Sprintf(
		"Two error messages. Reply with ONLY a number between 0 and 1 estimating how likely they describe the same underlying issue.\nA: %s\nB: %s\nBaseline string similarity: %.2f\n",
		messageA, messageB, baseline,
	)

	var refined float64
	err := c.provider.Call(ctx, "llm.refine_similarity", func(ctx context.Context) error {
		msg, err := c.provider.SDK.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.provider.Model,
			MaxTokens: c.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return err
		}
		if len(msg.Content) == 0 || msg.Content[0].Type != "text" {
			return fmt.Errorf("llm: unexpected response format")
		}
		score, err := parseScore(msg.Content[0].Text)
		if err != nil {
			return err
		}
		refined = score
		return nil
	})
	if err != nil {
		return baseline, fmt.Errorf("refine similarity: %w", err)
	}
	return refined, nil
}

func parseScore(text string) (float64, error) {
	text = strings.TrimSpace(text)
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("llm: could not parse score %q: %w", text, err)
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, nil
}
