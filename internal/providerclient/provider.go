// Package providerclient holds the Anthropic SDK client setup, retry loop,
// and OTel instrumentation behind internal/llm's external calls. Lifted
// almost directly from internal/compact/haiku.go's haikuClient: client
// construction, callWithRetry, isRetryable.
package providerclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/issuesink/issuesink/internal/issuesink"
	"github.com/issuesink/issuesink/internal/telemetry"
)

// ErrAPIKeyRequired is returned when an API key is needed but not
// configured.
var ErrAPIKeyRequired = errors.New("API key required")

// Client wraps anthropic.Client with the retry/backoff/instrumentation
// behavior every external call in this service shares.
type Client struct {
	SDK   anthropic.Client
	Model anthropic.Model

	maxElapsed     time.Duration
	scope          string // OTel instrumentation scope name, e.g. the llm package's path
	metricsOnce    *sync.Once
	metrics        *instruments
}

type instruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds a Client. envKey, when set in the environment, takes
// precedence over apiKey, matching the teacher's
// `ANTHROPIC_API_KEY`-overrides-config convention.
func New(apiKey, envKeyName, scope string, model anthropic.Model, maxElapsed time.Duration) (*Client, error) {
	if v := lookupEnv(envKeyName); v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set %s or configure an api key", ErrAPIKeyRequired, envKeyName)
	}
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}

	c := &Client{
		SDK:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		Model:       model,
		maxElapsed:  maxElapsed,
		scope:       scope,
		metricsOnce: &sync.Once{},
		metrics:     &instruments{},
	}
	return c, nil
}

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func (c *Client) initMetrics() {
	m := telemetry.Meter(c.scope)
	c.metrics.requests, _ = m.Int64Counter("issuesink.provider.requests",
		metric.WithDescription("External provider calls issued"),
		metric.WithUnit("{call}"),
	)
	c.metrics.duration, _ = m.Float64Histogram("issuesink.provider.request.duration",
		metric.WithDescription("External provider call duration"),
		metric.WithUnit("ms"),
	)
}

// Call runs fn with exponential backoff (github.com/cenkalti/backoff/v4,
// grounded on internal/storage/dolt/store.go's backoff.Retry usage),
// retrying only on transient errors (isRetryable), and records a span plus
// request-count/duration instruments around the whole attempt sequence.
func (c *Client) Call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	c.metricsOnce.Do(c.initMetrics)

	tracer := telemetry.Tracer(c.scope)
	ctx, span := tracer.Start(ctx, operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("issuesink.provider.model", string(c.Model)),
		attribute.String("issuesink.provider.operation", operation),
	)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed

	attempts := 0
	t0 := time.Now()
	err := backoff.Retry(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	ms := float64(time.Since(t0).Milliseconds())

	if c.metrics.requests != nil {
		modelAttr := attribute.String("issuesink.provider.model", string(c.Model))
		c.metrics.requests.Add(ctx, int64(attempts), metric.WithAttributes(modelAttr))
		c.metrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
	}
	span.SetAttributes(attribute.Int("issuesink.provider.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w: %w", operation, err, issuesink.ErrUnavailable)
	}
	return nil
}

// isRetryable classifies an error as transient, grounded on
// internal/compact/haiku.go's isRetryable: network timeouts and 429/5xx
// Anthropic API errors are retried, everything else is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}
