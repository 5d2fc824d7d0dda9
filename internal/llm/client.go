// Package llm provides the model client used by relationship resolution
// and triangulated analysis.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/cartograph/internal/storage"
	"github.com/steveyegge/cartograph/internal/telemetry"
)

const (
	// DefaultModel is the analysis model when none is configured.
	DefaultModel = "claude-3-5-haiku-latest"

	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when an API key is needed but not provided.
var ErrAPIKeyRequired = errors.New("API key required")

// Client is the surface the pipeline depends on. Implementations must be
// safe for concurrent use.
type Client interface {
	// Query sends one prompt and returns the model's text response.
	Query(ctx context.Context, prompt string) (string, error)
}

// anthropicClient wraps the Anthropic API.
type anthropicClient struct {
	client         anthropic.Client
	model          anthropic.Model
	maxTokens      int64
	maxRetries     int
	initialBackoff time.Duration
}

// AnthropicOption configures the Anthropic client.
type AnthropicOption func(*anthropicClient)

// WithModel overrides the analysis model.
func WithModel(model string) AnthropicOption {
	return func(c *anthropicClient) {
		if model != "" {
			c.model = anthropic.Model(model)
		}
	}
}

// WithMaxTokens overrides the response token cap.
func WithMaxTokens(n int64) AnthropicOption {
	return func(c *anthropicClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewAnthropic creates an Anthropic-backed client. Env var
// ANTHROPIC_API_KEY takes precedence over the explicit apiKey.
func NewAnthropic(apiKey string, opts ...AnthropicOption) (Client, error) {
	envKey := os.Getenv("ANTHROPIC_API_KEY")
	if envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", ErrAPIKeyRequired)
	}

	c := &anthropicClient{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(DefaultModel),
		maxTokens:      2048,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}

	aiMetricsOnce.Do(initAIMetrics)
	return c, nil
}

// aiMetrics holds lazily-initialized OTel instruments for Anthropic API calls.
var aiMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var aiMetricsOnce sync.Once

func initAIMetrics() {
	m := telemetry.Meter("github.com/steveyegge/cartograph/ai")
	aiMetrics.inputTokens, _ = m.Int64Counter("carto.ai.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.outputTokens, _ = m.Int64Counter("carto.ai.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	aiMetrics.duration, _ = m.Float64Histogram("carto.ai.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Query sends the prompt, retrying transient API failures with
// exponential backoff. Errors carry a transient or terminal category so
// callers can route them to the circuit breaker correctly.
func (c *anthropicClient) Query(ctx context.Context, prompt string) (string, error) {
	tracer := telemetry.Tracer("github.com/steveyegge/cartograph/ai")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("carto.ai.model", string(c.model)))

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("carto.ai.model", string(c.model))
			if aiMetrics.inputTokens != nil {
				aiMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				aiMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("carto.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("carto.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("carto.ai.attempts", attempt+1),
			)

			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", storage.Categorize(storage.CategoryTerminal, "",
					fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type))
			}
			return "", storage.Categorize(storage.CategoryTerminal, "",
				errors.New("unexpected response format: no content blocks"))
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", storage.Categorize(storage.CategoryTerminal, "", fmt.Errorf("non-retryable error: %w", err))
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", storage.Categorize(storage.CategoryTransient, "retry after backoff or wait for the circuit breaker",
		fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr))
}

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
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}
