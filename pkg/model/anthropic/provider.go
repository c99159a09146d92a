// Package anthropic wraps the official Anthropic SDK behind the core
// Provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/telemetry"
)

const defaultMaxTokens = 4096

// Ensure Provider implements the core interface.
var _ modelpkg.Provider = (*Provider)(nil)

// Provider is an Anthropic-backed model provider.
type Provider struct {
	client *anthropicsdk.Client
	name   string
}

// New creates a provider. baseURL may be empty for the public API.
func New(name, apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropicsdk.NewClient(opts...)
	if name == "" {
		name = "anthropic"
	}
	return &Provider{client: &client, name: name}
}

// Describe reports capability metadata.
func (p *Provider) Describe() modelpkg.Info {
	return modelpkg.Info{Name: p.name, Local: false, Streaming: true, FunctionCalls: true}
}

// Generate performs a blocking call.
func (p *Provider) Generate(ctx context.Context, req modelpkg.Request) (_ modelpkg.Message, _ modelpkg.TokenUsage, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", false),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	message, err := p.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return modelpkg.Message{}, modelpkg.TokenUsage{}, classifyErr(fmt.Errorf("anthropic call: %w", err))
	}
	var text string
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			text += tb.Text
		}
	}
	usage := convertUsage(message.Usage)
	return modelpkg.Message{Role: modelpkg.RoleAssistant, Content: text}, usage, nil
}

// GenerateStream streams deltas through cb, terminated by a Final result
// carrying usage.
func (p *Provider) GenerateStream(ctx context.Context, req modelpkg.Request, cb modelpkg.StreamCallback) (err error) {
	if cb == nil {
		return errors.New("anthropic stream callback is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "model.anthropic.generate_stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", true),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	stream := p.client.Messages.NewStreaming(ctx, buildParams(req))
	message := anthropicsdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return fmt.Errorf("accumulate stream: %w", err)
		}
		switch delta := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if text, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok {
				if err := cb(modelpkg.StreamResult{Delta: text.Text}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return classifyErr(fmt.Errorf("anthropic stream: %w", err))
	}
	usage := convertUsage(message.Usage)
	return cb(modelpkg.StreamResult{Final: true, Usage: &usage})
}

func buildParams(req modelpkg.Request) anthropicsdk.MessageNewParams {
	maxTokens := req.Params.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = anthropicsdk.Float(req.Params.TopP)
	}
	return params
}

func convertMessages(messages []modelpkg.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropicsdk.NewTextBlock(msg.Content)
		if msg.Role == modelpkg.RoleAssistant {
			out = append(out, anthropicsdk.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropicsdk.NewUserMessage(block))
	}
	return out
}

func convertUsage(u anthropicsdk.Usage) modelpkg.TokenUsage {
	return modelpkg.TokenUsage{
		InputTokens:  int(u.InputTokens),
		OutputTokens: int(u.OutputTokens),
		TotalTokens:  int(u.InputTokens + u.OutputTokens),
	}
}

// classifyErr marks rate limits and upstream outages as transient so the
// invoker may retry them.
func classifyErr(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429, apiErr.StatusCode == 408, apiErr.StatusCode >= 500:
			return modelpkg.MarkTransient(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return modelpkg.MarkTransient(err)
	}
	return err
}
