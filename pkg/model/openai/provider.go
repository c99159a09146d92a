// Package openai wraps the official OpenAI SDK behind the core Provider
// interface. Also serves OpenAI-compatible gateways via a custom base URL.
package openai

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/telemetry"
)

// Ensure Provider implements the core interface.
var _ modelpkg.Provider = (*Provider)(nil)

// Provider is an OpenAI-backed model provider.
type Provider struct {
	client openaisdk.Client
	name   string
}

// New creates a provider. baseURL may be empty for the public API.
func New(name, apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "" {
		name = "openai"
	}
	return &Provider{client: openaisdk.NewClient(opts...), name: name}
}

// Describe reports capability metadata.
func (p *Provider) Describe() modelpkg.Info {
	return modelpkg.Info{Name: p.name, Local: false, Streaming: true, FunctionCalls: true}
}

// Generate performs a blocking call.
func (p *Provider) Generate(ctx context.Context, req modelpkg.Request) (_ modelpkg.Message, _ modelpkg.TokenUsage, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.openai.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", false),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	completion, err := p.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return modelpkg.Message{}, modelpkg.TokenUsage{}, classifyErr(fmt.Errorf("openai call: %w", err))
	}
	if len(completion.Choices) == 0 {
		return modelpkg.Message{}, modelpkg.TokenUsage{}, errors.New("openai: no choices in response")
	}
	usage := modelpkg.TokenUsage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:  int(completion.Usage.TotalTokens),
	}
	return modelpkg.Message{Role: modelpkg.RoleAssistant, Content: completion.Choices[0].Message.Content}, usage, nil
}

// GenerateStream streams deltas through cb, terminated by a Final result
// carrying usage.
func (p *Provider) GenerateStream(ctx context.Context, req modelpkg.Request, cb modelpkg.StreamCallback) (err error) {
	if cb == nil {
		return errors.New("openai stream callback is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "model.openai.generate_stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", true),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	stream := p.client.Chat.Completions.NewStreaming(ctx, buildParams(req))
	defer stream.Close()

	acc := openaisdk.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := cb(modelpkg.StreamResult{Delta: chunk.Choices[0].Delta.Content}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return classifyErr(fmt.Errorf("openai stream: %w", err))
	}
	usage := modelpkg.TokenUsage{
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:  int(acc.Usage.TotalTokens),
	}
	return cb(modelpkg.StreamResult{Final: true, Usage: &usage})
}

func buildParams(req modelpkg.Request) openaisdk.ChatCompletionNewParams {
	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaisdk.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		if msg.Role == modelpkg.RoleAssistant {
			messages = append(messages, openaisdk.AssistantMessage(msg.Content))
			continue
		}
		messages = append(messages, openaisdk.UserMessage(msg.Content))
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Params.MaxOutputTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.Params.MaxOutputTokens))
	}
	if req.Params.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = openaisdk.Float(req.Params.TopP)
	}
	return params
}

// classifyErr marks rate limits and upstream outages as transient so the
// invoker may retry them.
func classifyErr(err error) error {
	var apiErr *openaisdk.Error
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
