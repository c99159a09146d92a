// Package ollama adapts a local Ollama server to the core Provider
// interface. Local providers share the remote contract; only timeout and
// retry tuning differs, which the invoker derives from the locality flag.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/telemetry"
)

const (
	defaultBaseURL = "http://127.0.0.1:11434"
	// No client-level timeout: streamed generations run long and the
	// caller's context bounds each call.
	defaultConnectTimeout = 5 * time.Second
)

// Ensure Provider implements the core interface.
var _ modelpkg.Provider = (*Provider)(nil)

// Provider talks to an Ollama server over its native chat API.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// New creates a provider for the server at baseURL (empty selects the local
// default).
func New(name, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if name == "" {
		name = "ollama"
	}
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
			},
		},
	}
}

// Describe reports capability metadata.
func (p *Provider) Describe() modelpkg.Info {
	return modelpkg.Info{Name: p.name, Local: true, Streaming: true, FunctionCalls: false}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

// Generate performs a blocking call.
func (p *Provider) Generate(ctx context.Context, req modelpkg.Request) (_ modelpkg.Message, _ modelpkg.TokenUsage, err error) {
	ctx, span := telemetry.StartSpan(ctx, "model.ollama.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", false),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := p.post(ctx, req, false)
	if err != nil {
		return modelpkg.Message{}, modelpkg.TokenUsage{}, err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return modelpkg.Message{}, modelpkg.TokenUsage{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	return modelpkg.Message{Role: modelpkg.RoleAssistant, Content: result.Message.Content}, usageOf(result), nil
}

// GenerateStream consumes the NDJSON stream, forwarding one delta per line.
func (p *Provider) GenerateStream(ctx context.Context, req modelpkg.Request, cb modelpkg.StreamCallback) (err error) {
	if cb == nil {
		return errors.New("ollama stream callback is required")
	}
	ctx, span := telemetry.StartSpan(ctx, "model.ollama.generate_stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", p.name),
			attribute.String("llm.model", req.Model),
			attribute.Bool("llm.stream", true),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := p.post(ctx, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("ollama: decode stream line: %w", err)
		}
		if chunk.Done {
			usage := usageOf(chunk)
			return cb(modelpkg.StreamResult{Final: true, Usage: &usage})
		}
		if chunk.Message.Content != "" {
			if err := cb(modelpkg.StreamResult{Delta: chunk.Message.Content}); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return classifyErr(fmt.Errorf("ollama: read stream: %w", err))
	}
	return errors.New("ollama: stream ended without a done marker")
}

func (p *Provider) post(ctx context.Context, req modelpkg.Request, stream bool) (*http.Response, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: string(modelpkg.RoleSystem), Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	payload := chatRequest{Model: req.Model, Messages: messages, Stream: stream}
	if req.Params != (modelpkg.SamplingParams{}) {
		payload.Options = &chatOptions{
			Temperature: req.Params.Temperature,
			TopP:        req.Params.TopP,
			NumPredict:  req.Params.MaxOutputTokens,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("ollama: chat call: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("ollama: chat returned %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, modelpkg.MarkTransient(err)
		}
		return nil, err
	}
	return resp, nil
}

func usageOf(resp chatResponse) modelpkg.TokenUsage {
	return modelpkg.TokenUsage{
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
	}
}

// classifyErr marks connection-level failures as transient: a local server
// restarting is the common case, not a permanent fault.
func classifyErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return modelpkg.MarkTransient(err)
	}
	return err
}
