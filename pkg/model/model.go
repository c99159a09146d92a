package model

import "context"

// Provider describes the behavior every language-model backend must support.
// Generate is a unary request/response call used for auxiliary decisions,
// while GenerateStream delivers incremental output through the supplied
// callback. Describe reports static capability metadata.
type Provider interface {
	Describe() Info
	Generate(ctx context.Context, req Request) (Message, TokenUsage, error)
	GenerateStream(ctx context.Context, req Request, cb StreamCallback) error
}

// Info carries the capability metadata a backend advertises.
type Info struct {
	Name          string `json:"name"`
	Local         bool   `json:"local"`
	Streaming     bool   `json:"streaming"`
	FunctionCalls bool   `json:"function_calls"`
}

// Request binds one model call: the resolved model identifier, an optional
// system prompt, the ordered conversation, and sampling parameters.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Params   SamplingParams
}

// SamplingParams tunes generation. Zero values leave the backend default.
type SamplingParams struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"top_p,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// StreamCallback consumes incremental output produced by GenerateStream.
// Implementations must call the callback in order, using StreamResult.Final
// to signal completion.
type StreamCallback func(StreamResult) error

// StreamResult wraps a partial or final model response. When Final is true
// the stream is complete, Usage is populated, and no more deltas follow.
type StreamResult struct {
	Delta string
	Usage *TokenUsage
	Final bool
}
