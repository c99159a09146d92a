package orchestrator

import (
	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/retrieval"
)

// Outcome is the terminal disposition of one query.
type Outcome string

const (
	// OutcomeSucceeded is a complete answer grounded in retrieved context
	// (or generated knowledge when no retrieval was planned).
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeDegraded is a successful answer produced without retrieval
	// context after every enabled source came back empty or failed. Not an
	// error; the flag is provenance.
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// ErrorKind classifies terminal failures for the presentation layer. Raw
// provider error text never crosses this boundary.
type ErrorKind string

const (
	ErrProviderNotFound      ErrorKind = "provider_not_found"
	ErrModelNotFound         ErrorKind = "model_not_found"
	ErrNoRelevantContent     ErrorKind = "no_relevant_content"
	ErrContextBudgetExceeded ErrorKind = "context_budget_exceeded"
	ErrProviderBusy          ErrorKind = "provider_busy"
	ErrGenerationTimeout     ErrorKind = "generation_timeout"
	ErrGenerationError       ErrorKind = "generation_error"
	ErrStreamInterrupted     ErrorKind = "stream_interrupted"
	ErrCancelled             ErrorKind = "cancelled"
)

// userMessages maps error kinds to user-safe text.
var userMessages = map[ErrorKind]string{
	ErrProviderNotFound:      "the requested provider is not configured",
	ErrModelNotFound:         "the requested model is not configured",
	ErrNoRelevantContent:     "no relevant content was found for this question",
	ErrContextBudgetExceeded: "the question could not fit the model's context window",
	ErrProviderBusy:          "the model is handling too many requests, try again shortly",
	ErrGenerationTimeout:     "the model took too long to answer",
	ErrGenerationError:       "the model failed to produce an answer",
	ErrStreamInterrupted:     "the answer stream was interrupted",
	ErrCancelled:             "the request was cancelled",
}

// Message returns the user-safe description for the kind.
func (k ErrorKind) Message() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return "the request could not be completed"
}

// Status is the terminal record delivered after the chunk stream ends.
type Status struct {
	QueryID     string             `json:"query_id"`
	Outcome     Outcome            `json:"outcome"`
	ErrorKind   ErrorKind          `json:"error_kind,omitempty"`
	Message     string             `json:"message,omitempty"`
	UsedSources []retrieval.Source `json:"used_sources,omitempty"`
	TokensUsed  model.TokenUsage   `json:"tokens_used"`
	// Incomplete marks a failure after partial output was already
	// delivered; the delivered chunks are preserved, never replayed.
	Incomplete bool `json:"incomplete,omitempty"`
	Attempts   int  `json:"attempts,omitempty"`
}
