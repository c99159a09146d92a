// Package retrieval defines the search collaborators the orchestrator draws
// context from and runs the selected searches concurrently.
package retrieval

import (
	"context"
	"time"
)

// Source tags where a passage came from.
type Source string

const (
	SourceDocument Source = "document"
	SourceWeb      Source = "web"
)

// Status classifies the outcome of one retrieval call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusEmpty   Status = "empty"
	StatusError   Status = "error"
)

// Passage is a retrieved unit of text with a relevance score in [0,1] and a
// source locator for citation.
type Passage struct {
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
	Locator string  `json:"locator"`
}

// Result is the outcome of one retrieval call. Consumed once by the context
// assembler; not retained beyond the request.
type Result struct {
	Source   Source        `json:"source"`
	Passages []Passage     `json:"passages,omitempty"`
	Latency  time.Duration `json:"latency"`
	Status   Status        `json:"status"`
	Err      error         `json:"-"`
}

// Searcher is the external search collaborator contract. Implementations
// must respect ctx cancellation; exceeding their own timeout is an error.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]Passage, error)
}
