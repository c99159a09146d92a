// Package decision chooses which retrieval paths to run for a query. With
// choose-search enabled it consults a fast-tier model; otherwise it applies
// static configuration so latency stays bounded for deployments without an
// auxiliary model.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/registry"
	"github.com/cexll/answercore/pkg/telemetry"
)

const (
	defaultClassifyTimeout = 3 * time.Second
	defaultHistoryWindow   = 6
)

// Policy is the immutable flag set steering one decision. Passed explicitly
// through the call chain; no hidden global state.
type Policy struct {
	AllowAnswerWithoutDocuments bool
	AllowChooseSearch           bool
	AllowQueryRephrase          bool

	// Static defaults applied when choose-search is off or the classifier
	// is unavailable.
	DefaultDocumentSearch bool
	DefaultWebSearch      bool

	// HistoryWindow bounds how many recent turns the classifier sees for
	// follow-up expansion.
	HistoryWindow   int
	ClassifyTimeout time.Duration
}

// Plan is the retrieval decision for one query.
type Plan struct {
	UseDocumentSearch bool   `json:"use_document_search"`
	UseWebSearch      bool   `json:"use_web_search"`
	RephrasedQuery    string `json:"rephrased_query"`
}

// Engine makes retrieval plans. WebConfigured gates web search so a disabled
// backend can never be selected.
type Engine struct {
	Registry      *registry.Registry
	WebConfigured bool
	Logger        *slog.Logger
}

// Decide produces the plan for a query. An empty or history-only query
// always bypasses retrieval.
func (e *Engine) Decide(ctx context.Context, query string, history []model.Message, pol Policy) Plan {
	var err error
	ctx, span := telemetry.StartSpan(ctx, "decision.decide")
	defer func() { telemetry.EndSpan(span, err) }()

	query = strings.TrimSpace(query)
	if query == "" {
		span.SetAttributes(attribute.String("decision.reason", "empty_query"))
		return Plan{}
	}

	if !pol.AllowChooseSearch {
		plan := e.staticPlan(query, pol)
		span.SetAttributes(planAttributes(plan, "static")...)
		return plan
	}

	plan, classifyErr := e.classify(ctx, query, history, pol)
	if classifyErr != nil {
		err = classifyErr
		e.logger().Warn("classification failed, using conservative default",
			"err", classifyErr)
		// Conservative fallback: search documents, skip web, original text.
		plan = Plan{UseDocumentSearch: true, RephrasedQuery: query}
	}
	plan.UseWebSearch = plan.UseWebSearch && e.WebConfigured
	if !pol.AllowQueryRephrase || strings.TrimSpace(plan.RephrasedQuery) == "" {
		plan.RephrasedQuery = query
	}
	span.SetAttributes(planAttributes(plan, "classified")...)
	return plan
}

func (e *Engine) staticPlan(query string, pol Policy) Plan {
	return Plan{
		UseDocumentSearch: pol.DefaultDocumentSearch,
		UseWebSearch:      pol.DefaultWebSearch && e.WebConfigured,
		RephrasedQuery:    query,
	}
}

// classifierVerdict is the JSON contract with the fast-tier model.
type classifierVerdict struct {
	SearchDocuments bool   `json:"search_documents"`
	SearchWeb       bool   `json:"search_web"`
	Query           string `json:"query"`
}

func (e *Engine) classify(ctx context.Context, query string, history []model.Message, pol Policy) (Plan, error) {
	res, err := e.Registry.DefaultFor(registry.TierFast)
	if err != nil {
		return Plan{}, fmt.Errorf("decision: no fast-tier model: %w", err)
	}
	timeout := pol.ClassifyTimeout
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := model.Request{
		Model:    res.Model.ID,
		System:   classifierSystemPrompt,
		Messages: []model.Message{{Role: model.RoleUser, Content: classifierInput(query, history, pol)}},
		Params:   model.SamplingParams{Temperature: 0, MaxOutputTokens: 256},
	}
	msg, _, err := res.Backend.Generate(callCtx, req)
	if err != nil {
		return Plan{}, fmt.Errorf("decision: classification call: %w", err)
	}
	verdict, err := parseVerdict(msg.Content)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		UseDocumentSearch: verdict.SearchDocuments,
		UseWebSearch:      verdict.SearchWeb,
		RephrasedQuery:    strings.TrimSpace(verdict.Query),
	}, nil
}

func classifierInput(query string, history []model.Message, pol Policy) string {
	window := pol.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	var sb strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&sb, "%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintf(&sb, "question: %s", query)
	return sb.String()
}

// parseVerdict tolerates models that wrap the JSON in prose or code fences.
func parseVerdict(content string) (classifierVerdict, error) {
	content = strings.TrimSpace(content)
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return classifierVerdict{}, fmt.Errorf("decision: classifier returned no JSON object")
	}
	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return classifierVerdict{}, fmt.Errorf("decision: parse classifier verdict: %w", err)
	}
	return verdict, nil
}

func planAttributes(plan Plan, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("decision.mode", mode),
		attribute.Bool("decision.document_search", plan.UseDocumentSearch),
		attribute.Bool("decision.web_search", plan.UseWebSearch),
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

const classifierSystemPrompt = `You route questions for a retrieval-augmented assistant.
Given the conversation and the latest question, reply with a single JSON object:
{"search_documents": <bool>, "search_web": <bool>, "query": "<standalone search query>"}
Set search_documents true when internal knowledge-base content could help answer.
Set search_web true only when the answer depends on current public information.
Rewrite follow-up questions into standalone queries; otherwise repeat the question.`
