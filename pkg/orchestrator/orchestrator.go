// Package orchestrator composes the decision engine, retrieval runner,
// context assembler, and generation invoker into the per-query state machine
// Deciding -> Retrieving -> Assembling -> Generating -> terminal. One
// Orchestrator serves many queries; each call to Answer is an independent
// unit of work.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/answercore/pkg/assemble"
	"github.com/cexll/answercore/pkg/decision"
	"github.com/cexll/answercore/pkg/invoke"
	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/registry"
	"github.com/cexll/answercore/pkg/retrieval"
	"github.com/cexll/answercore/pkg/telemetry"
)

// Query is one user request. Owned by the orchestrator for the request
// lifetime and discarded afterwards.
type Query struct {
	ID             string
	ConversationID string
	Text           string
	History        []model.Message
	Options        Overrides
}

// Overrides are per-query option overrides.
type Overrides struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// Retrieval toggles force a path off regardless of the decision.
	NoDocumentSearch bool `json:"no_document_search,omitempty"`
	NoWebSearch      bool `json:"no_web_search,omitempty"`
}

// Chunk is one incremental answer fragment.
type Chunk struct {
	Text string `json:"text"`
}

// EmitFunc receives answer chunks in order. Returning an error stops the
// stream.
type EmitFunc func(Chunk) error

// Limits bounds assembly and retrieval fan-out per query.
type Limits struct {
	MaxContextPassages   int
	ReservedOutputTokens int
	MaxRetrievalResults  int
	// OverallTimeout caps the whole query; zero disables the cap. It must
	// sit above the retrieval and generation timeouts it encloses.
	OverallTimeout time.Duration
}

// Orchestrator wires the pipeline. All fields are required except Logger.
type Orchestrator struct {
	Registry  *registry.Registry
	Engine    *decision.Engine
	Runner    *retrieval.Runner
	Assembler *assemble.Assembler
	Invoker   *invoke.Invoker
	Policy    decision.Policy
	Limits    Limits
	Sampling  model.SamplingParams
	Logger    *slog.Logger
}

// state machine labels, recorded on the query span as phases complete.
type state string

const (
	stateDeciding   state = "deciding"
	stateRetrieving state = "retrieving"
	stateAssembling state = "assembling"
	stateGenerating state = "generating"
)

// Answer runs one query to a terminal status, streaming fragments through
// emit. The returned Status is reported exactly once; the state machine
// never re-enters for the same query. The error return mirrors
// Status.ErrorKind for callers that branch on errors.Is.
func (o *Orchestrator) Answer(ctx context.Context, q Query, emit EmitFunc) (Status, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if o.Limits.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Limits.OverallTimeout)
		defer cancel()
	}

	var err error
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.answer",
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("query.id", q.ID),
			attribute.String("query.conversation", q.ConversationID),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	status, err := o.answer(ctx, q, emit)
	status.QueryID = q.ID
	span.SetAttributes(
		attribute.String("query.outcome", string(status.Outcome)),
		attribute.String("query.error_kind", string(status.ErrorKind)),
	)
	o.logger().Info("query finished",
		"query_id", q.ID,
		"outcome", status.Outcome,
		"error_kind", status.ErrorKind,
		"sources", status.UsedSources,
		"tokens", status.TokensUsed.TotalTokens,
	)
	return status, err
}

func (o *Orchestrator) answer(ctx context.Context, q Query, emit EmitFunc) (Status, error) {
	res, err := o.resolveTarget(q)
	if err != nil {
		return o.fail(resolveErrorKind(err)), err
	}

	// Deciding.
	o.logState(q.ID, stateDeciding)
	plan := o.Engine.Decide(ctx, q.Text, q.History, o.Policy)
	if q.Options.NoDocumentSearch {
		plan.UseDocumentSearch = false
	}
	if q.Options.NoWebSearch {
		plan.UseWebSearch = false
	}

	// Retrieving. Each call reports success/empty/error independently;
	// partial failure proceeds with whatever succeeded.
	o.logState(q.ID, stateRetrieving)
	var results []retrieval.Result
	retrievalPlanned := plan.UseDocumentSearch || plan.UseWebSearch
	if retrievalPlanned {
		results = o.Runner.Run(ctx, plan.UseDocumentSearch, plan.UseWebSearch, plan.RephrasedQuery, o.maxRetrievalResults())
	}
	usedSources := successfulSources(results)
	degraded := retrievalPlanned && len(usedSources) == 0
	if degraded && !o.Policy.AllowAnswerWithoutDocuments {
		err := errors.New("orchestrator: all retrieval sources empty or failed")
		return o.fail(ErrNoRelevantContent), err
	}

	// Assembling.
	o.logState(q.ID, stateAssembling)
	assembled, err := o.Assembler.Assemble(results, q.History, res.Model.ContextWindow, o.Limits.ReservedOutputTokens)
	if err != nil {
		// Truncation is the designed mitigation; reaching this is an
		// assembler bug and is reported as such.
		return o.fail(ErrContextBudgetExceeded), err
	}

	// Generating.
	o.logState(q.ID, stateGenerating)
	question := plan.RephrasedQuery
	if strings.TrimSpace(question) == "" {
		question = q.Text
	}
	emitted := false
	genRes, err := o.Invoker.Invoke(ctx, invoke.Request{
		ProviderName: res.Provider.Name,
		Local:        res.Provider.Local,
		Backend:      res.Backend,
		ModelRequest: assembled.BuildRequest(res.Model.ID, question, o.Sampling),
	}, func(sr model.StreamResult) error {
		if sr.Delta == "" {
			return nil
		}
		emitted = true
		if emit == nil {
			return nil
		}
		return emit(Chunk{Text: sr.Delta})
	})
	if err != nil {
		status := o.fail(generationErrorKind(ctx, err, emitted))
		status.Incomplete = emitted
		status.UsedSources = usedSources
		status.Attempts = genRes.Attempts
		return status, err
	}

	status := Status{
		Outcome:     OutcomeSucceeded,
		UsedSources: usedSources,
		TokensUsed:  genRes.Usage,
		Attempts:    genRes.Attempts,
	}
	if degraded {
		status.Outcome = OutcomeDegraded
	}
	return status, nil
}

func (o *Orchestrator) resolveTarget(q Query) (registry.Resolution, error) {
	// Explicit override wins; otherwise the default-tier model.
	if q.Options.Provider != "" {
		return o.Registry.Resolve(q.Options.Provider, q.Options.Model)
	}
	return o.Registry.DefaultFor(registry.TierDefault)
}

func (o *Orchestrator) fail(kind ErrorKind) Status {
	return Status{Outcome: OutcomeFailed, ErrorKind: kind, Message: kind.Message()}
}

func (o *Orchestrator) maxRetrievalResults() int {
	if o.Limits.MaxRetrievalResults > 0 {
		return o.Limits.MaxRetrievalResults
	}
	if o.Limits.MaxContextPassages > 0 {
		return o.Limits.MaxContextPassages
	}
	return 10
}

func (o *Orchestrator) logState(queryID string, s state) {
	o.logger().Debug("state transition", "query_id", queryID, "state", s)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func successfulSources(results []retrieval.Result) []retrieval.Source {
	var sources []retrieval.Source
	for _, res := range results {
		if res.Status == retrieval.StatusSuccess {
			sources = append(sources, res.Source)
		}
	}
	return sources
}

func resolveErrorKind(err error) ErrorKind {
	if errors.Is(err, registry.ErrModelNotFound) {
		return ErrModelNotFound
	}
	return ErrProviderNotFound
}

// generationErrorKind maps an invoker failure to its terminal kind. Order
// matters: mid-stream failures dominate, then caller cancellation, then the
// retryable-exhausted shapes.
func generationErrorKind(ctx context.Context, err error, emitted bool) ErrorKind {
	switch {
	case emitted:
		return ErrStreamInterrupted
	case errors.Is(err, context.Canceled) || ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return ErrCancelled
	case errors.Is(err, invoke.ErrProviderBusy):
		return ErrProviderBusy
	case errors.Is(err, context.DeadlineExceeded):
		return ErrGenerationTimeout
	default:
		return ErrGenerationError
	}
}
