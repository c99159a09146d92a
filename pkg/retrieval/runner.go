package retrieval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/answercore/pkg/telemetry"
)

const defaultCallTimeout = 10 * time.Second

// Runner executes the selected retrieval calls concurrently, one timeout per
// call. Failures are absorbed into the Result status; a failing source never
// aborts the query by itself.
type Runner struct {
	Documents Searcher // nil means no document index configured
	Web       Searcher // nil means live search disabled
	Timeout   time.Duration
	Logger    *slog.Logger
}

// WebConfigured reports whether a live-search backend is wired. The decision
// engine must never select web search when this is false.
func (r *Runner) WebConfigured() bool {
	return r != nil && r.Web != nil
}

// Run performs the chosen searches in parallel and waits for all of them:
// both sources may contribute distinct passages, so there is no
// first-responder shortcut. Results come back in a fixed order (document
// first, then web) regardless of completion order.
func (r *Runner) Run(ctx context.Context, useDocuments, useWeb bool, query string, maxResults int) []Result {
	type job struct {
		source   Source
		searcher Searcher
	}
	var jobs []job
	if useDocuments && r.Documents != nil {
		jobs = append(jobs, job{SourceDocument, r.Documents})
	}
	if useWeb && r.Web != nil {
		jobs = append(jobs, job{SourceWeb, r.Web})
	}
	if len(jobs) == 0 {
		return nil
	}

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			results[i] = r.runOne(ctx, j.source, j.searcher, query, maxResults)
		}(i, j)
	}
	wg.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, source Source, searcher Searcher, query string, maxResults int) (res Result) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	callCtx, span := telemetry.StartSpan(callCtx, "retrieval.search",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("retrieval.source", string(source)),
			attribute.Int("retrieval.max_results", maxResults),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	started := time.Now()
	passages, err := searcher.Search(callCtx, query, maxResults)
	res = Result{Source: source, Latency: time.Since(started)}
	switch {
	case err != nil:
		res.Status = StatusError
		res.Err = err
		r.logger().Warn("retrieval call failed", "source", source, "latency", res.Latency, "err", err)
	case len(passages) == 0:
		res.Status = StatusEmpty
	default:
		res.Status = StatusSuccess
		res.Passages = passages
	}
	span.SetAttributes(
		attribute.String("retrieval.status", string(res.Status)),
		attribute.Int("retrieval.passages", len(res.Passages)),
	)
	return res
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
