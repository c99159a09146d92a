// Package invoke executes generation calls against a provider backend with
// per-call deadlines, bounded retries, and per-provider concurrency limits.
// Heterogeneous provider streams are already normalized to
// model.StreamCallback by the adapters; the invoker adds the failure policy
// around them.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/telemetry"
)

// Options tune retry and timeout behavior for one provider. Locality only
// affects the defaults: remote calls get longer timeouts and more retries.
type Options struct {
	// MaxAttempts bounds total tries, including the first.
	MaxAttempts int
	// Timeout is the wall clock for one attempt, covering connection,
	// first-token latency, and full generation.
	Timeout        time.Duration
	InitialBackoff time.Duration
	// MaxInflight bounds concurrent generations on this provider
	// (0 = unlimited). QueueWait bounds how long excess requests wait for
	// a slot before failing with ErrProviderBusy.
	MaxInflight int
	QueueWait   time.Duration
}

// RemoteDefaults are the starting options for remote providers.
func RemoteDefaults() Options {
	return Options{
		MaxAttempts:    3,
		Timeout:        60 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxInflight:    8,
		QueueWait:      2 * time.Second,
	}
}

// LocalDefaults are the starting options for local providers: tighter
// timeout, no retry budget to burn scarce compute on.
func LocalDefaults() Options {
	return Options{
		MaxAttempts:    2,
		Timeout:        30 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxInflight:    2,
		QueueWait:      2 * time.Second,
	}
}

// Request is the bound call description: one backend, one resolved model,
// assembled messages, sampling parameters.
type Request struct {
	ProviderName string
	Local        bool
	Backend      model.Provider
	ModelRequest model.Request
}

// Result is the terminal outcome of an invocation.
type Result struct {
	Text     string
	Usage    model.TokenUsage
	Attempts int
}

// Invoker drives provider calls. Safe for concurrent use; limiter state is
// shared per provider name.
type Invoker struct {
	options  func(providerName string, local bool) Options
	logger   *slog.Logger
	mu       sync.Mutex
	limiters map[string]*limiter
}

// New builds an Invoker. optionsFor may be nil, selecting locality defaults.
func New(optionsFor func(providerName string, local bool) Options, logger *slog.Logger) *Invoker {
	if optionsFor == nil {
		optionsFor = func(_ string, local bool) Options {
			if local {
				return LocalDefaults()
			}
			return RemoteDefaults()
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{options: optionsFor, logger: logger, limiters: map[string]*limiter{}}
}

func (iv *Invoker) limiterFor(name string, opts Options) *limiter {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	lim, ok := iv.limiters[name]
	if !ok {
		lim = newLimiter(opts.MaxInflight, opts.QueueWait)
		iv.limiters[name] = lim
	}
	return lim
}

// Invoke streams one generation through cb. Transient failures are retried
// with exponential backoff, but only while nothing has been streamed: once
// the first delta reaches cb, any failure is terminal, since a restart would
// duplicate partial output.
func (iv *Invoker) Invoke(ctx context.Context, req Request, cb model.StreamCallback) (_ Result, err error) {
	if req.Backend == nil {
		return Result{}, errors.New("invoke: backend is nil")
	}
	opts := iv.options(req.ProviderName, req.Local)

	ctx, span := telemetry.StartSpan(ctx, "invoke.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", req.ProviderName),
			attribute.String("llm.model", req.ModelRequest.Model),
			attribute.Bool("llm.local", req.Local),
		)...),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	release, err := iv.limiterFor(req.ProviderName, opts).acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	attempts := 0
	emitted := false
	operation := func() (Result, error) {
		attempts++
		res, emittedThis, attemptErr := iv.attempt(ctx, req, opts, cb)
		if emittedThis {
			emitted = true
		}
		if attemptErr == nil {
			return res, nil
		}
		if emitted {
			// Mid-stream failure: never silently restart.
			return Result{}, backoff.Permanent(attemptErr)
		}
		if !retryable(attemptErr) {
			return Result{}, backoff.Permanent(attemptErr)
		}
		iv.logger.Warn("generation attempt failed, retrying",
			"provider", req.ProviderName, "attempt", attempts, "err", attemptErr)
		return Result{}, attemptErr
	}

	bo := backoff.NewExponentialBackOff()
	if opts.InitialBackoff > 0 {
		bo.InitialInterval = opts.InitialBackoff
	}
	maxTries := opts.MaxAttempts
	if maxTries <= 0 {
		maxTries = 1
	}
	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxTries)),
	)
	res.Attempts = attempts
	span.SetAttributes(
		attribute.Int("llm.attempts", attempts),
		attribute.Bool("llm.emitted", emitted),
	)
	if err != nil {
		return res, err
	}
	return res, nil
}

// attempt runs one provider call under the per-attempt timeout. It reports
// whether any delta reached the caller during this attempt.
func (iv *Invoker) attempt(ctx context.Context, req Request, opts Options, cb model.StreamCallback) (Result, bool, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var (
		text    string
		usage   model.TokenUsage
		emitted bool
	)
	wrapped := func(sr model.StreamResult) error {
		if sr.Delta != "" {
			emitted = true
			text += sr.Delta
		}
		if sr.Final && sr.Usage != nil {
			usage = *sr.Usage
		}
		if cb == nil {
			return nil
		}
		return cb(sr)
	}

	err := req.Backend.GenerateStream(attemptCtx, req.ModelRequest, wrapped)
	if err != nil {
		// Attribute attempt-level timeouts to the provider call, not the
		// caller: the parent ctx staying live means our deadline fired.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = model.MarkTransient(fmt.Errorf("invoke: generation timed out after %s: %w", opts.Timeout, err))
		}
		return Result{}, emitted, err
	}
	if usage == (model.TokenUsage{}) {
		usage = model.EstimateUsage(promptText(req.ModelRequest), text)
	}
	return Result{Text: text, Usage: usage}, emitted, nil
}

// retryable reports whether a failure with no streamed output is worth
// another attempt.
func retryable(err error) bool {
	if model.IsTransient(err) {
		return true
	}
	// Caller cancellation and caller deadline are terminal.
	return false
}

func promptText(req model.Request) string {
	text := req.System
	for _, msg := range req.Messages {
		text += msg.Content
	}
	return text
}
