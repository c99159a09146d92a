package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cexll/answercore/pkg/assemble"
	"github.com/cexll/answercore/pkg/config"
	"github.com/cexll/answercore/pkg/decision"
	"github.com/cexll/answercore/pkg/invoke"
	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/model/anthropic"
	"github.com/cexll/answercore/pkg/model/ollama"
	"github.com/cexll/answercore/pkg/model/openai"
	"github.com/cexll/answercore/pkg/orchestrator"
	"github.com/cexll/answercore/pkg/registry"
	"github.com/cexll/answercore/pkg/retrieval"
	"github.com/cexll/answercore/pkg/retrieval/docindex"
	"github.com/cexll/answercore/pkg/retrieval/mcpsearch"
	"github.com/cexll/answercore/pkg/retrieval/websearch"
)

// stack is everything one settings snapshot wires together.
type stack struct {
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	close        func() error
}

// buildStack turns settings into a runnable pipeline. Passing a non-nil
// registry swaps the new catalog into it so readers holding the registry
// pointer observe the reload; passing nil creates a fresh one. On a reload
// the swap is the last step: a rebuild that fails partway never touches the
// live catalog.
func buildStack(ctx context.Context, settings *config.Settings, reg *registry.Registry, logger *slog.Logger) (*stack, error) {
	entries, err := buildEntries(settings.Providers)
	if err != nil {
		return nil, err
	}
	fresh := reg == nil
	if fresh {
		reg, err = registry.New(entries...)
		if err != nil {
			return nil, err
		}
	}

	var closers []func() error
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	runner := &retrieval.Runner{
		Timeout: settings.Timeouts.Retrieval.Std(),
		Logger:  logger,
	}
	switch settings.Retrieval.Document.Kind {
	case "", "none":
	case "http":
		client, err := docindex.New(docindex.Config{
			BaseURL: settings.Retrieval.Document.BaseURL,
			Timeout: settings.Timeouts.Retrieval.Std(),
		})
		if err != nil {
			return nil, err
		}
		runner.Documents = client
	case "mcp":
		client, err := mcpsearch.Connect(ctx,
			settings.Retrieval.Document.Command,
			settings.Retrieval.Document.Args,
			settings.Retrieval.Document.Tool,
		)
		if err != nil {
			return nil, err
		}
		closers = append(closers, client.Close)
		runner.Documents = client
	default:
		return nil, fmt.Errorf("unknown document search kind %q", settings.Retrieval.Document.Kind)
	}
	if settings.Retrieval.Web.Enabled {
		runner.Web = websearch.New(websearch.Config{
			Endpoint: settings.Retrieval.Web.Endpoint,
			Timeout:  settings.Timeouts.Retrieval.Std(),
		})
	}

	engine := &decision.Engine{
		Registry:      reg,
		WebConfigured: runner.WebConfigured(),
		Logger:        logger,
	}
	assembler := &assemble.Assembler{
		Counter:     assemble.HeuristicCounter{},
		MaxPassages: settings.Limits.MaxContextPassages,
		MinScore:    settings.Limits.MinPassageScore,
	}
	invoker := invoke.New(invokeOptions(settings), logger)

	orch := &orchestrator.Orchestrator{
		Registry:  reg,
		Engine:    engine,
		Runner:    runner,
		Assembler: assembler,
		Invoker:   invoker,
		Policy: decision.Policy{
			AllowAnswerWithoutDocuments: settings.Policy.AnswerWithoutDocuments,
			AllowChooseSearch:           settings.Policy.ChooseSearch,
			AllowQueryRephrase:          settings.Policy.QueryRephrase,
			DefaultDocumentSearch:       settings.Policy.DefaultDocumentSearch,
			DefaultWebSearch:            settings.Policy.DefaultWebSearch,
			HistoryWindow:               settings.Policy.HistoryWindow,
			ClassifyTimeout:             settings.Timeouts.Classify.Std(),
		},
		Limits: orchestrator.Limits{
			MaxContextPassages:   settings.Limits.MaxContextPassages,
			ReservedOutputTokens: settings.Limits.ReservedOutputTokens,
			OverallTimeout:       settings.Timeouts.Overall.Std(),
		},
		Logger: logger,
	}

	// Reload path: every component above built cleanly, so the live
	// catalog can now be replaced in one step.
	if !fresh {
		if err := reg.Swap(entries); err != nil {
			_ = closeAll()
			return nil, err
		}
	}

	return &stack{
		registry:     reg,
		orchestrator: orch,
		close:        closeAll,
	}, nil
}

// buildEntries instantiates one backend per configured provider.
func buildEntries(blocks []config.ProviderBlock) ([]registry.Entry, error) {
	entries := make([]registry.Entry, 0, len(blocks))
	for _, block := range blocks {
		backend, err := buildProvider(block)
		if err != nil {
			return nil, err
		}
		info := backend.Describe()
		entries = append(entries, registry.Entry{
			Descriptor: registry.ProviderDescriptor{
				Name:          block.Name,
				Local:         info.Local,
				Streaming:     info.Streaming,
				FunctionCalls: info.FunctionCalls,
				Models:        convertModels(block.Models),
			},
			Provider: backend,
		})
	}
	return entries, nil
}

func buildProvider(block config.ProviderBlock) (model.Provider, error) {
	apiKey := ""
	if block.APIKeyEnv != "" {
		apiKey = os.Getenv(block.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("provider %s: environment variable %s is not set", block.Name, block.APIKeyEnv)
		}
	}
	switch block.Kind {
	case "anthropic":
		return anthropic.New(block.Name, apiKey, block.BaseURL), nil
	case "openai":
		return openai.New(block.Name, apiKey, block.BaseURL), nil
	case "ollama":
		return ollama.New(block.Name, block.BaseURL), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", block.Name, block.Kind)
	}
}

func convertModels(blocks []config.ModelBlock) []registry.ModelDescriptor {
	out := make([]registry.ModelDescriptor, 0, len(blocks))
	for _, m := range blocks {
		out = append(out, registry.ModelDescriptor{
			ID:            m.ID,
			ContextWindow: m.ContextWindow,
			FastTier:      m.FastTier,
			Default:       m.Default,
			CostPerToken:  m.CostPerToken,
		})
	}
	return out
}

// invokeOptions derives per-provider invoker tuning from settings, keeping
// the locality split: remote backends get the longer timeout and the larger
// retry budget.
func invokeOptions(settings *config.Settings) func(name string, local bool) invoke.Options {
	return func(_ string, local bool) invoke.Options {
		opts := invoke.RemoteDefaults()
		if local {
			opts = invoke.LocalDefaults()
			if settings.Invoker.MaxAttemptsLocal > 0 {
				opts.MaxAttempts = settings.Invoker.MaxAttemptsLocal
			}
		} else if settings.Invoker.MaxAttemptsRemote > 0 {
			opts.MaxAttempts = settings.Invoker.MaxAttemptsRemote
		}
		if settings.Timeouts.Generation.Std() > 0 {
			opts.Timeout = settings.Timeouts.Generation.Std()
		}
		if settings.Invoker.MaxInflight > 0 {
			opts.MaxInflight = settings.Invoker.MaxInflight
		}
		if settings.Invoker.QueueWait.Std() > 0 {
			opts.QueueWait = settings.Invoker.QueueWait.Std()
		}
		return opts
	}
}
