package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cexll/answercore/pkg/config"
)

func stackSettings(provider string) *config.Settings {
	s := config.Defaults()
	s.Providers = []config.ProviderBlock{{
		Name: provider,
		Kind: "ollama",
		Models: []config.ModelBlock{
			{ID: "llama3", ContextWindow: 8192, Default: true},
		},
	}}
	return &s
}

func TestBuildStackFreshRegistry(t *testing.T) {
	stk, err := buildStack(context.Background(), stackSettings("local"), nil, slog.Default())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	defer stk.close()
	providers := stk.registry.Providers()
	if len(providers) != 1 || providers[0].Name != "local" {
		t.Fatalf("providers = %+v, want [local]", providers)
	}
}

func TestFailedRebuildLeavesLiveCatalogUntouched(t *testing.T) {
	stk, err := buildStack(context.Background(), stackSettings("old-provider"), nil, slog.Default())
	if err != nil {
		t.Fatalf("initial buildStack: %v", err)
	}
	defer stk.close()

	next := stackSettings("new-provider")
	// Document search without a base URL fails after the catalog entries
	// are prepared but before they may be applied.
	next.Retrieval.Document = config.DocumentSearchBlock{Kind: "http"}

	if _, err := buildStack(context.Background(), next, stk.registry, slog.Default()); err == nil {
		t.Fatal("rebuild with a broken document block succeeded")
	}
	providers := stk.registry.Providers()
	if len(providers) != 1 || providers[0].Name != "old-provider" {
		t.Fatalf("providers after failed rebuild = %+v, want [old-provider]", providers)
	}
}

func TestRebuildSwapsCatalogOnSuccess(t *testing.T) {
	stk, err := buildStack(context.Background(), stackSettings("old-provider"), nil, slog.Default())
	if err != nil {
		t.Fatalf("initial buildStack: %v", err)
	}
	defer stk.close()

	rebuilt, err := buildStack(context.Background(), stackSettings("new-provider"), stk.registry, slog.Default())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer rebuilt.close()
	providers := stk.registry.Providers()
	if len(providers) != 1 || providers[0].Name != "new-provider" {
		t.Fatalf("providers after rebuild = %+v, want [new-provider]", providers)
	}
	if rebuilt.registry != stk.registry {
		t.Fatal("rebuild must reuse the live registry pointer")
	}
}
