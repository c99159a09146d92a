package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/cexll/answercore/pkg/model"
)

type stubProvider struct {
	name string
}

func (s *stubProvider) Describe() model.Info {
	return model.Info{Name: s.name, Streaming: true}
}

func (s *stubProvider) Generate(context.Context, model.Request) (model.Message, model.TokenUsage, error) {
	return model.Message{}, model.TokenUsage{}, nil
}

func (s *stubProvider) GenerateStream(context.Context, model.Request, model.StreamCallback) error {
	return nil
}

func twoProviderEntries() []Entry {
	return []Entry{
		{
			Descriptor: ProviderDescriptor{
				Name: "primary",
				Models: []ModelDescriptor{
					{ID: "big", ContextWindow: 200000, Default: true},
					{ID: "small", ContextWindow: 200000, FastTier: true},
				},
			},
			Provider: &stubProvider{name: "primary"},
		},
		{
			Descriptor: ProviderDescriptor{
				Name:  "local",
				Local: true,
				Models: []ModelDescriptor{
					{ID: "llama", ContextWindow: 8192},
				},
			},
			Provider: &stubProvider{name: "local"},
		},
	}
}

func TestResolveExplicitModel(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := reg.Resolve("primary", "small")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Model.ID != "small" {
		t.Fatalf("resolved model = %q, want small", res.Model.ID)
	}
	if res.Provider.Name != "primary" {
		t.Fatalf("resolved provider = %q, want primary", res.Provider.Name)
	}
	if res.Backend == nil {
		t.Fatal("resolution carries no backend")
	}
}

func TestResolveEmptyModelPicksDefault(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := reg.Resolve("primary", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Model.ID != "big" {
		t.Fatalf("default model = %q, want big", res.Model.ID)
	}

	// A provider with no default-flagged model falls back to its first model.
	res, err = reg.Resolve("local", "")
	if err != nil {
		t.Fatalf("Resolve local: %v", err)
	}
	if res.Model.ID != "llama" {
		t.Fatalf("fallback model = %q, want llama", res.Model.ID)
	}
}

func TestResolveNotFound(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := reg.Resolve("missing", ""); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("unknown provider error = %v, want ErrProviderNotFound", err)
	}
	if _, err := reg.Resolve("primary", "missing"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("unknown model error = %v, want ErrModelNotFound", err)
	}
}

func TestDefaultForTiers(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := reg.DefaultFor(TierDefault)
	if err != nil {
		t.Fatalf("DefaultFor(default): %v", err)
	}
	if res.Provider.Name != "primary" || res.Model.ID != "big" {
		t.Fatalf("default tier = %s/%s, want primary/big", res.Provider.Name, res.Model.ID)
	}
	res, err = reg.DefaultFor(TierFast)
	if err != nil {
		t.Fatalf("DefaultFor(fast): %v", err)
	}
	if res.Model.ID != "small" {
		t.Fatalf("fast tier = %q, want small", res.Model.ID)
	}
}

func TestDefaultForMissingTier(t *testing.T) {
	reg, err := New(Entry{
		Descriptor: ProviderDescriptor{
			Name:   "only",
			Models: []ModelDescriptor{{ID: "m", ContextWindow: 1000}},
		},
		Provider: &stubProvider{name: "only"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := reg.DefaultFor(TierFast); !errors.Is(err, ErrNoDefault) {
		t.Fatalf("missing fast tier error = %v, want ErrNoDefault", err)
	}
}

func TestSwapReplacesCatalogAtomically(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	replacement := []Entry{{
		Descriptor: ProviderDescriptor{
			Name:   "replacement",
			Models: []ModelDescriptor{{ID: "r1", ContextWindow: 1000, Default: true}},
		},
		Provider: &stubProvider{name: "replacement"},
	}}
	if err := reg.Swap(replacement); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if _, err := reg.Resolve("primary", ""); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("old provider still resolvable after swap: %v", err)
	}
	if _, err := reg.Resolve("replacement", ""); err != nil {
		t.Fatalf("new provider not resolvable after swap: %v", err)
	}
}

func TestSwapRejectsInvalidCatalogKeepingOld(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bad := []Entry{{Descriptor: ProviderDescriptor{Name: ""}, Provider: &stubProvider{}}}
	if err := reg.Swap(bad); err == nil {
		t.Fatal("Swap accepted a nameless provider")
	}
	if _, err := reg.Resolve("primary", ""); err != nil {
		t.Fatalf("old catalog lost after failed swap: %v", err)
	}
}

func TestProvidersPreserveRegistrationOrder(t *testing.T) {
	reg, err := New(twoProviderEntries()...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := reg.Providers()
	if len(got) != 2 || got[0].Name != "primary" || got[1].Name != "local" {
		t.Fatalf("Providers() = %+v, want primary then local", got)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	entries := twoProviderEntries()
	entries[1].Descriptor.Name = "primary"
	if _, err := New(entries...); err == nil {
		t.Fatal("New accepted duplicate provider names")
	}
}
