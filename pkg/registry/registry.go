// Package registry holds the catalog of language-model providers and their
// models. The catalog is immutable after construction; hot reload swaps the
// whole catalog atomically, never a partial mutation.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cexll/answercore/pkg/model"
)

var (
	// ErrProviderNotFound means the requested provider name is absent from
	// the catalog. Non-retryable; surface as a configuration error.
	ErrProviderNotFound = errors.New("registry: provider not found")
	// ErrModelNotFound means the provider exists but the model does not.
	ErrModelNotFound = errors.New("registry: model not found")
	// ErrNoDefault means no model in the catalog is flagged for the tier.
	ErrNoDefault = errors.New("registry: no default model for tier")
)

// Tier selects between the main answer model and the cheaper auxiliary one.
type Tier string

const (
	TierDefault Tier = "default"
	TierFast    Tier = "fast"
)

// ModelDescriptor is read-only model metadata. Referenced by other
// components, never mutated outside the registry.
type ModelDescriptor struct {
	ID            string  `json:"id" yaml:"id"`
	ContextWindow int     `json:"context_window" yaml:"context_window"`
	FastTier      bool    `json:"fast_tier" yaml:"fast_tier"`
	Default       bool    `json:"default" yaml:"default"`
	CostPerToken  float64 `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}

// ProviderDescriptor is the registered identity and capability set of one
// backend. Immutable after registration.
type ProviderDescriptor struct {
	Name          string            `json:"name" yaml:"name"`
	Local         bool              `json:"local" yaml:"local"`
	Streaming     bool              `json:"streaming" yaml:"streaming"`
	FunctionCalls bool              `json:"function_calls" yaml:"function_calls"`
	Models        []ModelDescriptor `json:"models" yaml:"models"`
}

// Entry pairs a descriptor with the live backend implementing it.
type Entry struct {
	Descriptor ProviderDescriptor
	Provider   model.Provider
}

// Resolution is the outcome of a lookup: descriptor, model, and the backend
// instance to call.
type Resolution struct {
	Provider ProviderDescriptor
	Model    ModelDescriptor
	Backend  model.Provider
}

type catalog struct {
	order   []string
	entries map[string]Entry
}

// Registry is the concurrent-safe provider catalog. The read path is
// lock-free: lookups load an immutable catalog snapshot.
type Registry struct {
	current atomic.Pointer[catalog]
}

// New builds a registry from the given entries.
func New(entries ...Entry) (*Registry, error) {
	cat, err := buildCatalog(entries)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(cat)
	return r, nil
}

func buildCatalog(entries []Entry) (*catalog, error) {
	cat := &catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := strings.TrimSpace(e.Descriptor.Name)
		if name == "" {
			return nil, errors.New("registry: provider name is required")
		}
		if e.Provider == nil {
			return nil, fmt.Errorf("registry: provider %s has no backend", name)
		}
		if len(e.Descriptor.Models) == 0 {
			return nil, fmt.Errorf("registry: provider %s declares no models", name)
		}
		if _, dup := cat.entries[name]; dup {
			return nil, fmt.Errorf("registry: provider %s registered twice", name)
		}
		e.Descriptor.Name = name
		cat.entries[name] = e
		cat.order = append(cat.order, name)
	}
	return cat, nil
}

// Swap atomically replaces the whole catalog. Used for hot reload; readers
// in flight keep the snapshot they resolved against.
func (r *Registry) Swap(entries []Entry) error {
	cat, err := buildCatalog(entries)
	if err != nil {
		return err
	}
	r.current.Store(cat)
	return nil
}

// Resolve returns the provider and model for the given identifiers. An empty
// modelName selects the provider's default-tier model, falling back to its
// first model.
func (r *Registry) Resolve(providerName, modelName string) (Resolution, error) {
	cat := r.current.Load()
	entry, ok := cat.entries[strings.TrimSpace(providerName)]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}
	if strings.TrimSpace(modelName) == "" {
		return Resolution{
			Provider: entry.Descriptor,
			Model:    defaultModelOf(entry.Descriptor),
			Backend:  entry.Provider,
		}, nil
	}
	for _, md := range entry.Descriptor.Models {
		if md.ID == modelName {
			return Resolution{Provider: entry.Descriptor, Model: md, Backend: entry.Provider}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s/%s", ErrModelNotFound, providerName, modelName)
}

// DefaultFor returns the configured default provider/model for the requested
// tier. Resolution is deterministic: providers are scanned in registration
// order, models in declaration order.
func (r *Registry) DefaultFor(tier Tier) (Resolution, error) {
	cat := r.current.Load()
	for _, name := range cat.order {
		entry := cat.entries[name]
		for _, md := range entry.Descriptor.Models {
			if matchesTier(md, tier) {
				return Resolution{Provider: entry.Descriptor, Model: md, Backend: entry.Provider}, nil
			}
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s", ErrNoDefault, tier)
}

// Providers lists the registered descriptors in registration order.
func (r *Registry) Providers() []ProviderDescriptor {
	cat := r.current.Load()
	out := make([]ProviderDescriptor, 0, len(cat.order))
	for _, name := range cat.order {
		out = append(out, cat.entries[name].Descriptor)
	}
	return out
}

func matchesTier(md ModelDescriptor, tier Tier) bool {
	switch tier {
	case TierFast:
		return md.FastTier
	default:
		return md.Default
	}
}

func defaultModelOf(pd ProviderDescriptor) ModelDescriptor {
	for _, md := range pd.Models {
		if md.Default {
			return md
		}
	}
	return pd.Models[0]
}
