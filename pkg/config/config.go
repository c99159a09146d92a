// Package config loads the externally-owned settings the answer core reads
// at query time. The core never persists or mutates configuration; a reload
// that fails validation keeps the last good state.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "30s"-style strings in both
// yaml and json payloads.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

// PolicyBlock holds the orchestration flags, each independently togglable.
type PolicyBlock struct {
	AnswerWithoutDocuments bool `json:"answer_without_documents" yaml:"answer_without_documents"`
	ChooseSearch           bool `json:"choose_search" yaml:"choose_search"`
	QueryRephrase          bool `json:"query_rephrase" yaml:"query_rephrase"`
	DefaultDocumentSearch  bool `json:"default_document_search" yaml:"default_document_search"`
	DefaultWebSearch       bool `json:"default_web_search" yaml:"default_web_search"`
	HistoryWindow          int  `json:"history_window" yaml:"history_window"`
}

// LimitBlock bounds context assembly per query.
type LimitBlock struct {
	MaxContextPassages   int     `json:"max_context_passages" yaml:"max_context_passages"`
	MinPassageScore      float64 `json:"min_passage_score" yaml:"min_passage_score"`
	ReservedOutputTokens int     `json:"reserved_output_tokens" yaml:"reserved_output_tokens"`
}

// TimeoutBlock holds the hierarchical deadlines: classify < retrieval <
// overall < generation. The generation value bounds a single provider
// attempt; it sits above the overall deadline because the orchestrator's
// overall deadline is the one that cancels a run, never the attempt timer.
type TimeoutBlock struct {
	Classify   Duration `json:"classify" yaml:"classify"`
	Retrieval  Duration `json:"retrieval" yaml:"retrieval"`
	Generation Duration `json:"generation" yaml:"generation"`
	Overall    Duration `json:"overall" yaml:"overall"`
}

// InvokerBlock tunes retries and concurrency per provider locality.
type InvokerBlock struct {
	MaxAttemptsRemote int      `json:"max_attempts_remote" yaml:"max_attempts_remote"`
	MaxAttemptsLocal  int      `json:"max_attempts_local" yaml:"max_attempts_local"`
	MaxInflight       int      `json:"max_inflight" yaml:"max_inflight"`
	QueueWait         Duration `json:"queue_wait" yaml:"queue_wait"`
}

// ModelBlock describes one model of a provider.
type ModelBlock struct {
	ID            string  `json:"id" yaml:"id"`
	ContextWindow int     `json:"context_window" yaml:"context_window"`
	FastTier      bool    `json:"fast_tier" yaml:"fast_tier"`
	Default       bool    `json:"default" yaml:"default"`
	CostPerToken  float64 `json:"cost_per_token,omitempty" yaml:"cost_per_token,omitempty"`
}

// ProviderBlock describes one backend and its connection parameters.
type ProviderBlock struct {
	Name      string       `json:"name" yaml:"name"`
	Kind      string       `json:"kind" yaml:"kind"` // anthropic | openai | ollama
	APIKeyEnv string       `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL   string       `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Models    []ModelBlock `json:"models" yaml:"models"`
}

// DocumentSearchBlock wires the internal index collaborator.
type DocumentSearchBlock struct {
	Kind    string   `json:"kind,omitempty" yaml:"kind,omitempty"` // http | mcp
	BaseURL string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Tool    string   `json:"tool,omitempty" yaml:"tool,omitempty"`
}

// WebSearchBlock wires the live search collaborator. Absence of a backend is
// a valid disabled state, not an error.
type WebSearchBlock struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// RetrievalBlock groups the search collaborators.
type RetrievalBlock struct {
	Document DocumentSearchBlock `json:"document" yaml:"document"`
	Web      WebSearchBlock      `json:"web" yaml:"web"`
}

// TelemetryBlock configures trace export.
type TelemetryBlock struct {
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// ServerBlock configures the HTTP surface.
type ServerBlock struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Settings is the full configuration payload.
type Settings struct {
	Policy    PolicyBlock     `json:"policy" yaml:"policy"`
	Limits    LimitBlock      `json:"limits" yaml:"limits"`
	Timeouts  TimeoutBlock    `json:"timeouts" yaml:"timeouts"`
	Invoker   InvokerBlock    `json:"invoker" yaml:"invoker"`
	Providers []ProviderBlock `json:"providers" yaml:"providers"`
	Retrieval RetrievalBlock  `json:"retrieval" yaml:"retrieval"`
	Telemetry TelemetryBlock  `json:"telemetry" yaml:"telemetry"`
	Server    ServerBlock     `json:"server" yaml:"server"`
}

// Defaults returns the settings applied before a payload overrides them.
func Defaults() Settings {
	return Settings{
		Policy: PolicyBlock{
			AnswerWithoutDocuments: true,
			QueryRephrase:          true,
			DefaultDocumentSearch:  true,
			HistoryWindow:          6,
		},
		Limits: LimitBlock{
			MaxContextPassages:   10,
			ReservedOutputTokens: 1024,
		},
		Timeouts: TimeoutBlock{
			Classify:   Duration(3 * time.Second),
			Retrieval:  Duration(10 * time.Second),
			Generation: Duration(180 * time.Second),
			Overall:    Duration(120 * time.Second),
		},
		Invoker: InvokerBlock{
			MaxAttemptsRemote: 3,
			MaxAttemptsLocal:  2,
			MaxInflight:       4,
			QueueWait:         Duration(2 * time.Second),
		},
		Server: ServerBlock{Addr: ":8080"},
	}
}

// Normalize trims identifiers.
func (s *Settings) Normalize() {
	for i := range s.Providers {
		s.Providers[i].Name = strings.TrimSpace(s.Providers[i].Name)
		s.Providers[i].Kind = strings.TrimSpace(strings.ToLower(s.Providers[i].Kind))
	}
}

// Validate rejects payloads the core cannot run with.
func (s *Settings) Validate() error {
	if len(s.Providers) == 0 {
		return errors.New("config: at least one provider is required")
	}
	seen := map[string]struct{}{}
	var hasDefault bool
	for _, p := range s.Providers {
		if p.Name == "" {
			return errors.New("config: provider name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("config: provider %s declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Kind {
		case "anthropic", "openai", "ollama":
		default:
			return fmt.Errorf("config: provider %s has unknown kind %q", p.Name, p.Kind)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("config: provider %s declares no models", p.Name)
		}
		for _, m := range p.Models {
			if m.ID == "" {
				return fmt.Errorf("config: provider %s has a model without id", p.Name)
			}
			if m.ContextWindow <= 0 {
				return fmt.Errorf("config: model %s/%s needs a positive context window", p.Name, m.ID)
			}
			if m.Default {
				hasDefault = true
			}
		}
	}
	if !hasDefault {
		return errors.New("config: no model is flagged default")
	}
	if s.Limits.ReservedOutputTokens <= 0 {
		return errors.New("config: reserved_output_tokens must be positive")
	}
	if s.Policy.ChooseSearch && s.Timeouts.Classify.Std() >= s.Timeouts.Overall.Std() {
		return errors.New("config: classify timeout must sit below the overall deadline")
	}
	if s.Timeouts.Retrieval.Std() >= s.Timeouts.Overall.Std() {
		return errors.New("config: retrieval timeout must sit below the overall deadline")
	}
	if s.Timeouts.Generation.Std() > 0 && s.Timeouts.Generation.Std() <= s.Timeouts.Overall.Std() {
		return errors.New("config: generation timeout must sit above the overall deadline")
	}
	return nil
}

// Parse decodes a yaml or json payload over Defaults.
func Parse(data []byte) (*Settings, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config: payload is empty")
	}
	settings := Defaults()
	if err := decodeMixedYAMLJSON(data, &settings); err != nil {
		return nil, err
	}
	settings.Normalize()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return errors.New("config: decode failed: unsupported format")
}
