package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
policy:
  answer_without_documents: true
  choose_search: true
  query_rephrase: true
  default_document_search: true
limits:
  max_context_passages: 8
  min_passage_score: 0.3
  reserved_output_tokens: 2048
timeouts:
  classify: 2s
  retrieval: 8s
  generation: 120s
  overall: 90s
providers:
  - name: primary
    kind: anthropic
    api_key_env: ANTHROPIC_API_KEY
    models:
      - id: big-model
        context_window: 200000
        default: true
      - id: small-model
        context_window: 200000
        fast_tier: true
  - name: local
    kind: ollama
    base_url: http://127.0.0.1:11434
    models:
      - id: llama3
        context_window: 8192
retrieval:
  document:
    kind: http
    base_url: http://docindex:9200
  web:
    enabled: true
server:
  addr: ":9090"
`

func TestParseValidYAML(t *testing.T) {
	settings, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.True(t, settings.Policy.ChooseSearch)
	assert.Equal(t, 8, settings.Limits.MaxContextPassages)
	assert.Equal(t, 2*time.Second, settings.Timeouts.Classify.Std())
	require.Len(t, settings.Providers, 2)
	assert.Equal(t, "ollama", settings.Providers[1].Kind)
	assert.Equal(t, "http", settings.Retrieval.Document.Kind)
	assert.True(t, settings.Retrieval.Web.Enabled)
	assert.Equal(t, ":9090", settings.Server.Addr)
}

func TestParseAppliesDefaults(t *testing.T) {
	minimal := `
providers:
  - name: only
    kind: openai
    models:
      - id: m
        context_window: 128000
        default: true
`
	settings, err := Parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, 1024, settings.Limits.ReservedOutputTokens)
	assert.Equal(t, 120*time.Second, settings.Timeouts.Overall.Std())
	assert.Equal(t, 3, settings.Invoker.MaxAttemptsRemote)
}

func TestParseJSONPayload(t *testing.T) {
	payload := `{
  "providers": [
    {"name": "p", "kind": "anthropic", "models": [{"id": "m", "context_window": 100000, "default": true}]}
  ],
  "timeouts": {"overall": "60s"}
}`
	settings, err := Parse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, settings.Timeouts.Overall.Std())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no providers", func(s *Settings) { s.Providers = nil }, "at least one provider"},
		{"duplicate provider", func(s *Settings) { s.Providers = append(s.Providers, s.Providers[0]) }, "declared twice"},
		{"unknown kind", func(s *Settings) { s.Providers[0].Kind = "mystery" }, "unknown kind"},
		{"no models", func(s *Settings) { s.Providers[0].Models = nil }, "declares no models"},
		{"bad window", func(s *Settings) { s.Providers[0].Models[0].ContextWindow = 0 }, "context window"},
		{"no default model", func(s *Settings) {
			for i := range s.Providers {
				for j := range s.Providers[i].Models {
					s.Providers[i].Models[j].Default = false
				}
			}
		}, "no model is flagged default"},
		{"zero reserve", func(s *Settings) { s.Limits.ReservedOutputTokens = 0 }, "reserved_output_tokens"},
		{"classify above overall", func(s *Settings) { s.Timeouts.Classify = s.Timeouts.Overall }, "classify timeout"},
		{"retrieval above overall", func(s *Settings) { s.Timeouts.Retrieval = s.Timeouts.Overall }, "retrieval timeout"},
		{"generation below overall", func(s *Settings) { s.Timeouts.Generation = Duration(30 * time.Second) }, "generation timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings, err := Parse([]byte(validYAML))
			require.NoError(t, err)
			tc.mutate(settings)
			err = settings.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseEmptyPayload(t *testing.T) {
	_, err := Parse([]byte("  \n "))
	require.Error(t, err)
}

func writeSettingsFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "answerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoaderLoadAndLast(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), validYAML)
	loader, err := NewLoader(path)
	require.NoError(t, err)

	_, ok := loader.Last()
	assert.False(t, ok, "Last before any load")

	settings, err := loader.Load()
	require.NoError(t, err)
	cached, ok := loader.Last()
	require.True(t, ok)
	assert.Same(t, settings, cached)
}

func TestLoaderReloadKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, validYAML)
	loader, err := NewLoader(path)
	require.NoError(t, err)
	good, err := loader.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))
	settings, err := loader.Reload()
	require.Error(t, err)
	assert.Same(t, good, settings, "Reload must keep the last good settings")
}

func TestNewLoaderRequiresPath(t *testing.T) {
	_, err := NewLoader("  ")
	require.Error(t, err)
}

func TestDurationCodec(t *testing.T) {
	var block TimeoutBlock
	require.NoError(t, decodeMixedYAMLJSON([]byte(`{"classify": "1500ms"}`), &block))
	assert.Equal(t, 1500*time.Millisecond, block.Classify.Std())

	var bad TimeoutBlock
	require.Error(t, decodeMixedYAMLJSON([]byte(`{"classify": "soon"}`), &bad))
}
