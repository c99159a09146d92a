package main

import (
	"context"
	"strings"
	"testing"

	"github.com/cexll/answercore/pkg/config"
)

func configProviderBlock(name, kind string) config.ProviderBlock {
	return config.ProviderBlock{
		Name:   name,
		Kind:   kind,
		Models: []config.ModelBlock{{ID: "m", ContextWindow: 1000, Default: true}},
	}
}

func testStreams() (ioStreams, *strings.Builder, *strings.Builder) {
	out := &strings.Builder{}
	errOut := &strings.Builder{}
	return ioStreams{out: out, err: errOut}, out, errOut
}

func TestRunCLIRequiresCommand(t *testing.T) {
	streams, _, errOut := testStreams()
	err := runCLI(context.Background(), nil, streams)
	if err == nil {
		t.Fatal("no command accepted")
	}
	if !strings.Contains(errOut.String(), "Usage:") {
		t.Fatalf("usage not printed: %q", errOut.String())
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	streams, _, _ := testStreams()
	err := runCLI(context.Background(), []string{"bogus"}, streams)
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown command", err)
	}
}

func TestRunCLIHelp(t *testing.T) {
	streams, _, errOut := testStreams()
	if err := runCLI(context.Background(), []string{"-h"}, streams); err != nil {
		t.Fatalf("help returned %v", err)
	}
	if !strings.Contains(errOut.String(), "serve") || !strings.Contains(errOut.String(), "ask") {
		t.Fatalf("help missing commands: %q", errOut.String())
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	streams, _, _ := testStreams()
	err := runAsk(context.Background(), "missing.yaml", nil, streams)
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("err = %v, want usage error before any config access", err)
	}
}

func TestServeRejectsMissingConfig(t *testing.T) {
	streams, _, _ := testStreams()
	if err := runServe(context.Background(), "definitely-missing.yaml", nil, streams); err == nil {
		t.Fatal("serve started without a settings file")
	}
}

func TestBuildProviderUnknownKind(t *testing.T) {
	_, err := buildProvider(configProviderBlock("p", "mystery"))
	if err == nil {
		t.Fatal("unknown provider kind accepted")
	}
}

func TestBuildProviderMissingAPIKeyEnv(t *testing.T) {
	block := configProviderBlock("p", "anthropic")
	block.APIKeyEnv = "ANSWERD_TEST_UNSET_KEY"
	if _, err := buildProvider(block); err == nil {
		t.Fatal("unset API key environment variable accepted")
	}
}
