package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cexll/answercore/pkg/config"
	"github.com/cexll/answercore/pkg/orchestrator"
)

// runAsk answers a single query from the command line, printing fragments as
// they arrive and a one-line status afterwards.
func runAsk(ctx context.Context, configPath string, argv []string, streams ioStreams) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(streams.err)
	provider := ""
	modelID := ""
	noDocs := false
	noWeb := false
	fs.StringVar(&provider, "provider", "", "Provider name; empty uses the configured default.")
	fs.StringVar(&modelID, "model", "", "Model id; empty uses the provider default.")
	fs.BoolVar(&noDocs, "no-docs", false, "Skip document search for this query.")
	fs.BoolVar(&noWeb, "no-web", false, "Skip web search for this query.")
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return fmt.Errorf("usage: answerd ask [flags] <question>")
	}

	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	settings, err := loader.Load()
	if err != nil {
		return err
	}
	logger := slog.Default()

	stk, err := buildStack(ctx, settings, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stk.close(); err != nil {
			logger.Warn("close stack", "err", err)
		}
	}()

	status, _ := stk.orchestrator.Answer(ctx, orchestrator.Query{
		ID:   uuid.NewString(),
		Text: question,
		Options: orchestrator.Overrides{
			Provider:         provider,
			Model:            modelID,
			NoDocumentSearch: noDocs,
			NoWebSearch:      noWeb,
		},
	}, func(chunk orchestrator.Chunk) error {
		_, err := fmt.Fprint(streams.out, chunk.Text)
		return err
	})
	fmt.Fprintln(streams.out)

	if status.Outcome == orchestrator.OutcomeFailed {
		return fmt.Errorf("%s (%s)", status.Message, status.ErrorKind)
	}
	if status.Outcome == orchestrator.OutcomeDegraded {
		fmt.Fprintln(streams.err, "note: answered without retrieved context")
	}
	fmt.Fprintf(streams.err, "tokens=%d attempts=%d sources=%v\n",
		status.TokensUsed.TotalTokens, status.Attempts, status.UsedSources)
	return nil
}
