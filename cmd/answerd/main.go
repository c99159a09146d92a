// Command answerd answers questions over a document index and the live web.
// `serve` hosts the HTTP answer API; `ask` answers one question and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usageText = `answerd answers questions with retrieved context.

Usage:

    answerd [-config path] <command> [arguments]

Commands:

    serve    host the HTTP answer API
    ask      answer one question on the terminal

The -config flag names the settings file (default answerd.yaml).
Run 'answerd <command> -h' for command flags.
`

// ioStreams carries the output writers so tests can capture command output.
type ioStreams struct {
	out io.Writer
	err io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	streams := ioStreams{out: os.Stdout, err: os.Stderr}
	err := runCLI(ctx, os.Args[1:], streams)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintln(streams.err, "answerd:", err)
	os.Exit(1)
}

func runCLI(ctx context.Context, argv []string, streams ioStreams) error {
	flags := flag.NewFlagSet("answerd", flag.ContinueOnError)
	flags.SetOutput(streams.err)
	flags.Usage = func() { fmt.Fprint(streams.err, usageText) }
	configPath := flags.String("config", "answerd.yaml", "settings file")
	if err := flags.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("a command is required")
	}
	switch cmd := rest[0]; cmd {
	case "serve":
		return runServe(ctx, *configPath, rest[1:], streams)
	case "ask":
		return runAsk(ctx, *configPath, rest[1:], streams)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
