package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cexll/answercore/pkg/config"
	"github.com/cexll/answercore/pkg/orchestrator"
	"github.com/cexll/answercore/pkg/server"
	"github.com/cexll/answercore/pkg/telemetry"
)

// reloadableAnswerer routes each query to the stack built from the most
// recent valid settings snapshot. In-flight queries keep the stack they
// started with.
type reloadableAnswerer struct {
	current atomic.Pointer[stack]
}

func (r *reloadableAnswerer) Answer(ctx context.Context, q orchestrator.Query, emit orchestrator.EmitFunc) (orchestrator.Status, error) {
	return r.current.Load().orchestrator.Answer(ctx, q, emit)
}

func runServe(ctx context.Context, configPath string, argv []string, streams ioStreams) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(streams.err)
	addr := ""
	fs.StringVar(&addr, "addr", "", "Listen address; overrides the settings file.")
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
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

	tel, err := telemetry.NewManager(ctx, telemetry.Config{
		ServiceName: "answerd",
		Endpoint:    settings.Telemetry.Endpoint,
		Insecure:    settings.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	telemetry.SetDefault(tel)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	stk, err := buildStack(ctx, settings, nil, logger)
	if err != nil {
		return err
	}
	answerer := &reloadableAnswerer{}
	answerer.current.Store(stk)

	// Hot reload: rebuild the pipeline around the same registry so the
	// catalog swap is atomic and a broken payload keeps the last good stack.
	go func() {
		err := loader.Watch(ctx, func(next *config.Settings) {
			rebuilt, err := buildStack(ctx, next, stk.registry, logger)
			if err != nil {
				logger.Warn("settings rebuild failed, keeping last good stack", "err", err)
				return
			}
			prev := answerer.current.Swap(rebuilt)
			if prev != nil {
				if err := prev.close(); err != nil {
					logger.Warn("close previous stack", "err", err)
				}
			}
			logger.Info("pipeline reloaded")
		}, logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("settings watch stopped", "err", err)
		}
	}()

	if addr == "" {
		addr = settings.Server.Addr
	}
	srv := server.New(answerer, stk.registry, logger)
	httpSrv := &http.Server{Addr: addr, Handler: srv}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(streams.out, "answerd listening on %s\n", addr)
	logger.Info("server starting", "addr", addr, "config", loader.Path())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := answerer.current.Load().close(); err != nil {
		logger.Warn("close stack", "err", err)
	}
	return nil
}
