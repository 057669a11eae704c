package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/api"
	"github.com/Mindburn-Labs/sanctuary/pkg/framework"
)

const shutdownGrace = 15 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "", "Listen address (overrides SANCTUARY_HTTP_ADDR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := rt.Close(sctx); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
	}()

	if err := rt.fw.Start(ctx); err != nil {
		slog.Error("monitor start failed", "error", err)
		return 1
	}

	limiter := api.NewRateLimiter(cfg.HTTPRPS, cfg.HTTPBurst)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(rt.fw, limiter, healthOf(rt)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("sanctuary listening", "addr", cfg.HTTPAddr, "version", framework.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
	}
	_, _ = fmt.Fprintln(stdout, "sanctuary stopped")
	return 0
}

func healthOf(rt *runtime) api.Health {
	return func(context.Context) map[string]any {
		chain := "valid"
		if err := rt.audit.VerifyChain(); err != nil {
			chain = "broken"
		}
		return map[string]any{
			"active_sessions": len(rt.fw.Sessions().ActiveSessionIDs()),
			"audit_entries":   rt.audit.Len(),
			"audit_chain":     chain,
		}
	}
}
