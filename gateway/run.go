// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"dataguard/platform/shared/logger"
)

const shutdownTimeout = 10 * time.Second

// Run is the exported entry point for the guardian service: configuration,
// server assembly, listener, and graceful shutdown on SIGINT/SIGTERM.
func Run() {
	cfg := LoadConfig()

	log := logger.New("guardian-gateway")
	log.SetMinLevel(cfg.LogLevel)

	ctx := context.Background()
	srv, err := NewServer(ctx, cfg, log)
	if err != nil {
		log.Error("", "", "server init failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "guardian listening", map[string]interface{}{
			"addr":         addr,
			"llm_provider": cfg.LLMProvider,
			"audit":        cfg.DatabaseURL != "",
		})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	srv.ready.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("", "", "shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		log.Error("", "", "server error", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("", "", "graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	// Flush the audit queue after the listener drains.
	srv.Close()
	log.Info("", "", "guardian stopped", nil)
}
