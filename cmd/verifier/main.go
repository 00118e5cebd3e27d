// Command verifier runs the identity verification sidecar. It must only be
// reachable from the gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgegateway/internal/logging"
	"github.com/wudi/edgegateway/internal/verifier"
)

func main() {
	addr := flag.String("addr", envOr("VERIFIER_ADDR", "127.0.0.1:8000"), "Listen address")
	level := flag.String("log-level", envOr("VERIFIER_LOG_LEVEL", "info"), "Log level")
	leeway := flag.Duration("leeway", 0, "Clock skew tolerated on exp/iat")
	flag.Parse()

	secret := os.Getenv("VERIFIER_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "VERIFIER_SECRET is required")
		os.Exit(1)
	}

	logger, err := logging.New(*level, "json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           verifier.New(verifier.Config{Secret: []byte(secret), Leeway: *leeway}, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting verifier", zap.String("address", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Verifier server error", zap.Error(err))
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Verifier shutdown incomplete", zap.Error(err))
	}
	logger.Info("Verifier stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
