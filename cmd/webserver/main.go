package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olgkv/taskpoll/internal/app"
	"github.com/olgkv/taskpoll/internal/config"
	"github.com/olgkv/taskpoll/internal/logging"
)

const shutdownTimeout = 5 * time.Second

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// watchService is stopped once the listener is down.
type watchService interface {
	Shutdown()
	Wait()
}

// runHTTPServer serves until ctx is cancelled or the listener fails, then
// shuts the server and the watches down.
func runHTTPServer(ctx context.Context, srv httpServer, svc watchService, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			logger.Warn("server shutdown error", zap.Error(err))
		}

		svc.Shutdown()
		svc.Wait()
		return nil
	})

	return g.Wait()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv, svc, stats, err := app.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("backend", cfg.BackendURL))
	if err := runHTTPServer(ctx, srv, svc, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}

	total, finished := stats()
	logger.Info("shutdown summary", zap.Int("total_watches", total), zap.Int("finished_watches", finished))
}
