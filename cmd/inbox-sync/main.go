package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/inbox-sync/internal/config"
	"github.com/alexjbarnes/inbox-sync/internal/logging"
	"github.com/alexjbarnes/inbox-sync/internal/state"
	syncengine "github.com/alexjbarnes/inbox-sync/internal/sync"
	"github.com/alexjbarnes/inbox-sync/internal/transport"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("inbox-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = state.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving state path: %w", err)
		}
	}

	store, err := state.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	client := transport.NewClient(transport.Config{
		URL:    cfg.ServerURL,
		Token:  cfg.AuthToken,
		Device: cfg.DeviceName,
	}, logging.WithComponent(logger, "transport"))

	engine := syncengine.New(client, store, syncengine.Options{
		DeepLinkPhone:     cfg.OpenPhone,
		ReconcileInterval: cfg.ReconcileInterval,
		PendingTimeout:    cfg.PendingTimeout,
	}, logging.WithComponent(logger, "engine"))

	engine.OnNotice(func(text string) {
		logger.Info("notice", slog.String("text", text))
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		defer client.Close()
		return client.Run(gctx)
	})

	err = g.Wait()
	logger.Info("inbox-sync stopped")

	return err
}
