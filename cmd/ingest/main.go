package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/examprep/backend/internal/app"
	"github.com/examprep/backend/pkg/config"
	"github.com/examprep/backend/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openServices).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openServices(ctx context.Context) (*Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Command output goes to stdout; logs stay on stderr.
	if err := logger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Services{
		Ingester:  a.Pipeline,
		Fetcher:   a.Fetcher,
		Retriever: a.Retrieval,
		Close: func() error {
			logger.Sync()
			return a.Close()
		},
	}, nil
}
