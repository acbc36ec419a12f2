// Tradesafe - Transaction protection and dispute resolution engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/tradesafe/internal/config"
	"github.com/mbd888/tradesafe/internal/logging"
	"github.com/mbd888/tradesafe/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tradesafe",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"auto_release_days", cfg.AutoReleaseDays,
		"payment_deadline_days", cfg.PaymentDeadlineDays,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
