// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/certmail-app/certmail/internal/config"
	"github.com/certmail-app/certmail/internal/database"
	"github.com/certmail-app/certmail/internal/logging"
	"github.com/certmail-app/certmail/internal/mailer"
	"github.com/certmail-app/certmail/internal/queue"
)

// Run starts the delivery worker with the given CLI command. It blocks until
// SIGINT/SIGTERM, then waits for in-flight deliveries.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewWorkerFromCLI(cmd)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	m, err := mailer.NewSMTP(cfg.SMTP)
	if err != nil {
		return fmt.Errorf("failed to configure SMTP: %w", err)
	}

	// No ping here: an unreachable broker at startup is handled by the
	// worker's reconnect loop.
	rdb := database.NewRedisClient(cfg.Redis)
	defer func() { _ = rdb.Close() }()

	q := queue.New(rdb, cfg.Queue.Name)
	w := New(q, m, OptionsFromConfig(cfg))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return w.Run(runCtx)
}
