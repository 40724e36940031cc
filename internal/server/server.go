// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package server wires the HTTP API: storage, limiters, verification
// sessions, and the email outbox.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v3"

	"github.com/certmail-app/certmail/internal/config"
	"github.com/certmail-app/certmail/internal/database"
	"github.com/certmail-app/certmail/internal/handlers"
	"github.com/certmail-app/certmail/internal/logging"
	"github.com/certmail-app/certmail/internal/mailer"
	"github.com/certmail-app/certmail/internal/queue"
	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
	"github.com/certmail-app/certmail/internal/session"
)

// Run starts the API server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewServerFromCLI(cmd)
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Database
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	// Redis
	rdb, err := database.OpenRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() {
		if closeErr := rdb.Close(); closeErr != nil {
			slog.Error("failed to close redis connection", "error", closeErr)
		}
	}()

	// Repository and limiter
	repo := repository.New(db)
	limiter := ratelimit.New(rdb, limiterRules(cfg))

	// Email outbox and verification sessions
	outbox := queue.New(rdb, cfg.Queue.Name)
	sessions := session.NewManager(rdb, limiter, repo, outbox, mailer.ComposeCodeMail, session.Config{
		TTL:             cfg.Codes.TTL,
		MaxAttempts:     cfg.Codes.MaxAttempts,
		LockoutCooldown: cfg.Codes.LockoutCooldown,
	})

	// Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.HTTPErrorHandler

	// Middleware
	setupMiddleware(e, cfg)

	// Routes
	setupRoutes(e, repo, sessions, limiter, outbox, rdb)

	// Start server
	return startWithGracefulShutdown(ctx, e, cfg)
}

// limiterRules translates the limits configuration into Redis window rules.
// The email cooldown and the reminder window admit one request per window;
// the IP scopes carry their configured ceilings.
func limiterRules(cfg *config.Config) map[ratelimit.Scope]ratelimit.Rule {
	return map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeCodeEmail:   {Limit: 1, Window: cfg.Limits.CodeEmailCooldown},
		ratelimit.ScopeCodeIP:      {Limit: cfg.Limits.CodeIPLimit, Window: cfg.Limits.CodeIPWindow},
		ratelimit.ScopeForgotEmail: {Limit: 1, Window: cfg.Limits.ForgotEmailWindow},
		ratelimit.ScopeForgotIP:    {Limit: cfg.Limits.ForgotIPLimit, Window: cfg.Limits.ForgotIPWindow},
	}
}

func startWithGracefulShutdown(ctx context.Context, e *echo.Echo, cfg *config.Config) error {
	// Setup TLS
	tlsResult, err := SetupTLS(cfg)
	if err != nil {
		return fmt.Errorf("TLS setup failed: %w", err)
	}

	// Channel for server errors
	errChan := make(chan error, 2)

	// HTTP redirect server for ACME mode
	var httpServer *http.Server

	switch tlsResult.Mode {
	case TLSModeOff:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("server running", "addr", addr)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeACME:
		go func() {
			slog.Info("server running", "addr", ":443")
			if err := startTLSServer(e, ":443", tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		// HTTP-01 challenges and the HTTP to HTTPS redirect on :80
		httpServer = &http.Server{
			Addr:              ":80",
			Handler:           tlsResult.HTTPHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeSelfSigned, TLSModeManual:
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("server running", "addr", addr, "tls", string(tlsResult.Mode))
			if err := startTLSServer(e, addr, tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	// Wait for interrupt signal, context cancellation, or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("shutting down server")
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown server", "error", err)
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown HTTP redirect server", "error", err)
		}
	}

	slog.Info("server stopped")
	return nil
}

// startTLSServer starts the Echo server with a custom TLS configuration.
func startTLSServer(e *echo.Echo, addr string, tlsConfig *tls.Config) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	e.TLSListener = tls.NewListener(ln, tlsConfig)
	e.TLSServer.TLSConfig = tlsConfig
	return e.Server.Serve(e.TLSListener)
}
