// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package handlers contains the JSON API handlers.
package handlers

import (
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
	"github.com/certmail-app/certmail/internal/session"
)

// usersCountKey caches the certificate count in Redis.
const (
	usersCountKey = "stats:users_count"
	usersCountTTL = 24 * time.Hour
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	repo     *repository.Repository
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	outbox   session.Outbox
	redis    *redis.Client
}

// New creates a new Handlers instance.
func New(repo *repository.Repository, sessions *session.Manager, limiter *ratelimit.Limiter, outbox session.Outbox, client *redis.Client) *Handlers {
	return &Handlers{
		repo:     repo,
		sessions: sessions,
		limiter:  limiter,
		outbox:   outbox,
		redis:    client,
	}
}

// Health returns the health status.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// UsersCount returns how many certificates have been issued. The count is
// cached in Redis and invalidated whenever a certificate is created or
// deleted.
func (h *Handlers) UsersCount(c echo.Context) error {
	ctx := c.Request().Context()

	if cached, err := h.redis.Get(ctx, usersCountKey).Int64(); err == nil {
		return c.JSON(http.StatusOK, map[string]int64{"count": cached})
	}

	count, err := h.repo.CountCertificates(ctx)
	if err != nil {
		return err
	}

	// Cache failures are invisible to the caller; the next request counts again.
	_ = h.redis.Set(ctx, usersCountKey, count, usersCountTTL).Err()

	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}

func (h *Handlers) invalidateUsersCount(c echo.Context) {
	_ = h.redis.Del(c.Request().Context(), usersCountKey).Err()
}

// normalizeEmail lowercases and trims an address and verifies it is a plain
// RFC 5322 address without a display name.
func normalizeEmail(email string) (string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", false
	}
	return email, true
}
