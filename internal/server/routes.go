// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/certmail-app/certmail/internal/handlers"
	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
	"github.com/certmail-app/certmail/internal/session"
)

func setupRoutes(e *echo.Echo, repo *repository.Repository, sessions *session.Manager, limiter *ratelimit.Limiter, outbox session.Outbox, rdb *redis.Client) {
	h := handlers.New(repo, sessions, limiter, outbox, rdb)

	e.GET("/healthcheck", h.Health)

	api := e.Group("/api/v1")
	api.GET("/stats/users_count", h.UsersCount)
	api.POST("/send_code", h.SendCode)
	api.POST("/cert", h.CreateCert)
	api.DELETE("/cert", h.DeleteCert)
	api.GET("/cert/:id", h.GetCert)
	api.POST("/cert/forgot", h.ForgotCert)
}
