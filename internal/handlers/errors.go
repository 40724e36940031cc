// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
	"github.com/certmail-app/certmail/internal/session"
)

// ErrorBody is the JSON error envelope. Timestamp is set for rate-limit
// responses and carries the time the window reopens.
type ErrorBody struct {
	CodeError string `json:"code_error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

func jsonError(c echo.Context, status int, codeError, message string) error {
	return c.JSON(status, ErrorBody{CodeError: codeError, Message: message})
}

func jsonRateLimited(c echo.Context, codeError, message string, resetAt time.Time) error {
	body := ErrorBody{CodeError: codeError, Message: message}
	if !resetAt.IsZero() {
		body.Timestamp = resetAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusTooManyRequests, body)
}

// writeError maps a domain error to its HTTP response.
func writeError(c echo.Context, err error) error {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		code := "email_rate_limit"
		if limitErr.Scope == ratelimit.ScopeCodeIP || limitErr.Scope == ratelimit.ScopeForgotIP {
			code = "ip_rate_limit"
		}
		return jsonRateLimited(c, code, "too many requests, try again later", limitErr.ResetAt)
	}

	switch {
	case errors.Is(err, session.ErrInvalidPurpose):
		return jsonError(c, http.StatusBadRequest, "bad_request", "invalid purpose")
	case errors.Is(err, session.ErrCertificateExists):
		return jsonError(c, http.StatusConflict, "already_exists", "a certificate already exists for this email")
	case errors.Is(err, session.ErrSessionExists):
		return jsonError(c, http.StatusConflict, "already_exists", "a verification code is already pending for this email")
	case errors.Is(err, session.ErrTargetNotFound), errors.Is(err, session.ErrTargetNotOwned):
		// Ownership failures read the same as absence so the endpoint does
		// not leak who owns a certificate.
		return jsonError(c, http.StatusNotFound, "resource_not_found", "certificate not found")
	case errors.Is(err, session.ErrNotFound):
		return jsonError(c, http.StatusBadRequest, "invalid_token", "unknown or expired token")
	case errors.Is(err, session.ErrPurposeMismatch):
		return jsonError(c, http.StatusConflict, "invalid_route", "token was issued for a different operation")
	case errors.Is(err, session.ErrEmailMismatch):
		return jsonError(c, http.StatusBadRequest, "invalid_email", "email does not match the verification session")
	case errors.Is(err, session.ErrInvalidCode):
		return jsonError(c, http.StatusBadRequest, "invalid_code", "invalid verification code")
	case errors.Is(err, session.ErrAttemptsExhausted):
		return jsonRateLimited(c, "tries_out", "verification attempts exhausted", time.Time{})
	case errors.Is(err, repository.ErrDuplicateEmail):
		return jsonError(c, http.StatusConflict, "already_exists", "a certificate already exists for this email")
	case errors.Is(err, repository.ErrInvalidTitle), errors.Is(err, repository.ErrInvalidName):
		return jsonError(c, http.StatusBadRequest, "bad_request", "invalid certificate fields")
	case errors.Is(err, repository.ErrNotFound):
		return jsonError(c, http.StatusNotFound, "resource_not_found", "certificate not found")
	}

	slog.Error("request failed", "error", err)
	return jsonError(c, http.StatusInternalServerError, "internal_server_error", "internal server error")
}

// HTTPErrorHandler renders echo-level errors (unknown routes, oversized
// bodies) in the same envelope as the domain errors.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	codeError := "internal_server_error"
	message := "internal server error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		switch status {
		case http.StatusNotFound:
			codeError, message = "page_not_found", "page not found"
		case http.StatusMethodNotAllowed:
			codeError, message = "bad_request", "method not allowed"
		case http.StatusRequestEntityTooLarge:
			codeError, message = "bad_request", "request body too large"
		case http.StatusBadRequest:
			codeError, message = "bad_request", "malformed request"
		default:
			if msg, ok := httpErr.Message.(string); ok {
				message = msg
			}
		}
	} else {
		slog.Error("unhandled error", "error", err)
	}

	if err := c.JSON(status, ErrorBody{CodeError: codeError, Message: message}); err != nil {
		slog.Error("failed to write error response", "error", err)
	}
}
