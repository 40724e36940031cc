// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/certmail-app/certmail/internal/mailer"
	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
	"github.com/certmail-app/certmail/internal/session"
)

type sendCodeRequest struct {
	Purpose session.Purpose `json:"purpose"`
	Email   string          `json:"email"`
}

type sendCodeResponse struct {
	Email     string `json:"email"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// SendCode opens a verification session and emails a one-time code. Only the
// session token is returned; the code travels exclusively by email.
func (h *Handlers) SendCode(c echo.Context) error {
	var req sendCodeRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}

	email, ok := normalizeEmail(req.Email)
	if !ok {
		return jsonError(c, http.StatusBadRequest, "invalid_email", "invalid email address")
	}

	created, err := h.sessions.Create(c.Request().Context(), c.RealIP(), email, req.Purpose)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, sendCodeResponse{
		Email:     email,
		Token:     created.Token,
		ExpiresAt: created.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type createCertRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
	Email string `json:"email"`
	Title string `json:"title"`
	Name  string `json:"name"`
}

type certResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

// CreateCert redeems a create-purpose session and issues the certificate.
func (h *Handlers) CreateCert(c echo.Context) error {
	var req createCertRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}

	email, ok := normalizeEmail(req.Email)
	if !ok {
		return jsonError(c, http.StatusBadRequest, "invalid_email", "invalid email address")
	}

	ctx := c.Request().Context()

	res, err := h.sessions.Consume(ctx, req.Token, req.Code, email, session.KindCreate)
	if err != nil {
		return writeError(c, err)
	}

	cert, err := h.repo.CreateCertificate(ctx, res.Email, req.Title, req.Name)
	if err != nil {
		return writeError(c, err)
	}

	h.invalidateUsersCount(c)

	return c.JSON(http.StatusOK, certResponse{
		ID:    cert.ID.String(),
		Name:  cert.Name,
		Title: cert.Title,
	})
}

type deleteCertRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
	Email string `json:"email"`
}

// DeleteCert redeems a delete-purpose session and removes the certificate
// the session was opened for.
func (h *Handlers) DeleteCert(c echo.Context) error {
	var req deleteCertRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}

	email, ok := normalizeEmail(req.Email)
	if !ok {
		return jsonError(c, http.StatusBadRequest, "invalid_email", "invalid email address")
	}

	ctx := c.Request().Context()

	res, err := h.sessions.Consume(ctx, req.Token, req.Code, email, session.KindDelete)
	if err != nil {
		return writeError(c, err)
	}

	if err := h.repo.DeleteCertificate(ctx, res.Purpose.TargetID); err != nil {
		return writeError(c, err)
	}

	h.invalidateUsersCount(c)

	return c.JSON(http.StatusOK, map[string]string{"id": res.Purpose.TargetID.String()})
}

// GetCert looks up a certificate by id. A malformed id is a client error,
// not a missing resource.
func (h *Handlers) GetCert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "bad_request", "malformed certificate id")
	}

	cert, err := h.repo.GetCertificate(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, certResponse{
		ID:    cert.ID.String(),
		Name:  cert.Name,
		Title: cert.Title,
	})
}

type forgotCertRequest struct {
	Email string `json:"email"`
}

// ForgotCert mails the certificate id to its owner. The reminder has its own
// limiter scopes, separate from the code-send quotas.
func (h *Handlers) ForgotCert(c echo.Context) error {
	var req forgotCertRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "bad_request", "malformed request body")
	}

	email, ok := normalizeEmail(req.Email)
	if !ok {
		return jsonError(c, http.StatusBadRequest, "invalid_email", "invalid email address")
	}

	ctx := c.Request().Context()
	ip := c.RealIP()

	if err := h.limiter.Check(ctx, ratelimit.ScopeForgotIP, ip); err != nil {
		return writeError(c, err)
	}
	if err := h.limiter.Check(ctx, ratelimit.ScopeForgotEmail, email); err != nil {
		return writeError(c, err)
	}

	cert, err := h.repo.GetCertificateByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return jsonError(c, http.StatusNotFound, "resource_not_found", "no certificate for this email")
		}
		return writeError(c, err)
	}

	if err := h.limiter.Reserve(ctx, ratelimit.ScopeForgotIP, ip); err != nil {
		return writeError(c, err)
	}
	if err := h.limiter.Reserve(ctx, ratelimit.ScopeForgotEmail, email); err != nil {
		_ = h.limiter.Release(ctx, ratelimit.ScopeForgotIP, ip)
		return writeError(c, err)
	}

	subject, body := mailer.ComposeReminderMail(cert.ID.String())
	if err := h.outbox.Enqueue(ctx, email, subject, body); err != nil {
		_ = h.limiter.Release(ctx, ratelimit.ScopeForgotIP, ip)
		_ = h.limiter.Release(ctx, ratelimit.ScopeForgotEmail, email)
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"email": email})
}
