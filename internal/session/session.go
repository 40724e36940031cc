// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package session implements the verification-code session lifecycle.
//
// A session binds an email address, a one-time code, and a purpose to an
// opaque bearer token. Sessions live in Redis under the token, with a
// secondary index from the email so at most one pending session exists per
// address. State transitions (attempt decrement, consume, lockout) are
// serialized per token with optimistic transactions, never a global lock.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/certmail-app/certmail/internal/models"
	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
)

// Status of a session. Consumed, locked, and expired sessions are removed
// from storage; the constants describe the transition reported to callers.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusConsumed Status = "CONSUMED"
	StatusLocked   Status = "LOCKED"
	StatusExpired  Status = "EXPIRED"
)

var (
	// ErrInvalidPurpose is returned for an unknown purpose value.
	ErrInvalidPurpose = errors.New("invalid purpose")
	// ErrTargetNotFound is returned when a delete purpose names a certificate that does not exist.
	ErrTargetNotFound = errors.New("target certificate not found")
	// ErrTargetNotOwned is returned when a delete purpose names a certificate owned by another email.
	ErrTargetNotOwned = errors.New("target certificate not owned by this email")
	// ErrCertificateExists is returned when a create purpose is requested for an email that already holds a certificate.
	ErrCertificateExists = errors.New("certificate already exists for this email")
	// ErrSessionExists is returned when a pending session already exists for the email.
	ErrSessionExists = errors.New("pending session already exists for this email")
	// ErrNotFound is returned when no pending session matches the token.
	ErrNotFound = errors.New("session not found")
	// ErrPurposeMismatch is returned when a session is presented to the wrong operation.
	ErrPurposeMismatch = errors.New("session purpose does not match the operation")
	// ErrEmailMismatch is returned when the presented email does not match the session.
	ErrEmailMismatch = errors.New("email does not match the session")
	// ErrInvalidCode is returned for a wrong code while attempts remain.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrAttemptsExhausted is returned on the attempt that locks the session.
	ErrAttemptsExhausted = errors.New("verification attempts exhausted")
	// ErrUnavailable is returned when the session store cannot be reached.
	ErrUnavailable = errors.New("session store unavailable")
)

// CertificateDirectory is the slice of the certificate store the manager
// needs to validate purposes.
type CertificateDirectory interface {
	GetCertificate(ctx context.Context, id uuid.UUID) (*models.Certificate, error)
	GetCertificateByEmail(ctx context.Context, email string) (*models.Certificate, error)
}

// Outbox hands a composed email off for asynchronous delivery.
type Outbox interface {
	Enqueue(ctx context.Context, to, subject, body string) error
}

// MailComposer renders the code email for a purpose.
type MailComposer func(p Purpose, code string) (subject, body string)

// Config tunes session lifetime and lockout behavior.
type Config struct {
	TTL             time.Duration
	MaxAttempts     int
	LockoutCooldown time.Duration
}

// Manager owns the verification-code session state machine.
type Manager struct {
	redis   *redis.Client
	limiter *ratelimit.Limiter
	certs   CertificateDirectory
	outbox  Outbox
	compose MailComposer
	cfg     Config
}

// NewManager wires the session manager. The certificate directory resolves
// delete targets; the outbox receives the code emails.
func NewManager(client *redis.Client, limiter *ratelimit.Limiter, certs CertificateDirectory, outbox Outbox, compose MailComposer, cfg Config) *Manager {
	return &Manager{
		redis:   client,
		limiter: limiter,
		certs:   certs,
		outbox:  outbox,
		compose: compose,
		cfg:     cfg,
	}
}

// Created is returned from Create; the code itself never leaves the server.
type Created struct {
	Token     string
	ExpiresAt time.Time
}

// Result carries what a consumed session authorized.
type Result struct {
	Purpose Purpose
	Email   string
	Status  Status
}

// record is the stored session.
type record struct {
	Token             string    `json:"token"`
	Email             string    `json:"email"`
	Purpose           Purpose   `json:"purpose"`
	CodeHash          string    `json:"code_hash"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func tokenKey(token string) string {
	return "session:token:" + token
}

func emailKey(email string) string {
	return "session:email:" + email
}

// Create validates the purpose, reserves code-send quota, enforces the
// one-pending-session-per-email rule, and issues a fresh session. The code
// is emailed through the outbox; only the token is returned.
func (m *Manager) Create(ctx context.Context, ip, email string, p Purpose) (*Created, error) {
	if !p.Kind.Valid() {
		return nil, ErrInvalidPurpose
	}

	if err := m.limiter.Check(ctx, ratelimit.ScopeCodeIP, ip); err != nil {
		return nil, err
	}
	if err := m.limiter.Check(ctx, ratelimit.ScopeCodeEmail, email); err != nil {
		return nil, err
	}

	if err := m.checkPurpose(ctx, email, p); err != nil {
		return nil, err
	}

	// Quota is reserved atomically: concurrent requests cannot share the
	// last unit of a window. A failure further down hands the units back so
	// a rejected request does not burn the caller's window.
	if err := m.limiter.Reserve(ctx, ratelimit.ScopeCodeIP, ip); err != nil {
		return nil, err
	}
	if err := m.limiter.Reserve(ctx, ratelimit.ScopeCodeEmail, email); err != nil {
		_ = m.limiter.Release(ctx, ratelimit.ScopeCodeIP, ip)
		return nil, err
	}

	created, err := m.issue(ctx, email, p)
	if err != nil {
		_ = m.limiter.Release(ctx, ratelimit.ScopeCodeIP, ip)
		_ = m.limiter.Release(ctx, ratelimit.ScopeCodeEmail, email)
		return nil, err
	}

	return created, nil
}

func (m *Manager) issue(ctx context.Context, email string, p Purpose) (*Created, error) {
	code, err := GenerateCode()
	if err != nil {
		return nil, err
	}
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := record{
		Token:             token,
		Email:             email,
		Purpose:           p,
		CodeHash:          HashCode(code),
		AttemptsRemaining: m.cfg.MaxAttempts,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.cfg.TTL),
	}

	if err := m.save(ctx, &rec); err != nil {
		return nil, err
	}

	subject, body := m.compose(p, code)
	if err := m.outbox.Enqueue(ctx, email, subject, body); err != nil {
		// The code never reached its recipient; drop the session so the
		// address is not stuck behind a token nobody holds.
		m.discard(ctx, &rec)
		return nil, fmt.Errorf("enqueueing code email: %w", err)
	}

	return &Created{Token: token, ExpiresAt: rec.ExpiresAt}, nil
}

func (m *Manager) checkPurpose(ctx context.Context, email string, p Purpose) error {
	switch p.Kind {
	case KindCreate:
		_, err := m.certs.GetCertificateByEmail(ctx, email)
		if err == nil {
			return ErrCertificateExists
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	case KindDelete:
		cert, err := m.certs.GetCertificate(ctx, p.TargetID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrTargetNotFound
			}
			return err
		}
		if cert.Email != email {
			return ErrTargetNotOwned
		}
	}
	return nil
}

// save persists the session. The email index doubles as the admission lock:
// SETNX lets the first writer win, and every concurrent or later create for
// the same address observes the pending session. Both keys share the session
// TTL, so an abandoned session stops blocking its address on expiry.
func (m *Manager) save(ctx context.Context, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ok, err := m.redis.SetNX(ctx, emailKey(rec.Email), rec.Token, m.cfg.TTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrSessionExists
	}

	if err := m.redis.Set(ctx, tokenKey(rec.Token), data, m.cfg.TTL).Err(); err != nil {
		_ = m.redis.Del(ctx, emailKey(rec.Email)).Err()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// discard removes a session that was never handed to its caller.
func (m *Manager) discard(ctx context.Context, rec *record) {
	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, tokenKey(rec.Token))
	pipe.Del(ctx, emailKey(rec.Email))
	_, _ = pipe.Exec(ctx)
}

const casRetries = 4

// Consume validates token, code, and email against the stored session and
// advances the state machine exactly once:
//
//   - matching code consumes the session (single use) and returns its purpose
//   - a wrong code burns one attempt; the attempt that reaches zero locks
//     the session and imposes the email lockout cooldown
//   - a purpose mismatch leaves the session untouched so the caller can
//     retry against the correct operation
//
// Two concurrent calls for the same token cannot both succeed: the mutation
// runs under an optimistic transaction watching the session key.
func (m *Manager) Consume(ctx context.Context, token, code, email string, want Kind) (*Result, error) {
	code = NormalizeCode(code)
	if !ValidTokenFormat(token) || !ValidCodeFormat(code) {
		return nil, ErrInvalidCode
	}

	key := tokenKey(token)
	providedHash := HashCode(code)

	for i := 0; i < casRetries; i++ {
		var res *Result

		err := m.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}

			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return ErrNotFound
			}

			if !time.Now().Before(rec.ExpiresAt) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.Del(ctx, emailKey(rec.Email))
					return nil
				})
				if err != nil {
					return fmt.Errorf("%w: %v", ErrUnavailable, err)
				}
				return ErrNotFound
			}

			// Purpose mismatch wins over everything else so the client
			// learns it holds a valid session for the other operation.
			if rec.Purpose.Kind != want {
				return ErrPurposeMismatch
			}

			if rec.Email != email {
				return ErrEmailMismatch
			}

			if subtle.ConstantTimeCompare([]byte(rec.CodeHash), []byte(providedHash)) != 1 {
				rec.AttemptsRemaining--
				if rec.AttemptsRemaining <= 0 {
					rec.Status = StatusLocked
					_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
						pipe.Del(ctx, key)
						pipe.Del(ctx, emailKey(rec.Email))
						return nil
					})
					if err != nil {
						return fmt.Errorf("%w: %v", ErrUnavailable, err)
					}
					return ErrAttemptsExhausted
				}

				ttl := time.Until(rec.ExpiresAt)
				updated, err := json.Marshal(&rec)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return fmt.Errorf("%w: %v", ErrUnavailable, err)
				}
				return ErrInvalidCode
			}

			rec.Status = StatusConsumed
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.Del(ctx, emailKey(rec.Email))
				return nil
			})
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}

			res = &Result{Purpose: rec.Purpose, Email: rec.Email, Status: StatusConsumed}
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, ErrAttemptsExhausted) {
				// The address sits out the lockout cooldown before it can
				// request another code.
				_ = m.limiter.Block(ctx, ratelimit.ScopeCodeEmail, email, m.cfg.LockoutCooldown)
			}
			return nil, err
		}

		// A consumed session releases the email cooldown immediately.
		_ = m.limiter.Reset(ctx, ratelimit.ScopeCodeEmail, email)
		return res, nil
	}

	return nil, fmt.Errorf("%w: transaction retries exhausted", ErrUnavailable)
}
