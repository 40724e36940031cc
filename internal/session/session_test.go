// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmail-app/certmail/internal/ratelimit"
	"github.com/certmail-app/certmail/internal/repository"
	"github.com/certmail-app/certmail/internal/session"
	"github.com/certmail-app/certmail/internal/testutil"
)

type outboxMail struct {
	To      string
	Subject string
	Body    string
}

// captureOutbox records enqueued mails instead of delivering them.
type captureOutbox struct {
	mu    sync.Mutex
	mails []outboxMail
}

func (o *captureOutbox) Enqueue(_ context.Context, to, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mails = append(o.mails, outboxMail{To: to, Subject: subject, Body: body})
	return nil
}

func (o *captureOutbox) last(t *testing.T) outboxMail {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.mails, "no mail was enqueued")
	return o.mails[len(o.mails)-1]
}

func (o *captureOutbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.mails)
}

// flakyOutbox fails the first n enqueues, then delegates to the capture.
type flakyOutbox struct {
	capture  *captureOutbox
	mu       sync.Mutex
	failures int
}

func (o *flakyOutbox) Enqueue(ctx context.Context, to, subject, body string) error {
	o.mu.Lock()
	if o.failures > 0 {
		o.failures--
		o.mu.Unlock()
		return errors.New("broker unavailable")
	}
	o.mu.Unlock()
	return o.capture.Enqueue(ctx, to, subject, body)
}

const (
	testTTL      = 24 * time.Hour
	testAttempts = 3
	testLockout  = 15 * time.Minute
)

// newTestManagerWithOutbox wires a manager against miniredis and an
// in-memory certificate store. The composer puts the code verbatim into the
// mail body so tests can read it back.
func newTestManagerWithOutbox(t *testing.T, outbox session.Outbox) (*session.Manager, *repository.Repository, *miniredis.Miniredis) {
	t.Helper()

	_, repo := testutil.NewTestDB(t)
	mr, client := testutil.NewTestRedis(t)

	limiter := ratelimit.New(client, map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeCodeEmail: {Limit: 1, Window: 3 * time.Minute},
		ratelimit.ScopeCodeIP:    {Limit: 5, Window: 10 * time.Minute},
	})

	compose := func(_ session.Purpose, code string) (string, string) {
		return "verification code", code
	}

	mgr := session.NewManager(client, limiter, repo, outbox, compose, session.Config{
		TTL:             testTTL,
		MaxAttempts:     testAttempts,
		LockoutCooldown: testLockout,
	})
	return mgr, repo, mr
}

func newTestManager(t *testing.T) (*session.Manager, *repository.Repository, *miniredis.Miniredis, *captureOutbox) {
	t.Helper()

	outbox := &captureOutbox{}
	mgr, repo, mr := newTestManagerWithOutbox(t, outbox)
	return mgr, repo, mr, outbox
}

// wrongCode derives a well-formed code that differs from the given one.
func wrongCode(code string) string {
	if code[0] == 'A' {
		return "B" + code[1:]
	}
	return "A" + code[1:]
}

func TestCreateIssuesTokenAndMailsCode(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)

	assert.True(t, session.ValidTokenFormat(created.Token))
	assert.WithinDuration(t, time.Now().Add(testTTL), created.ExpiresAt, time.Minute)

	mail := outbox.last(t)
	assert.Equal(t, "alice@example.com", mail.To)
	assert.True(t, session.ValidCodeFormat(mail.Body), "mail body should carry the code: %q", mail.Body)
}

func TestCreateRejectsInvalidPurpose(t *testing.T) {
	t.Parallel()

	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.Create(context.Background(), "203.0.113.1", "alice@example.com", session.Purpose{Kind: session.Kind("renew")})
	assert.ErrorIs(t, err, session.ErrInvalidPurpose)
}

func TestCreateConflictsWithExistingCertificate(t *testing.T) {
	t.Parallel()

	mgr, repo, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := repo.CreateCertificate(ctx, "alice@example.com", "Senior Gopher", "Alice")
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	assert.ErrorIs(t, err, session.ErrCertificateExists)
}

func TestCreateDeleteValidatesTarget(t *testing.T) {
	t.Parallel()

	mgr, repo, _, _ := newTestManager(t)
	ctx := context.Background()

	cert, err := repo.CreateCertificate(ctx, "owner@example.com", "Senior Gopher", "Owner")
	require.NoError(t, err)

	other, err := repo.CreateCertificate(ctx, "mallory@example.com", "Junior Gopher", "Mallory")
	require.NoError(t, err)

	// Target does not exist at all.
	missing, err := repo.CreateCertificate(ctx, "gone@example.com", "Ephemeral", "Gone")
	require.NoError(t, err)
	require.NoError(t, repo.DeleteCertificate(ctx, missing.ID))

	_, err = mgr.Create(ctx, "203.0.113.1", "owner@example.com", session.DeletePurpose(missing.ID))
	assert.ErrorIs(t, err, session.ErrTargetNotFound)

	// Target owned by someone else.
	_, err = mgr.Create(ctx, "203.0.113.1", "owner@example.com", session.DeletePurpose(other.ID))
	assert.ErrorIs(t, err, session.ErrTargetNotOwned)

	// Correct owner is admitted.
	_, err = mgr.Create(ctx, "203.0.113.1", "owner@example.com", session.DeletePurpose(cert.ID))
	assert.NoError(t, err)
}

func TestCreateRejectsSecondPendingSession(t *testing.T) {
	t.Parallel()

	mgr, _, mr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)

	// The email cooldown fires before the pending-session check; step past it
	// to observe the session conflict itself.
	mr.FastForward(3 * time.Minute)

	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	assert.ErrorIs(t, err, session.ErrSessionExists)
}

func TestCreateEnforcesEmailCooldown(t *testing.T) {
	t.Parallel()

	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())

	var limitErr *ratelimit.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ratelimit.ScopeCodeEmail, limitErr.Scope)
	assert.False(t, limitErr.ResetAt.IsZero())
}

func TestCreateEnforcesIPCeiling(t *testing.T) {
	t.Parallel()

	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	emails := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}
	for _, email := range emails {
		_, err := mgr.Create(ctx, "203.0.113.7", email, session.CreatePurpose())
		require.NoError(t, err)
	}

	_, err := mgr.Create(ctx, "203.0.113.7", "f@example.com", session.CreatePurpose())

	var limitErr *ratelimit.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ratelimit.ScopeCodeIP, limitErr.Scope)
}

func TestCreateConcurrentRequestsMintOneSession(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	// Each caller arrives from its own address so only the per-email
	// admission is in play.
	const callers = 16
	results := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := fmt.Sprintf("203.0.113.%d", n+1)
			_, err := mgr.Create(ctx, ip, "alice@example.com", session.CreatePurpose())
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var limitErr *ratelimit.LimitError
		if !errors.As(err, &limitErr) {
			assert.ErrorIs(t, err, session.ErrSessionExists)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent request may open a session")
	assert.Equal(t, 1, outbox.count(), "exactly one code email goes out")
}

func TestCreateEnqueueFailureFreesTheAddress(t *testing.T) {
	t.Parallel()

	capture := &captureOutbox{}
	mgr, _, _ := newTestManagerWithOutbox(t, &flakyOutbox{capture: capture, failures: 1})
	ctx := context.Background()

	_, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.Error(t, err)

	// Neither the pending session nor the cooldown survives the failed
	// enqueue; an immediate retry succeeds.
	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	assert.True(t, session.ValidTokenFormat(created.Token))
	assert.Equal(t, 1, capture.count())
}

func TestConsumeHappyPath(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body

	res, err := mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConsumed, res.Status)
	assert.Equal(t, session.KindCreate, res.Purpose.Kind)
	assert.Equal(t, "alice@example.com", res.Email)

	// Single use: the session is gone.
	_, err = mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestConsumeReleasesEmailCooldown(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body

	_, err = mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
	require.NoError(t, err)

	// A consumed session clears both the pending marker and the cooldown, so
	// another code can be requested right away.
	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	assert.NoError(t, err)
}

func TestConsumeWrongCodeBurnsAttempts(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body
	bad := wrongCode(code)

	for i := 0; i < testAttempts-1; i++ {
		_, err = mgr.Consume(ctx, created.Token, bad, "alice@example.com", session.KindCreate)
		assert.ErrorIs(t, err, session.ErrInvalidCode)
	}

	// The attempt that reaches zero locks the session.
	_, err = mgr.Consume(ctx, created.Token, bad, "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrAttemptsExhausted)

	// The correct code is worthless afterwards.
	_, err = mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestLockoutImposesEmailCooldown(t *testing.T) {
	t.Parallel()

	mgr, _, mr, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	bad := wrongCode(outbox.last(t).Body)

	for i := 0; i < testAttempts; i++ {
		_, _ = mgr.Consume(ctx, created.Token, bad, "alice@example.com", session.KindCreate)
	}

	// Still blocked inside the lockout window.
	mr.FastForward(testLockout - time.Minute)
	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())

	var limitErr *ratelimit.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ratelimit.ScopeCodeEmail, limitErr.Scope)

	// Free again once the cooldown has elapsed.
	mr.FastForward(2 * time.Minute)
	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	assert.NoError(t, err)
}

func TestConsumePurposeMismatchLeavesSessionIntact(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body

	_, err = mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindDelete)
	assert.ErrorIs(t, err, session.ErrPurposeMismatch)

	// The mismatch burned nothing; the session still consumes normally.
	res, err := mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConsumed, res.Status)
}

func TestConsumeEmailMismatch(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body

	_, err = mgr.Consume(ctx, created.Token, code, "eve@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrEmailMismatch)
}

func TestConsumeExpiredSession(t *testing.T) {
	t.Parallel()

	mgr, _, mr, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body

	mr.FastForward(testTTL + time.Minute)

	_, err = mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrNotFound)

	// The expired session no longer blocks a fresh one.
	_, err = mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	assert.NoError(t, err)
}

func TestConsumeRejectsMalformedInputs(t *testing.T) {
	t.Parallel()

	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Consume(ctx, "short-token", "ABC123DEF", "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrInvalidCode)

	token, err := session.GenerateToken()
	require.NoError(t, err)

	_, err = mgr.Consume(ctx, token, "123ABCDEF", "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrInvalidCode)

	_, err = mgr.Consume(ctx, token, "", "alice@example.com", session.KindCreate)
	assert.ErrorIs(t, err, session.ErrInvalidCode)
}

func TestConsumeSingleUseUnderConcurrency(t *testing.T) {
	t.Parallel()

	mgr, _, _, outbox := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.Create(ctx, "203.0.113.1", "alice@example.com", session.CreatePurpose())
	require.NoError(t, err)
	code := outbox.last(t).Body

	const callers = 8
	results := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Consume(ctx, created.Token, code, "alice@example.com", session.KindCreate)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, session.ErrNotFound)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one caller may consume the session")
}
