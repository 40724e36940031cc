// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package ratelimit implements keyed request-admission control on Redis
// fixed windows. Each scope carries its own limit and window; counters are
// atomic per key (Redis INCR) and expire with their window, so the state
// stays bounded without any sweeper.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope identifies an independent family of counters.
type Scope string

const (
	// ScopeCodeEmail throttles verification codes per email address.
	ScopeCodeEmail Scope = "code_send_email"
	// ScopeCodeIP throttles verification codes per client IP.
	ScopeCodeIP Scope = "code_send_ip"
	// ScopeForgotEmail throttles certificate reminders per email address.
	ScopeForgotEmail Scope = "forgot_email"
	// ScopeForgotIP throttles certificate reminders per client IP.
	ScopeForgotIP Scope = "forgot_ip"
)

// Rule is the admission policy for one scope.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// ErrUnavailable is returned when the counter backend cannot be reached.
var ErrUnavailable = errors.New("rate limiter unavailable")

// LimitError reports a denied admission together with when the window resets.
type LimitError struct {
	Scope   Scope
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for scope %s, resets at %s", e.Scope, e.ResetAt.Format(time.RFC3339))
}

// Limiter admits or rejects requests per (scope, key).
type Limiter struct {
	redis *redis.Client
	rules map[Scope]Rule
}

// New creates a Limiter with the given per-scope rules.
func New(client *redis.Client, rules map[Scope]Rule) *Limiter {
	return &Limiter{redis: client, rules: rules}
}

func counterKey(scope Scope, key string) string {
	return "ratelimit:" + string(scope) + ":" + key
}

// Check reports whether another request is admissible without consuming
// quota. Returns a *LimitError when the scope's limit is already reached.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string) error {
	rule, ok := l.rules[scope]
	if !ok {
		return nil
	}

	count, err := l.redis.Get(ctx, counterKey(scope, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count >= rule.Limit {
		return l.limitError(ctx, scope, key)
	}

	return nil
}

// Reserve consumes one unit of quota, returning a *LimitError when the
// window is full. The counter is incremented before it is compared, so two
// concurrent callers can never both be admitted on the last unit; a denied
// reservation is handed back immediately. The first reservation in a window
// arms the window's expiry, which also evicts the counter once it is stale.
func (l *Limiter) Reserve(ctx context.Context, scope Scope, key string) error {
	rule, ok := l.rules[scope]
	if !ok {
		return nil
	}

	k := counterKey(scope, key)
	count, err := l.redis.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, k, rule.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if count > rule.Limit {
		_ = l.redis.Decr(ctx, k).Err()
		return l.limitError(ctx, scope, key)
	}

	return nil
}

// Release returns one previously reserved unit, reopening the window for
// another request. Used when a reservation's operation fails further down.
func (l *Limiter) Release(ctx context.Context, scope Scope, key string) error {
	k := counterKey(scope, key)
	count, err := l.redis.Decr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// A release racing the window's expiry would leave a counter with no
	// TTL; drop it rather than let it linger below zero.
	if count < 0 {
		_ = l.redis.Del(ctx, k).Err()
	}

	return nil
}

// Block forces the scope's key over its limit for the given duration,
// regardless of its current count. Used to impose lockout cooldowns.
func (l *Limiter) Block(ctx context.Context, scope Scope, key string, d time.Duration) error {
	rule, ok := l.rules[scope]
	if !ok {
		return nil
	}

	if err := l.redis.Set(ctx, counterKey(scope, key), rule.Limit, d).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Reset clears the counter for a key, reopening its window immediately.
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) error {
	if err := l.redis.Del(ctx, counterKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *Limiter) limitError(ctx context.Context, scope Scope, key string) error {
	ttl, err := l.redis.TTL(ctx, counterKey(scope, key)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return &LimitError{Scope: scope, ResetAt: time.Now().Add(ttl)}
}
