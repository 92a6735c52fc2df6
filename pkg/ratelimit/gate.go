// Package ratelimit coordinates a shared cooldown for a rate limited API
// across every schedule and process that calls it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/metrics"
)

const (
	// MailboxStateID identifies the shared mailbox API cooldown
	MailboxStateID = "mailbox:me"

	DefaultCacheTTL     = 2 * time.Second
	DefaultJitterMax    = 1500 * time.Millisecond
	DefaultFallbackWait = 15 * time.Second

	maxCASAttempts = 5
)

// ErrCASExhausted means the cooldown could not be persisted under contention
var ErrCASExhausted = errors.New("failed to persist rate limit state (CAS retry exceeded)")

// DeferredError means the operation was not attempted, or hit the limit,
// and should be retried after CooldownUntil.
type DeferredError struct {
	Operation     string
	CooldownUntil time.Time
	RetryAfter    time.Duration
	Cause         error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%s is rate limited; deferred until %s", e.Operation, e.CooldownUntil.UTC().Format(time.RFC3339Nano))
}

func (e *DeferredError) Unwrap() error { return e.Cause }

// AsDeferred extracts a DeferredError from err's chain
func AsDeferred(err error) (*DeferredError, bool) {
	var deferred *DeferredError
	if errors.As(err, &deferred) {
		return deferred, true
	}
	return nil, false
}

// Gate refuses calls during a persisted cooldown and records a new cooldown
// whenever a call is rate limited.
type Gate struct {
	store    StateStore
	id       string
	resource string
	log      logrus.FieldLogger

	cacheTTL     time.Duration
	jitterMax    time.Duration
	fallbackWait time.Duration

	mu              sync.Mutex
	cachedCooldown  *time.Time
	cacheValidUntil time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewGate creates a gate over the state row id. resource labels metrics.
func NewGate(store StateStore, id, resource string, log logrus.FieldLogger) *Gate {
	return &Gate{
		store:        store,
		id:           id,
		resource:     resource,
		log:          logging.OrDiscard(log).WithField("resource", resource),
		cacheTTL:     DefaultCacheTTL,
		jitterMax:    DefaultJitterMax,
		fallbackWait: DefaultFallbackWait,
		now:          time.Now,
		sleep:        sleepContext,
		jitter:       randomJitter,
	}
}

// Execute runs fn unless a cooldown is active. During a cooldown it waits
// it out when allowWait is set, otherwise returns a DeferredError. A rate
// limited fn result starts a new cooldown and is returned as a DeferredError.
func (g *Gate) Execute(ctx context.Context, operation string, allowWait bool, fn func(ctx context.Context) error) error {
	until, err := g.cooldownUntil(ctx)
	if err != nil {
		return err
	}
	now := g.now()
	if until != nil && now.Before(*until) {
		wait := until.Sub(now)
		if !allowWait {
			metrics.RateLimitDeferred.WithLabelValues(g.resource, operation).Inc()
			return &DeferredError{Operation: operation, CooldownUntil: *until, RetryAfter: wait}
		}
		g.log.WithField("operation", operation).Infof("Waiting %s for rate limit cooldown", wait)
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}

	callErr := fn(ctx)
	if callErr == nil || !IsRateLimitError(callErr) {
		return callErr
	}

	retryAfter := ExtractRetryAfter(callErr, g.now(), g.fallbackWait)
	next := g.now().Add(retryAfter + g.jitter(g.jitterMax))

	if effective, err := g.persistCooldown(ctx, next, g.now(), retryAfter); err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{
			"operation":     operation,
			"cooldownUntil": next.UTC().Format(time.RFC3339),
		}).Error("Failed to persist rate limit cooldown")
	} else {
		next = effective
	}

	g.log.WithFields(logrus.Fields{
		"operation":     operation,
		"retryAfter":    retryAfter.String(),
		"cooldownUntil": next.UTC().Format(time.RFC3339),
	}).Warn("Rate limit detected; entering cooldown")
	metrics.RateLimitCooldowns.WithLabelValues(g.resource).Inc()
	metrics.RateLimitDeferred.WithLabelValues(g.resource, operation).Inc()

	return &DeferredError{Operation: operation, CooldownUntil: next, RetryAfter: retryAfter, Cause: callErr}
}

// CooldownUntil returns the active cooldown end, or nil
func (g *Gate) CooldownUntil(ctx context.Context) (*time.Time, error) {
	until, err := g.cooldownUntil(ctx)
	if err != nil || until == nil || !g.now().Before(*until) {
		return nil, err
	}
	return until, nil
}

func (g *Gate) cooldownUntil(ctx context.Context) (*time.Time, error) {
	now := g.now()
	g.mu.Lock()
	if now.Before(g.cacheValidUntil) {
		cached := g.cachedCooldown
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	state, err := g.store.Get(ctx, g.id)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit state: %w", err)
	}

	g.mu.Lock()
	g.cachedCooldown = state.CooldownUntil
	g.cacheValidUntil = now.Add(g.cacheTTL)
	g.mu.Unlock()
	return state.CooldownUntil, nil
}

// persistCooldown writes the later of the stored and proposed cooldowns so a
// shorter limit never shortens an active one.
func (g *Gate) persistCooldown(ctx context.Context, until, last429 time.Time, retryAfter time.Duration) (time.Time, error) {
	for i := 0; i < maxCASAttempts; i++ {
		current, err := g.store.Get(ctx, g.id)
		if err != nil {
			return until, err
		}
		effective := until
		if current.CooldownUntil != nil && current.CooldownUntil.After(effective) {
			effective = *current.CooldownUntil
		}
		ok, err := g.store.CompareAndSwap(ctx, g.id, current.Version, effective, last429, retryAfter)
		if err != nil {
			return until, err
		}
		if ok {
			g.mu.Lock()
			g.cachedCooldown = &effective
			g.cacheValidUntil = g.now().Add(g.cacheTTL)
			g.mu.Unlock()
			return effective, nil
		}
	}
	return until, ErrCASExhausted
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
