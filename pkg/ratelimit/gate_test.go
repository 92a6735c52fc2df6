package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/supporttools/GoBackupGuard/pkg/logging"
	"github.com/supporttools/GoBackupGuard/pkg/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestGate(store StateStore) (*Gate, *fakeClock, *[]time.Duration) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	var slept []time.Duration
	g := NewGate(store, MailboxStateID, "mailbox", logging.Discard())
	g.now = clock.Now
	g.jitter = func(time.Duration) time.Duration { return 0 }
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.now = clock.now.Add(d)
		return nil
	}
	return g, clock, &slept
}

func rateLimited(retryAfter string) error {
	return &storage.HTTPError{Provider: "mailbox", Operation: "list", Status: http.StatusTooManyRequests, RetryAfter: retryAfter}
}

func TestGatePassesThrough(t *testing.T) {
	g, _, _ := newTestGate(NewMemoryStore())
	calls := 0
	err := g.Execute(context.Background(), "list", false, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	err = g.Execute(context.Background(), "list", false, func(context.Context) error { return boom })
	assert.Equal(t, boom, err)
}

func TestGateEntersCooldownAndDefers(t *testing.T) {
	store := NewMemoryStore()
	g, clock, _ := newTestGate(store)
	ctx := context.Background()
	start := clock.now

	err := g.Execute(ctx, "list", false, func(context.Context) error { return rateLimited("30") })
	deferred, ok := AsDeferred(err)
	require.True(t, ok)
	assert.Equal(t, "list", deferred.Operation)
	assert.Equal(t, 30*time.Second, deferred.RetryAfter)
	assert.Equal(t, start.Add(30*time.Second), deferred.CooldownUntil)

	state, err := store.Get(ctx, MailboxStateID)
	require.NoError(t, err)
	require.NotNil(t, state.CooldownUntil)
	assert.Equal(t, start.Add(30*time.Second), *state.CooldownUntil)
	assert.Equal(t, 1, state.Version)

	clock.now = start.Add(10 * time.Second)
	calls := 0
	err = g.Execute(ctx, "download", false, func(context.Context) error {
		calls++
		return nil
	})
	deferred, ok = AsDeferred(err)
	require.True(t, ok)
	assert.Zero(t, calls, "no request may be sent during a cooldown")
	assert.Equal(t, 20*time.Second, deferred.RetryAfter)
}

func TestGateWaitsWhenAllowed(t *testing.T) {
	store := NewMemoryStore()
	g, clock, slept := newTestGate(store)
	ctx := context.Background()
	_, err := store.CompareAndSwap(ctx, MailboxStateID, 0, clock.now.Add(5*time.Second), clock.now, 5*time.Second)
	require.NoError(t, err)

	calls := 0
	err = g.Execute(ctx, "download", true, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []time.Duration{5 * time.Second}, *slept)
}

func TestGateNeverShortensCooldown(t *testing.T) {
	store := NewMemoryStore()
	g, clock, _ := newTestGate(store)
	ctx := context.Background()
	longCooldown := clock.now.Add(time.Hour)
	_, err := store.CompareAndSwap(ctx, MailboxStateID, 0, longCooldown, clock.now, time.Hour)
	require.NoError(t, err)

	// a stale read lets the call through while another process holds a longer cooldown
	g.store = &staleFirstRead{StateStore: store, stale: State{ID: MailboxStateID, Version: 1}}

	err = g.Execute(ctx, "list", false, func(context.Context) error { return rateLimited("5") })
	deferred, ok := AsDeferred(err)
	require.True(t, ok)
	assert.Equal(t, longCooldown, deferred.CooldownUntil)

	state, err := store.Get(ctx, MailboxStateID)
	require.NoError(t, err)
	assert.Equal(t, longCooldown, *state.CooldownUntil)
	assert.Equal(t, 2, state.Version)
}

// staleFirstRead answers the first Get with an old snapshot
type staleFirstRead struct {
	StateStore
	stale State
	used  bool
}

func (s *staleFirstRead) Get(ctx context.Context, id string) (State, error) {
	if !s.used {
		s.used = true
		return s.stale, nil
	}
	return s.StateStore.Get(ctx, id)
}

// contendedStore loses the first n swaps to a concurrent writer
type contendedStore struct {
	*MemoryStore
	lose     int
	attempts int
}

func (s *contendedStore) CompareAndSwap(ctx context.Context, id string, version int, until, last429 time.Time, retryAfter time.Duration) (bool, error) {
	s.attempts++
	if s.lose > 0 {
		s.lose--
		s.MemoryStore.mu.Lock()
		state := s.MemoryStore.states[id]
		state.Version++
		s.MemoryStore.states[id] = state
		s.MemoryStore.mu.Unlock()
		return false, nil
	}
	return s.MemoryStore.CompareAndSwap(ctx, id, version, until, last429, retryAfter)
}

func TestGateCASConverges(t *testing.T) {
	store := &contendedStore{MemoryStore: NewMemoryStore(), lose: 2}
	g, _, _ := newTestGate(store)

	err := g.Execute(context.Background(), "list", false, func(context.Context) error { return rateLimited("") })
	deferred, ok := AsDeferred(err)
	require.True(t, ok)
	assert.Equal(t, DefaultFallbackWait, deferred.RetryAfter)
	assert.Equal(t, 3, store.attempts)

	state, _ := store.Get(context.Background(), MailboxStateID)
	require.NotNil(t, state.CooldownUntil)
	assert.Equal(t, deferred.CooldownUntil, *state.CooldownUntil)
}

func TestGateCASExhaustedStillDefers(t *testing.T) {
	store := &contendedStore{MemoryStore: NewMemoryStore(), lose: 100}
	g, _, _ := newTestGate(store)

	err := g.Execute(context.Background(), "list", false, func(context.Context) error { return rateLimited("9") })
	deferred, ok := AsDeferred(err)
	require.True(t, ok)
	assert.Equal(t, 9*time.Second, deferred.RetryAfter)
	assert.Equal(t, maxCASAttempts, store.attempts)
}

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 429", rateLimited(""), true},
		{"googleapi 429", &googleapi.Error{Code: 429}, true},
		{"googleapi 403 quota", &googleapi.Error{Code: 403, Message: "Quota exceeded for quota metric"}, true},
		{"user rate limit", errors.New("User-rate limit exceeded. Retry after 2025-06-01T12:00:30Z"), true},
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED"), true},
		{"plain", errors.New("connection reset"), false},
		{"http 500", &storage.HTTPError{Status: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimitError(tt.err))
		})
	}
}

func TestExtractRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	header := http.Header{}
	header.Set("Retry-After", "42")
	assert.Equal(t, 42*time.Second, ExtractRetryAfter(&googleapi.Error{Code: 429, Header: header}, now, time.Minute))

	assert.Equal(t, 3*time.Second, ExtractRetryAfter(rateLimited("3"), now, time.Minute))

	msg := errors.New("User-rate limit exceeded. Retry after 2025-06-01T12:00:30.500Z")
	assert.Equal(t, 30500*time.Millisecond, ExtractRetryAfter(msg, now, time.Minute))

	past := errors.New("Retry after 2025-06-01T11:00:00Z")
	assert.Equal(t, time.Minute, ExtractRetryAfter(past, now, time.Minute))

	assert.Equal(t, time.Minute, ExtractRetryAfter(errors.New("rate limit"), now, time.Minute))
}
