package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/supporttools/GoBackupGuard/pkg/database/metadata"
)

// State is the shared cooldown record
type State struct {
	ID             string
	CooldownUntil  *time.Time
	Last429At      *time.Time
	LastRetryAfter time.Duration
	Version        int
}

// StateStore reads and version-checked writes the cooldown record
type StateStore interface {
	Get(ctx context.Context, id string) (State, error)
	CompareAndSwap(ctx context.Context, id string, version int, cooldownUntil, last429At time.Time, retryAfter time.Duration) (bool, error)
}

// RepositoryStore keeps state in the metadata database so every process shares it
type RepositoryStore struct {
	repo *metadata.RateLimitRepository
}

// NewRepositoryStore wraps the metadata repository
func NewRepositoryStore(repo *metadata.RateLimitRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

// Get returns the state row, creating it on first use
func (s *RepositoryStore) Get(ctx context.Context, id string) (State, error) {
	row, err := s.repo.GetOrCreate(ctx, id)
	if err != nil {
		return State{}, err
	}
	state := State{
		ID:            row.ID,
		CooldownUntil: row.CooldownUntil,
		Last429At:     row.Last429At,
		Version:       row.Version,
	}
	if row.LastRetryAfterMs != nil {
		state.LastRetryAfter = time.Duration(*row.LastRetryAfterMs) * time.Millisecond
	}
	return state, nil
}

// CompareAndSwap updates the row when its version still matches
func (s *RepositoryStore) CompareAndSwap(ctx context.Context, id string, version int, cooldownUntil, last429At time.Time, retryAfter time.Duration) (bool, error) {
	return s.repo.CompareAndSwap(ctx, id, version, cooldownUntil, last429At, retryAfter)
}

// MemoryStore keeps state in process, used when no metadata database is configured
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]State{}}
}

// Get returns the state for id
func (s *MemoryStore) Get(_ context.Context, id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		state = State{ID: id}
		s.states[id] = state
	}
	return state, nil
}

// CompareAndSwap updates id when version matches
func (s *MemoryStore) CompareAndSwap(_ context.Context, id string, version int, cooldownUntil, last429At time.Time, retryAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[id]
	if state.Version != version {
		return false, nil
	}
	s.states[id] = State{
		ID:             id,
		CooldownUntil:  &cooldownUntil,
		Last429At:      &last429At,
		LastRetryAfter: retryAfter,
		Version:        version + 1,
	}
	return true, nil
}
