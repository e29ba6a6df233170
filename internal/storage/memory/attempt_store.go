package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/linkback/internal/linkback"
)

// AttemptStore provides an in-memory linkback.AttemptStore.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]linkback.PingAttempt
}

// NewAttemptStore constructs an AttemptStore.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]linkback.PingAttempt),
	}
}

// FindPingAttempt returns the current attempt for key.
func (s *AttemptStore) FindPingAttempt(_ context.Context, key linkback.AttemptKey) (linkback.PingAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attempts {
		if key.Matches(a) {
			return cloneAttempt(a), nil
		}
	}
	return linkback.PingAttempt{}, linkback.ErrNotFound
}

// CreatePingAttempt stores a new attempt.
func (s *AttemptStore) CreatePingAttempt(_ context.Context, a linkback.PingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; exists {
		return fmt.Errorf("ping attempt %s: %w", a.ID, linkback.ErrDuplicate)
	}
	key := linkback.AttemptKey{TargetURI: a.TargetURI, Source: a.Source}
	for _, existing := range s.attempts {
		if key.Matches(existing) {
			return fmt.Errorf("ping attempt to %s: %w", a.TargetURI, linkback.ErrDuplicate)
		}
	}
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

// UpdatePingAttempt replaces the stored attempt with the same ID.
func (s *AttemptStore) UpdatePingAttempt(_ context.Context, a linkback.PingAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.ID]; !ok {
		return fmt.Errorf("ping attempt %s: %w", a.ID, linkback.ErrNotFound)
	}
	s.attempts[a.ID] = cloneAttempt(a)
	return nil
}

// ListPingAttempts returns attempts made on behalf of source, or all
// attempts when source is nil, most recent first.
func (s *AttemptStore) ListPingAttempts(_ context.Context, source *linkback.Reference) ([]linkback.PingAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]linkback.PingAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		if source != nil && (a.Source == nil || *a.Source != *source) {
			continue
		}
		out = append(out, cloneAttempt(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out, nil
}

func cloneAttempt(a linkback.PingAttempt) linkback.PingAttempt {
	a.Source = cloneRef(a.Source)
	return a
}
