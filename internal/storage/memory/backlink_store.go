// Package memory keeps linkback records in process memory for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/linkback/internal/linkback"
)

// BacklinkStore provides an in-memory linkback.InboundStore. Find and
// Create are serialized under one lock, which gives the read-then-write
// guarantee the pipeline relies on.
type BacklinkStore struct {
	mu        sync.RWMutex
	backlinks map[string]linkback.Inbound
}

// NewBacklinkStore constructs a BacklinkStore.
func NewBacklinkStore() *BacklinkStore {
	return &BacklinkStore{
		backlinks: make(map[string]linkback.Inbound),
	}
}

// FindInbound returns the backlink stored under key.
func (s *BacklinkStore) FindInbound(_ context.Context, key linkback.InboundKey) (linkback.Inbound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.backlinks {
		if key.Matches(b) {
			return cloneInbound(b), nil
		}
	}
	return linkback.Inbound{}, linkback.ErrNotFound
}

// CreateInbound stores a new backlink.
func (s *BacklinkStore) CreateInbound(_ context.Context, b linkback.Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.backlinks[b.ID]; exists {
		return fmt.Errorf("backlink %s: %w", b.ID, linkback.ErrDuplicate)
	}
	key := b.Key()
	for _, existing := range s.backlinks {
		if key.Matches(existing) {
			return fmt.Errorf("backlink from %s: %w", b.SourceURI, linkback.ErrDuplicate)
		}
	}
	s.backlinks[b.ID] = cloneInbound(b)
	return nil
}

// UpdateInboundStatus changes the moderation status of a backlink.
func (s *BacklinkStore) UpdateInboundStatus(_ context.Context, id string, status linkback.InboundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backlinks[id]
	if !ok {
		return fmt.Errorf("backlink %s: %w", id, linkback.ErrNotFound)
	}
	b.Status = status
	s.backlinks[id] = b
	return nil
}

// ListInbound returns matching backlinks, newest first.
func (s *BacklinkStore) ListInbound(_ context.Context, filter linkback.InboundFilter) ([]linkback.Inbound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]linkback.Inbound, 0, len(s.backlinks))
	for _, b := range s.backlinks {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.Target != nil && (b.Target == nil || *b.Target != *filter.Target) {
			continue
		}
		out = append(out, cloneInbound(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneInbound(b linkback.Inbound) linkback.Inbound {
	b.Target = cloneRef(b.Target)
	return b
}

func cloneRef(ref *linkback.Reference) *linkback.Reference {
	if ref == nil {
		return nil
	}
	r := *ref
	return &r
}
