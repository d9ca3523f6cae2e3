package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// PersistentSet is a string set mirrored to an IDBackend. Every Add is
// written through before it returns.
type PersistentSet struct {
	backend IDBackend

	mu    sync.Mutex
	ids   []string
	index map[string]struct{}
}

// OpenSet loads the stored identifiers. A missing store yields an empty set;
// malformed content is returned as an error wrapping ErrMalformed.
func OpenSet(ctx context.Context, backend IDBackend) (*PersistentSet, error) {
	ids, err := backend.LoadIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load set: %w", err)
	}
	s := &PersistentSet{backend: backend, index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if _, ok := s.index[id]; ok || strings.TrimSpace(id) == "" {
			continue
		}
		s.index[id] = struct{}{}
		s.ids = append(s.ids, id)
	}
	return s, nil
}

func (s *PersistentSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Add inserts id and saves the full set. When the save fails the insert is
// rolled back so the caller may retry later.
func (s *PersistentSet) Add(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return nil
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	if err := s.backend.SaveIDs(ctx, append([]string(nil), s.ids...)); err != nil {
		delete(s.index, id)
		s.ids = s.ids[:len(s.ids)-1]
		return fmt.Errorf("save set: %w", err)
	}
	return nil
}

func (s *PersistentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// IDs returns the identifiers in insertion order.
func (s *PersistentSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}
