package storage

import (
	"context"
	"fmt"
	"sync"
)

// ReleaseLog is a feed's published history: an append-only durable list of
// releases plus an in-memory identifier mirror used for dedup.
//
// The mirror and the durable list drift on purpose: Forget only touches the
// mirror, so an identifier can be admitted again while its record stays on disk.
type ReleaseLog struct {
	backend ReleaseBackend

	mu     sync.Mutex
	mirror map[string]struct{}
	stored int
}

func OpenReleaseLog(ctx context.Context, backend ReleaseBackend) (*ReleaseLog, error) {
	rs, err := backend.LoadReleases(ctx)
	if err != nil {
		return nil, fmt.Errorf("load releases: %w", err)
	}
	l := &ReleaseLog{backend: backend, mirror: make(map[string]struct{}, len(rs)), stored: len(rs)}
	for _, r := range rs {
		if r.Address != "" {
			l.mirror[r.Address] = struct{}{}
		}
	}
	return l, nil
}

func (l *ReleaseLog) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.mirror[id]
	return ok
}

func (l *ReleaseLog) Mark(id string) {
	l.mu.Lock()
	l.mirror[id] = struct{}{}
	l.mu.Unlock()
}

// Forget drops id from the in-memory mirror only.
func (l *ReleaseLog) Forget(id string) {
	l.mu.Lock()
	delete(l.mirror, id)
	l.mu.Unlock()
}

// Append durably appends rs. Prior records are never rewritten or dropped.
func (l *ReleaseLog) Append(ctx context.Context, rs []Release) error {
	if len(rs) == 0 {
		return nil
	}
	if err := l.backend.AppendReleases(ctx, rs); err != nil {
		return fmt.Errorf("append releases: %w", err)
	}
	l.mu.Lock()
	l.stored += len(rs)
	l.mu.Unlock()
	return nil
}

// Len is the size of the in-memory mirror.
func (l *ReleaseLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mirror)
}

// Stored is the number of durable records, including forgotten ones.
func (l *ReleaseLog) Stored() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stored
}
