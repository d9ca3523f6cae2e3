package storage

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	logx "dexwatch/pkg/logx"
)

// fileStore keeps every history as a JSON document beside its feed snapshot:
//
//	<base>.json            snapshot (owned by the feed updater)
//	<base>_published.json  []Release
//	<base>_sent.json       []string
//
// Subscribers live in a single {userIds, chatIds} document.
type fileStore struct {
	log             logx.Logger
	subscribersPath string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.SubscribersPath)
	if path == "" {
		path = "./user_logs.json"
	}
	return &fileStore{log: log, subscribersPath: path}, nil
}

// HistoryPaths returns "<base>_published.json" and "<base>_sent.json" for "<base>.json".
func HistoryPaths(snapshotPath string) (published, delivered string) {
	base := strings.TrimSuffix(snapshotPath, filepath.Ext(snapshotPath))
	return base + "_published.json", base + "_sent.json"
}

func (s *fileStore) Delivered(feed FeedKey) IDBackend {
	_, p := HistoryPaths(feed.SnapshotPath)
	return &fileIDs{path: p}
}

func (s *fileStore) Published(feed FeedKey) ReleaseBackend {
	p, _ := HistoryPaths(feed.SnapshotPath)
	return &fileReleases{path: p}
}

func (s *fileStore) Subscribers() SubscriberBackend {
	return &fileSubscribers{path: s.subscribersPath}
}

func (s *fileStore) Close() error { return nil }

type fileIDs struct {
	mu   sync.Mutex
	path string
}

func (b *fileIDs) LoadIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	if _, err := ReadJSON(b.path, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *fileIDs) SaveIDs(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return WriteJSONAtomic(b.path, ids)
}

type fileReleases struct {
	mu   sync.Mutex
	path string
}

func (b *fileReleases) LoadReleases(ctx context.Context) ([]Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked()
}

func (b *fileReleases) readLocked() ([]Release, error) {
	var rs []Release
	if _, err := ReadJSON(b.path, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// AppendReleases re-reads the current document so records written by an
// earlier process are preserved, then rewrites it atomically.
func (b *fileReleases) AppendReleases(ctx context.Context, rs []Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, err := b.readLocked()
	if err != nil {
		return err
	}
	return WriteJSONAtomic(b.path, append(existing, rs...))
}

type fileSubscribers struct {
	mu   sync.Mutex
	path string
}

func (b *fileSubscribers) LoadSubscribers(ctx context.Context) (Subscribers, error) {
	if err := ctx.Err(); err != nil {
		return Subscribers{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var s Subscribers
	if _, err := ReadJSON(b.path, &s); err != nil {
		return Subscribers{}, err
	}
	return s, nil
}

func (b *fileSubscribers) SaveSubscribers(ctx context.Context, s Subscribers) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.UserIDs == nil {
		s.UserIDs = []int64{}
	}
	if s.ChatIDs == nil {
		s.ChatIDs = []int64{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return WriteJSONAtomic(b.path, s)
}
