package storage

import (
	"context"
	"errors"
	"time"
)

// ErrMalformed marks persisted state that exists but cannot be parsed.
var ErrMalformed = errors.New("malformed persisted state")

type Config struct {
	Driver      string
	Path        string        // sqlite database file
	BusyTimeout time.Duration // sqlite only; 0 keeps the driver default

	// SubscribersPath is the {userIds, chatIds} file used by the file driver.
	SubscribersPath string
}

// Release is the reduced projection kept in a feed's published history.
type Release struct {
	Name     string `json:"tokenName"`
	Ticker   string `json:"tokenTicker"`
	Address  string `json:"tokenAddress"`
	ImageURL string `json:"img_url"`
}

// Subscribers is the persisted registry shape.
type Subscribers struct {
	UserIDs []int64 `json:"userIds"`
	ChatIDs []int64 `json:"chatIds"`
}

// FeedKey identifies the histories of one feed. The file driver derives its
// paths from SnapshotPath; sqlite keys rows by Name.
type FeedKey struct {
	Name         string
	SnapshotPath string
}

// IDBackend stores a flat set of identifiers. SaveIDs replaces the whole set.
type IDBackend interface {
	LoadIDs(ctx context.Context) ([]string, error)
	SaveIDs(ctx context.Context, ids []string) error
}

// ReleaseBackend stores an append-only list of releases.
type ReleaseBackend interface {
	LoadReleases(ctx context.Context) ([]Release, error)
	AppendReleases(ctx context.Context, rs []Release) error
}

type SubscriberBackend interface {
	LoadSubscribers(ctx context.Context) (Subscribers, error)
	SaveSubscribers(ctx context.Context, s Subscribers) error
}

// Store hands out backends for each persisted concern.
type Store interface {
	Delivered(feed FeedKey) IDBackend
	Published(feed FeedKey) ReleaseBackend
	Subscribers() SubscriberBackend
	Close() error
}
