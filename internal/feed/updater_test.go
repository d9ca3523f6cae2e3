package feed

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexwatch/internal/storage"
)

// failingReleases fails the first `fail` appends and stores the rest.
type failingReleases struct {
	mu    sync.Mutex
	fail  int
	saved []storage.Release
}

func (b *failingReleases) LoadReleases(context.Context) ([]storage.Release, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]storage.Release(nil), b.saved...), nil
}

func (b *failingReleases) AppendReleases(_ context.Context, rs []storage.Release) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail > 0 {
		b.fail--
		return errors.New("disk full")
	}
	b.saved = append(b.saved, rs...)
	return nil
}

func takeSnapshot(t *testing.T, u *Updater) []Entry {
	t.Helper()
	select {
	case snap := <-u.Snapshots():
		return snap
	default:
		t.Fatalf("no snapshot handed off")
		return nil
	}
}

func requireNoSnapshot(t *testing.T, u *Updater) {
	t.Helper()
	select {
	case snap := <-u.Snapshots():
		t.Fatalf("unexpected snapshot %v", ids(snap))
	default:
	}
}

type staticSource struct {
	mu    sync.Mutex
	items []Item
}

func (s *staticSource) set(items ...Item) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

func (s *staticSource) Fetch(context.Context) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	updater *Updater
	source  *staticSource
	clock   *fakeClock
	store   storage.Store
	key     storage.FeedKey
}

func newHarness(t *testing.T, reannounce bool) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file"}, nilLogger())
	require.NoError(t, err)
	key := storage.FeedKey{Name: "image_added", SnapshotPath: filepath.Join(dir, "imageAdded.json")}
	h := &harness{source: &staticSource{}, clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}, store: st, key: key}
	h.updater = h.open(t, reannounce)
	return h
}

func (h *harness) open(t *testing.T, reannounce bool) *Updater {
	t.Helper()
	history, err := storage.OpenReleaseLog(context.Background(), h.store.Published(h.key))
	require.NoError(t, err)
	return NewUpdater(UpdaterConfig{
		Name:                  h.key.Name,
		SnapshotPath:          h.key.SnapshotPath,
		Retention:             30 * time.Minute,
		ReannounceAfterExpiry: reannounce,
	}, h.source, history, WithClock(h.clock.Now))
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID())
	}
	return out
}

func TestTickAdmitsOnlyNewItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()

	h.source.set(Item{Address: "A"}, Item{Address: "B"})
	require.NoError(t, h.updater.Tick(ctx))
	snap := <-h.updater.Snapshots()
	assert.Equal(t, []string{"A", "B"}, ids(snap))

	h.clock.Advance(10 * time.Second)
	h.source.set(Item{Address: "A"}, Item{Address: "B"}, Item{Address: "C"}, Item{Address: "C"})
	require.NoError(t, h.updater.Tick(ctx))
	snap = <-h.updater.Snapshots()
	assert.Equal(t, []string{"A", "B", "C"}, ids(snap))
	assert.True(t, snap[2].FirstSeenAt.After(snap[0].FirstSeenAt))

	rs, err := h.store.Published(h.key).LoadReleases(ctx)
	require.NoError(t, err)
	assert.Len(t, rs, 3)
}

func TestTickSkipsItemsWithoutIdentifier(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.source.set(Item{Name: "nameless"}, Item{Address: "A"})
	require.NoError(t, h.updater.Tick(context.Background()))
	assert.Equal(t, 1, h.updater.Len())
}

func TestPublishedHistorySurvivesRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	h.source.set(Item{Name: "Foo", Address: "FOO1"})
	require.NoError(t, h.updater.Tick(ctx))

	restarted := h.open(t, true)
	require.NoError(t, restarted.Tick(ctx))
	assert.Equal(t, 0, restarted.Len())
	select {
	case snap := <-restarted.Snapshots():
		t.Fatalf("unexpected snapshot after restart: %v", ids(snap))
	default:
	}
}

func TestPruneEvictsAfterRetention(t *testing.T) {
	t.Parallel()
	for _, reannounce := range []bool{true, false} {
		h := newHarness(t, reannounce)
		ctx := context.Background()
		h.source.set(Item{Address: "A"})
		require.NoError(t, h.updater.Tick(ctx))
		<-h.updater.Snapshots()

		h.clock.Advance(29 * time.Minute)
		require.NoError(t, h.updater.Prune(ctx))
		assert.Equal(t, 1, h.updater.Len())

		h.clock.Advance(2 * time.Minute)
		require.NoError(t, h.updater.Prune(ctx))
		assert.Equal(t, 0, h.updater.Len())
		assert.Empty(t, <-h.updater.Snapshots())

		require.NoError(t, h.updater.Tick(ctx))
		if reannounce {
			assert.Equal(t, 1, h.updater.Len(), "expired id is admitted again")
		} else {
			assert.Equal(t, 0, h.updater.Len(), "expired id stays suppressed")
		}

		rs, err := h.store.Published(h.key).LoadReleases(ctx)
		require.NoError(t, err)
		if reannounce {
			assert.Len(t, rs, 2)
		} else {
			assert.Len(t, rs, 1)
		}
	}
}

func TestSnapshotFileFormat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.source.set(Item{Name: "Foo", Address: "A", MarketCap: NewAmount(1500)})
	require.NoError(t, h.updater.Tick(context.Background()))

	b, err := os.ReadFile(h.key.SnapshotPath)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(b, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0]["tokenAddress"])
	assert.Equal(t, float64(h.clock.Now().UnixMilli()), rows[0]["timestamp"])

	loaded, err := LoadSnapshot(h.key.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(loaded))
}

func TestSnapshotChannelKeepsLatest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	h.source.set(Item{Address: "A"})
	require.NoError(t, h.updater.Tick(ctx))
	h.source.set(Item{Address: "B"})
	require.NoError(t, h.updater.Tick(ctx))

	snap := <-h.updater.Snapshots()
	assert.Equal(t, []string{"A", "B"}, ids(snap))
	select {
	case <-h.updater.Snapshots():
		t.Fatalf("stale snapshot left in channel")
	default:
	}
}

func TestTickReturnsPersistenceErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	st, err := storage.Open(storage.Config{Driver: "file"}, nilLogger())
	require.NoError(t, err)
	key := storage.FeedKey{Name: "f", SnapshotPath: filepath.Join(dir, "f.json")}
	history, err := storage.OpenReleaseLog(context.Background(), st.Published(key))
	require.NoError(t, err)

	src := &staticSource{}
	src.set(Item{Address: "A"})
	u := NewUpdater(UpdaterConfig{Name: "f", SnapshotPath: filepath.Join(blocker, "f.json")}, src, history)
	require.Error(t, u.Tick(context.Background()))
}

func TestTickRetriesBatchAfterHistoryAppendFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := &failingReleases{fail: 1}
	history, err := storage.OpenReleaseLog(ctx, backend)
	require.NoError(t, err)

	src := &staticSource{}
	src.set(Item{Address: "A"})
	u := NewUpdater(UpdaterConfig{Name: "f", SnapshotPath: filepath.Join(t.TempDir(), "f.json")}, src, history)

	require.ErrorContains(t, u.Tick(ctx), "disk full")
	assert.Equal(t, 0, u.Len())
	assert.False(t, history.Contains("A"))
	requireNoSnapshot(t, u)

	require.NoError(t, u.Tick(ctx))
	assert.Equal(t, []string{"A"}, ids(takeSnapshot(t, u)))
	assert.True(t, history.Contains("A"))
	require.Len(t, backend.saved, 1)
	assert.Equal(t, "A", backend.saved[0].Address)
}

func TestTickHandsOffAfterSnapshotWriteRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	blocked := filepath.Join(dir, "snap")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	history, err := storage.OpenReleaseLog(ctx, &failingReleases{})
	require.NoError(t, err)
	src := &staticSource{}
	src.set(Item{Address: "A"})
	u := NewUpdater(UpdaterConfig{Name: "f", SnapshotPath: filepath.Join(blocked, "f.json")}, src, history)

	require.Error(t, u.Tick(ctx))
	requireNoSnapshot(t, u)

	require.NoError(t, os.Remove(blocked))
	require.NoError(t, os.Mkdir(blocked, 0o755))

	// Nothing new is fetched, yet the pending window is handed off.
	require.NoError(t, u.Tick(ctx))
	assert.Equal(t, []string{"A"}, ids(takeSnapshot(t, u)))

	require.NoError(t, u.Tick(ctx))
	requireNoSnapshot(t, u)
}
