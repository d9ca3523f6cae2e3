package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fs, err := Open(Config{Driver: "file", SubscribersPath: filepath.Join(dir, "user_logs.json")}, nilLogger())
	require.NoError(t, err)
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "dexwatch.db")}, nilLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fs.Close()
		_ = sq.Close()
	})
	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestPersistentSetSurvivesReopen(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FeedKey{Name: "image_added", SnapshotPath: filepath.Join(t.TempDir(), "imageAdded.json")}

			set, err := OpenSet(ctx, st.Delivered(key))
			require.NoError(t, err)
			assert.Equal(t, 0, set.Len())

			require.NoError(t, set.Add(ctx, "A"))
			require.NoError(t, set.Add(ctx, "B"))
			require.NoError(t, set.Add(ctx, "A"))

			again, err := OpenSet(ctx, st.Delivered(key))
			require.NoError(t, err)
			assert.Equal(t, []string{"A", "B"}, again.IDs())
			assert.True(t, again.Contains("B"))
			assert.False(t, again.Contains("C"))
		})
	}
}

func TestReleaseLogAppendIsMonotonic(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := FeedKey{Name: "upcoming", SnapshotPath: filepath.Join(t.TempDir(), "upcoming.json")}

			log, err := OpenReleaseLog(ctx, st.Published(key))
			require.NoError(t, err)
			require.NoError(t, log.Append(ctx, []Release{{Name: "Foo", Ticker: "FOO", Address: "A", ImageURL: "u"}}))
			log.Mark("A")
			log.Forget("A")
			assert.False(t, log.Contains("A"))
			require.NoError(t, log.Append(ctx, []Release{{Name: "Foo", Ticker: "FOO", Address: "A"}, {Address: "B"}}))

			rs, err := st.Published(key).LoadReleases(ctx)
			require.NoError(t, err)
			require.Len(t, rs, 3)
			assert.Equal(t, "Foo", rs[0].Name)
			assert.Equal(t, "B", rs[2].Address)

			reopened, err := OpenReleaseLog(ctx, st.Published(key))
			require.NoError(t, err)
			assert.True(t, reopened.Contains("A"))
			assert.True(t, reopened.Contains("B"))
			assert.Equal(t, 3, reopened.Stored())
		})
	}
}

func TestSubscribersRoundTrip(t *testing.T) {
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := st.Subscribers()
			got, err := b.LoadSubscribers(ctx)
			require.NoError(t, err)
			assert.Empty(t, got.UserIDs)

			require.NoError(t, b.SaveSubscribers(ctx, Subscribers{UserIDs: []int64{7, 8}, ChatIDs: []int64{-100}}))
			got, err = b.LoadSubscribers(ctx)
			require.NoError(t, err)
			assert.Equal(t, []int64{7, 8}, got.UserIDs)
			assert.Equal(t, []int64{-100}, got.ChatIDs)
		})
	}
}

func TestFileLayoutMatchesSnapshotBase(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", SubscribersPath: filepath.Join(dir, "user_logs.json")}, nilLogger())
	require.NoError(t, err)
	ctx := context.Background()
	key := FeedKey{Name: "x", SnapshotPath: filepath.Join(dir, "imageAdded.json")}

	set, err := OpenSet(ctx, st.Delivered(key))
	require.NoError(t, err)
	require.NoError(t, set.Add(ctx, "A"))
	log, err := OpenReleaseLog(ctx, st.Published(key))
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, []Release{{Address: "A"}}))

	sent, err := os.ReadFile(filepath.Join(dir, "imageAdded_sent.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `["A"]`, string(sent))

	pub, err := os.ReadFile(filepath.Join(dir, "imageAdded_published.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"tokenName":"","tokenTicker":"","tokenAddress":"A","img_url":""}]`, string(pub))
}

func TestMalformedHistoryIsAnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	snap := filepath.Join(dir, "feed.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feed_sent.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feed_published.json"), []byte(`{"tokenAddress": 1}`), 0o644))

	st, err := Open(Config{Driver: "file"}, nilLogger())
	require.NoError(t, err)
	ctx := context.Background()
	key := FeedKey{Name: "feed", SnapshotPath: snap}

	_, err = OpenSet(ctx, st.Delivered(key))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = OpenReleaseLog(ctx, st.Published(key))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestTrailingDataOrNullHistoryIsAnError(t *testing.T) {
	t.Parallel()
	for name, body := range map[string]string{
		"trailing": `["a"] garbage`,
		"second":   `["a"]["b"]`,
		"null":     " null\n",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "feed_sent.json"), []byte(body), 0o644))

			st, err := Open(Config{Driver: "file"}, nilLogger())
			require.NoError(t, err)
			_, err = OpenSet(context.Background(), st.Delivered(FeedKey{Name: "feed", SnapshotPath: filepath.Join(dir, "feed.json")}))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestReadJSONAcceptsSurroundingWhitespace(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "ids.json")
	require.NoError(t, os.WriteFile(p, []byte("\n  [\"a\", \"b\"]  \n"), 0o644))
	var ids []string
	found, err := ReadJSON(p, &ids)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestSQLiteSavesLargeSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dexwatch.db")}, nilLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ids := make([]string, 12000)
	for i := range ids {
		ids[i] = fmt.Sprintf("token-%05d", i)
	}
	backend := st.Delivered(FeedKey{Name: "image_added"})
	require.NoError(t, backend.SaveIDs(ctx, ids))
	loaded, err := backend.LoadIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, loaded)

	// Growing the set through PersistentSet rewrites every row again.
	set, err := OpenSet(ctx, backend)
	require.NoError(t, err)
	require.NoError(t, set.Add(ctx, "token-new"))
	loaded, err = backend.LoadIDs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 12001)
	assert.Equal(t, "token-new", loaded[12000])

	rs := make([]Release, 6000)
	for i := range rs {
		rs[i] = Release{Name: "n", Ticker: "T", Address: ids[i], ImageURL: "u"}
	}
	published := st.Published(FeedKey{Name: "image_added"})
	require.NoError(t, published.AppendReleases(ctx, rs))
	got, err := published.LoadReleases(ctx)
	require.NoError(t, err)
	require.Len(t, got, 6000)
	assert.Equal(t, ids[5999], got[5999].Address)

	subs := Subscribers{UserIDs: make([]int64, 11000), ChatIDs: make([]int64, 1500)}
	for i := range subs.UserIDs {
		subs.UserIDs[i] = int64(i + 1)
	}
	for i := range subs.ChatIDs {
		subs.ChatIDs[i] = -int64(i + 1)
	}
	require.NoError(t, st.Subscribers().SaveSubscribers(ctx, subs))
	back, err := st.Subscribers().LoadSubscribers(ctx)
	require.NoError(t, err)
	assert.Equal(t, subs, back)
}

type failingIDs struct{ loaded []string }

func (f *failingIDs) LoadIDs(context.Context) ([]string, error) { return f.loaded, nil }
func (f *failingIDs) SaveIDs(context.Context, []string) error   { return errors.New("disk full") }

func TestPersistentSetRollsBackFailedSave(t *testing.T) {
	t.Parallel()
	set, err := OpenSet(context.Background(), &failingIDs{loaded: []string{"A"}})
	require.NoError(t, err)
	require.Error(t, set.Add(context.Background(), "B"))
	assert.False(t, set.Contains("B"))
	assert.Equal(t, 1, set.Len())
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "snap.json")
	require.NoError(t, WriteFileAtomic(p, []byte("[]"), 0o644))
	require.NoError(t, WriteFileAtomic(p, []byte("[1]"), 0o644))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(b))
	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis"}, nilLogger())
	require.Error(t, err)
}
