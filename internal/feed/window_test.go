package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowAdmitKeepsFirstSeen(t *testing.T) {
	t.Parallel()
	w := NewWindow()
	t0 := time.Unix(1000, 0)
	assert.True(t, w.Admit(Item{Address: "A"}, t0))
	assert.False(t, w.Admit(Item{Address: "A", Name: "changed"}, t0.Add(time.Minute)))
	assert.False(t, w.Admit(Item{Address: "  "}, t0))

	snap := w.Snapshot()
	assert.Len(t, snap, 1)
	assert.True(t, snap[0].FirstSeenAt.Equal(t0))
	assert.Empty(t, snap[0].Name)
}

func TestWindowPruneBoundary(t *testing.T) {
	t.Parallel()
	const retention = 30 * time.Minute
	t0 := time.Unix(1000, 0)
	eps := time.Millisecond

	cases := []struct {
		name    string
		elapsed time.Duration
		evicted bool
	}{
		{"before", retention - eps, false},
		{"exactly", retention, false},
		{"after", retention + eps, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWindow()
			w.Admit(Item{Address: "A"}, t0)
			removed := w.Prune(t0.Add(tc.elapsed), retention)
			assert.Equal(t, tc.evicted, len(removed) == 1)
			assert.Equal(t, !tc.evicted, w.Has("A"))
		})
	}
}

func TestWindowPreservesOrderAfterPrune(t *testing.T) {
	t.Parallel()
	w := NewWindow()
	t0 := time.Unix(0, 0)
	w.Admit(Item{Address: "A"}, t0)
	w.Admit(Item{Address: "B"}, t0.Add(10*time.Minute))
	w.Admit(Item{Address: "C"}, t0.Add(20*time.Minute))

	removed := w.Prune(t0.Add(35*time.Minute), 30*time.Minute)
	assert.Len(t, removed, 1)
	assert.Equal(t, "A", removed[0].ID())

	ids := []string{}
	for _, e := range w.Snapshot() {
		ids = append(ids, e.ID())
	}
	assert.Equal(t, []string{"B", "C"}, ids)
	assert.Equal(t, 2, w.Len())
}

func TestWindowRemoveKeepsOrder(t *testing.T) {
	t.Parallel()
	w := NewWindow()
	now := time.Unix(0, 0)
	for _, id := range []string{"A", "B", "C"} {
		w.Admit(Item{Address: id}, now)
	}
	assert.True(t, w.Remove("B"))
	assert.False(t, w.Remove("B"))
	assert.False(t, w.Has("B"))
	assert.Equal(t, []string{"A", "C"}, ids(w.Snapshot()))
}
