package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"dexwatch/internal/eventbus"
	"dexwatch/internal/storage"
	logx "dexwatch/pkg/logx"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

type UpdaterConfig struct {
	Name         string
	SnapshotPath string
	Retention    time.Duration
	// ReannounceAfterExpiry forgets evicted identifiers in the published
	// history's in-memory mirror so they may be admitted again.
	ReannounceAfterExpiry bool
}

type UpdaterOption func(*Updater)

func WithClock(c Clock) UpdaterOption {
	return func(u *Updater) {
		if c != nil {
			u.clock = c
		}
	}
}

func WithLogger(l logx.Logger) UpdaterOption {
	return func(u *Updater) {
		if !l.IsZero() {
			u.log = l
		}
	}
}

func WithEvents(b eventbus.Bus) UpdaterOption {
	return func(u *Updater) {
		if b != nil {
			u.bus = b
		}
	}
}

// Updater owns one feed's Window and published history. Tick and Prune are
// driven by the scheduler and serialized by mu.
type Updater struct {
	cfg     UpdaterConfig
	source  Source
	history *storage.ReleaseLog

	clock Clock
	log   logx.Logger
	bus   eventbus.Bus

	mu     sync.Mutex
	window *Window
	// dirty is set when the window changed but the snapshot was not yet
	// persisted and handed off.
	dirty bool

	// out carries the latest snapshot to the dispatcher (capacity 1, latest wins).
	out chan []Entry
}

func NewUpdater(cfg UpdaterConfig, source Source, history *storage.ReleaseLog, opts ...UpdaterOption) *Updater {
	u := &Updater{
		cfg:     cfg,
		source:  source,
		history: history,
		clock:   time.Now,
		log:     logx.Nop(),
		bus:     eventbus.Nop(),
		window:  NewWindow(),
		out:     make(chan []Entry, 1),
	}
	for _, o := range opts {
		o(u)
	}
	if u.cfg.Retention <= 0 {
		u.cfg.Retention = 30 * time.Minute
	}
	return u
}

func (u *Updater) Name() string { return u.cfg.Name }

// Snapshots yields every snapshot that changed the window.
func (u *Updater) Snapshots() <-chan []Entry { return u.out }

// Tick runs one fetch cycle. Network trouble yields an empty batch; only
// persistence failures are returned.
func (u *Updater) Tick(ctx context.Context) error {
	started := time.Now()
	items := u.source.Fetch(ctx)
	u.bus.Publish(eventbus.Event{
		Type: eventbus.FeedFetched,
		Feed: u.cfg.Name,
		Data: eventbus.FetchData{Items: len(items), Duration: time.Since(started).Seconds(), OK: items != nil},
	})

	u.mu.Lock()
	defer u.mu.Unlock()

	batch := u.mergeLocked(items, u.clock())
	if len(batch) > 0 {
		releases := lo.Map(batch, func(it Item, _ int) storage.Release { return it.Release() })
		if err := u.history.Append(ctx, releases); err != nil {
			u.unadmitLocked(batch)
			return fmt.Errorf("feed %s: %w", u.cfg.Name, err)
		}
		u.dirty = true
		u.log.Info("items admitted",
			logx.Int("count", len(batch)),
			logx.Int("window", u.window.Len()),
			logx.Strings("ids", lo.Map(batch, func(it Item, _ int) string { return it.ID() })),
		)
		u.bus.Publish(eventbus.Event{Type: eventbus.FeedAdmitted, Feed: u.cfg.Name, Data: len(batch)})
	}
	return u.flushLocked(ctx)
}

// unadmitLocked reverts a batch whose history append failed so the next
// tick admits it again.
func (u *Updater) unadmitLocked(batch []Item) {
	for _, it := range batch {
		u.window.Remove(it.ID())
		u.history.Forget(it.ID())
	}
}

// flushLocked persists the snapshot and, when the window changed since the
// last successful flush, hands it to the dispatcher. A failed write keeps
// the window dirty so a later tick retries the hand-off.
func (u *Updater) flushLocked(ctx context.Context) error {
	if err := u.persistLocked(ctx); err != nil {
		return err
	}
	if u.dirty {
		u.dirty = false
		u.publishLocked()
	}
	return nil
}

// Merge admits every item that is neither in the published history nor in
// the window, marks it published and returns the admitted batch in input order.
func (u *Updater) Merge(items []Item, now time.Time) []Item {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mergeLocked(items, now)
}

func (u *Updater) mergeLocked(items []Item, now time.Time) []Item {
	var batch []Item
	for _, it := range items {
		id := it.ID()
		if id == "" {
			u.log.Warn("feed item without identifier skipped", logx.String("name", it.Name))
			u.bus.Publish(eventbus.Event{Type: eventbus.FeedSkipped, Feed: u.cfg.Name, Data: "missing identifier"})
			continue
		}
		if u.history.Contains(id) || u.window.Has(id) {
			continue
		}
		u.window.Admit(it, now)
		u.history.Mark(id)
		batch = append(batch, it)
	}
	return batch
}

// PersistSnapshot overwrites the snapshot file with the current window.
func (u *Updater) PersistSnapshot(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.persistLocked(ctx)
}

func (u *Updater) persistLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.WriteJSONAtomic(u.cfg.SnapshotPath, u.window.Snapshot()); err != nil {
		return fmt.Errorf("feed %s: write snapshot: %w", u.cfg.Name, err)
	}
	return nil
}

// Prune evicts entries older than the retention window and persists the
// resulting snapshot.
func (u *Updater) Prune(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	removed := u.window.Prune(u.clock(), u.cfg.Retention)
	if u.cfg.ReannounceAfterExpiry {
		for _, e := range removed {
			u.history.Forget(e.ID())
		}
	}
	if len(removed) > 0 {
		u.dirty = true
		u.log.Info("entries pruned", logx.Int("count", len(removed)), logx.Int("window", u.window.Len()))
		u.bus.Publish(eventbus.Event{Type: eventbus.FeedPruned, Feed: u.cfg.Name, Data: len(removed)})
	}
	return u.flushLocked(ctx)
}

// publishLocked hands the current snapshot to the dispatcher, replacing any
// snapshot it has not consumed yet.
func (u *Updater) publishLocked() {
	snap := u.window.Snapshot()
	select {
	case u.out <- snap:
		return
	default:
	}
	select {
	case <-u.out:
	default:
	}
	select {
	case u.out <- snap:
	default:
	}
}

func (u *Updater) Snapshot() []Entry {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.window.Snapshot()
}

func (u *Updater) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.window.Len()
}

// LoadSnapshot reads a snapshot file. A missing file is an empty snapshot.
func LoadSnapshot(path string) ([]Entry, error) {
	var entries []Entry
	if _, err := storage.ReadJSON(path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
