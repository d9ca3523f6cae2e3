package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dexwatch/internal/eventbus"
	"dexwatch/internal/feed"
	"dexwatch/internal/storage"
	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

// ErrPersist wraps a delivered-history write failure. Nothing is sent for the
// entry that failed to persist, and the cycle stops there.
var ErrPersist = errors.New("delivered history write failed")

// Subscribers yields the current recipient list.
type Subscribers interface {
	Snapshot() []int64
}

type Config struct {
	Feed  string
	Title string
}

// DispatchResult summarizes one dispatch cycle.
type DispatchResult struct {
	Cycle     string
	Entries   int // entries examined
	Delivered int // entries newly recorded as delivered
	Sent      int
	Failed    int
	Fallbacks int
}

type Dispatcher struct {
	cfg       Config
	delivered *storage.PersistentSet
	adapter   kit.Adapter
	media     *MediaResolver
	log       logx.Logger
	bus       eventbus.Bus

	mu       sync.Mutex
	settings Settings
	limiter  *rate.Limiter

	// cycleMu keeps two cycles of this dispatcher from overlapping.
	cycleMu sync.Mutex
	pending []feed.Entry

	retryAfter time.Duration
}

func NewDispatcher(cfg Config, delivered *storage.PersistentSet, adapter kit.Adapter, media *MediaResolver, settings Settings, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if media == nil {
		media = NewMediaResolver(nil, "", log)
	}
	d := &Dispatcher{
		cfg:        cfg,
		delivered:  delivered,
		adapter:    adapter,
		media:      media,
		log:        log,
		bus:        bus,
		retryAfter: 5 * time.Second,
	}
	d.Apply(settings)
	return d
}

// Apply swaps dispatch settings; the next send picks them up.
func (d *Dispatcher) Apply(s Settings) {
	s = s.withDefaults()
	burst := int(s.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	d.mu.Lock()
	d.settings = s
	d.limiter = rate.NewLimiter(rate.Limit(s.RatePerSec), burst)
	d.mu.Unlock()
}

func (d *Dispatcher) current() (Settings, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings, d.limiter
}

// Dispatch delivers every entry not yet in the delivered history to
// subscribers, in snapshot order. Each entry is recorded before any send.
// Running the same entries twice sends nothing the second time.
func (d *Dispatcher) Dispatch(ctx context.Context, entries []feed.Entry, subscribers []int64) (DispatchResult, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	res := DispatchResult{Cycle: uuid.NewString(), Entries: len(entries)}
	settings, lim := d.current()
	log := d.log.With(logx.String("cycle", res.Cycle))

	for _, e := range entries {
		id := e.ID()
		if id == "" || d.delivered.Contains(id) {
			continue
		}
		if err := d.delivered.Add(ctx, id); err != nil {
			log.Error("delivered history write failed; cycle aborted", logx.String("id", id), logx.Err(err))
			return res, fmt.Errorf("%w: %s: %w", ErrPersist, id, err)
		}
		res.Delivered++
		d.bus.Publish(eventbus.Event{Type: eventbus.DispatchItem, Feed: d.cfg.Feed, Data: eventbus.ItemData{Cycle: res.Cycle, ID: id}})

		media, isFallback := d.media.Resolve(ctx, e.ImageURL, settings)
		if isFallback {
			log.Info("using fallback image", logx.String("id", id), logx.String("img_url", e.ImageURL))
		}
		fr := d.fanout(ctx, fanoutJob{
			cycle:             res.Cycle,
			id:                id,
			media:             media,
			fallback:          settings.FallbackMedia(),
			primaryIsFallback: isFallback,
			caption:           FormatCaption(d.cfg.Title, e.Item),
			targets:           subscribers,
		}, lim, settings.SendTimeout)

		res.Sent += fr.Sent
		res.Failed += fr.Failed
		res.Fallbacks += fr.Fallbacks
		fields := []logx.Field{
			logx.String("id", id),
			logx.String("name", e.Name),
			logx.Int("sent", fr.Sent),
			logx.Int("failed", fr.Failed),
			logx.String("media", media.Ref()),
		}
		if fr.Failed > 0 {
			log.Warn("item delivered with failures", fields...)
		} else {
			log.Info("item delivered", fields...)
		}
	}
	return res, nil
}

// Resume loads the snapshot file left by a previous run. Entries still
// missing from the delivered history are dispatched first by Run.
func (d *Dispatcher) Resume(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entries, err := feed.LoadSnapshot(path)
	if err != nil {
		return 0, fmt.Errorf("resume %s: %w", d.cfg.Feed, err)
	}
	pending := make([]feed.Entry, 0, len(entries))
	for _, e := range entries {
		if id := e.ID(); id != "" && !d.delivered.Contains(id) {
			pending = append(pending, e)
		}
	}
	d.cycleMu.Lock()
	d.pending = pending
	d.cycleMu.Unlock()
	if len(pending) > 0 {
		d.log.Info("resuming undelivered entries", logx.Int("count", len(pending)), logx.String("path", path))
	}
	return len(pending), nil
}

func (d *Dispatcher) takePending() []feed.Entry {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	p := d.pending
	d.pending = nil
	return p
}

// Run consumes snapshots until ctx is done or the channel closes. A cycle
// that fails to persist is retried with the same snapshot unless a newer one
// arrives first.
func (d *Dispatcher) Run(ctx context.Context, snapshots <-chan []feed.Entry, registry Subscribers) error {
	var (
		retry   <-chan time.Time
		lastErr []feed.Entry
	)
	cycle := func(entries []feed.Entry) {
		retry, lastErr = nil, nil
		if len(entries) == 0 {
			return
		}
		res, err := d.Dispatch(ctx, entries, registry.Snapshot())
		if err != nil {
			if errors.Is(err, ErrPersist) && ctx.Err() == nil {
				lastErr = entries
				retry = time.After(d.retryAfter)
			}
			return
		}
		if res.Delivered > 0 {
			d.log.Debug("dispatch cycle finished",
				logx.String("cycle", res.Cycle),
				logx.Int("delivered", res.Delivered),
				logx.Int("sent", res.Sent),
				logx.Int("failed", res.Failed),
				logx.Int("fallbacks", res.Fallbacks),
			)
		}
	}

	cycle(d.takePending())
	for {
		select {
		case <-ctx.Done():
			return nil
		case entries, ok := <-snapshots:
			if !ok {
				return nil
			}
			cycle(entries)
		case <-retry:
			cycle(lastErr)
		}
	}
}

func (d *Dispatcher) Feed() string { return d.cfg.Feed }
