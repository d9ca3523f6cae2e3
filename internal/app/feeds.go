package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dexwatch/internal/config"
	"dexwatch/internal/eventbus"
	"dexwatch/internal/feed"
	"dexwatch/internal/notifier"
	rtsup "dexwatch/internal/runtime/supervisor"
	"dexwatch/internal/storage"
	"dexwatch/internal/task/scheduler"
	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

// pipeline is one feed: its source, window, histories and dispatcher.
type pipeline struct {
	settings config.FeedSettings
	log      logx.Logger

	published  *storage.ReleaseLog
	delivered  *storage.PersistentSet
	updater    *feed.Updater
	dispatcher *notifier.Dispatcher
}

type pipelineDeps struct {
	store    storage.Store
	adapter  kit.Adapter
	media    *notifier.MediaResolver
	http     config.HTTPSettings
	dispatch notifier.Settings
	log      logx.Logger
	bus      eventbus.Bus
}

func openPipeline(ctx context.Context, fs config.FeedSettings, d pipelineDeps) (*pipeline, error) {
	log := d.log.With(logx.String("feed", fs.Name))
	key := fs.StorageKey()

	published, err := storage.OpenReleaseLog(ctx, d.store.Published(key))
	if err != nil {
		return nil, fmt.Errorf("feed %s: published history: %w", fs.Name, err)
	}
	delivered, err := storage.OpenSet(ctx, d.store.Delivered(key))
	if err != nil {
		return nil, fmt.Errorf("feed %s: delivered history: %w", fs.Name, err)
	}

	source := feed.NewHTTPSource(feed.SourceConfig{
		Name:      fs.Name,
		URL:       fs.URL,
		Format:    fs.Format,
		UserAgent: d.http.UserAgent,
		Client:    &http.Client{Timeout: d.http.Timeout},
	}, log.With(logx.String("comp", "source")))

	updater := feed.NewUpdater(feed.UpdaterConfig{
		Name:                  fs.Name,
		SnapshotPath:          fs.SnapshotPath,
		Retention:             fs.Retention,
		ReannounceAfterExpiry: fs.ReannounceAfterExpiry,
	}, source, published,
		feed.WithLogger(log.With(logx.String("comp", "updater"))),
		feed.WithEvents(d.bus),
	)

	dispatcher := notifier.NewDispatcher(
		notifier.Config{Feed: fs.Name, Title: fs.Title},
		delivered, d.adapter, d.media, d.dispatch,
		log.With(logx.String("comp", "dispatcher")), d.bus,
	)

	log.Info("feed opened",
		logx.String("url", fs.URL),
		logx.Int("published", published.Len()),
		logx.Int("delivered", delivered.Len()),
	)
	return &pipeline{
		settings:   fs,
		log:        log,
		published:  published,
		delivered:  delivered,
		updater:    updater,
		dispatcher: dispatcher,
	}, nil
}

// resume hands the snapshot left by the previous run to the dispatcher. It
// must run before the first fetch overwrites the snapshot file.
func (p *pipeline) resume(ctx context.Context) error {
	n, err := p.dispatcher.Resume(ctx, p.settings.SnapshotPath)
	if err != nil {
		return fmt.Errorf("feed %s: resume: %w", p.settings.Name, err)
	}
	if n > 0 {
		p.log.Info("resuming undelivered entries", logx.Int("count", n))
	}
	return nil
}

// schedule registers the fetch and prune tasks. Both run once on start; prune
// start times are spread so several feeds do not prune in lockstep.
func (p *pipeline) schedule(s *scheduler.Service) error {
	name := p.settings.Name
	if err := s.AddSchedule(name+".fetch", p.settings.FetchSchedule,
		scheduler.TaskOptions{Timeout: p.settings.FetchInterval * 3, RunOnStart: true},
		p.updater.Tick,
	); err != nil {
		return err
	}
	return s.AddSchedule(name+".prune", p.settings.PruneSchedule,
		scheduler.TaskOptions{Timeout: p.settings.PruneInterval, RunOnStart: true, Spread: true},
		p.updater.Prune,
	)
}

func (p *pipeline) run(sup *rtsup.Supervisor, registry notifier.Subscribers) {
	sup.GoRestart("feed."+p.settings.Name+".dispatch", func(ctx context.Context) error {
		return p.dispatcher.Run(ctx, p.updater.Snapshots(), registry)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

// flush persists the current window so the next run can resume from it.
func (p *pipeline) flush(ctx context.Context) error {
	return p.updater.PersistSnapshot(ctx)
}
