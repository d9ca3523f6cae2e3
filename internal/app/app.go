package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dexwatch/internal/bot"
	"dexwatch/internal/config"
	"dexwatch/internal/eventbus"
	"dexwatch/internal/notifier"
	"dexwatch/internal/observability"
	rtsup "dexwatch/internal/runtime/supervisor"
	"dexwatch/internal/storage"
	"dexwatch/internal/subscribers"
	"dexwatch/internal/task/scheduler"
	kit "dexwatch/internal/transport"
	telegram "dexwatch/internal/transport/telegram/adapter"
	logx "dexwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	registry *subscribers.Registry
	bot      *bot.Bot
	sched    *scheduler.Service
	metrics  *observability.Metrics
	debug    *observability.Server

	feeds   []*pipeline
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg), ad)
	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(context.Background(), cfg, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build opens storage and wires every component behind the adapter.
func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := cfg.StorageSettings()
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.registry, err = subscribers.Open(ctx, store.Subscribers(),
		log.With(logx.String("comp", "subscribers")),
		subscribers.WithEvents(a.bus),
	)
	if err != nil {
		return err
	}

	httpSettings, err := cfg.HTTP.Resolve()
	if err != nil {
		return err
	}
	ds, err := cfg.Dispatch.Resolve()
	if err != nil {
		return err
	}
	feeds, err := cfg.ResolveFeeds()
	if err != nil {
		return err
	}

	deps := pipelineDeps{
		store:    store,
		adapter:  a.adapter,
		media:    notifier.NewMediaResolver(&http.Client{}, httpSettings.UserAgent, log.With(logx.String("comp", "media"))),
		http:     httpSettings,
		dispatch: dispatchSettings(ds),
		log:      log,
		bus:      a.bus,
	}
	for _, fs := range feeds {
		p, err := openPipeline(ctx, fs, deps)
		if err != nil {
			return err
		}
		a.feeds = append(a.feeds, p)
	}

	a.sched = scheduler.New(scheduler.Config{}, log.With(logx.String("comp", "scheduler")))
	for _, p := range a.feeds {
		if err := p.schedule(a.sched); err != nil {
			return fmt.Errorf("feed %s: schedule: %w", p.settings.Name, err)
		}
	}

	a.bot = bot.New(bot.Config{Name: a.adapter.BotName()}, a.adapter, a.registry, log.With(logx.String("comp", "bot")))

	ms, err := cfg.Metrics.Resolve()
	if err != nil {
		return err
	}
	a.metrics = observability.NewMetrics()
	a.metrics.WatchBus(a.bus)
	a.metrics.WatchScheduler(a.sched.Snapshot)
	a.metrics.GaugeFunc("subscribers", "Registered subscriber ids.", func() float64 {
		return float64(len(a.registry.Snapshot()))
	})
	a.debug = observability.NewServer(serverConfig(ms), a.metrics.Handler(), log.With(logx.String("comp", "debug")))
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.metrics.WatchSupervisor(a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// Resume before the scheduler's first fetch rewrites the snapshot files.
	for _, p := range a.feeds {
		if err := p.resume(a.sup.Context()); err != nil {
			return err
		}
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("bot.menu", a.bot.PublishMenu)
	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})

	for _, p := range a.feeds {
		p.run(a.sup, a.registry)
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go0("metrics.consume", func(c context.Context) {
		_ = a.metrics.Consume(c, a.bus)
	})
	a.debug.Start(a.sup.Context())

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log)
	})

	users, chats := a.registry.Counts()
	a.log.Info("app started",
		logx.Int("feeds", len(a.feeds)),
		logx.Int("subscribed_users", users),
		logx.Int("subscribed_chats", chats),
	)
	sdNotify(a.log, daemon.SdNotifyReady)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step runs one shutdown step bounded by limit so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Dispatchers and the bot write to storage; wait for them before closing it.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("snapshots", 2*time.Second, func(c context.Context) error {
		for _, p := range a.feeds {
			if err := p.flush(c); err != nil {
				return err
			}
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
