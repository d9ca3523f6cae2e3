package app

import (
	"context"
	"strings"

	"dexwatch/internal/config"
	"dexwatch/internal/notifier"
	"dexwatch/internal/observability"
	logx "dexwatch/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func dispatchSettings(ds config.DispatchSettings) notifier.Settings {
	return notifier.Settings{
		FallbackImage:   ds.FallbackImage,
		ProbeTimeout:    ds.ProbeTimeout,
		SendTimeout:     ds.SendTimeout,
		RatePerSec:      ds.RatePerSec,
		GatewayRewrites: ds.GatewayRewrites,
	}
}

func serverConfig(ms config.MetricsSettings) observability.ServerConfig {
	return observability.ServerConfig{
		Enabled:     ms.Enabled,
		Addr:        ms.Addr,
		MetricsPath: ms.Path,
		Pprof:       ms.Pprof,
		Token:       ms.Token,
	}
}

// reloadLoop applies validated configs published by the config manager.
// Sections that cannot be hot-applied are reported and left alone.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			ch := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.apply(ctx, newCfg, ch)

			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) apply(ctx context.Context, cfg *config.Config, ch config.Change) {
	if ch.Has("logging") || ch.Has("telegram") {
		a.logs.Apply(logConfig(cfg))
	}

	if ch.Has("dispatch") {
		ds, err := cfg.Dispatch.Resolve()
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			for _, p := range a.feeds {
				p.dispatcher.Apply(dispatchSettings(ds))
			}
		}
	}

	if ch.Has("metrics") {
		ms, err := cfg.Metrics.Resolve()
		if err != nil {
			a.log.Warn("invalid metrics config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(ctx, serverConfig(ms))
		}
	}

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
}
