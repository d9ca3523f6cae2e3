package config

import (
	"reflect"
	"strings"

	logx "dexwatch/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// RestartRequired is the subset of Sections that cannot be hot-applied.
	RestartRequired []string
	// Attrs are safe log fields; secrets are reduced to "*_set" booleans.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.LogChatID != newCfg.Telegram.LogChatID {
		// the log chat is hot-applied through logging; token and poll timeout are not.
		restart := oldCfg.Telegram.Token != newCfg.Telegram.Token ||
			strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout)
		mark("telegram", restart,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage.DriverName() != newCfg.Storage.DriverName() ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.DriverName()),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if oldCfg.Subscribers.FilePath() != newCfg.Subscribers.FilePath() {
		mark("subscribers", true, logx.String("subscribers.path", newCfg.Subscribers.FilePath()))
	}

	if !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds) {
		names := make([]string, 0, len(newCfg.Feeds))
		for _, f := range newCfg.Feeds {
			names = append(names, f.Name)
		}
		mark("feeds", true, logx.Int("feeds.count", len(newCfg.Feeds)), logx.Strings("feeds.names", names))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch", false,
			logx.String("dispatch.fallback_image", newCfg.Dispatch.FallbackImage),
			logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.probe_timeout", newCfg.Dispatch.ProbeTimeout),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", true,
			logx.String("http.timeout", newCfg.HTTP.Timeout),
			logx.String("http.user_agent", newCfg.HTTP.UserAgent),
		)
	}

	if oldCfg.Metrics.Enabled != newCfg.Metrics.Enabled ||
		strings.TrimSpace(oldCfg.Metrics.Addr) != strings.TrimSpace(newCfg.Metrics.Addr) ||
		strings.TrimSpace(oldCfg.Metrics.Path) != strings.TrimSpace(newCfg.Metrics.Path) ||
		oldCfg.Metrics.Pprof != newCfg.Metrics.Pprof ||
		oldCfg.Metrics.Token != newCfg.Metrics.Token {
		mark("metrics", false,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}
	return ch
}
