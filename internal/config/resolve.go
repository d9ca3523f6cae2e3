package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"dexwatch/internal/storage"
	"dexwatch/internal/task/scheduler"
)

const (
	DefaultFetchInterval = 10 * time.Second
	DefaultPruneInterval = 5 * time.Minute
	DefaultRetention     = 30 * time.Minute

	DefaultProbeTimeout = 5 * time.Second
	DefaultSendTimeout  = 20 * time.Second
	DefaultRatePerSec   = 25

	DefaultHTTPTimeout = 15 * time.Second
	DefaultUserAgent   = "dexwatch/1.0"

	DefaultFallbackImage   = "./assets/fallback.png"
	DefaultSubscribersPath = "./user_logs.json"
	DefaultMetricsAddr     = "127.0.0.1:9090"
	DefaultMetricsPath     = "/metrics"
)

// FeedSettings is a FeedConfig with defaults applied and durations parsed.
type FeedSettings struct {
	Name         string
	Title        string
	URL          string
	Format       string
	SnapshotPath string

	// FetchSchedule and PruneSchedule are scheduler specs: a duration,
	// "@every 10s", HH:MM or a cron expression. The matching Interval is
	// the period for interval specs and the default period for cron specs;
	// it bounds each run.
	FetchSchedule string
	FetchInterval time.Duration
	PruneSchedule string
	PruneInterval time.Duration
	Retention     time.Duration

	ReannounceAfterExpiry bool
}

// HistoryPaths derives the published and delivered history files from the snapshot path.
func (f FeedSettings) HistoryPaths() (published, delivered string) {
	return storage.HistoryPaths(f.SnapshotPath)
}

// StorageKey identifies this feed's histories in the store.
func (f FeedSettings) StorageKey() storage.FeedKey {
	return storage.FeedKey{Name: f.Name, SnapshotPath: f.SnapshotPath}
}

func (f FeedConfig) Resolve(i int) (FeedSettings, error) {
	prefix := fmt.Sprintf("feeds[%d]", i)
	out := FeedSettings{
		Name:                  strings.TrimSpace(f.Name),
		Title:                 strings.TrimSpace(f.Title),
		URL:                   strings.TrimSpace(f.URL),
		Format:                strings.ToLower(strings.TrimSpace(f.Format)),
		SnapshotPath:          strings.TrimSpace(f.SnapshotPath),
		ReannounceAfterExpiry: f.ReannounceAfterExpiry == nil || *f.ReannounceAfterExpiry,
	}
	if out.Name == "" {
		return out, fmt.Errorf("%s.name is required", prefix)
	}
	if out.Title == "" {
		out.Title = out.Name
	}
	u, err := url.Parse(out.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return out, fmt.Errorf("%s.url must be an absolute http(s) url", prefix)
	}
	switch out.Format {
	case "":
		out.Format = "json"
	case "json", "rss":
	default:
		return out, fmt.Errorf("%s.format: unknown format %q", prefix, f.Format)
	}
	if out.SnapshotPath == "" {
		out.SnapshotPath = filepath.Join(".", "jsons", out.Name+".json")
	}
	if !strings.EqualFold(filepath.Ext(out.SnapshotPath), ".json") {
		return out, fmt.Errorf("%s.snapshot_path must end in .json", prefix)
	}

	if out.FetchSchedule, out.FetchInterval, err = resolveSchedule(prefix+".fetch_interval", f.FetchInterval, DefaultFetchInterval); err != nil {
		return out, err
	}
	if out.PruneSchedule, out.PruneInterval, err = resolveSchedule(prefix+".prune_interval", f.PruneInterval, DefaultPruneInterval); err != nil {
		return out, err
	}
	if out.Retention, err = ParseDurationOrDefault(prefix+".retention", f.Retention, DefaultRetention); err != nil {
		return out, err
	}
	return out, nil
}

// resolveSchedule checks raw with scheduler.ParseSchedule. Empty raw falls
// back to def.
func resolveSchedule(path, raw string, def time.Duration) (string, time.Duration, error) {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return def.String(), def, nil
	}
	ps, err := scheduler.ParseSchedule(spec)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", path, err)
	}
	if ps.Kind == scheduler.SpecInterval {
		return spec, ps.Every, nil
	}
	return spec, def, nil
}

type DispatchSettings struct {
	FallbackImage   string
	ProbeTimeout    time.Duration
	SendTimeout     time.Duration
	RatePerSec      float64
	GatewayRewrites map[string]string
}

func (d DispatchConfig) Resolve() (DispatchSettings, error) {
	out := DispatchSettings{
		FallbackImage: strings.TrimSpace(d.FallbackImage),
		RatePerSec:    d.RatePerSec,
	}
	if out.FallbackImage == "" {
		out.FallbackImage = DefaultFallbackImage
	}
	if out.RatePerSec <= 0 {
		out.RatePerSec = DefaultRatePerSec
	}
	var err error
	if out.ProbeTimeout, err = ParseDurationOrDefault("dispatch.probe_timeout", d.ProbeTimeout, DefaultProbeTimeout); err != nil {
		return out, err
	}
	if out.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, DefaultSendTimeout); err != nil {
		return out, err
	}
	if d.GatewayRewrites == nil {
		out.GatewayRewrites = map[string]string{"gateway.pinata.cloud": "cloudflare-ipfs.com"}
	} else {
		out.GatewayRewrites = make(map[string]string, len(d.GatewayRewrites))
		for from, to := range d.GatewayRewrites {
			from, to = strings.TrimSpace(from), strings.TrimSpace(to)
			if from == "" || to == "" {
				return out, fmt.Errorf("dispatch.gateway_rewrites: empty host in %q -> %q", from, to)
			}
			out.GatewayRewrites[from] = to
		}
	}
	return out, nil
}

type HTTPSettings struct {
	Timeout   time.Duration
	UserAgent string
}

func (h HTTPConfig) Resolve() (HTTPSettings, error) {
	out := HTTPSettings{UserAgent: strings.TrimSpace(h.UserAgent)}
	if out.UserAgent == "" {
		out.UserAgent = DefaultUserAgent
	}
	var err error
	out.Timeout, err = ParseDurationOrDefault("http.timeout", h.Timeout, DefaultHTTPTimeout)
	return out, err
}

type MetricsSettings struct {
	Enabled bool
	Addr    string
	Path    string
	Pprof   bool
	Token   string
}

func (m MetricsConfig) Resolve() (MetricsSettings, error) {
	out := MetricsSettings{
		Enabled: m.Enabled,
		Addr:    strings.TrimSpace(m.Addr),
		Path:    strings.TrimSpace(m.Path),
		Pprof:   m.Pprof,
		Token:   strings.TrimSpace(m.Token),
	}
	if out.Addr == "" {
		out.Addr = DefaultMetricsAddr
	}
	if out.Path == "" {
		out.Path = DefaultMetricsPath
	}
	if !strings.HasPrefix(out.Path, "/") {
		out.Path = "/" + out.Path
	}
	if !out.Enabled {
		return out, nil
	}
	host, _, err := net.SplitHostPort(out.Addr)
	if err != nil {
		return out, fmt.Errorf("metrics.addr: %w", err)
	}
	if !isLoopback(host) && out.Token == "" {
		return out, errors.New("metrics.token is required when metrics.addr is not loopback")
	}
	return out, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s StorageConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d == "" {
		return "file"
	}
	return d
}

func (s SubscribersConfig) FilePath() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	return DefaultSubscribersPath
}

// ResolveFeeds resolves every feed in order.
func (c *Config) ResolveFeeds() ([]FeedSettings, error) {
	out := make([]FeedSettings, 0, len(c.Feeds))
	for i, f := range c.Feeds {
		fs, err := f.Resolve(i)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

// Validate checks everything that can be checked without touching the network.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if c.Logging.Telegram.Enabled && c.Telegram.LogChatID == 0 {
		return errors.New("logging.telegram.enabled requires telegram.log_chat_id")
	}
	switch c.Storage.DriverName() {
	case "file":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if len(c.Feeds) == 0 {
		return errors.New("at least one feed is required")
	}
	feeds, err := c.ResolveFeeds()
	if err != nil {
		return err
	}
	names := map[string]bool{}
	paths := map[string]string{}
	for _, f := range feeds {
		if names[f.Name] {
			return fmt.Errorf("feeds: duplicate name %q", f.Name)
		}
		names[f.Name] = true
		pub, sent := f.HistoryPaths()
		for _, p := range []string{f.SnapshotPath, pub, sent} {
			key := filepath.Clean(p)
			if owner, ok := paths[key]; ok {
				return fmt.Errorf("feeds: %q and %q share file %s", owner, f.Name, p)
			}
			paths[key] = f.Name
		}
	}

	if _, err := c.Dispatch.Resolve(); err != nil {
		return err
	}
	if _, err := c.HTTP.Resolve(); err != nil {
		return err
	}
	if _, err := c.Metrics.Resolve(); err != nil {
		return err
	}
	return nil
}

// StorageSettings maps the storage and subscribers sections onto storage.Config.
func (c *Config) StorageSettings() (storage.Config, error) {
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:          c.Storage.DriverName(),
		Path:            strings.TrimSpace(c.Storage.Path),
		BusyTimeout:     bt,
		SubscribersPath: c.Subscribers.FilePath(),
	}, nil
}
