package config

// Config is the on-disk configuration. JSON is canonical; YAML and TOML files
// are coerced to JSON before the strict decode.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Subscribers SubscribersConfig `json:"subscribers"`
	Feeds       []FeedConfig      `json:"feeds"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	HTTP        HTTPConfig        `json:"http"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChatID receives log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the history backend.
//
//	"storage": { "driver": "file" }
//	"storage": { "driver": "sqlite", "path": "./dexwatch.db" }
//
// The file driver keeps every history next to its feed snapshot; Path is
// only used by sqlite.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SubscribersConfig struct {
	// Path of the {userIds, chatIds} file used by the file driver.
	Path string `json:"path,omitempty"`
}

// FeedConfig describes one watched endpoint.
type FeedConfig struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Format       string `json:"format,omitempty"` // json (default) | rss
	SnapshotPath string `json:"snapshot_path"`

	FetchInterval string `json:"fetch_interval,omitempty"`
	PruneInterval string `json:"prune_interval,omitempty"`
	Retention     string `json:"retention,omitempty"`

	// ReannounceAfterExpiry lets an identifier be published again once it
	// left the window. Omitted means true.
	ReannounceAfterExpiry *bool `json:"reannounce_after_expiry,omitempty"`
}

type DispatchConfig struct {
	FallbackImage string  `json:"fallback_image,omitempty"`
	ProbeTimeout  string  `json:"probe_timeout,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	// GatewayRewrites maps slow media hosts to faster mirrors.
	GatewayRewrites map[string]string `json:"gateway_rewrites,omitempty"`
}

type HTTPConfig struct {
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// MetricsConfig controls the debug HTTP server (prometheus + optional pprof).
//
// Prefer a loopback address; non-loopback binds require a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Path    string `json:"path,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"`
}
