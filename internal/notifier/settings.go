package notifier

import (
	"strings"
	"time"

	kit "dexwatch/internal/transport"
)

// Settings are the hot-reloadable dispatch options.
type Settings struct {
	FallbackImage   string // local path or http(s) URL
	ProbeTimeout    time.Duration
	SendTimeout     time.Duration
	RatePerSec      float64
	GatewayRewrites map[string]string
}

func (s Settings) withDefaults() Settings {
	if s.RatePerSec <= 0 {
		s.RatePerSec = 25
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = 5 * time.Second
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = 20 * time.Second
	}
	return s
}

func (s Settings) FallbackMedia() kit.Media {
	f := strings.TrimSpace(s.FallbackImage)
	if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
		return kit.Media{URL: f}
	}
	return kit.Media{Path: f}
}
