package notifier

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

// MediaResolver turns an item's image URL into something Telegram can fetch,
// falling back to a local asset when the URL is missing or unreachable.
type MediaResolver struct {
	client    *http.Client
	userAgent string
	log       logx.Logger
}

func NewMediaResolver(client *http.Client, userAgent string, log logx.Logger) *MediaResolver {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MediaResolver{client: client, userAgent: userAgent, log: log}
}

// RewriteGateway replaces a known slow host with its configured mirror.
// Only the host is rewritten; the path is kept.
func RewriteGateway(raw string, rewrites map[string]string) string {
	if raw == "" || len(rewrites) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if to, ok := rewrites[strings.ToLower(u.Hostname())]; ok {
		if port := u.Port(); port != "" {
			to = to + ":" + port
		}
		u.Host = to
		return u.String()
	}
	return raw
}

// Probe reports whether a HEAD request to raw succeeds with a 2xx status.
func (r *MediaResolver) Probe(ctx context.Context, raw string, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		return false
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("media probe failed", logx.String("url", raw), logx.Err(err))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.log.Debug("media probe rejected", logx.String("url", raw), logx.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// Resolve returns the media to send and whether it is the fallback asset.
func (r *MediaResolver) Resolve(ctx context.Context, raw string, s Settings) (kit.Media, bool) {
	fallback := s.FallbackMedia()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, true
	}
	target := RewriteGateway(raw, s.GatewayRewrites)
	if !r.Probe(ctx, target, s.ProbeTimeout) {
		return fallback, true
	}
	return kit.Media{URL: target}, false
}
