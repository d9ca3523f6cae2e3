package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	logx "dexwatch/pkg/logx"
)

// Source fetches the current item list of one feed. Fetch never fails: any
// transport, status or decode problem is logged and yields an empty list.
type Source interface {
	Fetch(ctx context.Context) []Item
}

const maxBodyBytes = 16 << 20

type SourceConfig struct {
	Name      string
	URL       string
	Format    string // json | rss
	UserAgent string
	Client    *http.Client
}

type HTTPSource struct {
	cfg    SourceConfig
	client *http.Client
	parser *gofeed.Parser
	log    logx.Logger
}

func NewHTTPSource(cfg SourceConfig, log logx.Logger) *HTTPSource {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	return &HTTPSource{
		cfg:    cfg,
		client: client,
		parser: gofeed.NewParser(),
		log:    log.With(logx.String("url", cfg.URL), logx.String("format", cfg.Format)),
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) []Item {
	body, err := s.get(ctx)
	if err != nil {
		s.log.Warn("feed fetch failed", logx.Err(err))
		return nil
	}
	var items []Item
	switch s.cfg.Format {
	case "rss":
		items, err = s.decodeRSS(body)
	default:
		items, err = decodeJSONItems(body, s.log)
	}
	if err != nil {
		s.log.Warn("feed decode failed", logx.Err(err))
		return nil
	}
	return items
}

func (s *HTTPSource) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// decodeJSONItems accepts a top-level array or an object carrying an
// "items" or "data" array. Elements that fail to decode are skipped.
func decodeJSONItems(body []byte, log logx.Logger) ([]Item, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	var raws []json.RawMessage
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
	case '{':
		var wrapper struct {
			Items []json.RawMessage `json:"items"`
			Data  []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, err
		}
		raws = wrapper.Items
		if raws == nil {
			raws = wrapper.Data
		}
		if raws == nil {
			return nil, fmt.Errorf("object body has no items or data array")
		}
	default:
		return nil, fmt.Errorf("body is not json")
	}

	items := make([]Item, 0, len(raws))
	for i, raw := range raws {
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			log.Warn("feed item skipped", logx.Int("index", i), logx.Err(err))
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *HTTPSource) decodeRSS(body []byte) ([]Item, error) {
	parsed, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(parsed.Items))
	for _, fi := range parsed.Items {
		if fi == nil {
			continue
		}
		items = append(items, itemFromRSS(fi))
	}
	return items, nil
}

func itemFromRSS(fi *gofeed.Item) Item {
	id := strings.TrimSpace(fi.GUID)
	if id == "" {
		id = strings.TrimSpace(fi.Link)
	}
	it := Item{
		Name:    strings.TrimSpace(fi.Title),
		Address: id,
	}
	if len(fi.Categories) > 0 {
		it.Ticker = strings.TrimSpace(fi.Categories[0])
	}
	if fi.Link != "" {
		it.Socials = &Socials{Website: fi.Link}
	}
	if fi.Image != nil && fi.Image.URL != "" {
		it.ImageURL = fi.Image.URL
	} else {
		for _, enc := range fi.Enclosures {
			if enc != nil && strings.HasPrefix(enc.Type, "image/") {
				it.ImageURL = enc.URL
				break
			}
		}
	}
	return it
}
