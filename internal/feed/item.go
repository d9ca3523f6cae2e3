package feed

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"dexwatch/internal/storage"
)

// Amount is a lenient numeric field: a JSON number, a numeric string or null.
type Amount struct {
	Value float64
	Valid bool
}

func NewAmount(v float64) Amount { return Amount{Value: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)} }

func (a *Amount) UnmarshalJSON(b []byte) error {
	*a = Amount{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*a = NewAmount(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*a = NewAmount(f)
		}
	}
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(a.Value)
}

// Flag is a lenient boolean: true, "true", "yes" and "1" are set; anything else is not.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*f = Flag(v)
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			*f = true
		default:
			*f = false
		}
	case float64:
		*f = v != 0
	default:
		*f = false
	}
	return nil
}

type Socials struct {
	Website  string `json:"website,omitempty"`
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
}

// Item is one listing as served by a feed.
type Item struct {
	Name            string   `json:"tokenName"`
	Ticker          string   `json:"tokenTicker"`
	Address         string   `json:"tokenAddress"`
	MarketCap       Amount   `json:"marketCap"`
	Liquidity       Amount   `json:"totalLiquidity"`
	PumpFun         Flag     `json:"pumpFun"`
	MintFreeze      Flag     `json:"mintFreeze"`
	LiquidityBurned Flag     `json:"liquidity_burned"`
	Socials         *Socials `json:"socials,omitempty"`
	ImageURL        string   `json:"img_url"`
}

// ID is the deduplication key.
func (i Item) ID() string { return strings.TrimSpace(i.Address) }

// Release is the projection recorded in the published history.
func (i Item) Release() storage.Release {
	return storage.Release{Name: i.Name, Ticker: i.Ticker, Address: i.Address, ImageURL: i.ImageURL}
}

// Entry is an admitted item. It serializes as the item fields plus
// "timestamp" in unix milliseconds.
type Entry struct {
	Item
	FirstSeenAt time.Time
}

type entryJSON struct {
	Item
	Timestamp int64 `json:"timestamp"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{Item: e.Item, Timestamp: e.FirstSeenAt.UnixMilli()})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var v entryJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = Entry{Item: v.Item, FirstSeenAt: time.UnixMilli(v.Timestamp)}
	return nil
}
