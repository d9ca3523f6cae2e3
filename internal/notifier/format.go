package notifier

import (
	"fmt"
	"strings"

	"dexwatch/internal/feed"
	"dexwatch/pkg/tgmd"
)

const (
	titleImageAdded    = "Image Added"
	titleUpcomingImage = "Upcoming Image"
)

var separator = tgmd.Esc(strings.Repeat("─", 15))

func header(title string) tgmd.M {
	switch title {
	case titleUpcomingImage:
		return "🔵🔵🔵 " + tgmd.B("Info Update") + " 🔵🔵🔵"
	case titleImageAdded:
		return "🟢🟢🟢 " + tgmd.B(titleImageAdded) + " 🟢🟢🟢"
	default:
		return tgmd.B(title)
	}
}

func check(ok feed.Flag) string {
	if ok {
		return "✅"
	}
	return "❌"
}

// FormatMoney renders "$0" for missing values, otherwise two decimals with a
// k/M/B suffix.
func FormatMoney(a feed.Amount) string {
	if !a.Valid {
		return "$0"
	}
	v := a.Value
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.2fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.2fk", v/1e3)
	default:
		return fmt.Sprintf("$%.2f", v)
	}
}

func socialLinks(s *feed.Socials) tgmd.M {
	if s == nil {
		return ""
	}
	var links []tgmd.M
	if s.Website != "" {
		links = append(links, tgmd.Link("Website", s.Website))
	}
	if s.Twitter != "" {
		links = append(links, tgmd.Link("Twitter", s.Twitter))
	}
	if s.Telegram != "" {
		links = append(links, tgmd.Link("Telegram", s.Telegram))
	}
	return tgmd.Join(`   \|   `, links...)
}

// FormatCaption renders the MarkdownV2 caption for one item of a feed titled title.
func FormatCaption(title string, it feed.Item) string {
	var l tgmd.Lines
	l.Add(header(title))
	if it.PumpFun {
		l.Add("🚀🚀🚀  ", tgmd.B("PUMP FUN"), "  🚀🚀🚀")
	}
	l.KV("Name", it.Name).
		KV("Ticker", it.Ticker).
		KV("MC", FormatMoney(it.MarketCap)).
		KV("Liq", FormatMoney(it.Liquidity)).
		Add(tgmd.B("Address:"), " ", tgmd.Code(it.Address)).
		Add(tgmd.Esc("Mint/Freeze Auth Disabled: " + check(it.MintFreeze))).
		Add(tgmd.Esc("Liquidity Burned: " + check(it.LiquidityBurned)))
	if links := socialLinks(it.Socials); links != "" {
		l.Add(links)
	}
	l.Add(separator)
	return l.M().String()
}
