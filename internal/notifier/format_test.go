package notifier

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"dexwatch/internal/feed"
)

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		in   feed.Amount
		want string
	}{
		{feed.Amount{}, "$0"},
		{feed.NewAmount(math.NaN()), "$0"},
		{feed.NewAmount(12.5), "$12.50"},
		{feed.NewAmount(1500), "$1.50k"},
		{feed.NewAmount(2_340_000), "$2.34M"},
		{feed.NewAmount(7_100_000_000), "$7.10B"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatMoney(tc.in))
	}
}

func TestFormatCaptionEscapesMarkup(t *testing.T) {
	it := feed.Item{
		Name:      "Doge_2.0 (v*)",
		Ticker:    "D-2",
		Address:   "So1ana`Addr",
		MarketCap: feed.NewAmount(1500),
	}
	got := FormatCaption("Image Added", it)

	assert.True(t, strings.HasPrefix(got, "🟢🟢🟢 *Image Added* 🟢🟢🟢\n"))
	assert.Contains(t, got, `*Name:* Doge\_2\.0 \(v\*\)`)
	assert.Contains(t, got, `*Ticker:* D\-2`)
	assert.Contains(t, got, `*MC:* $1\.50k`)
	assert.Contains(t, got, `*Liq:* $0`)
	assert.Contains(t, got, "*Address:* `So1ana\\`Addr`")
	assert.Contains(t, got, `Mint/Freeze Auth Disabled: ❌`)
	assert.Contains(t, got, `Liquidity Burned: ❌`)
	assert.NotContains(t, got, "PUMP FUN")
	assert.True(t, strings.HasSuffix(got, strings.Repeat("─", 15)))
}

func TestFormatCaptionFlagsAndSocials(t *testing.T) {
	it := feed.Item{
		Name:            "Pumped",
		Ticker:          "PMP",
		Address:         "X",
		PumpFun:         true,
		MintFreeze:      true,
		LiquidityBurned: true,
		Socials:         &feed.Socials{Website: "https://x.io/a_(b)", Telegram: "https://t.me/pmp"},
	}
	got := FormatCaption("Upcoming Image", it)
	lines := strings.Split(got, "\n")

	assert.Equal(t, "🔵🔵🔵 *Info Update* 🔵🔵🔵", lines[0])
	assert.Equal(t, "🚀🚀🚀  *PUMP FUN*  🚀🚀🚀", lines[1])
	assert.Contains(t, got, "Mint/Freeze Auth Disabled: ✅")
	assert.Contains(t, got, "Liquidity Burned: ✅")
	assert.Contains(t, got, `[Website](https://x.io/a_(b\))   \|   [Telegram](https://t.me/pmp)`)
}

func TestFormatCaptionUnknownTitle(t *testing.T) {
	got := FormatCaption("New Pairs!", feed.Item{Name: "n"})
	assert.True(t, strings.HasPrefix(got, `*New Pairs\!*`))
}
