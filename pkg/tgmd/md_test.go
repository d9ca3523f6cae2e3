package tgmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscEscapesEveryMetacharacter(t *testing.T) {
	t.Parallel()
	in := "_*[]()~`>#+-=|{}.!\\"
	want := `\_\*\[\]\(\)\~\` + "`" + `\>\#\+\-\=\|\{\}\.\!\\`
	assert.Equal(t, M(want), Esc(in))
	assert.Equal(t, M("plain text"), Esc("plain text"))
	assert.Equal(t, M(`$1\.50k`), Esc("$1.50k"))
}

func TestHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, M(`*Name:*`), B("Name:"))
	assert.Equal(t, M("`a\\`b`"), Code("a`b"))
	assert.Equal(t, M(`[Web\.site](https://x.io/a\)b)`), Link("Web.site", "https://x.io/a)b"))
	assert.Equal(t, M("a | b"), Join(" | ", "a", "", " ", "b"))
}

func TestLines(t *testing.T) {
	t.Parallel()
	var l Lines
	l.Add(B("Header")).KV("Ticker", "FOO.X")
	assert.Equal(t, M("*Header*\n*Ticker:* FOO\\.X"), l.M())
}
