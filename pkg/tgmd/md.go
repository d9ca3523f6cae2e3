package tgmd

import "strings"

// M is MarkdownV2 text that is safe to send as-is.
type M string

func (m M) String() string { return string(m) }

const special = "_*[]()~`>#+-=|{}.!\\"

var (
	escaper     = newEscaper(special)
	codeEscaper = strings.NewReplacer("\\", "\\\\", "`", "\\`")
	urlEscaper  = strings.NewReplacer("\\", "\\\\", ")", "\\)")
)

func newEscaper(chars string) *strings.Replacer {
	pairs := make([]string, 0, 2*len(chars))
	for _, c := range chars {
		pairs = append(pairs, string(c), "\\"+string(c))
	}
	return strings.NewReplacer(pairs...)
}

// Esc escapes every MarkdownV2 metacharacter in s.
func Esc(s string) M { return M(escaper.Replace(s)) }

func B(s string) M { return "*" + Esc(s) + "*" }

// Code renders inline code; only ` and \ need escaping inside it.
func Code(s string) M { return M("`" + codeEscaper.Replace(s) + "`") }

// Link renders [text](url). Inside the URL part only ) and \ are escaped.
func Link(text, url string) M {
	return M("[" + string(Esc(text)) + "](" + urlEscaper.Replace(url) + ")")
}

// Join joins non-blank parts with sep.
func Join(sep M, parts ...M) M {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		ss = append(ss, string(p))
	}
	return M(strings.Join(ss, string(sep)))
}

// Lines accumulates MarkdownV2 lines.
type Lines struct {
	lines []string
}

func (l *Lines) Add(parts ...M) *Lines {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(string(p))
	}
	l.lines = append(l.lines, b.String())
	return l
}

// KV adds a "*key:* value" line with value escaped.
func (l *Lines) KV(key, value string) *Lines {
	return l.Add(B(key+":"), " ", Esc(value))
}

func (l *Lines) M() M { return M(strings.Join(l.lines, "\n")) }
