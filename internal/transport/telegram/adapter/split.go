package adapter

import "strings"

// splitTelegramText cuts s into chunks of at most limit runes, preferring
// newline boundaries. MarkdownV2 chunks never end on a dangling escape and
// HTML chunks never end inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if end < len(rs) {
			switch {
			case strings.EqualFold(parseMode, "HTML"):
				lastOpen, lastClose := -1, -1
				for i := start; i < end; i++ {
					switch rs[i] {
					case '<':
						lastOpen = i
					case '>':
						lastClose = i
					}
				}
				if lastOpen > lastClose && lastOpen > start+1 {
					end = lastOpen
				}
			case strings.EqualFold(parseMode, "MarkdownV2"):
				// An odd run of trailing backslashes would escape the next chunk's first rune.
				n := 0
				for i := end - 1; i >= start && rs[i] == '\\'; i-- {
					n++
				}
				if n%2 == 1 && end-1 > start {
					end--
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
