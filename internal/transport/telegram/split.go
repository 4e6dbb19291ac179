package telegram

import "strings"

const telegramTextLimit = 4000

const (
	preOpen  = "<pre>"
	preClose = "</pre>"
)

// splitTelegramText splits long messages into chunks Telegram accepts. It
// prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
// A <pre> block cut across chunks is closed and reopened at the boundary.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	isHTML := strings.EqualFold(parseMode, "HTML")
	if isHTML && limit > 4*len(preOpen+preClose) {
		limit -= len(preOpen + preClose)
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	inPre := false
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			// newline near the end of the window, but not a tiny chunk
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if isHTML && end < len(rs) {
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
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if isHTML {
			if inPre {
				chunk = preOpen + chunk
			}
			inPre = openPre(chunk)
			if inPre {
				chunk += preClose
			}
		}
		out = append(out, chunk)
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// openPre reports whether chunk ends inside a <pre> element.
func openPre(chunk string) bool {
	open := false
	for {
		i := strings.Index(chunk, "<")
		if i < 0 {
			return open
		}
		chunk = chunk[i:]
		switch {
		case strings.HasPrefix(chunk, preOpen):
			open = true
		case strings.HasPrefix(chunk, preClose):
			open = false
		}
		chunk = chunk[1:]
	}
}
