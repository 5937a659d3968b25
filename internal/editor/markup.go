package editor

import (
	"html"
	"strings"
)

// StripMarkup reduces rendered heading markup to plain text. Desktop strips
// tags from edit summaries; the section line prefix must match that.
func StripMarkup(markup string) string {
	var b strings.Builder
	inTag := false
	for _, r := range markup {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}

// InertLinks disarms anchors in a rendered preview so a tap cannot navigate
// away from unsaved text. The href moves to data-href; the shell may still
// let the user long-press through.
func InertLinks(body string) string {
	var b strings.Builder
	i := 0
	for i < len(body) {
		if isAnchorOpen(body, i) {
			end := strings.IndexByte(body[i:], '>')
			if end < 0 {
				b.WriteString(body[i:])
				break
			}
			tag := body[i : i+end+1]
			b.WriteString(strings.ReplaceAll(tag, "href=", "data-href="))
			i += end + 1
			continue
		}
		b.WriteByte(body[i])
		i++
	}
	return b.String()
}

func isAnchorOpen(body string, i int) bool {
	if i+1 >= len(body) || body[i] != '<' {
		return false
	}
	if body[i+1] != 'a' && body[i+1] != 'A' {
		return false
	}
	if i+2 == len(body) {
		return false
	}
	next := body[i+2]
	return next == ' ' || next == '\t' || next == '\n' || next == '>'
}
