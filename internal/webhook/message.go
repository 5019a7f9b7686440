package webhook

import (
	"strings"

	"golang.org/x/net/html"
)

// truncationIndicator is appended whenever a message had to be cut to
// fit a destination's ceiling.
const truncationIndicator = "… [truncated]"

// Truncate cuts s to at most limit runes. If a cut happens the result
// ends with the truncation indicator and its total length is exactly
// limit. limit <= 0 means unlimited.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	indicator := []rune(truncationIndicator)
	if limit <= len(indicator) {
		return string(indicator[:limit])
	}
	return string(runes[:limit-len(indicator)]) + truncationIndicator
}

// escapeHTML neutralizes the characters Telegram's HTML parse mode
// treats as markup.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// escapeMarkdown backslash-escapes Discord markdown control characters
// so interpolated content cannot break the message structure.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '`', '*', '_', '~', '|', '>':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// bodyPreview prepares a response body for inclusion in a message.
// HTML documents are reduced to their text content; everything else
// passes through unchanged.
func bodyPreview(body string) string {
	trimmed := strings.TrimSpace(body)
	if !looksLikeHTML(trimmed) {
		return trimmed
	}
	text := htmlToText(trimmed)
	if text == "" {
		return trimmed
	}
	return text
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}

// htmlToText extracts the visible text of an HTML document.
func htmlToText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return b.String()
}
