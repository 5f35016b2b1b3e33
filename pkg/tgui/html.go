package tgui

import (
	"fmt"
	"html"
	"strings"
)

// ParseMode is the Telegram parse mode the helpers produce.
const ParseMode = "HTML"

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H should be treated as already-escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML.
// Use sparingly.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H     { return wrap("b", Esc(s)) }
func I(s string) H     { return wrap("i", Esc(s)) }
func Code(s string) H  { return wrap("code", Esc(s)) }
func Quote(s string) H { return wrap("blockquote", Esc(s)) }

// Pre renders a preformatted block.
func Pre(s string) H {
	return H("<pre><code>" + html.EscapeString(s) + "</code></pre>")
}

// Link builds an HTML link.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Mention links to a Telegram user ID.
func Mention(name string, userID int64) H {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("user %d", userID)
	}
	return Link(name, fmt.Sprintf("tg://user?id=%d", userID))
}

// JoinH joins non-empty safe HTML parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}

// Card renders a titled block of "label: value" lines.
type Card struct {
	title H
	lines []H
}

func NewCard(title H) *Card { return &Card{title: title} }

// Field adds a line with an escaped value. Empty values render as dash.
func (c *Card) Field(label, value string) *Card {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	return c.FieldH(label, Esc(value))
}

// FieldH adds a line with a pre-rendered value.
func (c *Card) FieldH(label string, value H) *Card {
	c.lines = append(c.lines, B(label+":")+" "+value)
	return c
}

// Line adds a free-form line.
func (c *Card) Line(h H) *Card {
	c.lines = append(c.lines, h)
	return c
}

func (c *Card) HTML() H {
	var b strings.Builder
	if c.title != "" {
		b.WriteString(c.title.String())
	}
	for _, l := range c.lines {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(l.String())
	}
	return H(b.String())
}
