package notifier

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"calbot/internal/calendar"
	"calbot/pkg/tgui"
)

// Role is a named group of Telegram users from the role directory.
type Role struct {
	Name    string
	Members []int64
}

type RenderOptions struct {
	DateFormat   string
	TimeFormat   string
	DefaultColor string
	Roles        map[int64]Role
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.DateFormat == "" {
		o.DateFormat = "Mon, 02 Jan 2006"
	}
	if o.TimeFormat == "" {
		o.TimeFormat = "15:04"
	}
	return o
}

// Rendered is the payload of one notification.
type Rendered struct {
	// Mentions is empty when the event names no recipients.
	Mentions tgui.H
	Body     tgui.H
}

// Text joins the mention line and the card into one HTML message.
func (r Rendered) Text() string {
	return tgui.JoinH("\n\n", r.Mentions, r.Body).String()
}

// MaxMessageRunes is the longest notification the sink delivers as a
// single message.
const MaxMessageRunes = 4000

// MessageText renders ev as one message of at most MaxMessageRunes runes.
// An oversized description is cut first, then the name. Cutting happens
// before escaping so the markup stays balanced.
func MessageText(ev calendar.Event, opt RenderOptions) string {
	text := Render(ev, opt).Text()
	for _, field := range []*string{&ev.Description, &ev.Name} {
		for over := utf8.RuneCountInString(text) - MaxMessageRunes; over > 0; over = utf8.RuneCountInString(text) - MaxMessageRunes {
			rs := []rune(*field)
			if len(rs) <= 1 {
				*field = ""
				text = Render(ev, opt).Text()
				break
			}
			*field = string(rs[:max(len(rs)-over-1, 0)]) + "…"
			text = Render(ev, opt).Text()
		}
	}
	return text
}

// Render builds the notification for ev. It does no I/O.
func Render(ev calendar.Event, opt RenderOptions) Rendered {
	opt = opt.withDefaults()

	var mentions []tgui.H
	for _, id := range ev.RecipientRoles {
		mentions = append(mentions, roleMention(id, opt.Roles))
	}
	for _, id := range ev.RecipientUsers {
		mentions = append(mentions, tgui.Mention("", id))
	}

	color := ev.Color
	if color == "" {
		color = opt.DefaultColor
	}
	title := tgui.B("🔔 " + ev.Name)
	if color != "" {
		title = tgui.JoinH(" ", title, tgui.Code(color))
	}

	card := tgui.NewCard(title).
		Field("Description", ev.Description).
		Field("Recurrence", ev.Recurrence.Title()).
		Field("Date", ev.ScheduledAt.Format(opt.DateFormat)).
		Field("Time", ev.ScheduledAt.Format(opt.TimeFormat)).
		Field("Created", ev.CreatedAt.Format(opt.DateFormat+" "+opt.TimeFormat)).
		Field("Roles", roleNames(ev.RecipientRoles, opt.Roles))
	if len(ev.RecipientUsers) > 0 {
		users := make([]tgui.H, 0, len(ev.RecipientUsers))
		for _, id := range ev.RecipientUsers {
			users = append(users, tgui.Mention("", id))
		}
		card.FieldH("Users", tgui.JoinH(", ", users...))
	} else {
		card.Field("Users", "")
	}

	return Rendered{Mentions: tgui.JoinH(" ", mentions...), Body: card.HTML()}
}

// roleMention renders "@name" followed by the member mentions.
func roleMention(id int64, roles map[int64]Role) tgui.H {
	r, ok := roles[id]
	if !ok {
		return tgui.B(fmt.Sprintf("@role%d", id))
	}
	parts := []tgui.H{tgui.B("@" + r.Name)}
	for _, m := range r.Members {
		parts = append(parts, tgui.Mention("", m))
	}
	return tgui.JoinH(" ", parts...)
}

func roleNames(ids []int64, roles map[int64]Role) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if r, ok := roles[id]; ok {
			names = append(names, "@"+r.Name)
		} else {
			names = append(names, fmt.Sprintf("@role%d", id))
		}
	}
	return strings.Join(names, ", ")
}
