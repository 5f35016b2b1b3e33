package calendar

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

const (
	icalFloatingLayout = "20060102T150405"

	propChannel = ical.ComponentProperty("X-CALBOT-CHANNEL")
	propThread  = ical.ComponentProperty("X-CALBOT-THREAD")
	propUsers   = ical.ComponentProperty("X-CALBOT-USERS")
	propRoles   = ical.ComponentProperty("X-CALBOT-ROLES")
	propColor   = ical.ComponentProperty("COLOR")
)

// ExportICS renders events as an iCalendar document. Start times are written
// as floating local times to keep wall-clock semantics.
func ExportICS(events []Event, prodID string) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	if prodID != "" {
		cal.SetProductId(prodID)
	}
	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		if !ev.CreatedAt.IsZero() {
			ve.SetCreatedTime(ev.CreatedAt)
			ve.SetDtStampTime(ev.CreatedAt)
		}
		ve.SetProperty(ical.ComponentPropertyDtStart, ev.ScheduledAt.Format(icalFloatingLayout))
		ve.SetSummary(ev.Name)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if freq := ev.Recurrence.ICalFreq(); freq != "" {
			ve.SetProperty(ical.ComponentPropertyRrule, "FREQ="+freq)
		}
		if ev.Color != "" {
			ve.SetProperty(propColor, ev.Color)
		}
		ve.SetProperty(propChannel, strconv.FormatInt(ev.ChannelID, 10))
		if ev.ThreadID != 0 {
			ve.SetProperty(propThread, strconv.Itoa(ev.ThreadID))
		}
		if len(ev.RecipientUsers) > 0 {
			ve.SetProperty(propUsers, joinIDs(ev.RecipientUsers))
		}
		if len(ev.RecipientRoles) > 0 {
			ve.SetProperty(propRoles, joinIDs(ev.RecipientRoles))
		}
	}
	return cal.Serialize()
}

// ImportICS reads VEVENTs into events. Fields missing from the document
// (owner, group, channel) are taken from defaults. Only plain FREQ rules
// without modifiers are accepted.
func ImportICS(r io.Reader, defaults Event, loc *time.Location) ([]Event, error) {
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}
	var (
		out  []Event
		errs []error
	)
	for i, ve := range cal.Events() {
		ev, err := fromVEvent(ve, defaults, loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("vevent %d: %w", i, err))
			continue
		}
		out = append(out, ev)
	}
	return out, errors.Join(errs...)
}

func fromVEvent(ve *ical.VEvent, defaults Event, loc *time.Location) (Event, error) {
	ev := defaults.Clone()
	ev.ID = ""
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.ID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Name = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = unescapeText(p.Value)
	}
	start, err := startOf(ve, loc)
	if err != nil {
		return Event{}, err
	}
	ev.ScheduledAt = start

	ev.Recurrence = None
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rec, err := recurrenceFromRRule(p.Value)
		if err != nil {
			return Event{}, err
		}
		ev.Recurrence = rec
	}
	if p := ve.GetProperty(propColor); p != nil && colorRe.MatchString(p.Value) {
		ev.Color = p.Value
	}
	if p := ve.GetProperty(propChannel); p != nil {
		if id, err := strconv.ParseInt(strings.TrimSpace(p.Value), 10, 64); err == nil && id != 0 {
			ev.ChannelID = id
		}
	}
	if p := ve.GetProperty(propThread); p != nil {
		if id, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			ev.ThreadID = id
		}
	}
	if p := ve.GetProperty(propUsers); p != nil {
		ids, err := ParseIDs(p.Value)
		if err != nil {
			return Event{}, fmt.Errorf("users: %w", err)
		}
		ev.RecipientUsers = ids
	}
	if p := ve.GetProperty(propRoles); p != nil {
		ids, err := ParseIDs(p.Value)
		if err != nil {
			return Event{}, fmt.Errorf("roles: %w", err)
		}
		ev.RecipientRoles = ids
	}
	return ev, ev.Validate()
}

func startOf(ve *ical.VEvent, loc *time.Location) (time.Time, error) {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return time.Time{}, errors.New("missing DTSTART")
	}
	v := strings.TrimSpace(p.Value)
	_, hasTZ := p.ICalParameters["TZID"]
	if strings.HasSuffix(v, "Z") || hasTZ {
		t, err := ve.GetStartAt()
		if err != nil {
			return time.Time{}, fmt.Errorf("DTSTART: %w", err)
		}
		return t.In(loc), nil
	}
	for _, layout := range []string{icalFloatingLayout, "20060102T1504", "20060102"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported DTSTART %q", v)
}

func recurrenceFromRRule(s string) (Recurrence, error) {
	var freq string
	for _, part := range strings.Split(strings.TrimSpace(s), ";") {
		k, v, _ := strings.Cut(part, "=")
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "FREQ":
			freq = strings.ToUpper(strings.TrimSpace(v))
		case "INTERVAL":
			if strings.TrimSpace(v) != "1" {
				return None, fmt.Errorf("unsupported RRULE %q", s)
			}
		case "WKST", "":
		default:
			return None, fmt.Errorf("unsupported RRULE %q", s)
		}
	}
	for _, r := range []Recurrence{Daily, Weekly, Monthly, Yearly} {
		if r.ICalFreq() == freq {
			return r, nil
		}
	}
	return None, fmt.Errorf("unsupported RRULE %q", s)
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\,`, ",", `\;`, ";", `\n`, "\n", `\N`, "\n")

func unescapeText(s string) string { return textUnescaper.Replace(s) }

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// ParseIDs parses a comma or space separated list of numeric IDs.
func ParseIDs(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", f)
		}
		out = append(out, id)
	}
	return out, nil
}
