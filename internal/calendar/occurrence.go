package calendar

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// ruleFrom builds a rule equivalent to Matches for a recurring event,
// starting no later than from. The anchor only fixes the pattern, so
// occurrences before the anchor date exist exactly as Matches reports them.
func ruleFrom(ev Event, from time.Time) (*rrule.RRule, error) {
	a := ev.ScheduledAt
	loc := from.Location()
	opt := rrule.ROption{
		Byhour:   []int{a.Hour()},
		Byminute: []int{a.Minute()},
		Bysecond: []int{a.Second()},
	}
	y, m, d := from.Date()
	switch ev.Recurrence {
	case Daily:
		opt.Freq = rrule.DAILY
		opt.Dtstart = time.Date(y, m, d-1, 0, 0, 0, 0, loc)
	case Weekly:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[a.Weekday()]}
		opt.Dtstart = time.Date(y, m, d-7, 0, 0, 0, 0, loc)
	case Monthly:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{a.Day()}
		opt.Dtstart = time.Date(y, m-1, 1, 0, 0, 0, 0, loc)
	case Yearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(a.Month())}
		opt.Bymonthday = []int{a.Day()}
		// Feb 29 needs a leap year within the search horizon.
		opt.Dtstart = time.Date(y-1, time.January, 1, 0, 0, 0, 0, loc)
	}
	return rrule.NewRRule(opt)
}

// NextOccurrence returns the first occurrence of ev strictly after after.
// One-off events have a single occurrence, their anchor.
func NextOccurrence(ev Event, after time.Time) (time.Time, bool) {
	if ev.Recurrence == None {
		if ev.ScheduledAt.After(after) {
			return ev.ScheduledAt, true
		}
		return time.Time{}, false
	}
	r, err := ruleFrom(ev, after)
	if err != nil {
		return time.Time{}, false
	}
	next := r.After(after, false)
	return next, !next.IsZero()
}

// Occurrences lists the occurrences of ev within [from, to].
func Occurrences(ev Event, from, to time.Time) []time.Time {
	if to.Before(from) {
		return nil
	}
	if ev.Recurrence == None {
		at := ev.ScheduledAt
		if !at.Before(from) && !at.After(to) {
			return []time.Time{at}
		}
		return nil
	}
	r, err := ruleFrom(ev, from)
	if err != nil {
		return nil
	}
	return r.Between(from, to, true)
}

// Agenda is one occurrence of an event.
type Agenda struct {
	At    time.Time
	Event Event
}

// AgendaFor expands events into their occurrences within [from, to],
// ordered by time.
func AgendaFor(events []Event, from, to time.Time) []Agenda {
	var out []Agenda
	for _, ev := range events {
		for _, at := range Occurrences(ev, from, to) {
			out = append(out, Agenda{At: at, Event: ev})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
