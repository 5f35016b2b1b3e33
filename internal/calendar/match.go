package calendar

import "time"

// Matches reports whether ev occurs on the calendar date of target. Only the
// date fields are compared; the time of day is ignored.
//
// Monthly events anchored on a day a month does not have (29..31) do not
// occur in that month.
func Matches(ev Event, target time.Time) bool {
	a := ev.ScheduledAt
	switch ev.Recurrence {
	case None:
		ay, am, ad := a.Date()
		ty, tm, td := target.Date()
		return ay == ty && am == tm && ad == td
	case Daily:
		return true
	case Weekly:
		return a.Weekday() == target.Weekday()
	case Monthly:
		return a.Day() == target.Day()
	case Yearly:
		return a.Day() == target.Day() && a.Month() == target.Month()
	default:
		return false
	}
}

// timeOfDay returns the wall-clock offset from midnight.
func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}

// CandidateTime is the occurrence of ev considered at now: the anchor for
// one-off events, otherwise now's date at the anchor's time of day.
func CandidateTime(ev Event, now time.Time) time.Time {
	day := now
	if ev.Recurrence == None {
		day = ev.ScheduledAt
	}
	y, m, d := day.Date()
	a := ev.ScheduledAt
	return time.Date(y, m, d, a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), now.Location())
}

// IsDue reports whether ev is due at now. The window
// [candidate-lookahead, candidate+lookahead] includes both bounds.
func IsDue(ev Event, now time.Time, lookahead time.Duration) bool {
	if ev.Quarantined() || !Matches(ev, now) {
		return false
	}
	if lookahead < 0 {
		lookahead = -lookahead
	}
	diff := timeOfDay(now) - timeOfDay(ev.ScheduledAt)
	return diff >= -lookahead && diff <= lookahead
}

// SelectDue returns the subset of events due at now. It has no side
// effects; the same input always yields the same output in the same order.
func SelectDue(events []Event, now time.Time, lookahead time.Duration) []Event {
	var out []Event
	for _, ev := range events {
		if IsDue(ev, now, lookahead) {
			out = append(out, ev)
		}
	}
	return out
}
