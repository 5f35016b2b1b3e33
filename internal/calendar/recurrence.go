package calendar

import (
	"fmt"
	"strconv"
	"strings"
)

// Recurrence is the repeat rule of an event.
type Recurrence int

const (
	None Recurrence = iota
	Daily
	Weekly
	Monthly
	Yearly
)

var recurrenceNames = [...]string{"none", "daily", "weekly", "monthly", "yearly"}

func (r Recurrence) String() string {
	if r.Valid() {
		return recurrenceNames[r]
	}
	return "recurrence(" + strconv.Itoa(int(r)) + ")"
}

// Title is the display form used in rendered cards.
func (r Recurrence) Title() string {
	if !r.Valid() {
		return r.String()
	}
	s := recurrenceNames[r]
	return strings.ToUpper(s[:1]) + s[1:]
}

func (r Recurrence) Valid() bool { return r >= None && r <= Yearly }

// Recurring reports whether the event is kept after it fires.
func (r Recurrence) Recurring() bool { return r != None }

// ParseRecurrence accepts the rule names (case-insensitive), "once" and the
// numeric forms 0..4.
func ParseRecurrence(s string) (Recurrence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "once", "oneoff", "one-off":
		return None, nil
	case "day", "everyday":
		return Daily, nil
	case "week":
		return Weekly, nil
	case "month":
		return Monthly, nil
	case "year", "annual", "annually":
		return Yearly, nil
	}
	for i, n := range recurrenceNames {
		if s == n {
			return Recurrence(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Recurrence(n).Valid() {
		return Recurrence(n), nil
	}
	return None, fmt.Errorf("unknown recurrence %q", s)
}

func (r Recurrence) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid recurrence %d", int(r))
	}
	return []byte(recurrenceNames[r]), nil
}

func (r *Recurrence) UnmarshalText(b []byte) error {
	v, err := ParseRecurrence(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ICalFreq returns the RRULE FREQ value, empty for one-off events.
func (r Recurrence) ICalFreq() string {
	switch r {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return ""
	}
}
