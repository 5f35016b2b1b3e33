package calendar

import (
	"errors"
	"testing"
	"time"
)

func errorsIs(err, target error) bool { return errors.Is(err, target) }

func TestNextOccurrence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		ev    Event
		after string
		want  string
		ok    bool
	}{
		{"one-off ahead", ev("2024-03-01T10:00:00", None), "2024-02-01T00:00:00", "2024-03-01T10:00:00", true},
		{"one-off passed", ev("2024-03-01T10:00:00", None), "2024-03-01T10:00:00", "", false},
		{"daily same day later", ev("2024-03-01T10:00:00", Daily), "2024-05-05T08:00:00", "2024-05-05T10:00:00", true},
		{"daily after time", ev("2024-03-01T10:00:00", Daily), "2024-05-05T10:00:00", "2024-05-06T10:00:00", true},
		{"weekly", ev("2024-03-04T09:00:00", Weekly), "2024-03-04T09:00:00", "2024-03-11T09:00:00", true},
		{"weekly before anchor", ev("2024-03-04T09:00:00", Weekly), "2024-02-20T00:00:00", "2024-02-26T09:00:00", true},
		{"monthly skips april", ev("2024-01-31T09:00:00", Monthly), "2024-03-31T10:00:00", "2024-05-31T09:00:00", true},
		{"monthly skips february", ev("2024-01-30T09:00:00", Monthly), "2024-01-30T10:00:00", "2024-03-30T09:00:00", true},
		{"yearly", ev("2024-06-10T09:00:00", Yearly), "2024-06-10T09:00:01", "2025-06-10T09:00:00", true},
		{"yearly leap day", ev("2024-02-29T07:00:00", Yearly), "2024-03-01T00:00:00", "2028-02-29T07:00:00", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NextOccurrence(tc.ev, at(tc.after))
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v (got %s)", ok, tc.ok, got)
			}
			if tc.ok && !got.Equal(at(tc.want)) {
				t.Fatalf("next=%s want %s", got.Format(time.RFC3339), tc.want)
			}
		})
	}
}

func TestNextOccurrenceAgreesWithMatches(t *testing.T) {
	t.Parallel()

	events := []Event{
		ev("2024-01-31T06:15:00", Monthly),
		ev("2024-03-04T09:00:00", Weekly),
		ev("2023-12-25T20:00:00", Yearly),
		ev("2024-03-01T23:30:00", Daily),
	}
	for _, e := range events {
		cur := at("2024-01-01T00:00:00")
		for i := 0; i < 30; i++ {
			next, ok := NextOccurrence(e, cur)
			if !ok {
				t.Fatalf("%s: no occurrence after %s", e.Recurrence, cur)
			}
			if !Matches(e, next) {
				t.Fatalf("%s: next %s does not match", e.Recurrence, next)
			}
			if next.Hour() != e.ScheduledAt.Hour() || next.Minute() != e.ScheduledAt.Minute() {
				t.Fatalf("%s: next %s lost the time of day", e.Recurrence, next)
			}
			if e.Recurrence == Monthly && next.Day() != 31 {
				t.Fatalf("monthly day 31 produced %s", next)
			}
			cur = next
		}
	}
}

func TestAgendaFor(t *testing.T) {
	t.Parallel()

	events := []Event{
		ev("2024-03-04T09:00:00", Weekly),
		ev("2024-03-12T08:00:00", None),
		ev("2024-03-01T12:00:00", Daily),
	}
	from := at("2024-03-11T00:00:00")
	to := at("2024-03-12T23:59:59")
	got := AgendaFor(events, from, to)
	want := []string{
		"2024-03-11T09:00:00",
		"2024-03-11T12:00:00",
		"2024-03-12T08:00:00",
		"2024-03-12T12:00:00",
	}
	if len(got) != len(want) {
		t.Fatalf("agenda has %d entries, want %d", len(got), len(want))
	}
	for i, w := range want {
		if !got[i].At.Equal(at(w)) {
			t.Fatalf("entry %d at %s want %s", i, got[i].At, w)
		}
	}
}
