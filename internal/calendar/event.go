package calendar

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is a persisted calendar entry.
//
// ScheduledAt is the anchor occurrence. Recurring events are never advanced;
// every tick re-derives matches from the anchor and the recurrence.
type Event struct {
	ID        string `json:"id"`
	OwnerID   int64  `json:"owner_id"`
	GroupID   int64  `json:"group_id"`
	ChannelID int64  `json:"channel_id"`
	ThreadID  int    `json:"thread_id,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ScheduledAt time.Time `json:"scheduled_at"`

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// nil means no explicit recipients.
	RecipientUsers []int64 `json:"recipient_users,omitempty"`
	RecipientRoles []int64 `json:"recipient_roles,omitempty"`

	Recurrence Recurrence `json:"recurrence"`
	Color      string     `json:"color,omitempty"`

	// QuarantinedAt is set when a one-off event could not reach its
	// destination and the quarantine policy kept it. Quarantined events are
	// never selected as due.
	QuarantinedAt *time.Time `json:"quarantined_at,omitempty"`
}

func (e Event) Quarantined() bool { return e.QuarantinedAt != nil }

// HasRecipients reports whether either recipient list carries an ID.
func (e Event) HasRecipients() bool {
	return len(e.RecipientUsers) > 0 || len(e.RecipientRoles) > 0
}

// Clone returns a copy that shares no slices with e.
func (e Event) Clone() Event {
	cp := e
	if e.RecipientUsers != nil {
		cp.RecipientUsers = append([]int64{}, e.RecipientUsers...)
	}
	if e.RecipientRoles != nil {
		cp.RecipientRoles = append([]int64{}, e.RecipientRoles...)
	}
	if e.QuarantinedAt != nil {
		t := *e.QuarantinedAt
		cp.QuarantinedAt = &t
	}
	return cp
}

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Validate checks the fields the scheduler depends on.
func (e Event) Validate() error {
	var errs []error
	if strings.TrimSpace(e.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if e.ScheduledAt.IsZero() {
		errs = append(errs, errors.New("scheduled_at is required"))
	}
	if !e.Recurrence.Valid() {
		errs = append(errs, fmt.Errorf("recurrence %d out of range", int(e.Recurrence)))
	}
	if e.ChannelID == 0 {
		errs = append(errs, errors.New("channel_id is required"))
	}
	if e.ThreadID < 0 {
		errs = append(errs, errors.New("thread_id must be >= 0"))
	}
	for _, id := range e.RecipientUsers {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("invalid recipient user %d", id))
		}
	}
	for _, id := range e.RecipientRoles {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("invalid recipient role %d", id))
		}
	}
	if e.Color != "" && !colorRe.MatchString(e.Color) {
		errs = append(errs, fmt.Errorf("color %q must be #RRGGBB", e.Color))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidEvent, errors.Join(errs...))
}

// WallLayout is the storage form of wall-clock times.
const WallLayout = "2006-01-02 15:04:05"

// FormatWall renders t's wall-clock fields without zone information.
func FormatWall(t time.Time) string { return t.Format(WallLayout) }

// ParseWall reads a FormatWall value in loc. A nil loc means time.Local.
func ParseWall(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(WallLayout, strings.TrimSpace(s), loc)
}

// Filter returns the events for which keep reports true.
func Filter(events []Event, keep func(Event) bool) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// InGroup matches events created in the given group.
func InGroup(groupID int64) func(Event) bool {
	return func(ev Event) bool { return ev.GroupID == groupID }
}

// ByNamePrefix matches names starting with prefix, ignoring case.
func ByNamePrefix(prefix string) func(Event) bool {
	p := strings.ToLower(strings.TrimSpace(prefix))
	return func(ev Event) bool { return strings.HasPrefix(strings.ToLower(ev.Name), p) }
}

// OnDate matches events whose recurrence occurs on day.
func OnDate(day time.Time) func(Event) bool {
	return func(ev Event) bool { return Matches(ev, day) }
}
