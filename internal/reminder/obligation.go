package reminder

import (
	"regexp"
	"strings"
	"time"
)

type Kind string

const (
	KindRoutine Kind = "routine"
	KindEvent   Kind = "event"
)

// DefaultLeadTime is how long before an event's start its alert is due.
const DefaultLeadTime = 5 * time.Minute

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// RoutineRecord is a stored routine as read from the data store or the bridge.
// Frequency is kept as metadata only; a routine is due on its stored date.
type RoutineRecord struct {
	ID          string `json:"id"`
	OwnerID     string `json:"user_id,omitempty"`
	Name        string `json:"name"`
	Time        string `json:"time"`
	Date        string `json:"date"`
	Frequency   string `json:"frequency,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// CalendarEventRecord is a synced calendar event.
type CalendarEventRecord struct {
	ID          string `json:"id"`
	OwnerID     string `json:"user_id,omitempty"`
	Title       string `json:"title"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time,omitempty"`
	EventDate   string `json:"event_date,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Batch is one snapshot of an owner's obligation source.
type Batch struct {
	Routines       []RoutineRecord       `json:"routines"`
	CalendarEvents []CalendarEventRecord `json:"calendarEvents"`
}

func (b Batch) Len() int { return len(b.Routines) + len(b.CalendarEvents) }

// Obligation is a read-only projection of a record with its due instant.
type Obligation struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id,omitempty"`
	Kind          Kind      `json:"kind"`
	Title         string    `json:"title"`
	Detail        string    `json:"detail,omitempty"`
	Location      string    `json:"location,omitempty"`
	DueAt         time.Time `json:"due_at"`
	OccurrenceKey string    `json:"occurrence_key"`
}

var (
	hhmm = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	ymd  = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}$`)
)

// ProjectRoutine computes the routine's obligation for its stored date and
// time, in referenceNow's location.
func ProjectRoutine(r RoutineRecord, referenceNow time.Time) (Obligation, error) {
	clock := strings.TrimSpace(r.Time)
	if !hhmm.MatchString(clock) {
		return Obligation{}, ErrInvalidTimeFormat
	}
	day := strings.TrimSpace(r.Date)
	if !ymd.MatchString(day) {
		return Obligation{}, ErrInvalidDateFormat
	}
	loc := locationOf(referenceNow)
	dueAt, err := time.ParseInLocation(dateLayout+" "+timeLayout, day+" "+clock, loc)
	if err != nil {
		// Shape was right but the calendar date does not exist (2024-02-30).
		return Obligation{}, ErrInvalidDateFormat
	}
	return Obligation{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Kind:          KindRoutine,
		Title:         r.Name,
		Detail:        strings.TrimSpace(r.Description),
		Location:      r.Location,
		DueAt:         dueAt,
		OccurrenceKey: "routine-" + r.ID + "-" + dueAt.Format(dateLayout) + "-" + dueAt.Format(timeLayout),
	}, nil
}

// ProjectCalendarEvent computes the alert obligation of an event in the
// host's local time. lead <= 0 selects DefaultLeadTime.
func ProjectCalendarEvent(e CalendarEventRecord, lead time.Duration) (Obligation, error) {
	return ProjectCalendarEventIn(e, lead, time.Local)
}

// ProjectCalendarEventIn is ProjectCalendarEvent with an explicit location for
// zone-less start times.
func ProjectCalendarEventIn(e CalendarEventRecord, lead time.Duration, loc *time.Location) (Obligation, error) {
	if lead <= 0 {
		lead = DefaultLeadTime
	}
	if loc == nil {
		loc = time.Local
	}
	start, err := ParseStartTime(e.StartTime, loc)
	if err != nil {
		return Obligation{}, err
	}
	dueAt := start.Add(-lead)
	return Obligation{
		ID:            e.ID,
		OwnerID:       e.OwnerID,
		Kind:          KindEvent,
		Title:         e.Title,
		Detail:        strings.TrimSpace(e.Description),
		Location:      e.Location,
		DueAt:         dueAt,
		OccurrenceKey: "event-" + e.ID + "-" + dueAt.Format(dateLayout),
	}, nil
}

var startLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	dateLayout,
}

// ParseStartTime accepts RFC 3339 (converted to loc), a zone-less local
// datetime, or an all-day date.
func ParseStartTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTimeFormat
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidTimeFormat
}

// Project converts a whole batch. Records that fail are reported and skipped;
// the rest of the batch is still returned.
func Project(b Batch, now time.Time, lead time.Duration) ([]Obligation, []ProjectionError) {
	out := make([]Obligation, 0, b.Len())
	var bad []ProjectionError
	for _, r := range b.Routines {
		o, err := ProjectRoutine(r, now)
		if err != nil {
			bad = append(bad, ProjectionError{Kind: KindRoutine, ID: r.ID, Err: err})
			continue
		}
		out = append(out, o)
	}
	loc := locationOf(now)
	for _, e := range b.CalendarEvents {
		o, err := ProjectCalendarEventIn(e, lead, loc)
		if err != nil {
			bad = append(bad, ProjectionError{Kind: KindEvent, ID: e.ID, Err: err})
			continue
		}
		out = append(out, o)
	}
	return out, bad
}

func locationOf(t time.Time) *time.Location {
	if loc := t.Location(); loc != nil {
		return loc
	}
	return time.Local
}
