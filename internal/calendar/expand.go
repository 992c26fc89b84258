package calendar

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

const maxOccurrencesPerEvent = 1000

// Occurrence is one concrete instance of an Event.
type Occurrence struct {
	UID         string
	InstanceKey string // UID for single events, UID@start for recurring instances
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// Expand returns the occurrences of events that start within [from, to],
// converted to loc and sorted by start. Overrides (RECURRENCE-ID) replace
// the instance they point at.
func Expand(events []Event, from, to time.Time, loc *time.Location) ([]Occurrence, error) {
	if to.Before(from) {
		return nil, errors.New("expand: window end is before start")
	}
	if loc == nil {
		loc = time.Local
	}

	overrides := map[string][]Event{}
	var bases []Event
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	var out []Occurrence
	for _, ev := range bases {
		if ev.RRule == "" {
			if !ev.Start.Before(from) && !ev.Start.After(to) {
				out = append(out, occurrence(ev, ev.Start, ev.End, ev.UID, loc))
			}
			continue
		}
		occ, err := expandRecurring(ev, overrides[ev.UID], from, to, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].InstanceKey < out[j].InstanceKey
	})
	return out, nil
}

func expandRecurring(ev Event, overrides []Event, from, to time.Time, loc *time.Location) ([]Occurrence, error) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, errors.Join(errors.New("expand: bad RRULE for "+ev.UID), err)
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	starts := set.Between(from.In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(starts))
	for _, s := range starts {
		key := ev.UID + "@" + s.UTC().Format("20060102T150405Z")
		inst, start, end := ev, s, s.Add(dur)
		for _, o := range overrides {
			if o.RecurrenceID.Equal(s) {
				inst, start, end = o, o.Start, o.End
				break
			}
		}
		out = append(out, occurrence(inst, start, end, key, loc))
	}
	return out, nil
}

func occurrence(ev Event, start, end time.Time, key string, loc *time.Location) Occurrence {
	o := Occurrence{
		UID:         ev.UID,
		InstanceKey: key,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
	if !ev.AllDay {
		o.Start, o.End = start.In(loc), end.In(loc)
	}
	return o
}
