// Package source adapts the store to reminder.Source.
package source

import (
	"context"
	"fmt"
	"time"

	"routinely/internal/reminder"
	"routinely/internal/storage"
)

// OwnerStore is the store surface Owner reads.
type OwnerStore interface {
	ListRoutines(ctx context.Context, ownerID string) ([]storage.Routine, error)
	ListUpcomingCalendarEvents(ctx context.Context, ownerID, from string) ([]storage.CalendarEvent, error)
}

// SweepStore is the store surface Sweep reads.
type SweepStore interface {
	ListRoutinesOn(ctx context.Context, date string) ([]storage.Routine, error)
	ListCalendarEventsOn(ctx context.Context, dates ...string) ([]storage.CalendarEvent, error)
}

// Owner loads one owner's routines and upcoming events, like the page the
// owner has open.
type Owner struct {
	Store   OwnerStore
	OwnerID string
	Now     func() time.Time
}

func (o Owner) Load(ctx context.Context) (reminder.Batch, error) {
	today := now(o.Now).Format(time.DateOnly)

	routines, err := o.Store.ListRoutines(ctx, o.OwnerID)
	if err != nil {
		return reminder.Batch{}, fmt.Errorf("list routines: %w", err)
	}
	events, err := o.Store.ListUpcomingCalendarEvents(ctx, o.OwnerID, today)
	if err != nil {
		return reminder.Batch{}, fmt.Errorf("list calendar events: %w", err)
	}
	return batch(routines, events), nil
}

// Sweep loads every owner's routines for today and events for today and
// tomorrow; an event just after midnight alerts the day before.
type Sweep struct {
	Store SweepStore
	Now   func() time.Time
}

func (s Sweep) Load(ctx context.Context) (reminder.Batch, error) {
	t := now(s.Now)
	today := t.Format(time.DateOnly)
	tomorrow := t.AddDate(0, 0, 1).Format(time.DateOnly)

	routines, err := s.Store.ListRoutinesOn(ctx, today)
	if err != nil {
		return reminder.Batch{}, fmt.Errorf("list routines: %w", err)
	}
	events, err := s.Store.ListCalendarEventsOn(ctx, today, tomorrow)
	if err != nil {
		return reminder.Batch{}, fmt.Errorf("list calendar events: %w", err)
	}
	return batch(routines, events), nil
}

func batch(routines []storage.Routine, events []storage.CalendarEvent) reminder.Batch {
	b := reminder.Batch{
		Routines:       make([]reminder.RoutineRecord, 0, len(routines)),
		CalendarEvents: make([]reminder.CalendarEventRecord, 0, len(events)),
	}
	for _, r := range routines {
		b.Routines = append(b.Routines, r.Record())
	}
	for _, e := range events {
		b.CalendarEvents = append(b.CalendarEvents, e.Record())
	}
	return b
}

func now(fn func() time.Time) time.Time {
	if fn == nil {
		return time.Now()
	}
	return fn()
}
