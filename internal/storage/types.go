package storage

import (
	"errors"
	"time"

	"routinely/internal/reminder"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values: "sqlite" (Path), "postgres" (DSN), "" or "none" (disabled).
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

// Routine is a stored routine. Time is HH:MM, Date is YYYY-MM-DD.
type Routine struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"user_id"`
	Name        string    `json:"name"`
	Time        string    `json:"time"`
	Date        string    `json:"date"`
	Frequency   string    `json:"frequency"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r Routine) Record() reminder.RoutineRecord {
	return reminder.RoutineRecord{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Name:        r.Name,
		Time:        r.Time,
		Date:        r.Date,
		Frequency:   r.Frequency,
		Description: r.Description,
		Location:    r.Location,
	}
}

// CalendarEvent is an event synced from a calendar connection. StartTime
// and EndTime are RFC 3339 or, for all-day events, YYYY-MM-DD.
type CalendarEvent struct {
	ID                   string    `json:"id"`
	OwnerID              string    `json:"user_id"`
	CalendarConnectionID string    `json:"calendar_connection_id"`
	ExternalEventID      string    `json:"external_event_id"`
	Title                string    `json:"title"`
	Description          string    `json:"description,omitempty"`
	Location             string    `json:"location,omitempty"`
	StartTime            string    `json:"start_time"`
	EndTime              string    `json:"end_time,omitempty"`
	EventDate            string    `json:"event_date"`
	AllDay               bool      `json:"all_day"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (e CalendarEvent) Record() reminder.CalendarEventRecord {
	return reminder.CalendarEventRecord{
		ID:          e.ID,
		OwnerID:     e.OwnerID,
		Title:       e.Title,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
		EventDate:   e.EventDate,
		Description: e.Description,
		Location:    e.Location,
	}
}

// PushSubscription is a browser push endpoint registered by an owner.
type PushSubscription struct {
	OwnerID   string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is one sink attempt outcome.
type Delivery struct {
	Context  string    `json:"context"`
	Sink     string    `json:"sink"`
	Tag      string    `json:"tag"`
	Kind     string    `json:"kind"`
	ItemID   string    `json:"item_id"`
	OwnerID  string    `json:"owner_id,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}
