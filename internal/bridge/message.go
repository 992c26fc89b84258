package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"routinely/internal/reminder"
)

const TypeScheduleNotifications = "SCHEDULE_NOTIFICATIONS"

var ErrClosed = errors.New("bridge: closed")

// Message replaces the receiver's schedule for OwnerID.
type Message struct {
	ID             string                         `json:"id"`
	Type           string                         `json:"type"`
	OwnerID        string                         `json:"owner_id"`
	Routines       []reminder.RoutineRecord       `json:"routines"`
	CalendarEvents []reminder.CalendarEventRecord `json:"calendarEvents"`
	SentAt         time.Time                      `json:"sent_at"`
}

func NewScheduleMessage(ownerID string, b reminder.Batch, now time.Time) Message {
	return Message{
		ID:             uuid.NewString(),
		Type:           TypeScheduleNotifications,
		OwnerID:        ownerID,
		Routines:       b.Routines,
		CalendarEvents: b.CalendarEvents,
		SentAt:         now,
	}
}

func (m Message) Validate() error {
	if m.Type != TypeScheduleNotifications {
		return fmt.Errorf("bridge: unexpected message type %q", m.Type)
	}
	return nil
}

func (m Message) Batch() reminder.Batch {
	return reminder.Batch{Routines: m.Routines, CalendarEvents: m.CalendarEvents}
}

// Handler processes one consumed message.
type Handler func(ctx context.Context, m Message) error

// Bus transports schedule messages.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	// Consume blocks, calling h for every message until ctx is done.
	Consume(ctx context.Context, h Handler) error
	Close() error
}
