package storage

import (
	"context"
	"errors"
	"strings"

	logx "routinely/pkg/logx"
)

// Store is the persistence API used by the HTTP API, the sweep and the
// foreground source.
type Store interface {
	ListRoutines(ctx context.Context, ownerID string) ([]Routine, error)
	// ListRoutinesOn lists routines of every owner stored for date.
	ListRoutinesOn(ctx context.Context, date string) ([]Routine, error)
	GetRoutine(ctx context.Context, ownerID, id string) (Routine, error)
	InsertRoutine(ctx context.Context, r Routine) (Routine, error)
	UpdateRoutine(ctx context.Context, r Routine) (Routine, error)
	DeleteRoutine(ctx context.Context, ownerID, id string) error

	// ListUpcomingCalendarEvents lists an owner's events dated from onward.
	ListUpcomingCalendarEvents(ctx context.Context, ownerID, from string) ([]CalendarEvent, error)
	// ListCalendarEventsOn lists events of every owner dated on any of dates.
	ListCalendarEventsOn(ctx context.Context, dates ...string) ([]CalendarEvent, error)
	UpsertCalendarEvent(ctx context.Context, e CalendarEvent) (CalendarEvent, error)

	ListPushSubscriptions(ctx context.Context, ownerID string) ([]PushSubscription, error)
	PutPushSubscription(ctx context.Context, s PushSubscription) error
	DeletePushSubscription(ctx context.Context, ownerID, endpoint string) error

	AppendDelivery(ctx context.Context, d Delivery) error
	ListDeliveries(ctx context.Context, ownerID string, limit int) ([]Delivery, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
