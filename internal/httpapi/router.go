// Package httpapi is the host control surface: routine CRUD, calendar
// import, the notification permission handshake, push subscriptions, the
// schedule bridge and the SSE stream.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"routinely/internal/bridge"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

// Store is the storage surface the API uses.
type Store interface {
	ListRoutines(ctx context.Context, ownerID string) ([]storage.Routine, error)
	GetRoutine(ctx context.Context, ownerID, id string) (storage.Routine, error)
	InsertRoutine(ctx context.Context, r storage.Routine) (storage.Routine, error)
	UpdateRoutine(ctx context.Context, r storage.Routine) (storage.Routine, error)
	DeleteRoutine(ctx context.Context, ownerID, id string) error
	ListUpcomingCalendarEvents(ctx context.Context, ownerID, from string) ([]storage.CalendarEvent, error)
	PutPushSubscription(ctx context.Context, s storage.PushSubscription) error
	DeletePushSubscription(ctx context.Context, ownerID, endpoint string) error
	ListDeliveries(ctx context.Context, ownerID string, limit int) ([]storage.Delivery, error)
	Ping(ctx context.Context) error
}

// Importer stores the events of an ICS document.
type Importer interface {
	Import(ctx context.Context, ownerID, connectionID string, body []byte) (int, error)
}

// PermissionGate is the mutable permission the browser reports into.
type PermissionGate interface {
	reminder.Capability
	Set(p reminder.Permission)
}

// Publisher sends schedule messages to the background context.
type Publisher interface {
	Publish(ctx context.Context, m bridge.Message) error
}

type Config struct {
	Addr         string
	AuthToken    string
	DefaultOwner string
	Debug        bool
}

// Deps are the API collaborators. Nil members disable their routes.
type Deps struct {
	Store      Store
	Importer   Importer
	Permission PermissionGate
	Bridge     Publisher
	Events     func(owner func(*http.Request) string) http.Handler
	Metrics    http.Handler
	Now        func() time.Time
}

type api struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func (a *api) now() time.Time {
	if a.deps.Now != nil {
		return a.deps.Now()
	}
	return time.Now()
}

// NewRouter builds the chi router with all routes.
func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{cfg: cfg, deps: deps, log: log.With(logx.Component("httpapi"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", a.ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if cfg.Debug {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthToken))
		r.Use(OwnerMiddleware(cfg.DefaultOwner))

		if deps.Store != nil {
			r.Get("/routines", a.listRoutines)
			r.Post("/routines", a.createRoutine)
			r.Get("/routines/{id}", a.getRoutine)
			r.Put("/routines/{id}", a.updateRoutine)
			r.Delete("/routines/{id}", a.deleteRoutine)
			r.Get("/calendar-events", a.listCalendarEvents)
			r.Post("/push-subscriptions", a.putPushSubscription)
			r.Delete("/push-subscriptions", a.deletePushSubscription)
			r.Get("/deliveries", a.listDeliveries)
		}
		if deps.Importer != nil {
			r.Post("/calendar/import", a.importCalendar)
		}
		if deps.Permission != nil {
			r.Get("/notifications/permission", a.getPermission)
			r.Put("/notifications/permission", a.putPermission)
			r.Post("/notifications/permission/request", a.requestPermission)
		}
		if deps.Bridge != nil {
			r.Post("/schedule", a.publishSchedule)
		}
		if deps.Events != nil {
			r.Method(http.MethodGet, "/events", deps.Events(func(r *http.Request) string {
				return ownerFrom(r.Context())
			}))
		}
	})
	return r
}

func (a *api) ready(w http.ResponseWriter, r *http.Request) {
	if a.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.deps.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
