package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"routinely/internal/bridge"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

const maxICSBytes = 8 << 20

func (a *api) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	default:
		a.log.Error("request failed", logx.String("op", op), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func invalid(w http.ResponseWriter, err error) {
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusUnprocessableEntity, errResponse{Error: "validation failed", Fields: verrs})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
}

func (a *api) listRoutines(w http.ResponseWriter, r *http.Request) {
	items, err := a.deps.Store.ListRoutines(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		a.fail(w, "list_routines", err)
		return
	}
	if items == nil {
		items = []storage.Routine{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) getRoutine(w http.ResponseWriter, r *http.Request) {
	item, err := a.deps.Store.GetRoutine(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, "get_routine", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *api) createRoutine(w http.ResponseWriter, r *http.Request) {
	var req RoutineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		invalid(w, err)
		return
	}
	item, err := a.deps.Store.InsertRoutine(r.Context(), req.routine(ownerFrom(r.Context()), ""))
	if err != nil {
		a.fail(w, "create_routine", err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (a *api) updateRoutine(w http.ResponseWriter, r *http.Request) {
	var req RoutineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		invalid(w, err)
		return
	}
	item, err := a.deps.Store.UpdateRoutine(r.Context(), req.routine(ownerFrom(r.Context()), chi.URLParam(r, "id")))
	if err != nil {
		a.fail(w, "update_routine", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *api) deleteRoutine(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Store.DeleteRoutine(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		a.fail(w, "delete_routine", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listCalendarEvents(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	if from == "" {
		from = a.now().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, from); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("from must be YYYY-MM-DD"))
		return
	}
	items, err := a.deps.Store.ListUpcomingCalendarEvents(r.Context(), ownerFrom(r.Context()), from)
	if err != nil {
		a.fail(w, "list_calendar_events", err)
		return
	}
	if items == nil {
		items = []storage.CalendarEvent{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) importCalendar(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxICSBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("calendar too large"))
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("empty calendar"))
		return
	}
	conn := r.URL.Query().Get("connection")
	if conn == "" {
		conn = "import"
	}
	n, err := a.deps.Importer.Import(r.Context(), ownerFrom(r.Context()), conn, body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (a *api) getPermission(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Permission.Permission(r.Context())
	if err != nil {
		a.permissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PermissionResponse{Permission: p})
}

func (a *api) putPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		invalid(w, err)
		return
	}
	p, _ := reminder.ParsePermission(req.Permission)
	a.deps.Permission.Set(p)
	a.log.Info("permission reported", logx.String("owner", ownerFrom(r.Context())), logx.String("permission", string(p)))
	writeJSON(w, http.StatusOK, PermissionResponse{Permission: p})
}

func (a *api) requestPermission(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Permission.RequestPermission(r.Context())
	if err != nil {
		a.permissionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PermissionResponse{Permission: p})
}

func (a *api) permissionError(w http.ResponseWriter, err error) {
	if errors.Is(err, reminder.ErrUnsupported) {
		writeJSON(w, http.StatusNotImplemented, errorBody("notifications unsupported"))
		return
	}
	a.fail(w, "permission", err)
}

func (a *api) putPushSubscription(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		invalid(w, err)
		return
	}
	sub := storage.PushSubscription{
		OwnerID:  ownerFrom(r.Context()),
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := a.deps.Store.PutPushSubscription(r.Context(), sub); err != nil {
		a.fail(w, "put_push_subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"subscribed": true})
}

func (a *api) deletePushSubscription(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		invalid(w, err)
		return
	}
	if err := a.deps.Store.DeletePushSubscription(r.Context(), ownerFrom(r.Context()), req.Endpoint); err != nil {
		a.fail(w, "delete_push_subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	items, err := a.deps.Store.ListDeliveries(r.Context(), ownerFrom(r.Context()), limit)
	if err != nil {
		a.fail(w, "list_deliveries", err)
		return
	}
	if items == nil {
		items = []storage.Delivery{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *api) publishSchedule(w http.ResponseWriter, r *http.Request) {
	var m bridge.Message
	if !decodeJSON(w, r, &m) {
		return
	}
	if m.Type == "" {
		m.Type = bridge.TypeScheduleNotifications
	}
	if err := m.Validate(); err != nil {
		invalid(w, err)
		return
	}
	// The authenticated owner wins over whatever the body claims.
	m.OwnerID = ownerFrom(r.Context())
	if m.SentAt.IsZero() {
		m.SentAt = a.now()
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := a.deps.Bridge.Publish(r.Context(), m); err != nil {
		if errors.Is(err, bridge.ErrClosed) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody("bridge closed"))
			return
		}
		a.fail(w, "publish_schedule", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": m.ID, "routines": len(m.Routines), "calendarEvents": len(m.CalendarEvents)})
}
