package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"routinely/internal/bridge"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func do(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{}, Deps{Store: openStore(t)}, logx.Nop())

	for _, path := range []string{"/health/live", "/health/ready"} {
		if rec := do(t, h, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: status=%d body=%s", path, rec.Code, rec.Body)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{AuthToken: "s3cret", DefaultOwner: "u1"}, Deps{Store: openStore(t)}, logx.Nop())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "s3cret", http.StatusUnauthorized},
		{"ok", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/routines", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status=%d want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestOwnerRequired(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{}, Deps{Store: openStore(t)}, logx.Nop())

	if rec := do(t, h, http.MethodGet, "/api/routines", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/routines?owner=u1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("owner query: status=%d", rec.Code)
	}
}

func TestRoutineLifecycle(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{}, Deps{Store: openStore(t)}, logx.Nop())

	rec := do(t, h, http.MethodPost, "/api/routines", "u1", RoutineRequest{
		Name: "  Stretch ", Time: "09:30", Date: "2025-03-14",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status=%d body=%s", rec.Code, rec.Body)
	}
	var created storage.Routine
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Name != "Stretch" || created.OwnerID != "u1" || created.Frequency != "once" {
		t.Fatalf("created=%+v", created)
	}

	rec = do(t, h, http.MethodPut, "/api/routines/"+created.ID, "u1", RoutineRequest{
		Name: "Stretch", Time: "10:00", Date: "2025-03-14", Frequency: "Daily",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status=%d body=%s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodGet, "/api/routines", "u1", nil)
	var list []storage.Routine
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Time != "10:00" || list[0].Frequency != "daily" {
		t.Fatalf("list=%+v", list)
	}

	// Another owner sees nothing and cannot touch the row.
	if rec := do(t, h, http.MethodGet, "/api/routines", "u2", nil); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("u2 list=%s", rec.Body)
	}
	if rec := do(t, h, http.MethodDelete, "/api/routines/"+created.ID, "u2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("u2 delete: status=%d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/routines/"+created.ID, "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/routines/"+created.ID, "u1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status=%d", rec.Code)
	}
}

func TestRoutineValidation(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{DefaultOwner: "u1"}, Deps{Store: openStore(t)}, logx.Nop())

	tests := []struct {
		name  string
		body  any
		field string
		want  int
	}{
		{"missing name", RoutineRequest{Time: "09:00", Date: "2025-03-14"}, "name", http.StatusUnprocessableEntity},
		{"bad time", RoutineRequest{Name: "x", Time: "9:00", Date: "2025-03-14"}, "time", http.StatusUnprocessableEntity},
		{"hour out of range", RoutineRequest{Name: "x", Time: "24:00", Date: "2025-03-14"}, "time", http.StatusUnprocessableEntity},
		{"bad date", RoutineRequest{Name: "x", Time: "09:00", Date: "14/03/2025"}, "date", http.StatusUnprocessableEntity},
		{"bad frequency", RoutineRequest{Name: "x", Time: "09:00", Date: "2025-03-14", Frequency: "hourly"}, "frequency", http.StatusUnprocessableEntity},
		{"unknown field", `{"name":"x","time":"09:00","date":"2025-03-14","color":"red"}`, "", http.StatusBadRequest},
		{"not json", `nope`, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/routines", "", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status=%d want %d body=%s", rec.Code, tt.want, rec.Body)
			}
			if tt.field == "" {
				return
			}
			var resp struct {
				Fields map[string]string `json:"fields"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := resp.Fields[tt.field]; !ok {
				t.Fatalf("fields=%v, want %q", resp.Fields, tt.field)
			}
		})
	}
}

type countingPrompter struct {
	mu sync.Mutex
	n  int
}

func (p *countingPrompter) PromptPermission(context.Context) error {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	return nil
}

func TestPermissionHandshake(t *testing.T) {
	t.Parallel()
	prompter := &countingPrompter{}
	sw := reminder.NewSwitch(reminder.PermissionDefault, prompter)
	h := NewRouter(Config{DefaultOwner: "u1"}, Deps{Permission: sw}, logx.Nop())

	decode := func(rec *httptest.ResponseRecorder) reminder.Permission {
		t.Helper()
		var resp PermissionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.Permission
	}

	rec := do(t, h, http.MethodPost, "/api/notifications/permission/request", "", nil)
	if rec.Code != http.StatusAccepted || decode(rec) != reminder.PermissionDefault {
		t.Fatalf("request: status=%d body=%s", rec.Code, rec.Body)
	}
	do(t, h, http.MethodPost, "/api/notifications/permission/request", "", nil)
	if prompter.n != 1 {
		t.Fatalf("prompts=%d want 1", prompter.n)
	}

	rec = do(t, h, http.MethodPut, "/api/notifications/permission", "", PermissionRequest{Permission: "granted"})
	if rec.Code != http.StatusOK || decode(rec) != reminder.PermissionGranted {
		t.Fatalf("put: status=%d body=%s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/notifications/permission", "", nil); decode(rec) != reminder.PermissionGranted {
		t.Fatalf("get=%s", rec.Body)
	}

	if rec := do(t, h, http.MethodPut, "/api/notifications/permission", "", PermissionRequest{Permission: "maybe"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad permission: status=%d", rec.Code)
	}
}

type unsupportedGate struct{ reminder.Unavailable }

func (unsupportedGate) Set(reminder.Permission) {}

func TestPermissionUnsupported(t *testing.T) {
	t.Parallel()
	h := NewRouter(Config{DefaultOwner: "u1"}, Deps{Permission: unsupportedGate{}}, logx.Nop())

	if rec := do(t, h, http.MethodGet, "/api/notifications/permission", "", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d want 501", rec.Code)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bridge.Message
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, m bridge.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, m)
	return nil
}

func TestPublishSchedule(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}
	h := NewRouter(Config{}, Deps{Bridge: pub, Now: func() time.Time { return now }}, logx.Nop())

	body := `{"type":"SCHEDULE_NOTIFICATIONS","owner_id":"someone-else","routines":[{"id":"r1","name":"Stretch","time":"09:10","date":"2025-03-14"}],"calendarEvents":[]}`
	rec := do(t, h, http.MethodPost, "/api/schedule", "u1", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published=%d", len(pub.msgs))
	}
	m := pub.msgs[0]
	if m.OwnerID != "u1" || m.ID == "" || !m.SentAt.Equal(now) || len(m.Routines) != 1 {
		t.Fatalf("message=%+v", m)
	}

	if rec := do(t, h, http.MethodPost, "/api/schedule", "u1", `{"type":"OTHER"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong type: status=%d", rec.Code)
	}

	pub.err = bridge.ErrClosed
	if rec := do(t, h, http.MethodPost, "/api/schedule", "u1", `{"routines":[]}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("closed: status=%d", rec.Code)
	}
}

func TestPushSubscriptions(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	h := NewRouter(Config{DefaultOwner: "u1"}, Deps{Store: st}, logx.Nop())

	sub := PushSubscriptionRequest{Endpoint: "https://push.example.com/abc", Keys: PushKeys{P256dh: "p", Auth: "a"}}
	if rec := do(t, h, http.MethodPost, "/api/push-subscriptions", "", sub); rec.Code != http.StatusCreated {
		t.Fatalf("post: status=%d body=%s", rec.Code, rec.Body)
	}
	subs, err := st.ListPushSubscriptions(context.Background(), "u1")
	if err != nil || len(subs) != 1 || subs[0].Auth != "a" {
		t.Fatalf("subs=%+v err=%v", subs, err)
	}

	if rec := do(t, h, http.MethodPost, "/api/push-subscriptions", "", PushSubscriptionRequest{Endpoint: "not a url"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad endpoint: status=%d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/push-subscriptions", "", sub); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/push-subscriptions", "", sub); rec.Code != http.StatusNotFound {
		t.Fatalf("delete again: status=%d", rec.Code)
	}
}

type fakeImporter struct {
	owner, conn string
	body        string
	err         error
}

func (f *fakeImporter) Import(_ context.Context, owner, conn string, body []byte) (int, error) {
	f.owner, f.conn, f.body = owner, conn, string(body)
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func TestImportCalendar(t *testing.T) {
	t.Parallel()
	imp := &fakeImporter{}
	h := NewRouter(Config{DefaultOwner: "u1"}, Deps{Importer: imp}, logx.Nop())

	rec := do(t, h, http.MethodPost, "/api/calendar/import?connection=work", "", "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"imported":3`) {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if imp.owner != "u1" || imp.conn != "work" || !strings.HasPrefix(imp.body, "BEGIN:VCALENDAR") {
		t.Fatalf("importer saw %+v", imp)
	}

	if rec := do(t, h, http.MethodPost, "/api/calendar/import", "", "   "); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty: status=%d", rec.Code)
	}

	imp.err = errors.New("parse calendar: bad")
	if rec := do(t, h, http.MethodPost, "/api/calendar/import", "", "garbage"); rec.Code != http.StatusBadRequest {
		t.Fatalf("importer error: status=%d", rec.Code)
	}
}

func TestCalendarEventsAndDeliveries(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	h := NewRouter(Config{DefaultOwner: "u1"}, Deps{Store: st, Now: func() time.Time { return now }}, logx.Nop())

	for _, e := range []storage.CalendarEvent{
		{OwnerID: "u1", CalendarConnectionID: "c", ExternalEventID: "past", Title: "Past", StartTime: "2025-03-13T10:00:00Z", EventDate: "2025-03-13"},
		{OwnerID: "u1", CalendarConnectionID: "c", ExternalEventID: "next", Title: "Next", StartTime: "2025-03-15T10:00:00Z", EventDate: "2025-03-15"},
	} {
		if _, err := st.UpsertCalendarEvent(ctx, e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	rec := do(t, h, http.MethodGet, "/api/calendar-events", "", nil)
	var events []storage.CalendarEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v body=%s", err, rec.Body)
	}
	if len(events) != 1 || events[0].Title != "Next" {
		t.Fatalf("events=%+v", events)
	}
	if rec := do(t, h, http.MethodGet, "/api/calendar-events?from=yesterday", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad from: status=%d", rec.Code)
	}

	if err := st.AppendDelivery(ctx, storage.Delivery{Context: "foreground", Sink: "sse", Tag: "routine-r1-2025-03-14-09:10", Kind: "routine", ItemID: "r1", OwnerID: "u1", OK: true, Attempts: 1, At: now}); err != nil {
		t.Fatalf("append delivery: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/api/deliveries?limit=5", "", nil)
	var deliveries []storage.Delivery
	if err := json.Unmarshal(rec.Body.Bytes(), &deliveries); err != nil {
		t.Fatalf("decode deliveries: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Sink != "sse" {
		t.Fatalf("deliveries=%+v", deliveries)
	}
	if rec := do(t, h, http.MethodGet, "/api/deliveries?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status=%d", rec.Code)
	}
}
