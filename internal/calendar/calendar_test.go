package calendar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

func ics(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//routinely//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

var sample = ics(
	"BEGIN:VEVENT",
	"UID:single-1",
	"DTSTAMP:20250301T000000Z",
	"DTSTART:20250310T090000Z",
	"DTEND:20250310T093000Z",
	`SUMMARY:Standup\, team`,
	"DESCRIPTION:Room 4",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:rec-1",
	"DTSTAMP:20250301T000000Z",
	"DTSTART:20250310T140000Z",
	"DTEND:20250310T150000Z",
	"RRULE:FREQ=DAILY;COUNT=5",
	"EXDATE:20250312T140000Z",
	"SUMMARY:Gym",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:rec-1",
	"DTSTAMP:20250301T000000Z",
	"RECURRENCE-ID:20250311T140000Z",
	"DTSTART:20250311T160000Z",
	"DTEND:20250311T170000Z",
	"SUMMARY:Gym (late)",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:allday-1",
	"DTSTAMP:20250301T000000Z",
	"DTSTART;VALUE=DATE:20250315",
	"DTEND;VALUE=DATE:20250316",
	"SUMMARY:Holiday",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"DTSTAMP:20250301T000000Z",
	"DTSTART:20250310T090000Z",
	"SUMMARY:No uid",
	"END:VEVENT",
)

func TestParse(t *testing.T) {
	t.Parallel()
	events, skipped, err := Parse(sample, time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 4 || len(skipped) != 1 {
		t.Fatalf("events=%d skipped=%d", len(events), len(skipped))
	}
	single := events[0]
	if single.UID != "single-1" || single.Summary != "Standup, team" || single.Description != "Room 4" {
		t.Fatalf("single: %+v", single)
	}
	if !single.Start.Equal(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)) || single.End.Sub(single.Start) != 30*time.Minute {
		t.Fatalf("single times: %v - %v", single.Start, single.End)
	}
	if events[1].RRule == "" || len(events[1].ExDates) != 1 {
		t.Fatalf("recurring: %+v", events[1])
	}
	if events[2].RecurrenceID == nil {
		t.Fatalf("override must carry RECURRENCE-ID")
	}
	if !events[3].AllDay || events[3].Start.Day() != 15 {
		t.Fatalf("all-day: %+v", events[3])
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()
	if _, _, err := Parse([]byte("  "), time.UTC); err == nil {
		t.Fatalf("expected error for empty body")
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()
	events, _, err := Parse(sample, time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	occ, err := Expand(events, from, from.Add(DefaultWindow), time.UTC)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	var keys []string
	for _, o := range occ {
		keys = append(keys, o.InstanceKey)
	}
	want := []string{
		"single-1",
		"rec-1@20250310T140000Z",
		"rec-1@20250311T140000Z",
		"rec-1@20250313T140000Z",
		"rec-1@20250314T140000Z",
		"allday-1",
	}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Fatalf("instances:\n got %v\nwant %v", keys, want)
	}
	late := occ[2]
	if late.Summary != "Gym (late)" || late.Start.Hour() != 16 {
		t.Fatalf("override not applied: %+v", late)
	}

	// Outside the window nothing is produced.
	occ, err = Expand(events, from.AddDate(1, 0, 0), from.AddDate(1, 1, 0), time.UTC)
	if err != nil || len(occ) != 0 {
		t.Fatalf("expected no occurrences, got %d (%v)", len(occ), err)
	}
	if _, err := Expand(events, from, from.Add(-time.Hour), time.UTC); err == nil {
		t.Fatalf("expected error for inverted window")
	}
}

type memUpserter struct {
	mu     sync.Mutex
	events map[string]storage.CalendarEvent
}

func (m *memUpserter) UpsertCalendarEvent(_ context.Context, e storage.CalendarEvent) (storage.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = map[string]storage.CalendarEvent{}
	}
	m.events[e.CalendarConnectionID+"/"+e.ExternalEventID] = e
	return e, nil
}

func newTestSyncer(cfg Config, up Upserter) *Syncer {
	s := NewSyncer(cfg, up, logx.Nop())
	s.loc = time.UTC
	s.now = func() time.Time { return time.Date(2025, 3, 10, 7, 45, 0, 0, time.UTC) }
	return s
}

func TestImport(t *testing.T) {
	t.Parallel()
	up := &memUpserter{}
	s := newTestSyncer(Config{}, up)

	n, err := s.Import(context.Background(), "u1", "ics-file", sample)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 6 || len(up.events) != 6 {
		t.Fatalf("imported %d, stored %d", n, len(up.events))
	}
	single := up.events["ics-file/single-1"]
	if single.StartTime != "2025-03-10T09:00:00Z" || single.EventDate != "2025-03-10" || single.OwnerID != "u1" {
		t.Fatalf("single stored as %+v", single)
	}
	late := up.events["ics-file/rec-1@20250311T140000Z"]
	if late.Title != "Gym (late)" || late.StartTime != "2025-03-11T16:00:00Z" {
		t.Fatalf("override stored as %+v", late)
	}
	holiday := up.events["ics-file/allday-1"]
	if !holiday.AllDay || holiday.StartTime != "2025-03-15" || holiday.EndTime != "2025-03-16" {
		t.Fatalf("all-day stored as %+v", holiday)
	}
}

func TestSyncFeedUsesConditionalGet(t *testing.T) {
	t.Parallel()
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(sample)
	}))
	defer srv.Close()

	up := &memUpserter{}
	feed := Feed{ID: "work", URL: srv.URL, OwnerID: "u1"}
	s := newTestSyncer(Config{Feeds: []Feed{feed}}, up)

	for i := 0; i < 2; i++ {
		n, err := s.SyncAll(context.Background())
		if err != nil || n != 6 {
			t.Fatalf("sync %d: n=%d err=%v", i, n, err)
		}
	}
	if hits.Load() != 2 || notModified.Load() != 1 {
		t.Fatalf("hits=%d notModified=%d", hits.Load(), notModified.Load())
	}
}

func TestSyncFeedHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestSyncer(Config{Feeds: []Feed{{ID: "bad", URL: srv.URL}}}, &memUpserter{})
	if _, err := s.SyncAll(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeScheduler struct{ specs map[string]string }

func (f *fakeScheduler) AddSchedule(name, schedule string, _ time.Duration, _ func(ctx context.Context) error) (string, error) {
	f.specs[name] = schedule
	return name, nil
}

func TestRegister(t *testing.T) {
	t.Parallel()
	fs := &fakeScheduler{specs: map[string]string{}}
	if err := newTestSyncer(Config{}, &memUpserter{}).Register(fs); err != nil || len(fs.specs) != 0 {
		t.Fatalf("no feeds must register nothing: %v %v", err, fs.specs)
	}
	s := newTestSyncer(Config{Feeds: []Feed{{ID: "a", URL: "http://x"}}}, &memUpserter{})
	if err := s.Register(fs); err != nil {
		t.Fatalf("register: %v", err)
	}
	if fs.specs["calendar.sync"] != "15m" {
		t.Fatalf("specs: %v", fs.specs)
	}
}
