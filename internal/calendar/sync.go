package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

const DefaultWindow = 30 * 24 * time.Hour

// Feed is a subscribed ICS calendar. ID doubles as the calendar connection
// id of the imported events.
type Feed struct {
	ID      string
	URL     string
	OwnerID string
}

// Upserter is the store surface the syncer writes to.
type Upserter interface {
	UpsertCalendarEvent(ctx context.Context, e storage.CalendarEvent) (storage.CalendarEvent, error)
}

// Scheduler registers recurring jobs. *scheduler.Service satisfies it.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
}

type Config struct {
	Feeds    []Feed
	Schedule string        // duration like "15m" or a cron spec
	Window   time.Duration // expansion window from the start of today
	Timeout  time.Duration
}

type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// Syncer fetches feeds and upserts their expanded occurrences.
type Syncer struct {
	cfg    Config
	store  Upserter
	client *http.Client
	log    logx.Logger
	now    func() time.Time
	loc    *time.Location

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewSyncer(cfg Config, store Upserter, log logx.Logger) *Syncer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Syncer{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With(logx.Component("calendar")),
		now:    time.Now,
		loc:    time.Local,
		cache:  map[string]cacheEntry{},
	}
}

// Register schedules SyncAll. It does nothing when no feed is configured.
func (s *Syncer) Register(sched Scheduler) error {
	if len(s.cfg.Feeds) == 0 {
		return nil
	}
	spec := s.cfg.Schedule
	if strings.TrimSpace(spec) == "" {
		spec = "15m"
	}
	_, err := sched.AddSchedule("calendar.sync", spec, 2*s.cfg.Timeout*time.Duration(len(s.cfg.Feeds)), func(ctx context.Context) error {
		_, err := s.SyncAll(ctx)
		return err
	})
	return err
}

// SyncAll syncs every feed and returns the number of upserted instances.
// A failing feed does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, f := range s.cfg.Feeds {
		n, err := s.SyncFeed(ctx, f)
		total += n
		if err != nil {
			s.log.Warn("feed sync failed", logx.String("feed", f.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("feed %s: %w", f.ID, err))
		}
	}
	return total, errors.Join(errs...)
}

func (s *Syncer) SyncFeed(ctx context.Context, f Feed) (int, error) {
	body, err := s.fetch(ctx, f)
	if err != nil {
		return 0, err
	}
	return s.Import(ctx, f.OwnerID, f.ID, body)
}

// Import parses body and upserts the instances starting inside the window.
func (s *Syncer) Import(ctx context.Context, ownerID, connectionID string, body []byte) (int, error) {
	events, skipped, err := Parse(body, s.loc)
	if err != nil {
		return 0, err
	}
	for _, e := range skipped {
		s.log.Warn("skipping vevent", logx.String("connection", connectionID), logx.Err(e))
	}

	now := s.now().In(s.loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	occ, err := Expand(events, from, from.Add(s.cfg.Window), s.loc)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, o := range occ {
		if _, err := s.store.UpsertCalendarEvent(ctx, toStored(o, ownerID, connectionID)); err != nil {
			return n, fmt.Errorf("upsert %s: %w", o.InstanceKey, err)
		}
		n++
	}
	s.log.Info("calendar imported", logx.String("connection", connectionID), logx.Int("events", len(events)), logx.Int("instances", n))
	return n, nil
}

func toStored(o Occurrence, ownerID, connectionID string) storage.CalendarEvent {
	e := storage.CalendarEvent{
		OwnerID:              ownerID,
		CalendarConnectionID: connectionID,
		ExternalEventID:      o.InstanceKey,
		Title:                o.Summary,
		Description:          o.Description,
		Location:             o.Location,
		EventDate:            o.Start.Format(time.DateOnly),
		AllDay:               o.AllDay,
	}
	if e.Title == "" {
		e.Title = "(no title)"
	}
	if o.AllDay {
		e.StartTime = o.Start.Format(time.DateOnly)
		e.EndTime = o.End.Format(time.DateOnly)
	} else {
		e.StartTime = o.Start.Format(time.RFC3339)
		e.EndTime = o.End.Format(time.RFC3339)
	}
	return e
}

// fetch GETs the feed, honoring ETag and Last-Modified from the last fetch.
func (s *Syncer) fetch(ctx context.Context, f Feed) ([]byte, error) {
	if f.URL == "" {
		return nil, errors.New("feed URL is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	cached, ok := s.cache[f.URL]
	s.mu.Unlock()
	if ok {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && ok:
		return cached.body, nil
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("fetch: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[f.URL] = cacheEntry{etag: resp.Header.Get("ETag"), lastModified: resp.Header.Get("Last-Modified"), body: body}
	s.mu.Unlock()
	return body, nil
}
