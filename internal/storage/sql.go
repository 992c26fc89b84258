package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	logx "routinely/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/routinely.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection serializes writers.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA busy_timeout = " + strconv.FormatInt(busy.Milliseconds(), 10),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s := &SQLStore{db: db, dialect: dialectSQLite, log: log, now: time.Now}
	if err := s.migrate(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", path))
	return s, nil
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*SQLStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage: postgres requires dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialectPostgres, log: log, now: time.Now}
	if err := s.migrate(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened")
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// ---- routines ----

const routineCols = `id, user_id, name, time, date, frequency, description, location, created_at, updated_at`

func (s *SQLStore) ListRoutines(ctx context.Context, ownerID string) ([]Routine, error) {
	rows, err := s.query(ctx, `SELECT `+routineCols+` FROM routines WHERE user_id = ? ORDER BY date, time, id`, ownerID)
	if err != nil {
		return nil, err
	}
	return scanRoutines(rows)
}

func (s *SQLStore) ListRoutinesOn(ctx context.Context, date string) ([]Routine, error) {
	rows, err := s.query(ctx, `SELECT `+routineCols+` FROM routines WHERE date = ? ORDER BY time, id`, date)
	if err != nil {
		return nil, err
	}
	return scanRoutines(rows)
}

func (s *SQLStore) GetRoutine(ctx context.Context, ownerID, id string) (Routine, error) {
	rows, err := s.query(ctx, `SELECT `+routineCols+` FROM routines WHERE user_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return Routine{}, err
	}
	out, err := scanRoutines(rows)
	if err != nil {
		return Routine{}, err
	}
	if len(out) == 0 {
		return Routine{}, ErrNotFound
	}
	return out[0], nil
}

func (s *SQLStore) InsertRoutine(ctx context.Context, r Routine) (Routine, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO routines (`+routineCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Name, r.Time, r.Date, r.Frequency,
		nullStr(r.Description), nullStr(r.Location), formatTime(now), formatTime(now))
	if err != nil {
		return Routine{}, err
	}
	return r, nil
}

func (s *SQLStore) UpdateRoutine(ctx context.Context, r Routine) (Routine, error) {
	prev, err := s.GetRoutine(ctx, r.OwnerID, r.ID)
	if err != nil {
		return Routine{}, err
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = s.now().UTC()
	res, err := s.exec(ctx, `UPDATE routines SET name = ?, time = ?, date = ?, frequency = ?, description = ?, location = ?, updated_at = ?
WHERE user_id = ? AND id = ?`,
		r.Name, r.Time, r.Date, r.Frequency, nullStr(r.Description), nullStr(r.Location), formatTime(r.UpdatedAt),
		r.OwnerID, r.ID)
	if err != nil {
		return Routine{}, err
	}
	if err := requireAffected(res); err != nil {
		return Routine{}, err
	}
	return r, nil
}

func (s *SQLStore) DeleteRoutine(ctx context.Context, ownerID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM routines WHERE user_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanRoutines(rows *sql.Rows) ([]Routine, error) {
	defer rows.Close()
	var out []Routine
	for rows.Next() {
		var (
			r                Routine
			desc, loc        sql.NullString
			created, updated string
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Time, &r.Date, &r.Frequency, &desc, &loc, &created, &updated); err != nil {
			return nil, err
		}
		r.Description, r.Location = desc.String, loc.String
		r.CreatedAt, r.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- calendar events ----

const eventCols = `id, user_id, calendar_connection_id, external_event_id, title, description, location, start_time, end_time, event_date, all_day, updated_at`

func (s *SQLStore) ListUpcomingCalendarEvents(ctx context.Context, ownerID, from string) ([]CalendarEvent, error) {
	rows, err := s.query(ctx, `SELECT `+eventCols+` FROM calendar_events WHERE user_id = ? AND event_date >= ? ORDER BY event_date, start_time, id`, ownerID, from)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *SQLStore) ListCalendarEventsOn(ctx context.Context, dates ...string) ([]CalendarEvent, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(dates)), ", ")
	args := make([]any, 0, len(dates))
	for _, d := range dates {
		args = append(args, d)
	}
	rows, err := s.query(ctx, `SELECT `+eventCols+` FROM calendar_events WHERE event_date IN (`+marks+`) ORDER BY event_date, start_time, id`, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// UpsertCalendarEvent inserts or refreshes an event keyed by its external id
// within a calendar connection. The stored id is kept across refreshes.
func (s *SQLStore) UpsertCalendarEvent(ctx context.Context, e CalendarEvent) (CalendarEvent, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.UpdatedAt = s.now().UTC()
	_, err := s.exec(ctx, `INSERT INTO calendar_events (`+eventCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (external_event_id, calendar_connection_id) DO UPDATE SET
  user_id = excluded.user_id,
  title = excluded.title,
  description = excluded.description,
  location = excluded.location,
  start_time = excluded.start_time,
  end_time = excluded.end_time,
  event_date = excluded.event_date,
  all_day = excluded.all_day,
  updated_at = excluded.updated_at`,
		e.ID, e.OwnerID, e.CalendarConnectionID, e.ExternalEventID, e.Title,
		nullStr(e.Description), nullStr(e.Location), e.StartTime, nullStr(e.EndTime), e.EventDate, e.AllDay,
		formatTime(e.UpdatedAt))
	if err != nil {
		return CalendarEvent{}, err
	}

	rows, err := s.query(ctx, `SELECT `+eventCols+` FROM calendar_events WHERE external_event_id = ? AND calendar_connection_id = ?`,
		e.ExternalEventID, e.CalendarConnectionID)
	if err != nil {
		return CalendarEvent{}, err
	}
	out, err := scanEvents(rows)
	if err != nil {
		return CalendarEvent{}, err
	}
	if len(out) == 0 {
		return CalendarEvent{}, ErrNotFound
	}
	return out[0], nil
}

func scanEvents(rows *sql.Rows) ([]CalendarEvent, error) {
	defer rows.Close()
	var out []CalendarEvent
	for rows.Next() {
		var (
			e              CalendarEvent
			desc, loc, end sql.NullString
			updated        string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.CalendarConnectionID, &e.ExternalEventID, &e.Title,
			&desc, &loc, &e.StartTime, &end, &e.EventDate, &e.AllDay, &updated); err != nil {
			return nil, err
		}
		e.Description, e.Location, e.EndTime = desc.String, loc.String, end.String
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- push subscriptions ----

func (s *SQLStore) ListPushSubscriptions(ctx context.Context, ownerID string) ([]PushSubscription, error) {
	rows, err := s.query(ctx, `SELECT user_id, endpoint, p256dh, auth, created_at FROM push_subscriptions WHERE user_id = ? ORDER BY created_at, endpoint`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PushSubscription
	for rows.Next() {
		var (
			p         PushSubscription
			key, auth sql.NullString
			created   string
		)
		if err := rows.Scan(&p.OwnerID, &p.Endpoint, &key, &auth, &created); err != nil {
			return nil, err
		}
		p.P256dh, p.Auth, p.CreatedAt = key.String, auth.String, parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutPushSubscription(ctx context.Context, p PushSubscription) error {
	if strings.TrimSpace(p.Endpoint) == "" {
		return errors.New("storage: push subscription endpoint is required")
	}
	_, err := s.exec(ctx, `INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, endpoint) DO UPDATE SET p256dh = excluded.p256dh, auth = excluded.auth`,
		p.OwnerID, p.Endpoint, nullStr(p.P256dh), nullStr(p.Auth), formatTime(s.now().UTC()))
	return err
}

func (s *SQLStore) DeletePushSubscription(ctx context.Context, ownerID, endpoint string) error {
	res, err := s.exec(ctx, `DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, ownerID, endpoint)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ---- deliveries ----

func (s *SQLStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO deliveries (context, sink, tag, kind, item_id, owner_id, ok, error, attempts, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Context, d.Sink, d.Tag, nullStr(d.Kind), nullStr(d.ItemID), nullStr(d.OwnerID), d.OK, nullStr(d.Error), d.Attempts, formatTime(d.At.UTC()))
	return err
}

// ListDeliveries returns the newest deliveries first. An empty ownerID lists
// all owners.
func (s *SQLStore) ListDeliveries(ctx context.Context, ownerID string, limit int) ([]Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT context, sink, tag, kind, item_id, owner_id, ok, error, attempts, at FROM deliveries`
	args := []any{}
	if ownerID != "" {
		q += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var (
			d                          Delivery
			kind, item, owner, errText sql.NullString
			at                         string
		)
		if err := rows.Scan(&d.Context, &d.Sink, &d.Tag, &kind, &item, &owner, &d.OK, &errText, &d.Attempts, &at); err != nil {
			return nil, err
		}
		d.Kind, d.ItemID, d.OwnerID, d.Error = kind.String, item.String, owner.String, errText.String
		d.At = parseTime(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- helpers ----

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
