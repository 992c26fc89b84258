package webpush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"routinely/internal/notifier"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

type memSubs struct {
	mu      sync.Mutex
	subs    []storage.PushSubscription
	deleted []string
}

func (m *memSubs) ListPushSubscriptions(_ context.Context, owner string) ([]storage.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PushSubscription
	for _, s := range m.subs {
		if s.OwnerID == owner {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSubs) DeletePushSubscription(_ context.Context, _, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, endpoint)
	return nil
}

func TestShowPostsAndPrunes(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []message
	)
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.Header.Get("TTL") != "60" || r.Header.Get("Topic") != "routine-r1-2025-03-10-0800" {
			t.Errorf("unexpected headers: %v", r.Header)
		}
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer ok.Close()
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()

	subs := &memSubs{subs: []storage.PushSubscription{
		{OwnerID: "u1", Endpoint: ok.URL, P256dh: "k", Auth: "a"},
		{OwnerID: "u1", Endpoint: gone.URL},
		{OwnerID: "u2", Endpoint: ok.URL},
	}}
	s := New(Config{}, subs, logx.Nop())

	p := reminder.Payload{
		Title: reminder.TitleRoutine,
		Body:  "Meds",
		Tag:   "routine-r1-2025-03-10-08:00",
		Data:  reminder.PayloadData{Kind: reminder.KindRoutine, ID: "r1", OwnerID: "u1"},
	}
	if err := s.Show(context.Background(), p); err != nil {
		t.Fatalf("show: %v", err)
	}
	if len(got) != 1 || got[0].Payload.Tag != p.Tag || got[0].Keys.P256dh != "k" {
		t.Fatalf("unexpected posts: %+v", got)
	}
	if len(subs.deleted) != 1 || subs.deleted[0] != gone.URL {
		t.Fatalf("expected gone endpoint pruned, got %v", subs.deleted)
	}
}

func TestShowReportsServerErrors(t *testing.T) {
	t.Parallel()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	subs := &memSubs{subs: []storage.PushSubscription{{OwnerID: "u1", Endpoint: bad.URL}}}
	s := New(Config{}, subs, logx.Nop())
	err := s.Show(context.Background(), reminder.Payload{Data: reminder.PayloadData{OwnerID: "u1"}})
	if err == nil {
		t.Fatalf("expected error for 500")
	}
	if len(subs.deleted) != 0 {
		t.Fatalf("5xx must not prune: %v", subs.deleted)
	}
}

func TestShowWithoutSubscriptions(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &memSubs{}, logx.Nop())
	if err := s.Show(context.Background(), reminder.Payload{Data: reminder.PayloadData{OwnerID: "u1"}}); err != nil {
		t.Fatalf("show: %v", err)
	}
}

func TestRetryReachesOnlyFailedEndpoints(t *testing.T) {
	t.Parallel()

	var healthyHits, brokenHits atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyHits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	subs := &memSubs{subs: []storage.PushSubscription{
		{OwnerID: "u1", Endpoint: healthy.URL},
		{OwnerID: "u1", Endpoint: broken.URL},
	}}
	sink := New(Config{}, subs, logx.Nop())
	n := notifier.New("sweep", notifier.Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     4,
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}, []notifier.Sink{sink}, logx.Nop(), nil, nil)
	n.Start(context.Background())

	p := reminder.Payload{
		Title: reminder.TitleRoutine,
		Tag:   "routine-r1-2024-03-01-07:30",
		Data:  reminder.PayloadData{Kind: reminder.KindRoutine, ID: "r1", OwnerID: "u1"},
	}
	if err := n.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.Stop(ctx)

	if got := healthyHits.Load(); got != 1 {
		t.Fatalf("healthy endpoint got %d copies, want 1", got)
	}
	if got := brokenHits.Load(); got != 4 {
		t.Fatalf("broken endpoint attempts = %d, want 4", got)
	}
}

func TestShowSkipsEndpointsAlreadyServedForTag(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{}, &memSubs{subs: []storage.PushSubscription{{OwnerID: "u1", Endpoint: srv.URL}}}, logx.Nop())
	p := reminder.Payload{Tag: "event-e1-2024-03-01", Data: reminder.PayloadData{OwnerID: "u1"}}
	for i := 0; i < 2; i++ {
		if err := s.Show(context.Background(), p); err != nil {
			t.Fatalf("show: %v", err)
		}
	}
	p.Tag = "event-e2-2024-03-01"
	if err := s.Show(context.Background(), p); err != nil {
		t.Fatalf("show: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("posts = %d, want 2", got)
	}
}
