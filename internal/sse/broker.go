// Package sse implements a Server-Sent Events broker that shows reminders
// in open browser tabs and asks them for notification permission.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"routinely/internal/reminder"
)

const (
	EventReminder          = "reminder"
	EventPermissionRequest = "permission.request"
	EventPermission        = "permission"
)

var ErrNoClients = errors.New("sse: no connected clients")

// Event is one SSE message. Owner limits delivery to that owner's clients;
// empty means everyone.
type Event struct {
	Type  string `json:"type"`
	Owner string `json:"-"`
	Data  any    `json:"data"`
}

type publishReq struct {
	ev   Event
	resp chan int
}

type countReq struct {
	owner string
	resp  chan int
}

type sub struct {
	ch    chan []byte
	owner string
}

// Broker manages SSE client connections and broadcasts events.
//
// A single internal event loop owns the client set. Public methods talk to
// it through channels.
type Broker struct {
	keepAlive time.Duration

	subscribeCh   chan sub
	unsubscribeCh chan chan []byte
	publishCh     chan publishReq
	countReqCh    chan countReq

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func NewBroker(keepAlive time.Duration) *Broker {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	b := &Broker{
		keepAlive:     keepAlive,
		subscribeCh:   make(chan sub),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan publishReq, 64),
		countReqCh:    make(chan countReq),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)

	broadcast := func(ev Event) int {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return 0
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload))

		n := 0
		for ch, owner := range clients {
			if ev.Owner != "" && owner != "" && owner != ev.Owner {
				continue
			}
			select {
			case ch <- raw:
				n++
			default:
				// Client buffer full; skip to avoid blocking the loop.
			}
		}
		return n
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case s := <-b.subscribeCh:
			clients[s.ch] = s.owner

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case req := <-b.publishCh:
			n := broadcast(req.ev)
			if req.resp != nil {
				req.resp <- n
			}

		case req := <-b.countReqCh:
			n := 0
			for _, owner := range clients {
				if req.owner == "" || owner == "" || owner == req.owner {
					n++
				}
			}
			req.resp <- n
		}
	}
}

// Close stops the broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client for owner ("" receives every owner's events).
func (b *Broker) Subscribe(owner string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- sub{ch: ch, owner: owner}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of clients that would receive owner's events.
func (b *Broker) ClientCount(owner string) int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- countReq{owner: owner, resp: resp}:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends ev and returns how many clients accepted it.
func (b *Broker) Publish(ev Event) int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.publishCh <- publishReq{ev: ev, resp: resp}:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

func (b *Broker) Name() string { return "sse" }

// Show pushes a reminder to the owner's open tabs, which render a toast,
// play the chime and raise a native notification.
func (b *Broker) Show(_ context.Context, p reminder.Payload) error {
	if b.Publish(Event{Type: EventReminder, Owner: p.Data.OwnerID, Data: p}) == 0 {
		return ErrNoClients
	}
	return nil
}

// PromptPermission asks open tabs to call Notification.requestPermission and
// report the result back.
func (b *Broker) PromptPermission(context.Context) error {
	if b.Publish(Event{Type: EventPermissionRequest, Data: map[string]string{}}) == 0 {
		return ErrNoClients
	}
	return nil
}

// PublishPermission tells open tabs about a permission change.
func (b *Broker) PublishPermission(p reminder.Permission) {
	b.Publish(Event{Type: EventPermission, Data: map[string]string{"permission": string(p)}})
}

// Handler returns the SSE endpoint. owner resolves the subscribing owner
// from the request.
func (b *Broker) Handler(owner func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		o := ""
		if owner != nil {
			o = owner(r)
		}
		ch := b.Subscribe(o)
		defer b.Unsubscribe(ch)

		ping := time.NewTicker(b.keepAlive)
		defer ping.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_, _ = w.Write(msg)
				flusher.Flush()
			}
		}
	})
}
