// Package webpush posts reminder payloads to the owner's registered push
// endpoints. Endpoints are expected to be push relays accepting JSON; payload
// encryption is the relay's job.
package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"routinely/internal/notifier"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	logx "routinely/pkg/logx"
)

// Subscriptions is the store surface the sink needs.
type Subscriptions interface {
	ListPushSubscriptions(ctx context.Context, ownerID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, ownerID, endpoint string) error
}

type Config struct {
	Timeout time.Duration
	TTL     time.Duration
}

type Sink struct {
	cfg    Config
	subs   Subscriptions
	client *http.Client
	sent   *notifier.Progress
	log    logx.Logger
}

func New(cfg Config, subs Subscriptions, log logx.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		cfg:    cfg,
		subs:   subs,
		client: &http.Client{Timeout: cfg.Timeout},
		sent:   notifier.NewProgress(notifier.DefaultProgressTTL),
		log:    log.With(logx.Component("webpush")),
	}
}

func (s *Sink) Name() string { return "webpush" }

type message struct {
	Endpoint string           `json:"endpoint"`
	Keys     keys             `json:"keys"`
	Payload  reminder.Payload `json:"payload"`
}

type keys struct {
	P256dh string `json:"p256dh,omitempty"`
	Auth   string `json:"auth,omitempty"`
}

// Show posts p to every subscription of the payload owner. Gone endpoints
// (404, 410) are removed from the store. Endpoints that already accepted
// p.Tag are skipped, so a retry reaches only the ones that failed.
func (s *Sink) Show(ctx context.Context, p reminder.Payload) error {
	owner := p.Data.OwnerID
	subs, err := s.subs.ListPushSubscriptions(ctx, owner)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		s.log.Debug("no push subscriptions", logx.String("owner", owner))
		return nil
	}

	var errs []error
	for _, sub := range subs {
		if s.sent.Done(p.Tag, sub.Endpoint) {
			continue
		}
		status, err := s.post(ctx, sub, p)
		switch {
		case status == http.StatusNotFound || status == http.StatusGone:
			if derr := s.subs.DeletePushSubscription(ctx, sub.OwnerID, sub.Endpoint); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				s.log.Warn("remove expired subscription failed", logx.String("owner", owner), logx.Err(derr))
			} else {
				s.log.Info("expired push subscription removed", logx.String("owner", owner), logx.Int("status", status))
			}
		case err != nil:
			errs = append(errs, err)
		default:
			s.sent.Mark(p.Tag, sub.Endpoint)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) post(ctx context.Context, sub storage.PushSubscription, p reminder.Payload) (int, error) {
	body, err := json.Marshal(message{
		Endpoint: sub.Endpoint,
		Keys:     keys{P256dh: sub.P256dh, Auth: sub.Auth},
		Payload:  p,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", strconv.Itoa(int(s.cfg.TTL.Seconds())))
	req.Header.Set("Urgency", "high")
	req.Header.Set("Topic", topic(p.Tag))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, fmt.Errorf("push endpoint returned http %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// topic returns a Topic header value: at most 32 URL-safe characters.
func topic(tag string) string {
	out := make([]byte, 0, 32)
	for i := 0; i < len(tag) && len(out) < 32; i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		}
	}
	return string(out)
}
