package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"routinely/internal/reminder"
	logx "routinely/pkg/logx"
)

type sent struct {
	chat int64
	text string
	opts *tele.SendOptions
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := sent{text: what.(string)}
	if c, ok := to.(*tele.Chat); ok {
		s.chat = c.ID
	}
	if len(opts) > 0 {
		s.opts, _ = opts[0].(*tele.SendOptions)
	}
	f.msgs = append(f.msgs, s)
	return &tele.Message{ID: len(f.msgs)}, nil
}

func TestShowRoutesByOwner(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	a := newAdapter(Config{DefaultChatID: 100, Chats: map[string]int64{"u1": 200}}, logx.Nop(), fs)

	p := reminder.Payload{
		Title: reminder.TitleRoutine,
		Body:  "Take <meds>",
		DueAt: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC),
		Data:  reminder.PayloadData{Kind: reminder.KindRoutine, ID: "r1", OwnerID: "u1"},
	}
	if err := a.Show(context.Background(), p); err != nil {
		t.Fatalf("show: %v", err)
	}
	p.Data.OwnerID = "someone-else"
	if err := a.Show(context.Background(), p); err != nil {
		t.Fatalf("show default: %v", err)
	}

	if len(fs.msgs) != 2 || fs.msgs[0].chat != 200 || fs.msgs[1].chat != 100 {
		t.Fatalf("unexpected routing: %+v", fs.msgs)
	}
	if !strings.Contains(fs.msgs[0].text, "Take &lt;meds&gt;") {
		t.Fatalf("body not escaped: %q", fs.msgs[0].text)
	}
	if fs.msgs[0].opts == nil || fs.msgs[0].opts.ParseMode != tele.ModeHTML {
		t.Fatalf("expected HTML parse mode")
	}
}

func TestShowWithoutChat(t *testing.T) {
	t.Parallel()
	a := newAdapter(Config{}, logx.Nop(), &fakeSender{})
	err := a.Show(context.Background(), reminder.Payload{Data: reminder.PayloadData{OwnerID: "u1"}})
	if !errors.Is(err, ErrNoChat) {
		t.Fatalf("want ErrNoChat, got %v", err)
	}
	if err := a.PromptPermission(context.Background()); !errors.Is(err, ErrNoChat) {
		t.Fatalf("prompt: want ErrNoChat, got %v", err)
	}
}

func TestPromptPermissionAttachesButtons(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	a := newAdapter(Config{DefaultChatID: 7}, logx.Nop(), fs)
	if err := a.PromptPermission(context.Background()); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if len(fs.msgs) != 1 || fs.msgs[0].opts == nil || fs.msgs[0].opts.ReplyMarkup == nil {
		t.Fatalf("expected inline keyboard, got %+v", fs.msgs)
	}
	row := fs.msgs[0].opts.ReplyMarkup.InlineKeyboard[0]
	if row[0].Data != callbackGrant || row[1].Data != callbackDeny {
		t.Fatalf("unexpected buttons: %+v", row)
	}
}

func TestHandleDecision(t *testing.T) {
	t.Parallel()
	a := newAdapter(Config{DefaultChatID: 7, Chats: map[string]int64{"u1": 8}}, logx.Nop(), &fakeSender{})
	var got []reminder.Permission
	a.OnDecision(func(p reminder.Permission) { got = append(got, p) })

	if _, ok := a.handleDecision(99, callbackGrant); ok {
		t.Fatalf("unknown chat must be ignored")
	}
	if _, ok := a.handleDecision(7, "other"); ok {
		t.Fatalf("unknown data must be ignored")
	}
	if _, ok := a.handleDecision(7, callbackGrant); !ok {
		t.Fatalf("grant from default chat")
	}
	if _, ok := a.handleDecision(8, callbackDeny); !ok {
		t.Fatalf("deny from owner chat")
	}
	if len(got) != 2 || got[0] != reminder.PermissionGranted || got[1] != reminder.PermissionDenied {
		t.Fatalf("decisions: %v", got)
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"long", strings.Repeat("a", 25), 10, 3},
		{"newline", strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitTelegramText(tt.in, tt.limit, "")
			if len(got) != tt.want {
				t.Fatalf("chunks=%d want %d: %q", len(got), tt.want, got)
			}
			if strings.ReplaceAll(strings.Join(got, ""), "\n", "") != strings.ReplaceAll(tt.in, "\n", "") {
				t.Fatalf("content lost: %q", got)
			}
		})
	}
}

func TestSplitTelegramTextHTML(t *testing.T) {
	t.Parallel()
	in := "abcdefg<b>xyz</b>"
	got := splitTelegramText(in, 9, "HTML")
	if got[0] != "abcdefg" {
		t.Fatalf("split inside tag: %q", got)
	}
}

// flakySender fails the call numbered failOn (1-based) once.
type flakySender struct {
	mu     sync.Mutex
	calls  int
	failOn int
	texts  []string
}

func (f *flakySender) Send(_ tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("telegram: 502 bad gateway")
	}
	f.texts = append(f.texts, what.(string))
	return &tele.Message{ID: f.calls}, nil
}

func TestShowRetryResumesAfterSentChunks(t *testing.T) {
	t.Parallel()
	fs := &flakySender{failOn: 2}
	a := newAdapter(Config{Chats: map[string]int64{"u1": 5}}, logx.Nop(), fs)

	p := reminder.Payload{
		Title: reminder.TitleRoutine,
		Body:  strings.Repeat("stretch and breathe\n", 300),
		Tag:   "routine-r1-2024-03-01-07:30",
		Data:  reminder.PayloadData{Kind: reminder.KindRoutine, ID: "r1", OwnerID: "u1"},
	}
	if err := a.Show(context.Background(), p); err == nil {
		t.Fatal("expected the second chunk to fail")
	}
	if err := a.Show(context.Background(), p); err != nil {
		t.Fatalf("retry: %v", err)
	}

	want := splitTelegramText(formatPayload(p), telegramTextLimit, tele.ModeHTML)
	if len(want) < 2 {
		t.Fatalf("payload should span several chunks, got %d", len(want))
	}
	if len(fs.texts) != len(want) {
		t.Fatalf("delivered %d chunks, want %d (no chunk twice)", len(fs.texts), len(want))
	}
	for i := range want {
		if fs.texts[i] != want[i] {
			t.Fatalf("chunk %d out of order", i)
		}
	}
}
