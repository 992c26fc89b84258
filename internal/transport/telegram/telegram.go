// Package telegram delivers reminders as Telegram bot messages and lets the
// owner answer notification permission prompts with inline buttons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"routinely/internal/notifier"
	"routinely/internal/reminder"
	rtsup "routinely/internal/runtime/supervisor"
	kit "routinely/internal/transport"
	logx "routinely/pkg/logx"
)

const (
	callbackGrant = "perm:granted"
	callbackDeny  = "perm:denied"
)

var ErrNoChat = errors.New("telegram: no chat for owner")

type Config struct {
	Enabled       bool
	Token         string
	PollTimeout   time.Duration
	DefaultChatID int64
	ThreadID      int
	// Chats maps owner ids to chat ids. Owners without an entry use DefaultChatID.
	Chats map[string]int64
}

// sender is the part of *tele.Bot the adapter uses.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot  *tele.Bot
	send sender
	sent *notifier.Progress

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	decMu    sync.Mutex
	decision func(reminder.Permission)
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, log, b)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger, s sender) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:  cfg,
		log:  log.With(logx.Component("telegram")),
		send: s,
		sent: notifier.NewProgress(notifier.DefaultProgressTTL),
	}
}

func (a *Adapter) Name() string { return "telegram" }

// OnDecision registers the receiver of permission answers.
func (a *Adapter) OnDecision(fn func(reminder.Permission)) {
	a.decMu.Lock()
	a.decision = fn
	a.decMu.Unlock()
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		reply, ok := a.handleDecision(m.Chat.ID, cb.Data)
		if !ok {
			return c.Respond()
		}
		return c.Respond(&tele.CallbackResponse{Text: reply})
	})
	a.bot.Handle("/allow", func(c tele.Context) error {
		if reply, ok := a.handleDecision(c.Chat().ID, callbackGrant); ok {
			return c.Send(reply)
		}
		return nil
	})
	a.bot.Handle("/block", func(c tele.Context) error {
		if reply, ok := a.handleDecision(c.Chat().ID, callbackDeny); ok {
			return c.Send(reply)
		}
		return nil
	})
}

// handleDecision applies a permission answer coming from chatID.
func (a *Adapter) handleDecision(chatID int64, data string) (string, bool) {
	if !a.knownChat(chatID) {
		a.log.Warn("permission answer from unknown chat ignored", logx.Int64("chat_id", chatID))
		return "", false
	}
	var p reminder.Permission
	switch strings.TrimSpace(data) {
	case callbackGrant:
		p = reminder.PermissionGranted
	case callbackDeny:
		p = reminder.PermissionDenied
	default:
		return "", false
	}

	a.decMu.Lock()
	fn := a.decision
	a.decMu.Unlock()
	if fn != nil {
		fn(p)
	}
	a.log.Info("permission answered", logx.String("permission", string(p)))
	if p == reminder.PermissionGranted {
		return "Notifications enabled! You'll receive reminders at the scheduled times.", true
	}
	return "Notifications blocked. Send /allow to turn them back on.", true
}

func (a *Adapter) knownChat(chatID int64) bool {
	if chatID == 0 {
		return false
	}
	if chatID == a.cfg.DefaultChatID {
		return true
	}
	for _, id := range a.cfg.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}

func (a *Adapter) targetFor(ownerID string) (kit.ChatTarget, bool) {
	if id, ok := a.cfg.Chats[ownerID]; ok && id != 0 {
		return kit.ChatTarget{ChatID: id, ThreadID: a.cfg.ThreadID}, true
	}
	if a.cfg.DefaultChatID != 0 {
		return kit.ChatTarget{ChatID: a.cfg.DefaultChatID, ThreadID: a.cfg.ThreadID}, true
	}
	return kit.ChatTarget{}, false
}

func (a *Adapter) Start(ctx context.Context) {
	if a.bot == nil {
		return
	}
	a.runMu.Lock()
	if a.sup != nil {
		a.runMu.Unlock()
		return
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Show sends the reminder to the owner's chat. Chunks already sent for p.Tag
// are not sent again when the notifier retries.
func (a *Adapter) Show(ctx context.Context, p reminder.Payload) error {
	to, ok := a.targetFor(p.Data.OwnerID)
	if !ok {
		return fmt.Errorf("%w %q", ErrNoChat, p.Data.OwnerID)
	}
	_, err := a.sendText(ctx, to, formatPayload(p), &kit.SendOptions{ParseMode: tele.ModeHTML, DisablePreview: true}, p.Tag)
	return err
}

// PromptPermission asks the default chat to allow or block reminders.
func (a *Adapter) PromptPermission(ctx context.Context) error {
	if a.cfg.DefaultChatID == 0 {
		return ErrNoChat
	}
	rm := &tele.ReplyMarkup{}
	rm.InlineKeyboard = [][]tele.InlineButton{{
		{Text: "Allow", Data: callbackGrant},
		{Text: "Block", Data: callbackDeny},
	}}
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: a.cfg.DefaultChatID, ThreadID: a.cfg.ThreadID},
		"Allow reminder notifications in this chat?", &kit.SendOptions{ReplyMarkupAdapter: rm})
	return err
}

func formatPayload(p reminder.Payload) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(p.Title))
	b.WriteString("</b>\n")
	b.WriteString(html.EscapeString(p.Body))
	if !p.DueAt.IsZero() {
		b.WriteString("\n<i>")
		b.WriteString(p.DueAt.Format("Mon 02 Jan 15:04"))
		b.WriteString("</i>")
	}
	return b.String()
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return a.sendText(ctx, to, text, opt, "")
}

// sendText sends text in chunks. With a tag, each chunk is recorded once
// accepted and skipped on later calls for the same tag.
func (a *Adapter) sendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions, tag string) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		part := strconv.FormatInt(to.ChatID, 10) + "/" + strconv.Itoa(i)
		if a.sent.Done(tag, part) {
			continue
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		// Attach markup only to the first message.
		if i == 0 && opt.ReplyMarkupAdapter != nil {
			if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
				sendOpt.ReplyMarkup = rm
			}
		}
		msg, err := a.send.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		a.sent.Mark(tag, part)
		if i == 0 && msg != nil {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
