package app

import (
	"fmt"
	"strings"
	"time"

	"routinely/internal/bridge"
	"routinely/internal/calendar"
	"routinely/internal/config"
	"routinely/internal/httpapi"
	"routinely/internal/notifier"
	"routinely/internal/notifier/webpush"
	"routinely/internal/reminder"
	"routinely/internal/storage"
	"routinely/internal/task/scheduler"
	"routinely/internal/transport/telegram"
	logx "routinely/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

const defaultRetryMax = 3

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := n.RetryLimit(defaultRetryMax)
	return notifier.Config{
		Enabled:       n.NotifierEnabled(),
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(sc.Driver),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          sc.DSN,
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("reminders.tick_timeout", cfg.Reminders.TickTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: cfg.Timezone, DefaultTimeout: timeout}, nil
}

// loopSettings are the reminder loop knobs shared by every context.
type loopSettings struct {
	lead, every, tickTimeout time.Duration
}

func mapLoopSettings(cfg *config.Config) (loopSettings, error) {
	r := cfg.Reminders
	lead, err := config.ParseDurationOrDefault("reminders.lead_time", r.LeadTime, reminder.DefaultLeadTime)
	if err != nil {
		return loopSettings{}, err
	}
	every, err := config.ParseDurationOrDefault("reminders.interval", r.Interval, reminder.DefaultInterval)
	if err != nil {
		return loopSettings{}, err
	}
	tickTimeout, err := config.ParseDurationOrDefault("reminders.tick_timeout", r.TickTimeout, 30*time.Second)
	if err != nil {
		return loopSettings{}, err
	}
	return loopSettings{lead: lead, every: every, tickTimeout: tickTimeout}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Enabled:       t.Enabled,
		Token:         t.Token,
		PollTimeout:   poll,
		DefaultChatID: t.DefaultChatID,
		ThreadID:      t.ThreadID,
		Chats:         t.Chats,
	}, nil
}

func mapWebPushConfig(cfg *config.Config) (webpush.Config, error) {
	timeout, err := config.ParseDurationOrDefault("webpush.timeout", cfg.WebPush.Timeout, 10*time.Second)
	if err != nil {
		return webpush.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("webpush.ttl", cfg.WebPush.TTL, time.Hour)
	if err != nil {
		return webpush.Config{}, err
	}
	return webpush.Config{Timeout: timeout, TTL: ttl}, nil
}

func mapCalendarConfig(cfg *config.Config) (calendar.Config, error) {
	c := cfg.Calendar
	window, err := config.ParseDurationOrDefault("calendar.window", c.Window, calendar.DefaultWindow)
	if err != nil {
		return calendar.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("calendar.timeout", c.Timeout, 30*time.Second)
	if err != nil {
		return calendar.Config{}, err
	}
	feeds := make([]calendar.Feed, 0, len(c.Feeds))
	for _, f := range c.Feeds {
		feeds = append(feeds, calendar.Feed{ID: f.ID, URL: f.URL, OwnerID: f.OwnerID})
	}
	return calendar.Config{Feeds: feeds, Schedule: c.Schedule, Window: window, Timeout: timeout}, nil
}

func mapAMQPConfig(cfg *config.Config) bridge.AMQPConfig {
	b := cfg.Bridge
	return bridge.AMQPConfig{URL: b.URL, Exchange: b.Exchange, Queue: b.Queue, Prefetch: b.Prefetch}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, time.Duration, error) {
	h := cfg.HTTP
	keepAlive, err := config.ParseDurationOrDefault("http.sse_keep_alive", h.SSEKeepAlive, 25*time.Second)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = ":8080"
	}
	return httpapi.Config{
		Addr:         addr,
		AuthToken:    h.AuthToken,
		DefaultOwner: cfg.OwnerID,
		Debug:        h.Debug,
	}, keepAlive, nil
}

// contextSinks returns the configured sink names or the context default.
func contextSinks(c config.ContextConfig, def ...string) []string {
	if len(c.Sinks) > 0 {
		return c.Sinks
	}
	return def
}

func contextPermission(c config.ContextConfig, def reminder.Permission) (reminder.Permission, error) {
	if strings.TrimSpace(c.Permission) == "" {
		return def, nil
	}
	p, err := reminder.ParsePermission(c.Permission)
	if err != nil {
		return "", fmt.Errorf("permission: %w", err)
	}
	return p, nil
}

func bridgeDriver(cfg *config.Config) string {
	d := strings.ToLower(strings.TrimSpace(cfg.Bridge.Driver))
	if d == "" {
		return "memory"
	}
	return d
}
