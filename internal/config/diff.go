package config

import (
	"reflect"
	"sort"
	"strings"

	logx "routinely/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe attrs for
// logging. Secrets (tokens, DSNs, URLs with credentials) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.OwnerID != newCfg.OwnerID || oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "general")
		attrs = append(attrs,
			logx.Bool("owner_id_set", newCfg.OwnerID != ""),
			logx.String("timezone", newCfg.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		r := newCfg.Reminders
		attrs = append(attrs,
			logx.String("reminders.lead_time", r.LeadTime),
			logx.String("reminders.interval", r.Interval),
			logx.Bool("reminders.foreground", r.Foreground.Enabled),
			logx.Bool("reminders.background", r.Background.Enabled),
			logx.Bool("reminders.sweep", r.Sweep.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.NotifierEnabled()),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.queue_size", n.QueueSize),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryLimit(-1)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Bridge, newCfg.Bridge) {
		changed = append(changed, "bridge")
		attrs = append(attrs, logx.String("bridge.driver", newCfg.Bridge.Driver))
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.auth", newCfg.HTTP.AuthToken != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.chat_count", len(newCfg.Telegram.Chats)),
		)
	}

	if !reflect.DeepEqual(oldCfg.WebPush, newCfg.WebPush) {
		changed = append(changed, "webpush")
		attrs = append(attrs, logx.Bool("webpush.enabled", newCfg.WebPush.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Calendar, newCfg.Calendar) {
		changed = append(changed, "calendar")
		attrs = append(attrs, logx.Int("calendar.feeds", len(newCfg.Calendar.Feeds)))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists sections whose changes only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "logging", "notifier":
		default:
			out = append(out, s)
		}
	}
	return out
}
