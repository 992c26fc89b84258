package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"routinely/internal/task/scheduler"
	logx "routinely/pkg/logx"
)

// Sink names a context may deliver to.
var sinkNames = []any{"sse", "telegram", "webpush", "log"}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.OwnerID, validation.Length(0, 200)),
		validation.Field(&c.Timezone, validation.By(isTimezone)),
		validation.Field(&c.Logging),
		validation.Field(&c.Reminders),
		validation.Field(&c.Notifier),
		validation.Field(&c.Storage),
		validation.Field(&c.Bridge),
		validation.Field(&c.HTTP),
		validation.Field(&c.Telegram),
		validation.Field(&c.WebPush),
		validation.Field(&c.Calendar),
	)
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.By(func(v any) error {
			s, _ := v.(string)
			if s != "" && !logx.ValidLevel(s) {
				return fmt.Errorf("unknown level %q", s)
			}
			return nil
		})),
		validation.Field(&c.File, validation.By(func(v any) error {
			f, _ := v.(LoggingFile)
			if f.Enabled && strings.TrimSpace(f.Path) == "" {
				return fmt.Errorf("path is required when enabled")
			}
			return nil
		})),
	)
}

func (c RemindersConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.LeadTime, isDuration),
		validation.Field(&c.Interval, isDuration, everyMinute),
		validation.Field(&c.TickTimeout, isDuration),
		validation.Field(&c.Foreground),
		validation.Field(&c.Background),
		validation.Field(&c.Sweep),
	)
}

func (c ContextConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Permission, validation.In("default", "granted", "denied")),
		validation.Field(&c.Sinks, validation.Each(validation.In(sinkNames...))),
		validation.Field(&c.Schedule, everyMinute),
	)
}

func (c NotifierConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Workers, validation.Min(0)),
		validation.Field(&c.QueueSize, validation.Min(0)),
		validation.Field(&c.RatePerSec, validation.Min(0)),
		validation.Field(&c.RetryMax, validation.Min(0)),
		validation.Field(&c.RetryBase, isDuration),
		validation.Field(&c.RetryMaxDelay, isDuration),
		validation.Field(&c.SendTimeout, isDuration),
	)
}

func (c StorageConfig) Validate() error {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.In("", "none", "sqlite", "sqlite3", "postgres", "postgresql", "pgx")),
		validation.Field(&c.DSN, validation.When(driver == "postgres" || driver == "postgresql" || driver == "pgx", validation.Required)),
		validation.Field(&c.BusyTimeout, isDuration),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
	)
}

func (c BridgeConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.In("", "none", "memory", "amqp")),
		validation.Field(&c.URL, validation.When(strings.EqualFold(c.Driver, "amqp"), validation.Required)),
		validation.Field(&c.Prefetch, validation.Min(0)),
	)
}

func (c HTTPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SSEKeepAlive, isDuration),
	)
}

func (c TelegramConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Token, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.PollTimeout, isDuration),
		validation.Field(&c.ThreadID, validation.Min(0)),
	)
}

func (c WebPushConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Timeout, isDuration),
		validation.Field(&c.TTL, isDuration),
	)
}

func (c CalendarConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Feeds),
		validation.Field(&c.Window, isDuration),
		validation.Field(&c.Timeout, isDuration),
	)
}

func (f FeedConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.ID, validation.Required),
		validation.Field(&f.URL, validation.Required, is.URL),
		validation.Field(&f.OwnerID, validation.Required),
	)
}

func isTimezone(v any) error {
	s, _ := v.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("unknown time zone %q", s)
	}
	return nil
}

// everyMinute rejects tick schedules that can skip a minute: reminders are
// matched against the minute of the tick, so a skipped minute is never
// delivered.
var everyMinute = validation.By(func(v any) error {
	s, _ := v.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	gap, err := scheduler.MaxGap(s, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return err
	}
	if gap > time.Minute {
		return fmt.Errorf("must run at least once a minute (longest gap %s)", gap)
	}
	return nil
})
