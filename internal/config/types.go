package config

// Config is the routinely configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	// OwnerID is the owner the foreground context and the HTTP API act for
	// when a request does not name one.
	OwnerID  string `json:"owner_id"`
	Timezone string `json:"timezone,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Reminders RemindersConfig `json:"reminders"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Bridge    BridgeConfig    `json:"bridge"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	WebPush   WebPushConfig   `json:"webpush"`
	Calendar  CalendarConfig  `json:"calendar"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RemindersConfig controls the due-detection loops.
//
// Defaults: lead_time "5m", interval "1m", tick_timeout "30s".
type RemindersConfig struct {
	LeadTime    string `json:"lead_time,omitempty"`
	Interval    string `json:"interval,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`

	Foreground ContextConfig `json:"foreground"`
	Background ContextConfig `json:"background"`
	Sweep      ContextConfig `json:"sweep"`
}

// ContextConfig configures one execution context.
//
// Permission is the initial permission state: the foreground starts at
// "default" and learns the answer from the browser; the background and
// sweep contexts are usually "granted".
type ContextConfig struct {
	Enabled    bool     `json:"enabled"`
	Permission string   `json:"permission,omitempty"`
	Sinks      []string `json:"sinks,omitempty"`
	// Schedule is the sweep trigger (duration or cron spec). Other contexts
	// tick every reminders.interval.
	Schedule string `json:"schedule,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"` // 0 disables retries
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/routinely.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// BridgeConfig selects the channel between the foreground and the
// background worker: "memory" (same process), "amqp" or "none".
type BridgeConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default ":8080"
	AuthToken    string `json:"auth_token,omitempty"`
	Debug        bool   `json:"debug,omitempty"`
	SSEKeepAlive string `json:"sse_keep_alive,omitempty"`
}

type TelegramConfig struct {
	Enabled       bool             `json:"enabled"`
	Token         string           `json:"token,omitempty"`
	PollTimeout   string           `json:"poll_timeout,omitempty"`
	DefaultChatID int64            `json:"default_chat_id,omitempty"`
	ThreadID      int              `json:"thread_id,omitempty"`
	Chats         map[string]int64 `json:"chats,omitempty"`
}

type WebPushConfig struct {
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout,omitempty"`
	TTL     string `json:"ttl,omitempty"`
}

type CalendarConfig struct {
	Feeds    []FeedConfig `json:"feeds,omitempty"`
	Schedule string       `json:"schedule,omitempty"`
	Window   string       `json:"window,omitempty"`
	Timeout  string       `json:"timeout,omitempty"`
}

type FeedConfig struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	OwnerID string `json:"owner_id"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// RetryLimit returns retry_max, or def when the key is omitted.
func (c NotifierConfig) RetryLimit(def int) int {
	if c.RetryMax == nil {
		return def
	}
	return *c.RetryMax
}

// NotifierEnabled defaults to true when the key is omitted.
func (c NotifierConfig) NotifierEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
