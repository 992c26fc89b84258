package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	logx "routinely/pkg/logx"
)

type Config struct {
	Timezone       string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	DefaultTimeout time.Duration
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	every   time.Duration
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	state   *runState
}

type runState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64

	mu      sync.Mutex
	lastErr string
	lastRun time.Time
	lastDur time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skips   uint64        `json:"skips"`
	Fails   uint64        `json:"fails"`
	LastErr string        `json:"last_err,omitempty"`
	LastDur time.Duration `json:"last_dur"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
