package notifier

import (
	"context"
	"fmt"
	"time"

	"routinely/internal/reminder"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Sink presents a payload to the user (browser, chat, push relay, log).
type Sink interface {
	Name() string
	Show(ctx context.Context, p reminder.Payload) error
}

// DeliveryError is a failure of one sink for one payload.
type DeliveryError struct {
	Sink string
	Tag  string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s via %s: %v", e.Tag, e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// DeliveryEvent is published on the bus for every sink attempt outcome.
type DeliveryEvent struct {
	Context  string        `json:"context"`
	Sink     string        `json:"sink"`
	Tag      string        `json:"tag"`
	Kind     reminder.Kind `json:"kind"`
	ID       string        `json:"id"`
	OwnerID  string        `json:"owner_id,omitempty"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
	Error    string        `json:"error,omitempty"`
}
