package notifier

import (
	"context"

	"routinely/internal/reminder"
	logx "routinely/pkg/logx"
)

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Show(_ context.Context, p reminder.Payload) error {
	s.Log.Info("notification",
		logx.String("title", p.Title),
		logx.String("body", p.Body),
		logx.String("tag", p.Tag),
		logx.String("owner", p.Data.OwnerID),
	)
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, p reminder.Payload) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Show(ctx context.Context, p reminder.Payload) error { return f.Fn(ctx, p) }
