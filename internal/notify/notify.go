// Package notify delivers task progress to whoever started the task.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	Started      Kind = "started"
	Attempt      Kind = "attempt"
	SlotFound    Kind = "slot_found"
	Error        Kind = "error"
	Cancelled    Kind = "cancelled"
	Exhausted    Kind = "exhausted"
	Aborted      Kind = "aborted"
	ManualAction Kind = "manual_action"
)

// Event is one progress report. Message is always human readable; stack
// traces stay in the logs.
type Event struct {
	Kind        Kind      `json:"kind"`
	TaskKey     string    `json:"task_key"`
	TaskID      string    `json:"task_id,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	Message     string    `json:"message,omitempty"`
	Code        string    `json:"code,omitempty"`
	Screenshot  []byte    `json:"-"`
	At          time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop drops every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) error { return nil })

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{zap.String("task", e.TaskKey), zap.String("event", string(e.Kind))}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task_id", e.TaskID))
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt), zap.Int("max_attempts", e.MaxAttempts))
	}
	if e.Code != "" {
		fields = append(fields, zap.String("code", e.Code))
	}
	if len(e.Screenshot) > 0 {
		fields = append(fields, zap.Int("screenshot_bytes", len(e.Screenshot)))
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	switch e.Kind {
	case Error, Aborted:
		n.Logger.Warn(msg, fields...)
	default:
		n.Logger.Info(msg, fields...)
	}
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type taskIDKey struct{}

// WithTaskID attaches the id of the running task to ctx.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskIDFrom returns the task id attached by WithTaskID, if any.
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
