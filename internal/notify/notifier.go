// Package notify delivers task outcome notifications.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Level tells a successful run from a failed one
type Level string

const (
	LevelSuccess Level = "success"
	LevelFailure Level = "failure"
)

// Notification is one user-facing message about a finished run
type Notification struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
	Level  Level  `json:"level"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Notifier defines the interface for sending notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiNotifier fans a notification out to every notifier
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier combines notifiers; nil entries are skipped.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Notify delivers to all notifiers and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new log notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("task_id", n.TaskID),
		zap.String("run_id", n.RunID),
		zap.String("body", n.Body),
	}
	if n.Level == LevelFailure {
		l.logger.Warn(n.Title, fields...)
		return nil
	}
	l.logger.Info(n.Title, fields...)
	return nil
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(context.Context, Notification) error { return nil }
