// Package notify delivers newly available sessions to subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
)

// Notification groups the newly available sessions of one course found in
// one tick. Course.URL is the grouping key.
type Notification struct {
	Course   model.WatchedCourse   `json:"course"`
	Sessions []model.SessionRecord `json:"sessions"`
	At       time.Time             `json:"at"`
}

// Sink consumes notifications. Implementations must be safe for use by the
// poll loop goroutine while other goroutines register clients etc.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi fans a notification out to every sink. A failing sink does not stop
// delivery to the others; all errors are joined.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for i, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %d (%T): %w", i, s, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every session of a notification to the application log.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	for _, s := range n.Sessions {
		appLog.Info("new available spot",
			"course", n.Course.Title,
			"url", n.Course.URL,
			"room", s.Room,
			"day", s.Day,
			"date", s.Datetime,
			"hour", s.Hour,
			"spots", s.SpotCount,
		)
	}
	return nil
}
