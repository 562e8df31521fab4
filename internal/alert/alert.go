// Package alert notifies operators when background maintenance keeps
// failing. Notifiers are fan-out targets: Slack, Discord or the log.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Alert describes one persistent failure.
type Alert struct {
	Job      string
	Message  string
	Err      error
	Attempts int
	At       time.Time
}

// Text renders the alert as a single chat line.
func (a Alert) Text() string {
	s := fmt.Sprintf("[memorybank] %s failed after %d attempt(s): %s", a.Job, a.Attempts, a.Message)
	if a.Err != nil {
		s += ": " + a.Err.Error()
	}
	return s
}

// Notifier delivers alerts to an operator channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Multi sends every alert to all of its notifiers. One failing target does
// not stop the others.
type Multi struct {
	targets []Notifier
	logger  *zap.Logger
}

func NewMulti(logger *zap.Logger, targets ...Notifier) *Multi {
	return &Multi{targets: targets, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Notify(ctx, a); err != nil {
			m.logger.Warn("alert delivery failed", zap.String("target", t.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to the structured log at error level.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log { return &Log{logger: logger} }

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(_ context.Context, a Alert) error {
	l.logger.Error("maintenance job failing",
		zap.String("job", a.Job),
		zap.Int("attempts", a.Attempts),
		zap.String("message", a.Message),
		zap.Time("at", a.At),
		zap.Error(a.Err))
	return nil
}
