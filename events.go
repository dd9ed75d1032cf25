package edgehost

import (
	"errors"
	"time"
)

// unsupportedEvents gives non-worker services their fixed rejections for the
// non-HTTP event types, so each service only implements Request.
type unsupportedEvents struct {
	message string
}

func (u unsupportedEvents) err() error { return errors.New(u.message) }

func (u unsupportedEvents) Prewarm(url string) {}

func (u unsupportedEvents) SendTraces(traces []TraceEvent) error { return u.err() }

func (u unsupportedEvents) RunScheduled(scheduledTime time.Time, cron string) error {
	return u.err()
}

func (u unsupportedEvents) RunAlarm(scheduledTime time.Time) error { return u.err() }

func (u unsupportedEvents) CustomEvent(eventType string) error { return u.err() }
