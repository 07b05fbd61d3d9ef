package alert

import (
	"context"
	"time"

	"github.com/songzhibin97/conduit/pkg/log"
)

// Producer delivers alert events.
type Producer interface {
	Send(ctx context.Context, event *Event) error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, event *Event) error

// Send calls f.
func (f ProducerFunc) Send(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Nop discards events.
type Nop struct{}

// Send implements Producer.
func (Nop) Send(context.Context, *Event) error { return nil }

// LogProducer writes events to a logger.
type LogProducer struct {
	logger log.Logger
}

// NewLogProducer creates a producer that logs every event at warn level.
func NewLogProducer(logger log.Logger) *LogProducer {
	if logger == nil {
		logger = log.Component("alerts")
	}
	return &LogProducer{logger: logger}
}

// Send implements Producer.
func (p *LogProducer) Send(_ context.Context, event *Event) error {
	fields := []log.Field{
		log.String("event_id", event.ID),
		log.String("event_type", event.Type),
		log.Any("context", event.Context),
	}
	for k, v := range event.Properties {
		fields = append(fields, log.Any(k, v))
	}
	p.logger.Warn("alert", fields...)
	return nil
}

// Async wraps a Producer so Send never blocks the caller.
// Delivery runs in its own goroutine bounded by timeout; failures are logged.
type Async struct {
	next    Producer
	timeout time.Duration
	logger  log.Logger
}

// NewAsync wraps next. A non-positive timeout defaults to two seconds.
func NewAsync(next Producer, timeout time.Duration, logger log.Logger) *Async {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.Component("alerts")
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Send schedules delivery and returns immediately.
func (a *Async) Send(ctx context.Context, event *Event) error {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("alert producer panicked", log.Any("panic", r), log.String("event_type", event.Type))
			}
		}()

		sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		if err := a.next.Send(sendCtx, event); err != nil {
			a.logger.Warn("failed to send alert",
				log.String("event_id", event.ID),
				log.String("event_type", event.Type),
				log.Error(err),
			)
		}
	}()
	return nil
}
