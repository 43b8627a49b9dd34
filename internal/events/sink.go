// Package events carries structured pipeline events out of the core: to the log,
// to a Kafka topic, and to the ClickHouse archive.
package events

import (
	"context"

	"github.com/jmehdipour/campaign-mailer/internal/model"
)

type Event = model.DeliveryEvent

// Sink receives pipeline events. Emit must not block the caller on slow I/O
// and never reports failure: a lost event never fails a delivery.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// Nop discards every event.
func Nop() Sink { return nopSink{} }

type multi []Sink

func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }
