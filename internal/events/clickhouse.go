package events

import (
	"context"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"go.uber.org/zap"
)

// BatchWriter persists a batch of events.
type BatchWriter interface {
	InsertBatch(ctx context.Context, events []model.DeliveryEvent) error
}

// ClickHouseSink buffers events and flushes them in batches by size or time.
// Emit never blocks: when the buffer is full the event is dropped and counted.
type ClickHouseSink struct {
	w   BatchWriter
	log *zap.Logger

	BatchSize int
	BatchWait time.Duration

	in   chan Event
	done chan struct{}
}

func NewClickHouseSink(w BatchWriter, log *zap.Logger) *ClickHouseSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClickHouseSink{
		w:         w,
		log:       log.Named("events.clickhouse"),
		BatchSize: 500,
		BatchWait: time.Second,
		in:        make(chan Event, 4096),
		done:      make(chan struct{}),
	}
}

func (s *ClickHouseSink) Emit(_ context.Context, e Event) {
	select {
	case s.in <- e:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("clickhouse").Inc()
	}
}

// Run flushes until ctx is cancelled, then drains what is buffered.
func (s *ClickHouseSink) Run(ctx context.Context) {
	defer close(s.done)

	tick := time.NewTicker(s.BatchWait)
	defer tick.Stop()

	buf := make([]Event, 0, s.BatchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		// flush on a fresh context so the final drain survives shutdown
		fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.w.InsertBatch(fctx, buf); err != nil {
			metrics.EventsDroppedTotal.WithLabelValues("clickhouse").Add(float64(len(buf)))
			s.log.Error("insert event batch", zap.Int("size", len(buf)), zap.Error(err))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-s.in:
					buf = append(buf, e)
				default:
					flush()
					return
				}
			}
		case e := <-s.in:
			buf = append(buf, e)
			if len(buf) >= s.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

// Wait blocks until Run has returned.
func (s *ClickHouseSink) Wait() {
	<-s.done
}
