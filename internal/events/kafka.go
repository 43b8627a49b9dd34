package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"go.uber.org/zap"
)

// Publisher is the write side of a Kafka topic.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// KafkaSink publishes events as JSON keyed by campaign id, so one campaign's events
// stay ordered within a partition.
type KafkaSink struct {
	pub Publisher
	log *zap.Logger
}

func NewKafkaSink(pub Publisher, log *zap.Logger) *KafkaSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{pub: pub, log: log.Named("events.kafka")}
}

func (s *KafkaSink) Emit(ctx context.Context, e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		s.log.Error("marshal event", zap.Error(err))
		return
	}

	key := []byte(strconv.FormatInt(e.CampaignID, 10))
	if err := s.pub.Publish(ctx, key, b); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("kafka").Inc()
		s.log.Warn("publish event", zap.String("event", e.Type.String()), zap.Error(err))
	}
}
