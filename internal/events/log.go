package events

import (
	"context"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes each event as one structured zap entry.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event", e.Type.String()),
		zap.Time("at", e.At),
	}
	if e.CampaignID != 0 {
		fields = append(fields, zap.Int64("campaign_id", e.CampaignID))
	}
	if e.ContactID != 0 {
		fields = append(fields, zap.Int64("contact_id", e.ContactID))
	}
	if e.TrackingID != "" {
		fields = append(fields, zap.String("tracking_id", e.TrackingID))
	}
	if e.MessageID != "" {
		fields = append(fields, zap.String("message_id", e.MessageID))
	}
	if e.Attempt != 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Count != 0 {
		fields = append(fields, zap.Int64("count", e.Count))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}

	if ce := s.log.Check(levelOf(e.Type), "pipeline event"); ce != nil {
		ce.Write(fields...)
	}
}

func levelOf(t model.EventType) zapcore.Level {
	switch t {
	case model.EventItemMalformed, model.EventItemDeadLettered, model.EventLeaseFailed:
		return zapcore.ErrorLevel
	case model.EventItemFailed, model.EventQueueCleared, model.EventCampaignStopped:
		return zapcore.WarnLevel
	case model.EventItemOpened, model.EventItemClicked, model.EventItemDuplicate:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
