package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSink_LevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSink(zap.New(core))

	s.Emit(context.Background(), Event{Type: model.EventItemSent, CampaignID: 3, ContactID: 4, TrackingID: "3-4-1"})
	s.Emit(context.Background(), Event{Type: model.EventItemFailed, CampaignID: 3, ContactID: 5, Error: "550 mailbox unavailable"})
	s.Emit(context.Background(), Event{Type: model.EventItemMalformed, MessageID: "01J"})

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "item.sent", entries[0].ContextMap()["event"])
	assert.Equal(t, int64(3), entries[0].ContextMap()["campaign_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "550 mailbox unavailable", entries[1].ContextMap()["error"])

	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, "01J", entries[2].ContextMap()["message_id"])
}

func TestMulti_FansOut(t *testing.T) {
	var a, b int
	s := Multi(
		SinkFunc(func(context.Context, Event) { a++ }),
		nil,
		SinkFunc(func(context.Context, Event) { b++ }),
	)
	s.Emit(context.Background(), Event{Type: model.EventItemSent})

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

type fakePublisher struct {
	err  error
	keys []string
	vals [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, key, value []byte) error {
	p.keys = append(p.keys, string(key))
	p.vals = append(p.vals, value)
	return p.err
}

func TestKafkaSink_PublishesJSONKeyedByCampaign(t *testing.T) {
	pub := &fakePublisher{}
	s := NewKafkaSink(pub, nil)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.Emit(context.Background(), Event{Type: model.EventCampaignCompleted, CampaignID: 12, At: at})

	require.Len(t, pub.vals, 1)
	assert.Equal(t, "12", pub.keys[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.vals[0], &got))
	assert.Equal(t, model.EventCampaignCompleted, got.Type)
	assert.True(t, got.At.Equal(at))
}

func TestKafkaSink_SwallowsPublishErrors(t *testing.T) {
	s := NewKafkaSink(&fakePublisher{err: errors.New("broker down")}, nil)
	assert.NotPanics(t, func() {
		s.Emit(context.Background(), Event{Type: model.EventItemSent})
	})
}

type fakeBatchWriter struct {
	mu      sync.Mutex
	batches [][]model.DeliveryEvent
}

func (w *fakeBatchWriter) InsertBatch(_ context.Context, events []model.DeliveryEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]model.DeliveryEvent(nil), events...))
	return nil
}

func (w *fakeBatchWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestClickHouseSink_FlushesBySizeAndOnShutdown(t *testing.T) {
	w := &fakeBatchWriter{}
	s := NewClickHouseSink(w, nil)
	s.BatchSize = 2
	s.BatchWait = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	for i := 0; i < 3; i++ {
		s.Emit(ctx, Event{Type: model.EventItemSent, ContactID: int64(i + 1)})
	}

	require.Eventually(t, func() bool { return w.total() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
	assert.Equal(t, 3, w.total())
}
