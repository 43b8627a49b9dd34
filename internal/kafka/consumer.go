package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string        // empty reads the topic without a group from StartOffset
	StartOffset    int64         // kafka.FirstOffset or kafka.LastOffset; group-less readers only
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // default 1s
	MaxWait        time.Duration // default 50ms
}

// Consumer is a thin wrapper around segmentio/kafka-go Reader.
type Consumer struct {
	r       *kafka.Reader
	grouped bool
}

func NewConsumer(c ConsumerConfig) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10 // 1KB
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	ci := c.CommitInterval
	if ci <= 0 {
		ci = time.Second
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 50 * time.Millisecond
	}

	rc := kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        mw,
	}
	if c.GroupID == "" {
		rc.StartOffset = c.StartOffset
		if rc.StartOffset == 0 {
			rc.StartOffset = kafka.LastOffset
		}
	}

	return &Consumer{r: kafka.NewReader(rc), grouped: c.GroupID != ""}
}

type Message = kafka.Message

const (
	FirstOffset = kafka.FirstOffset
	LastOffset  = kafka.LastOffset
)

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

// Commit is a no-op for group-less readers.
func (c *Consumer) Commit(ctx context.Context, m Message) error {
	if !c.grouped {
		return nil
	}
	return c.r.CommitMessages(ctx, m)
}

// Consume hands every message to handle and commits it, until ctx is cancelled or handle fails.
func (c *Consumer) Consume(ctx context.Context, handle func(Message) error) error {
	for {
		m, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := handle(m); err != nil {
			return err
		}
		if err := c.Commit(ctx, m); err != nil && ctx.Err() == nil {
			return err
		}
	}
}

func (c *Consumer) Close() error { return c.r.Close() }
