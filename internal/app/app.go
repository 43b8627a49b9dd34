// Package app builds the process-wide object graph from config: connections,
// queue backend, repositories, event sinks, the campaign service and the mailer.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/jmehdipour/campaign-mailer/internal/db"
	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/kafka"
	"github.com/jmehdipour/campaign-mailer/internal/mailer"
	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	"github.com/jmehdipour/campaign-mailer/internal/service/campaign"
	"github.com/jmehdipour/campaign-mailer/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	segkafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type App struct {
	Cfg config.Config
	Log *zap.Logger

	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB      // nil unless clickhouse.enabled
	Redis      *redis.Client // nil unless needed

	Queue      queue.Queue
	Campaigns  repository.CampaignsRepository
	Contacts   repository.ContactsRepository
	Logs       repository.DeliveryLogsRepository
	CHEvents   repository.CHEventsRepository // nil unless clickhouse.enabled
	Sink       events.Sink
	Completion *campaign.CompletionDetector
	Service    *campaign.Service

	stopSinks context.CancelFunc
	chSink    *events.ClickHouseSink
	closers   []func() error
}

type Options struct {
	// Redis connects Redis even when the queue driver does not need it (rate limiting).
	Redis bool
}

// New opens every connection the configuration asks for. Close releases them.
func New(cfg config.Config, log *zap.Logger, opts Options) (a *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	a = &App{Cfg: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.MySQL, err = db.NewMySQL(cfg.MySQL); err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	a.onClose(a.MySQL.Close)

	if cfg.ClickHouse.Enabled {
		if a.ClickHouse, err = db.NewClickHouse(cfg.ClickHouse.DatabaseConfig); err != nil {
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.onClose(a.ClickHouse.Close)
		a.CHEvents = repository.NewCHEventsRepository(a.ClickHouse)
	}

	if opts.Redis || cfg.Queue.Driver == queue.DriverRedis {
		if a.Redis, err = db.NewRedis(cfg.Redis); err != nil {
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		a.onClose(a.Redis.Close)
	}

	if a.Queue, err = BuildQueue(cfg.Queue, a.MySQL, a.Redis); err != nil {
		return nil, err
	}

	a.Campaigns = repository.NewCampaignsRepository(a.MySQL)
	a.Contacts = repository.NewContactsRepository(a.MySQL)
	a.Logs = repository.NewDeliveryLogsRepository(a.MySQL)

	a.Sink = a.buildSink()

	a.Completion = campaign.NewCompletionDetector(a.Campaigns, a.Logs, a.Sink)
	a.Service = campaign.New(
		a.Campaigns,
		a.Contacts,
		a.Logs,
		a.Queue,
		a.Completion,
		cfg.HTTP.PublicBaseURL,
		a.Sink,
		log,
	)

	return a, nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// BuildQueue selects the queue backend named by cfg.Driver.
func BuildQueue(cfg config.QueueConfig, mysql *sqlx.DB, rdb *redis.Client) (queue.Queue, error) {
	switch cfg.Driver {
	case queue.DriverMemory:
		return queue.NewMemoryQueue(), nil
	case queue.DriverRedis:
		if rdb == nil {
			return nil, errors.New("queue: redis driver needs a redis client")
		}
		return queue.NewRedisQueue(rdb, cfg.RedisPrefix, cfg.Name), nil
	case queue.DriverMySQL:
		if mysql == nil {
			return nil, errors.New("queue: mysql driver needs a mysql connection")
		}
		return queue.NewMySQLQueue(mysql, cfg.Name), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}

func (a *App) buildSink() events.Sink {
	var sinks []events.Sink

	if a.Cfg.Events.Log {
		sinks = append(sinks, events.NewLogSink(a.Log))
	}

	if a.Cfg.Events.Kafka && len(a.Cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers: a.Cfg.Kafka.Brokers,
			Topic:   a.Cfg.Kafka.EventsTopic,
			Async:   true,
			Completion: func(msgs []segkafka.Message, err error) {
				if err != nil {
					metrics.EventsDroppedTotal.WithLabelValues("kafka").Add(float64(len(msgs)))
					a.Log.Warn("kafka event batch failed", zap.Int("size", len(msgs)), zap.Error(err))
				}
			},
		})
		a.onClose(producer.Close)
		sinks = append(sinks, events.NewKafkaSink(producer, a.Log))
	}

	if a.Cfg.Events.ClickHouse && a.CHEvents != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.chSink = events.NewClickHouseSink(a.CHEvents, a.Log)
		a.stopSinks = cancel
		go a.chSink.Run(ctx)
		sinks = append(sinks, a.chSink)
	}

	if len(sinks) == 0 {
		return events.Nop()
	}
	return events.Multi(sinks...)
}

// BuildMailer registers every enabled provider behind its own breaker.
func BuildMailer(cfg config.Config, log *zap.Logger) (*mailer.Mailer, error) {
	m := mailer.NewMailer(cfg.Mailer.MaxAttempts, log)

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}

		var p mailer.Provider
		switch pc.Kind {
		case "smtp":
			if strings.TrimSpace(pc.SMTP.Host) == "" {
				continue
			}
			p = mailer.NewSMTPProvider(pc.Name, mailer.SMTPConfig{
				Host:               pc.SMTP.Host,
				Port:               pc.SMTP.Port,
				Username:           pc.SMTP.Username,
				Password:           pc.SMTP.Password,
				From:               pc.SMTP.From,
				InsecureSkipVerify: pc.SMTP.InsecureSkipVerify,
			})
		case "http":
			if strings.TrimSpace(pc.BaseURL) == "" {
				continue
			}
			p = mailer.NewHTTPProvider(pc.Name, strings.TrimRight(pc.BaseURL, "/"), pc.Path, pc.Token, pc.TimeoutMs)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}

		m.Register(p, pc.Breaker.FailThreshold, time.Duration(pc.Breaker.OpenForMs)*time.Millisecond)
	}

	if m.Len() == 0 {
		return nil, errors.New("no mail providers enabled in config")
	}
	return m, nil
}

// NewDelivery builds a delivery worker tuned from the worker section.
func (a *App) NewDelivery() (*worker.Delivery, error) {
	m, err := BuildMailer(a.Cfg, a.Log)
	if err != nil {
		return nil, err
	}

	w := worker.NewDelivery(a.Queue, a.Logs, m, a.Completion, a.Sink, a.Log)
	if a.Cfg.Worker.Pollers > 0 {
		w.Pollers = a.Cfg.Worker.Pollers
	}
	if a.Cfg.Worker.BatchSize > 0 {
		w.BatchSize = a.Cfg.Worker.BatchSize
	}
	if a.Cfg.Worker.VisibilityTimeout > 0 {
		w.VisibilityTimeout = a.Cfg.Worker.VisibilityTimeout
	}
	if a.Cfg.Worker.PollInterval > 0 {
		w.PollInterval = a.Cfg.Worker.PollInterval
	}
	w.MaxDeliveries = a.Cfg.Worker.MaxDeliveries

	return w, nil
}

// Close drains the event archive, then closes connections in reverse order of opening.
func (a *App) Close() {
	if a.stopSinks != nil {
		a.stopSinks()
		a.chSink.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close", zap.Error(err))
		}
	}
	_ = a.Log.Sync()
}
