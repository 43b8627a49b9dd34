package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/mailer"
	"github.com/jmehdipour/campaign-mailer/internal/metrics"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/jmehdipour/campaign-mailer/internal/repository"
	"github.com/jmehdipour/campaign-mailer/internal/service/campaign"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender delivers one rendered email.
type Sender interface {
	SendOne(ctx context.Context, m mailer.Message) error
}

// Completion completes a campaign once nothing of it is left queued.
type Completion interface {
	Check(ctx context.Context, campaignID int64) (bool, error)
}

// Delivery:
// - leases work items from the queue,
// - sends each through the mailer,
// - records the outcome on the item's delivery log row,
// - deletes the item on success and leaves it to reappear on failure,
// - runs the completion check after every outcome.
type Delivery struct {
	// Dependencies
	Queue      queue.Queue
	Logs       repository.DeliveryLogsRepository
	Mailer     Sender
	Completion Completion
	Sink       events.Sink
	Log        *zap.Logger

	// Behavior
	Pollers           int           // concurrent lease loops
	BatchSize         int           // max items per lease
	VisibilityTimeout time.Duration // lease duration; an item not deleted within it is redelivered
	PollInterval      time.Duration // sleep after an empty or failed lease
	MaxDeliveries     int           // dead-letter after this many deliveries; 0 retries forever

	Now func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDelivery builds a worker with the default knobs.
func NewDelivery(
	q queue.Queue,
	logs repository.DeliveryLogsRepository,
	sender Sender,
	completion Completion,
	sink events.Sink,
	log *zap.Logger,
) *Delivery {
	if sink == nil {
		sink = events.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Delivery{
		Queue:             q,
		Logs:              logs,
		Mailer:            sender,
		Completion:        completion,
		Sink:              sink,
		Log:               log.Named("delivery-worker"),
		Pollers:           1,
		BatchSize:         10,
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      5 * time.Second,
		Now:               time.Now,
	}
}

// Initialize checks the dependencies and the queue backend before the first poll.
func (w *Delivery) Initialize(ctx context.Context) error {
	if w.Queue == nil || w.Logs == nil || w.Mailer == nil || w.Completion == nil {
		return errors.New("delivery worker: missing dependency")
	}
	if w.Pollers <= 0 {
		w.Pollers = 1
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 10
	}
	if w.VisibilityTimeout <= 0 {
		w.VisibilityTimeout = 5 * time.Minute
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.MaxDeliveries < 0 {
		w.MaxDeliveries = 0
	}

	if err := w.Queue.Ping(ctx); err != nil {
		return fmt.Errorf("delivery worker: queue unavailable: %w", err)
	}
	return nil
}

// Start launches the pollers in the background. It returns false if the worker is already running.
func (w *Delivery) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go func() {
		defer close(w.done)
		if err := w.Run(ctx); err != nil {
			w.Log.Error("worker exited", zap.Error(err))
		}
	}()

	return true
}

// Stop halts polling and waits for in-flight sends to finish. It returns false if the worker was not running.
func (w *Delivery) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return false
	}

	w.cancel()
	<-w.done
	w.running.Store(false)

	w.Log.Info("worker stopped")
	return true
}

func (w *Delivery) IsRunning() bool {
	return w.running.Load()
}

// Run polls until ctx is cancelled.
func (w *Delivery) Run(ctx context.Context) error {
	w.Log.Info("worker started",
		zap.Int("pollers", w.Pollers),
		zap.Int("batch_size", w.BatchSize),
		zap.Duration("visibility_timeout", w.VisibilityTimeout),
		zap.Duration("poll_interval", w.PollInterval),
		zap.Int("max_deliveries", w.MaxDeliveries),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Pollers; i++ {
		id := i
		g.Go(func() error {
			w.poll(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (w *Delivery) poll(ctx context.Context, id int) {
	for ctx.Err() == nil {
		n, err := w.PollOnce(ctx)
		if err != nil {
			w.Log.Warn("lease failed", zap.Int("poller", id), zap.Error(err))
		}
		if err != nil || n == 0 {
			w.sleep(ctx)
		}
	}
}

func (w *Delivery) sleep(ctx context.Context) {
	t := time.NewTimer(w.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// PollOnce leases one batch and processes it, returning how many items were leased.
// Items not yet started when ctx is cancelled are abandoned to their lease.
func (w *Delivery) PollOnce(ctx context.Context) (int, error) {
	items, err := w.Queue.Lease(ctx, w.BatchSize, w.VisibilityTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		metrics.LeaseErrorsTotal.Inc()
		w.Sink.Emit(ctx, model.DeliveryEvent{Type: model.EventLeaseFailed, Error: err.Error(), At: w.Now()})
		return 0, err
	}

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		w.processItem(ctx, it)
	}
	return len(items), nil
}

func (w *Delivery) processItem(ctx context.Context, it queue.LeasedItem) {
	// writes below must land even if the worker is stopped mid-item
	ctx = context.WithoutCancel(ctx)
	log := w.Log.With(zap.String("item_id", it.ID), zap.Int("dequeue_count", it.DequeueCount))

	var item model.WorkItem
	decodeErr := json.Unmarshal(it.Payload, &item)
	if decodeErr == nil && !item.Valid() {
		decodeErr = errors.New("missing campaign, contact, recipient or tracking id")
	}

	if w.MaxDeliveries > 0 && it.DequeueCount > w.MaxDeliveries {
		w.deadLetter(ctx, log, it, item, decodeErr == nil)
		return
	}

	if decodeErr != nil {
		err := fmt.Errorf("%w: %w", campaign.ErrMalformedPayload, decodeErr)
		log.Error("skip malformed item", zap.Error(err))
		metrics.ItemsTotal.WithLabelValues("malformed").Inc()
		w.Sink.Emit(ctx, model.DeliveryEvent{Type: model.EventItemMalformed, MessageID: it.ID, Attempt: it.DequeueCount, Error: err.Error(), At: w.Now()})
		return
	}

	log = log.With(
		zap.Int64("campaign_id", item.CampaignID),
		zap.Int64("contact_id", item.ContactID),
		zap.String("tracking_id", item.TrackingID),
	)
	ev := model.DeliveryEvent{
		CampaignID: item.CampaignID,
		ContactID:  item.ContactID,
		TrackingID: item.TrackingID,
		MessageID:  it.ID,
		Attempt:    it.DequeueCount,
	}

	row, err := w.Logs.Get(ctx, item.CampaignID, item.ContactID, item.TrackingID)
	if err != nil {
		log.Warn("load delivery log", zap.Error(err))
	} else if row != nil && row.Status == model.DeliverySent {
		log.Info("already sent, dropping redelivered item")
		w.delete(ctx, log, it)
		metrics.ItemsTotal.WithLabelValues("duplicate").Inc()
		ev.Type, ev.At = model.EventItemDuplicate, w.Now()
		w.Sink.Emit(ctx, ev)
		return
	}

	start := time.Now()
	sendErr := w.Mailer.SendOne(ctx, mailer.Message{
		To:         item.Recipient,
		Subject:    item.Subject,
		HTML:       item.Body,
		Credential: item.Credential,
	})

	if sendErr == nil {
		metrics.SendDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		if _, err := w.Logs.MarkSent(ctx, item.CampaignID, item.ContactID, item.TrackingID, w.Now()); err != nil {
			log.Error("mark sent", zap.Error(err))
		}
		w.delete(ctx, log, it)
		w.complete(ctx, log, item.CampaignID)

		metrics.ItemsTotal.WithLabelValues("sent").Inc()
		ev.Type, ev.At = model.EventItemSent, w.Now()
		w.Sink.Emit(ctx, ev)
		return
	}

	metrics.SendDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
	err = fmt.Errorf("%w: %w", campaign.ErrSendFailure, sendErr)
	log.Warn("send failed, item will be redelivered", zap.Error(err))

	if _, err := w.Logs.MarkFailed(ctx, item.CampaignID, item.ContactID, item.TrackingID, sendErr.Error(), w.Now()); err != nil {
		log.Error("mark failed", zap.Error(err))
	}
	w.complete(ctx, log, item.CampaignID)

	metrics.ItemsTotal.WithLabelValues("failed").Inc()
	ev.Type, ev.Error, ev.At = model.EventItemFailed, sendErr.Error(), w.Now()
	w.Sink.Emit(ctx, ev)
}

func (w *Delivery) deadLetter(ctx context.Context, log *zap.Logger, it queue.LeasedItem, item model.WorkItem, decoded bool) {
	const reason = "max deliveries exceeded"

	if decoded {
		if _, err := w.Logs.MarkFailed(ctx, item.CampaignID, item.ContactID, item.TrackingID, reason, w.Now()); err != nil {
			log.Error("mark failed", zap.Error(err))
		}
	}
	if err := w.Queue.DeadLetter(ctx, it, reason); err != nil {
		log.Warn("dead-letter", zap.Error(err))
		return
	}
	if decoded {
		w.complete(ctx, log, item.CampaignID)
	}

	log.Warn("item dead-lettered")
	metrics.ItemsTotal.WithLabelValues("dead_lettered").Inc()
	w.Sink.Emit(ctx, model.DeliveryEvent{
		Type:       model.EventItemDeadLettered,
		CampaignID: item.CampaignID,
		ContactID:  item.ContactID,
		TrackingID: item.TrackingID,
		MessageID:  it.ID,
		Attempt:    it.DequeueCount,
		Error:      reason,
		At:         w.Now(),
	})
}

func (w *Delivery) delete(ctx context.Context, log *zap.Logger, it queue.LeasedItem) {
	err := w.Queue.Delete(ctx, it.ID, it.LeaseToken)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrNotFound):
		// the lease expired or the queue was cleared; the duplicate check absorbs a redelivery
		log.Info("item no longer held", zap.Error(err))
	default:
		log.Error("delete item", zap.Error(err))
	}
}

func (w *Delivery) complete(ctx context.Context, log *zap.Logger, campaignID int64) {
	if _, err := w.Completion.Check(ctx, campaignID); err != nil {
		log.Warn("completion check", zap.Error(err))
	}
}
