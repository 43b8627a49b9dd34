package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/mailer"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/jmehdipour/campaign-mailer/internal/repository/repositorytest"
	"github.com/jmehdipour/campaign-mailer/internal/service/campaign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSender fails the addresses in failures for as many calls as configured.
type fakeSender struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: map[string]int{}, failures: map[string]int{}}
}

func (s *fakeSender) SendOne(_ context.Context, m mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[m.To]++
	if s.failures[m.To] < 0 || s.calls[m.To] <= s.failures[m.To] {
		return errors.New("smtp 451 try later")
	}
	return nil
}

func (s *fakeSender) Calls(to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[to]
}

type recorder struct {
	mu    sync.Mutex
	types []model.EventType
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
}

func (r *recorder) Count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.types {
		if x == t {
			n++
		}
	}
	return n
}

type harness struct {
	clock  *fakeClock
	store  *repositorytest.Store
	queue  *queue.MemoryQueue
	sender *fakeSender
	sink   *recorder
	svc    *campaign.Service
	worker *Delivery
}

const visibility = time.Minute

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:  &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		store:  repositorytest.NewStore(),
		queue:  queue.NewMemoryQueue(),
		sender: newFakeSender(),
		sink:   &recorder{},
	}
	h.queue.Now = h.clock.Now

	completion := campaign.NewCompletionDetector(h.store, h.store, h.sink)
	completion.Now = h.clock.Now
	h.svc = campaign.New(h.store, h.store, h.store, h.queue, completion, "http://localhost:8080", h.sink, nil)

	h.worker = NewDelivery(h.queue, h.store, h.sender, completion, h.sink, nil)
	h.worker.Now = h.clock.Now
	h.worker.BatchSize = 1
	h.worker.VisibilityTimeout = visibility
	h.worker.PollInterval = 5 * time.Millisecond
	require.NoError(t, h.worker.Initialize(context.Background()))

	return h
}

func (h *harness) dispatch(t *testing.T, campaignID int64, emails ...string) {
	t.Helper()

	rs := make([]model.Recipient, len(emails))
	for i, e := range emails {
		rs[i] = model.Recipient{ContactID: int64(i + 1), Email: e, FirstName: "Kim"}
	}
	h.store.AddCampaign(model.Campaign{
		ID:      campaignID,
		Subject: "Hello {{FirstName}}",
		Body:    "<html><body>Hi</body></html>",
		Status:  model.CampaignDraft,
	}, rs...)

	res, err := h.svc.DispatchCampaign(context.Background(), campaignID, "")
	require.NoError(t, err)
	require.Equal(t, len(emails), res.Queued)
}

func (h *harness) pollOnce(t *testing.T) int {
	t.Helper()
	n, err := h.worker.PollOnce(context.Background())
	require.NoError(t, err)
	return n
}

func statuses(logs []model.DeliveryLog) map[model.DeliveryStatus]int {
	out := map[model.DeliveryStatus]int{}
	for _, l := range logs {
		out[l.Status]++
	}
	return out
}

func TestDelivery_SentFailedAndExpiredLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sender.failures["b@example.com"] = -1
	h.dispatch(t, 10, "a@example.com", "b@example.com", "c@example.com")

	require.Equal(t, 1, h.pollOnce(t)) // a -> sent
	require.Equal(t, 1, h.pollOnce(t)) // b -> failed, stays leased

	// another consumer takes c and dies before finishing
	stolen, err := h.queue.Lease(ctx, 1, visibility)
	require.NoError(t, err)
	require.Len(t, stolen, 1)

	assert.Equal(t, model.CampaignSending, h.store.Campaign(10).Status)
	assert.Equal(t, 0, h.pollOnce(t))

	h.clock.Advance(visibility + time.Second)

	// b and c are visible again; b fails again, c succeeds
	h.worker.BatchSize = 10
	require.Equal(t, 2, h.pollOnce(t))

	got := statuses(h.store.Logs(10))
	assert.Equal(t, 2, got[model.DeliverySent])
	assert.Equal(t, 1, got[model.DeliveryFailed])
	assert.Zero(t, got[model.DeliveryQueued])
	assert.Equal(t, model.CampaignCompleted, h.store.Campaign(10).Status)
	assert.Equal(t, 1, h.sink.Count(model.EventCampaignCompleted))

	assert.ErrorIs(t, h.queue.Delete(ctx, stolen[0].ID, stolen[0].LeaseToken), queue.ErrNotFound)
}

func TestDelivery_RedeliveryAfterFailureEndsSentOnce(t *testing.T) {
	h := newHarness(t)
	h.sender.failures["a@example.com"] = 1
	h.dispatch(t, 10, "a@example.com")

	require.Equal(t, 1, h.pollOnce(t))
	logs := h.store.Logs(10)
	require.Equal(t, model.DeliveryFailed, logs[0].Status)

	h.clock.Advance(visibility + time.Second)
	require.Equal(t, 1, h.pollOnce(t))

	logs = h.store.Logs(10)
	require.Equal(t, model.DeliverySent, logs[0].Status)
	require.NotNil(t, logs[0].SentAt)
	firstSentAt := *logs[0].SentAt

	// the item was deleted; nothing to redeliver
	h.clock.Advance(visibility + time.Second)
	assert.Equal(t, 0, h.pollOnce(t))
	assert.Equal(t, firstSentAt, *h.store.Logs(10)[0].SentAt)
	assert.Equal(t, 2, h.sender.Calls("a@example.com"))
}

func TestDelivery_SkipsAlreadySentRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatch(t, 10, "a@example.com")

	l := h.store.Logs(10)[0]
	ok, err := h.store.MarkSent(ctx, 10, l.ContactID, l.TrackingID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 1, h.pollOnce(t))
	assert.Zero(t, h.sender.Calls("a@example.com"))
	assert.Equal(t, 1, h.sink.Count(model.EventItemDuplicate))

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Visible+stats.Leased)
}

func TestDelivery_MalformedItemStaysQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, []byte("{not json"))
	require.NoError(t, err)

	require.Equal(t, 1, h.pollOnce(t))
	assert.Equal(t, 1, h.sink.Count(model.EventItemMalformed))

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Leased)
}

func TestDelivery_DeadLettersAfterMaxDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.worker.MaxDeliveries = 2
	h.sender.failures["a@example.com"] = -1
	h.dispatch(t, 10, "a@example.com")

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, h.pollOnce(t))
		h.clock.Advance(visibility + time.Second)
	}

	assert.Equal(t, 2, h.sender.Calls("a@example.com"))
	dead := h.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].DequeueCount)
	assert.Equal(t, 1, h.sink.Count(model.EventItemDeadLettered))

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Visible+stats.Leased)
	assert.Equal(t, model.DeliveryFailed, h.store.Logs(10)[0].Status)
	assert.Equal(t, model.CampaignCompleted, h.store.Campaign(10).Status)
}

func TestDelivery_ClearedQueueDoesNotComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatch(t, 20, "a@example.com", "b@example.com")

	// both items in flight with a consumer that never finishes
	inFlight, err := h.queue.Lease(ctx, 2, visibility)
	require.NoError(t, err)
	require.Len(t, inFlight, 2)

	cleared, err := h.svc.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cleared)

	h.clock.Advance(visibility + time.Second)
	assert.Equal(t, 0, h.pollOnce(t))

	done, err := h.worker.Completion.Check(ctx, 20)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, statuses(h.store.Logs(20))[model.DeliveryQueued])
	assert.Equal(t, model.CampaignSending, h.store.Campaign(20).Status)

	n, err := h.svc.CompensateQueued(ctx, 20, "queue cleared by operator")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, model.CampaignCompleted, h.store.Campaign(20).Status)
}

type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) Lease(context.Context, int, time.Duration) ([]queue.LeasedItem, error) {
	return nil, errors.New("connection refused")
}

func TestDelivery_LeaseErrorIsReported(t *testing.T) {
	h := newHarness(t)
	h.worker.Queue = failingQueue{queue.NewMemoryQueue()}

	n, err := h.worker.PollOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.sink.Count(model.EventLeaseFailed))
}

func TestDelivery_StartStop(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, 10, "a@example.com", "b@example.com")

	assert.False(t, h.worker.IsRunning())
	require.True(t, h.worker.Start())
	assert.True(t, h.worker.IsRunning())
	assert.False(t, h.worker.Start())

	require.Eventually(t, func() bool {
		return h.store.Campaign(10).Status == model.CampaignCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, h.worker.Stop())
	assert.False(t, h.worker.IsRunning())
	assert.False(t, h.worker.Stop())

	// restartable
	require.True(t, h.worker.Start())
	require.True(t, h.worker.Stop())
}

func TestDelivery_InitializeRequiresDependencies(t *testing.T) {
	w := NewDelivery(nil, nil, nil, nil, nil, nil)
	assert.Error(t, w.Initialize(context.Background()))
}
