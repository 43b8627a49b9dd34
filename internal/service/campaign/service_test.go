package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/events"
	"github.com/jmehdipour/campaign-mailer/internal/model"
	"github.com/jmehdipour/campaign-mailer/internal/queue"
	"github.com/jmehdipour/campaign-mailer/internal/repository/repositorytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []model.DeliveryEvent
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store *repositorytest.Store
	queue *queue.MemoryQueue
	sink  *recorder
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: repositorytest.NewStore(),
		queue: queue.NewMemoryQueue(),
		sink:  &recorder{},
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		f.now = f.now.Add(time.Millisecond)
		return f.now
	}
	f.queue.Now = clock

	completion := NewCompletionDetector(f.store, f.store, f.sink)
	completion.Now = clock
	f.svc = New(f.store, f.store, f.store, f.queue, completion, "https://mail.example.com/", f.sink, nil)
	f.svc.Now = clock
	return f
}

func draft(id int64) model.Campaign {
	return model.Campaign{
		ID:      id,
		Name:    "spring",
		Subject: "Hi {{FirstName}}",
		Body:    `<html><body>Hello {{FirstName}} from {{Company}} <a href="https://example.com/offer">offer</a></body></html>`,
		Status:  model.CampaignDraft,
	}
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ContactID: int64(i + 1),
			Email:     " User" + string(rune('a'+i)) + "@Example.com ",
			FirstName: "Ann",
			Company:   "Acme",
		}
	}
	return out
}

func TestDispatchCampaign_QueuesOneRowAndItemPerRecipient(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(3)...)

	res, err := f.svc.DispatchCampaign(context.Background(), 10, "token-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Queued)
	assert.Equal(t, model.CampaignSending, f.store.Campaign(10).Status)

	logs := f.store.Logs(10)
	require.Len(t, logs, 3)

	items, err := f.queue.Lease(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 3)

	for i, it := range items {
		var w model.WorkItem
		require.NoError(t, json.Unmarshal(it.Payload, &w))
		assert.True(t, w.Valid())
		assert.Equal(t, int64(10), w.CampaignID)
		assert.Equal(t, logs[i].ContactID, w.ContactID)
		assert.Equal(t, logs[i].TrackingID, w.TrackingID)
		assert.Equal(t, model.DeliveryQueued, logs[i].Status)
		assert.Equal(t, "Hi Ann", w.Subject)
		assert.Equal(t, "token-1", w.Credential)
		assert.Equal(t, strings.ToLower(strings.TrimSpace(recipients(3)[i].Email)), w.Recipient)
		assert.Contains(t, w.Body, "Hello Ann from Acme")
		assert.Contains(t, w.Body, "https://mail.example.com/t/open/"+w.TrackingID)
		assert.Contains(t, w.Body, "utm_campaign=10")
	}

	assert.Equal(t, 1, f.sink.count(model.EventCampaignDispatched))
}

func TestDispatch_TrackingIDsAreUnique(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(5)...)

	_, err := f.svc.DispatchCampaign(context.Background(), 10, "")
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, l := range f.store.Logs(10) {
		assert.False(t, seen[l.TrackingID], "duplicate tracking id %s", l.TrackingID)
		seen[l.TrackingID] = true
	}
}

func TestDispatchCampaign_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DispatchCampaign(context.Background(), 99, "")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestDispatch_RejectsNonDraft(t *testing.T) {
	for _, st := range []model.CampaignStatus{model.CampaignSending, model.CampaignCompleted} {
		t.Run(st.String(), func(t *testing.T) {
			f := newFixture(t)
			c := draft(10)
			c.Status = st
			f.store.AddCampaign(c, recipients(2)...)

			_, err := f.svc.DispatchCampaign(context.Background(), 10, "")
			assert.ErrorIs(t, err, ErrCampaignNotDraft)
			assert.Empty(t, f.store.Logs(10))

			stats, err := f.queue.Stats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Visible)
			assert.Equal(t, st, f.store.Campaign(10).Status)
		})
	}
}

func TestDispatch_EmptyRecipientSetLeavesDraft(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10))

	_, err := f.svc.DispatchCampaign(context.Background(), 10, "")
	assert.ErrorIs(t, err, ErrEmptyRecipientSet)
	assert.Equal(t, model.CampaignDraft, f.store.Campaign(10).Status)
	assert.Empty(t, f.store.Logs(10))

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Visible)
	assert.Zero(t, stats.Leased)
	assert.Zero(t, f.sink.count(model.EventCampaignDispatched))
}

func TestDispatch_PartialFailureReportsProgress(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(4)...)
	f.store.FailInsertAt = 3

	res, err := f.svc.DispatchCampaign(context.Background(), 10, "")
	require.Error(t, err)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 2, de.Queued)
	assert.Equal(t, int64(3), de.ContactID)
	assert.ErrorIs(t, err, repositorytest.ErrInjected)
	assert.Equal(t, 2, res.Queued)

	// nothing is rolled back
	assert.Len(t, f.store.Logs(10), 2)
	assert.Equal(t, model.CampaignSending, f.store.Campaign(10).Status)
	assert.Zero(t, f.sink.count(model.EventCampaignDispatched))
}

func TestDispatch_SurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(3)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.DispatchCampaign(ctx, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Queued)
}

func TestCompletion_IdempotentAndOnlyWhenNothingQueued(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(2)...)
	_, err := f.svc.DispatchCampaign(context.Background(), 10, "")
	require.NoError(t, err)

	logs := f.store.Logs(10)
	ctx := context.Background()

	done, err := f.svc.completion.Check(ctx, 10)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = f.store.MarkSent(ctx, 10, logs[0].ContactID, logs[0].TrackingID, f.now)
	require.NoError(t, err)
	done, err = f.svc.completion.Check(ctx, 10)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = f.store.MarkFailed(ctx, 10, logs[1].ContactID, logs[1].TrackingID, "boom", f.now)
	require.NoError(t, err)

	done, err = f.svc.completion.Check(ctx, 10)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = f.svc.completion.Check(ctx, 10)
	require.NoError(t, err)
	assert.False(t, done)

	c := f.store.Campaign(10)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
	assert.Equal(t, 1, f.sink.count(model.EventCampaignCompleted))
}

func TestCompletion_WrapsStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(1)...)
	f.store.CountsErr = errors.New("db down")

	_, err := f.svc.completion.Check(context.Background(), 10)
	assert.ErrorIs(t, err, ErrCompletionCheck)
	assert.ErrorIs(t, err, f.store.CountsErr)
}

func TestCompletion_NoRowsNeverCompletes(t *testing.T) {
	f := newFixture(t)
	c := draft(10)
	c.Status = model.CampaignSending
	f.store.AddCampaign(c)

	done, err := f.svc.completion.Check(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestClearQueue_WithCompensationCompletesCampaign(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(3)...)
	ctx := context.Background()
	_, err := f.svc.DispatchCampaign(ctx, 10, "")
	require.NoError(t, err)

	n, err := f.svc.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// without compensation the rows stay queued and the campaign stays sending
	p, err := f.svc.Progress(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignSending, p.Status)
	assert.Equal(t, int64(3), p.Counts.Queued)

	failed, err := f.svc.CompensateQueued(ctx, 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), failed)

	p, err = f.svc.Progress(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, p.Status)
	assert.Equal(t, int64(3), p.Counts.Failed)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, 1, f.sink.count(model.EventQueueCleared))
}

func TestStopCampaign(t *testing.T) {
	f := newFixture(t)
	f.store.AddCampaign(draft(10), recipients(1)...)
	ctx := context.Background()

	err := f.svc.StopCampaign(ctx, 10)
	assert.ErrorIs(t, err, ErrCampaignNotSending)

	_, err = f.svc.DispatchCampaign(ctx, 10, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.StopCampaign(ctx, 10))
	assert.Equal(t, model.CampaignDraft, f.store.Campaign(10).Status)
	assert.Equal(t, 1, f.sink.count(model.EventCampaignStopped))

	assert.ErrorIs(t, f.svc.StopCampaign(ctx, 99), ErrCampaignNotFound)
}

func TestProgress_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Progress(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}
