package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/util"
)

type memItem struct {
	id        string
	payload   []byte
	token     string
	dequeues  int
	visibleAt time.Time
}

// MemoryQueue is an in-process Queue. Items do not survive a restart; use it for dev and tests.
type MemoryQueue struct {
	// Now is the queue clock; tests replace it to expire leases.
	Now func() time.Time

	mu    sync.Mutex
	items []*memItem
	dead  []DeadLetterRecord
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{Now: time.Now}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(_ context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	it := &memItem{
		id:        util.NewAt(now),
		payload:   append([]byte(nil), payload...),
		visibleAt: now,
	}
	q.items = append(q.items, it)

	return it.id, nil
}

func (q *MemoryQueue) Lease(_ context.Context, max int, visibility time.Duration) ([]LeasedItem, error) {
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	var out []LeasedItem
	for _, it := range q.items {
		if len(out) == max {
			break
		}
		if it.visibleAt.After(now) {
			continue
		}
		it.token = util.NewAt(now)
		it.dequeues++
		it.visibleAt = now.Add(visibility)

		out = append(out, LeasedItem{
			ID:           it.id,
			LeaseToken:   it.token,
			Payload:      append([]byte(nil), it.payload...),
			DequeueCount: it.dequeues,
			VisibleAt:    it.visibleAt,
		})
	}

	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, id, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.removeLocked(id, leaseToken)
	return err
}

func (q *MemoryQueue) DeadLetter(_ context.Context, item LeasedItem, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.removeLocked(item.ID, item.LeaseToken)
	if err != nil {
		return err
	}
	q.dead = append(q.dead, DeadLetterRecord{
		ID:           it.id,
		Payload:      it.payload,
		DequeueCount: it.dequeues,
		Reason:       reason,
		DeadAt:       q.Now(),
	})

	return nil
}

func (q *MemoryQueue) removeLocked(id, token string) (*memItem, error) {
	for i, it := range q.items {
		if it.id != id {
			continue
		}
		if it.token == "" || it.token != token {
			return nil, ErrLeaseLost
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return it, nil
	}

	return nil, ErrNotFound
}

func (q *MemoryQueue) Clear(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := int64(len(q.items))
	q.items = nil

	return n, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	var st Stats
	for _, it := range q.items {
		if it.visibleAt.After(now) {
			st.Leased++
		} else {
			st.Visible++
		}
	}
	st.DeadLettered = int64(len(q.dead))

	return st, nil
}

func (q *MemoryQueue) Ping(context.Context) error { return nil }

// DeadLetters returns a copy of the dead-lettered records.
func (q *MemoryQueue) DeadLetters() []DeadLetterRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]DeadLetterRecord(nil), q.dead...)
}
