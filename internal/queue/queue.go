package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLeaseLost is returned when the lease token no longer owns the item
	// (the lease expired and another consumer re-leased it).
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrNotFound is returned when the item is gone (deleted or cleared).
	ErrNotFound = errors.New("queue: item not found")
)

// LeasedItem is a queue item held under a lease until VisibleAt.
type LeasedItem struct {
	ID           string
	LeaseToken   string
	Payload      []byte
	DequeueCount int
	VisibleAt    time.Time
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Visible      int64 `json:"visible"`
	Leased       int64 `json:"leased"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Queue is a durable at-least-once work queue with lease-based dequeue.
//
// Lease never returns an item held under an unexpired lease. An item whose lease
// expires without Delete becomes visible again and is redelivered with a new token.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
	Lease(ctx context.Context, max int, visibility time.Duration) ([]LeasedItem, error)
	Delete(ctx context.Context, id, leaseToken string) error
	// Clear discards every item, leased or not, and returns how many were dropped.
	Clear(ctx context.Context) (int64, error)
	// DeadLetter moves a leased item out of the queue into the dead-letter store.
	DeadLetter(ctx context.Context, item LeasedItem, reason string) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// DeadLetterRecord is what DeadLetter persists for a poisoned item.
type DeadLetterRecord struct {
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	DequeueCount int       `json:"dequeue_count"`
	Reason       string    `json:"reason"`
	DeadAt       time.Time `json:"dead_at"`
}

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverMySQL  = "mysql"
)
