package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/campaign-mailer/internal/util"
	"github.com/redis/go-redis/v9"
)

// leaseScript moves up to ARGV[3] visible ids to a new visibility deadline and
// assigns them the pre-generated tokens ARGV[4..]. Returns a flat {id, dequeues, ...} list.
var leaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], ARGV[2], id)
	redis.call('HSET', KEYS[2], id, ARGV[3 + i])
	local n = redis.call('HINCRBY', KEYS[3], id, 1)
	table.insert(out, id)
	table.insert(out, n)
end
return out
`)

// removeScript deletes ARGV[1] if ARGV[2] still owns its lease, optionally pushing
// ARGV[3] onto the dead-letter list. Returns 1 on success, 0 on a stale token, -1 if missing.
var removeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[4], ARGV[1]) == 0 then
	return -1
end
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if (not cur) or cur ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if ARGV[3] ~= '' then
	redis.call('LPUSH', KEYS[5], ARGV[3])
end
return 1
`)

// RedisQueue keeps visibility deadlines in a sorted set and payloads in a hash:
//
//	{prefix}:{name}:ready     ZSET id -> visible-at (unix ms)
//	{prefix}:{name}:payloads  HASH id -> payload
//	{prefix}:{name}:tokens    HASH id -> current lease token
//	{prefix}:{name}:dequeues  HASH id -> delivery count
//	{prefix}:{name}:dead      LIST of DeadLetterRecord JSON
type RedisQueue struct {
	rdb *redis.Client

	ready, payloads, tokens, dequeues, dead string

	// Now is the queue clock; tests replace it to expire leases.
	Now func() time.Time
}

func NewRedisQueue(rdb *redis.Client, prefix, name string) *RedisQueue {
	if prefix == "" {
		prefix = "cmq"
	}
	if name == "" {
		name = "email-queue"
	}
	base := prefix + ":" + name + ":"

	return &RedisQueue{
		rdb:      rdb,
		ready:    base + "ready",
		payloads: base + "payloads",
		tokens:   base + "tokens",
		dequeues: base + "dequeues",
		dead:     base + "dead",
		Now:      time.Now,
	}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keys() []string {
	return []string{q.ready, q.tokens, q.dequeues, q.payloads, q.dead}
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	now := q.Now()
	id := util.NewAt(now)

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.payloads, id, payload)
		p.ZAdd(ctx, q.ready, redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis enqueue: %w", err)
	}

	return id, nil
}

func (q *RedisQueue) Lease(ctx context.Context, max int, visibility time.Duration) ([]LeasedItem, error) {
	if max <= 0 {
		return nil, nil
	}

	now := q.Now()
	visibleAt := now.Add(visibility)

	args := make([]any, 0, 3+max)
	args = append(args, now.UnixMilli(), visibleAt.UnixMilli(), max)
	tokens := make(map[string]string, max)
	for i := 0; i < max; i++ {
		args = append(args, util.NewAt(now))
	}

	res, err := leaseScript.Run(ctx, q.rdb, []string{q.ready, q.tokens, q.dequeues}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis lease: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(res)/2)
	counts := make(map[string]int, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		n, _ := res[i+1].(int64)
		ids = append(ids, id)
		counts[id] = int(n)
		tokens[id] = args[3+i/2].(string)
	}

	payloads, err := q.rdb.HMGet(ctx, q.payloads, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lease payloads: %w", err)
	}

	out := make([]LeasedItem, 0, len(ids))
	for i, id := range ids {
		raw, ok := payloads[i].(string)
		if !ok {
			// cleared between the script and HMGET
			continue
		}
		out = append(out, LeasedItem{
			ID:           id,
			LeaseToken:   tokens[id],
			Payload:      []byte(raw),
			DequeueCount: counts[id],
			VisibleAt:    visibleAt,
		})
	}

	return out, nil
}

func (q *RedisQueue) Delete(ctx context.Context, id, leaseToken string) error {
	return q.remove(ctx, id, leaseToken, "")
}

func (q *RedisQueue) DeadLetter(ctx context.Context, item LeasedItem, reason string) error {
	rec, err := json.Marshal(DeadLetterRecord{
		ID:           item.ID,
		Payload:      item.Payload,
		DequeueCount: item.DequeueCount,
		Reason:       reason,
		DeadAt:       q.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	return q.remove(ctx, item.ID, item.LeaseToken, string(rec))
}

func (q *RedisQueue) remove(ctx context.Context, id, token, deadRecord string) error {
	n, err := removeScript.Run(ctx, q.rdb, q.keys(), id, token, deadRecord).Int64()
	if err != nil {
		return fmt.Errorf("redis remove %s: %w", id, err)
	}

	switch n {
	case 1:
		return nil
	case 0:
		return ErrLeaseLost
	default:
		return ErrNotFound
	}
}

func (q *RedisQueue) Clear(ctx context.Context) (int64, error) {
	var card *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		card = p.HLen(ctx, q.payloads)
		p.Del(ctx, q.ready, q.payloads, q.tokens, q.dequeues)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}

	return card.Val(), nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.Now().UnixMilli(), 10)

	var visible, total, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		visible = p.ZCount(ctx, q.ready, "-inf", now)
		total = p.ZCard(ctx, q.ready)
		dead = p.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("redis stats: %w", err)
	}

	return Stats{
		Visible:      visible.Val(),
		Leased:       total.Val() - visible.Val(),
		DeadLettered: dead.Val(),
	}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
