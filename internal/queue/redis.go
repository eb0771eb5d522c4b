package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps entries in a hash ordered by a sorted set, so several
// processes on one station share the outbox.
type RedisQueue struct {
	client *redis.Client
	items  string
	order  string
	parked string
}

// NewRedisQueue builds a queue under the given key prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "attendance:outbox"
	}
	return &RedisQueue{
		client: client,
		items:  prefix + ":items",
		order:  prefix + ":order",
		parked: prefix + ":parked",
	}
}

func (q *RedisQueue) Append(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.items, e.ID, body)
		p.ZAdd(ctx, q.order, redis.Z{Score: float64(e.EnqueuedAt.UnixNano()), Member: e.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Snapshot(ctx context.Context) ([]Entry, error) {
	ids, err := q.client.ZRange(ctx, q.order, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.client.HMGet(ctx, q.items, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, q.items, ids...)
		p.ZRem(ctx, q.order, members...)
		return nil
	})
	return err
}

func (q *RedisQueue) Update(ctx context.Context, entries []Entry) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			body, err := json.Marshal(e)
			if err != nil {
				return err
			}
			p.HSet(ctx, q.items, e.ID, body)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) Park(ctx context.Context, entries []Entry) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			body, err := json.Marshal(e)
			if err != nil {
				return err
			}
			p.HSet(ctx, q.parked, e.ID, body)
			p.HDel(ctx, q.items, e.ID)
			p.ZRem(ctx, q.order, e.ID)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) Parked(ctx context.Context) ([]Entry, error) {
	vals, err := q.client.HGetAll(ctx, q.parked).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(vals))
	for id, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode parked %s: %w", id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.order).Result()
	return int(n), err
}
