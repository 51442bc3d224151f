/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to all keys written by RedisBackend.
const DefaultRedisPrefix = "admission:queue"

// Fields of the ticket hash.
const (
	redisFieldRecord = "record"
	redisFieldScore  = "score"
	redisFieldClass  = "class"
)

// dequeueScript moves due delayed tickets to the ready set and pops the best one.
// KEYS[1] = ready zset, KEYS[2] = delayed zset; ARGV[1] = now (ms), ARGV[2] = ticket key prefix.
var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local score = redis.call('HGET', ARGV[2] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[1], score, id)
  end
end
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local rec = redis.call('HGET', ARGV[2] .. popped[1], 'record')
  if rec then
    return rec
  end
end
`)

// RedisBackend stores tickets in Redis.
//
// Every class has a ready sorted set scored by priorityScore and a delayed sorted set scored by
// the time (ms) the ticket becomes visible again. Ticket records live in hashes.
// Claiming is done by a Lua script, so concurrent consumers in different processes never claim the same ticket.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a new RedisBackend over an existing client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

// NewRedisBackendFromConfig connects to Redis using cfg.
func NewRedisBackendFromConfig(cfg RedisConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackend(client, cfg.Prefix)
}

func (b *RedisBackend) readyKey(class string) string   { return b.prefix + ":" + class + ":ready" }
func (b *RedisBackend) delayedKey(class string) string { return b.prefix + ":" + class + ":delayed" }
func (b *RedisBackend) ticketKeyPrefix() string        { return b.prefix + ":ticket:" }
func (b *RedisBackend) ticketKey(id string) string     { return b.ticketKeyPrefix() + id }
func (b *RedisBackend) seqKey() string                 { return b.prefix + ":seq" }

// Enqueue implements Backend.
func (b *RedisBackend) Enqueue(ctx context.Context, class string, rec TicketRecord, priority int) (string, error) {
	rec.Class = class
	rec.Priority = priority
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal ticket record: %w", err)
	}
	seq, err := b.client.Incr(ctx, b.seqKey()).Result()
	if err != nil {
		return "", unavailable("redis enqueue", err)
	}
	score := priorityScore(priority, seq)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.ticketKey(rec.ID),
			redisFieldRecord, data,
			redisFieldScore, strconv.FormatFloat(score, 'f', -1, 64),
			redisFieldClass, class)
		pipe.ZAdd(ctx, b.readyKey(class), redis.Z{Score: score, Member: rec.ID})
		return nil
	})
	if err != nil {
		return "", unavailable("redis enqueue", err)
	}
	return rec.ID, nil
}

// Dequeue implements Backend.
func (b *RedisBackend) Dequeue(ctx context.Context, class string) (*TicketRecord, error) {
	nowMs := strconv.FormatInt(b.now().UnixMilli(), 10)
	raw, err := dequeueScript.Run(ctx, b.client,
		[]string{b.readyKey(class), b.delayedKey(class)}, nowMs, b.ticketKeyPrefix()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("redis dequeue", err)
	}
	var rec TicketRecord
	if err = json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ticket record: %w", err)
	}
	return &rec, nil
}

// Ack implements Backend.
func (b *RedisBackend) Ack(ctx context.Context, ticketID string) error {
	n, err := b.client.Del(ctx, b.ticketKey(ticketID)).Result()
	if err != nil {
		return unavailable("redis ack", err)
	}
	if n == 0 {
		return fmt.Errorf("ack %s: %w", ticketID, ErrTicketNotFound)
	}
	return nil
}

// Nack implements Backend.
func (b *RedisBackend) Nack(ctx context.Context, ticketID string, retryDelay time.Duration) error {
	key := b.ticketKey(ticketID)
	fields, err := b.client.HMGet(ctx, key, redisFieldRecord, redisFieldClass).Result()
	if err != nil {
		return unavailable("redis nack", err)
	}
	data, _ := fields[0].(string)
	class, _ := fields[1].(string)
	if data == "" || class == "" {
		return fmt.Errorf("nack %s: %w", ticketID, ErrTicketNotFound)
	}
	var rec TicketRecord
	if err = json.Unmarshal([]byte(data), &rec); err != nil {
		return fmt.Errorf("unmarshal ticket record: %w", err)
	}
	rec.Attempts++
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ticket record: %w", err)
	}
	visibleAt := b.now().Add(retryDelay).UnixMilli()
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, redisFieldRecord, updated)
		pipe.ZAdd(ctx, b.delayedKey(class), redis.Z{Score: float64(visibleAt), Member: ticketID})
		return nil
	})
	if err != nil {
		return unavailable("redis nack", err)
	}
	return nil
}

// Ping implements Pinger.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

// Close implements Closer.
func (b *RedisBackend) Close(context.Context) error {
	return b.client.Close()
}
