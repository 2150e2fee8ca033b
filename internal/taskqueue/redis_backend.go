package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackend is the cross-worker durable Backend, adapted from
// itsneelabh-gomind/orchestration/redis_task_queue.go's LPUSH/BRPOP list idiom: lanes are
// plain lists (LPUSH/LPOP, keeping the spec's "LIFO acceptable" ordering), delayed and
// processing sets use ZADD scored by unix-nano timestamp. SweepDelayed range-queries the
// delayed set by score; ProcessingSnapshot reads every processing member.
type RedisBackend struct {
	client     *redis.Client
	keyPrefix  string
	ctxTimeout time.Duration
}

func NewRedisBackend(client *redis.Client, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "aamfabric:tq"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix, ctxTimeout: 2 * time.Second}
}

func (r *RedisBackend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.ctxTimeout)
}

func (r *RedisBackend) taskKey(id string) string      { return r.keyPrefix + ":task:" + id }
func (r *RedisBackend) laneKey(p Priority) string      { return fmt.Sprintf("%s:lane:%d", r.keyPrefix, p) }
func (r *RedisBackend) delayedKey() string             { return r.keyPrefix + ":delayed" }
func (r *RedisBackend) processingKey() string          { return r.keyPrefix + ":processing" }
func (r *RedisBackend) deadLetterKey() string          { return r.keyPrefix + ":dead_letter" }

func (r *RedisBackend) SaveTask(task Task) error {
	ctx, cancel := r.ctx()
	defer cancel()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	return r.client.Set(ctx, r.taskKey(task.ID), data, 0).Err()
}

func (r *RedisBackend) LoadTask(id string) (Task, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	var t Task
	data, err := r.client.Get(ctx, r.taskKey(id)).Bytes()
	if err == redis.Nil {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("get task %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, false, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return t, true, nil
}

func (r *RedisBackend) DeleteTask(id string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, r.taskKey(id)).Err()
}

func (r *RedisBackend) PushLane(priority Priority, id string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.LPush(ctx, r.laneKey(priority), id).Err()
}

func (r *RedisBackend) PopLane(priority Priority) (string, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	id, err := r.client.LPop(ctx, r.laneKey(priority)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lpop lane %d: %w", priority, err)
	}
	return id, true, nil
}

func (r *RedisBackend) RequeueLane(priority Priority, id string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.RPush(ctx, r.laneKey(priority), id).Err()
}

func (r *RedisBackend) DelayedAdd(id string, scheduledAt time.Time) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.ZAdd(ctx, r.delayedKey(), &redis.Z{
		Score: float64(scheduledAt.UnixNano()), Member: id,
	}).Err()
}

func (r *RedisBackend) SweepDelayed(now time.Time) ([]string, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	ids, err := r.client.ZRangeByScore(ctx, r.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore delayed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := r.client.ZRem(ctx, r.delayedKey(), members...).Err(); err != nil {
		return nil, fmt.Errorf("zrem delayed: %w", err)
	}
	return ids, nil
}

func (r *RedisBackend) ProcessingAdd(id string, assignedAt time.Time) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.ZAdd(ctx, r.processingKey(), &redis.Z{
		Score: float64(assignedAt.UnixNano()), Member: id,
	}).Err()
}

func (r *RedisBackend) ProcessingRemove(id string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.ZRem(ctx, r.processingKey(), id).Err()
}

func (r *RedisBackend) ProcessingSnapshot() (map[string]time.Time, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	zs, err := r.client.ZRangeWithScores(ctx, r.processingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange processing: %w", err)
	}
	out := make(map[string]time.Time, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out[id] = time.Unix(0, int64(z.Score))
	}
	return out, nil
}

func (r *RedisBackend) DeadLetterPush(id string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.LPush(ctx, r.deadLetterKey(), id).Err()
}
