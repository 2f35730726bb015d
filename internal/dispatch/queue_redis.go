package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// claimScript pops due members in one step so two workers never run the
// same attempt.
var claimScript = redis.NewScript(`
	local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	if #items > 0 then
		redis.call("ZREM", KEYS[1], unpack(items))
	end
	return items
`)

// RedisRetryQueue stores attempts in a sorted set scored by due time in
// unix milliseconds. Members are the JSON-encoded attempts.
type RedisRetryQueue struct {
	client *redis.Client
	key    string
}

func NewRedisRetryQueue(client *redis.Client, key string) *RedisRetryQueue {
	if key == "" {
		key = "capi:retry"
	}
	return &RedisRetryQueue{client: client, key: key}
}

func (q *RedisRetryQueue) Schedule(ctx context.Context, a domain.DeliveryAttempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt %s: %w", a.Event.ID, err)
	}
	score := float64(dueAt(a).UnixMilli())
	if a.NextRetryAt == nil {
		score = float64(time.Now().UnixMilli())
	}
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("schedule attempt %s: %w", a.Event.ID, err)
	}
	return nil
}

func (q *RedisRetryQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := claimScript.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim due attempts: %w", err)
	}
	out := make([]domain.DeliveryAttempt, 0, len(members))
	for _, m := range members {
		var a domain.DeliveryAttempt
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			logger.Error("retry_queue_bad_member", "key", q.key, "error", err.Error())
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (q *RedisRetryQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	return int(n), err
}
