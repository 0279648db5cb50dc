package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/pickline/internal/core/domain"
)

const DefaultLockKey = "pickline:order-lock"

// acquireScript sets the holder when the lock is free. It always returns
// {acquired, requestNumber, worker, acquiredAt} of the holder after the call.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local holder = redis.call('HGET', key, 'requestNumber')
if not holder then
	redis.call('HSET', key, 'requestNumber', ARGV[1], 'worker', ARGV[2], 'acquiredAt', ARGV[3])
	return {1, ARGV[1], ARGV[2], ARGV[3]}
end

local worker = redis.call('HGET', key, 'worker') or ''
local acquiredAt = redis.call('HGET', key, 'acquiredAt') or ''
if holder == ARGV[1] then
	return {1, holder, worker, acquiredAt}
end

return {0, holder, worker, acquiredAt}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'requestNumber') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end

return 0
`)

// RedisAdapter is the Order Lock shared by every server instance.
type RedisAdapter struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisAdapter(client *redis.Client, key string) *RedisAdapter {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisAdapter{
		client: client,
		key:    key,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisAdapter) TryAcquire(ctx context.Context, requestNumber, worker string) (domain.AcquireResult, error) {
	at := r.now().Format(time.RFC3339Nano)
	result, err := acquireScript.Run(ctx, r.client, []string{r.key}, requestNumber, worker, at).Slice()
	if err != nil {
		return domain.AcquireResult{}, unavailable("acquire order lock", err)
	}
	if len(result) != 4 {
		return domain.AcquireResult{}, fmt.Errorf("acquire order lock: unexpected reply %v", result)
	}

	flag, _ := result[0].(int64)
	holder := domain.LockState{Held: true}
	holder.HolderRequestNumber, _ = result[1].(string)
	holder.HolderWorker, _ = result[2].(string)
	if raw, _ := result[3].(string); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			holder.AcquiredAt = &t
		}
	}
	return domain.AcquireResult{Acquired: flag == 1, Holder: holder}, nil
}

func (r *RedisAdapter) Release(ctx context.Context, requestNumber string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, requestNumber).Int()
	if err != nil {
		return false, unavailable("release order lock", err)
	}
	return n == 1, nil
}

func (r *RedisAdapter) Status(ctx context.Context) (domain.LockState, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
		return domain.LockState{}, nil
	}
	if err != nil {
		return domain.LockState{}, unavailable("read order lock", err)
	}

	state := domain.LockState{
		Held:                true,
		HolderRequestNumber: fields["requestNumber"],
		HolderWorker:        fields["worker"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["acquiredAt"]); err == nil {
		state.AcquiredAt = &t
	}
	return state, nil
}
