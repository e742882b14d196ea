package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task IDs are not reused once solved, so the counter only has to outlive
// retries of the same request.
const seqTTL = 24 * time.Hour

// RedisManager shares task leases between replicas. The fencing token comes
// from a per-task counter.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

func NewRedisManager(client redis.Cmdable, prefix string) *RedisManager {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "autosolve:lease"
	}
	return &RedisManager{
		client: client,
		prefix: normalized,
	}
}

func (m *RedisManager) Acquire(ctx context.Context, taskID, owner string, ttl time.Duration) (Lease, bool, error) {
	taskID, owner, err := validate(taskID, owner)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := m.client.Incr(ctx, m.seqKey(taskID)).Uint64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("task lease token: %w", err)
	}
	if err := m.client.Expire(ctx, m.seqKey(taskID), seqTTL).Err(); err != nil {
		return Lease{}, false, fmt.Errorf("task lease token expiry: %w", err)
	}
	acquired, err := m.client.SetNX(ctx, m.holdKey(taskID), holdValue(owner, token), ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("task lease acquire: %w", err)
	}
	if !acquired {
		return Lease{}, false, nil
	}
	return Lease{
		TaskID:    taskID,
		Owner:     owner,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

func (m *RedisManager) Renew(ctx context.Context, held Lease, ttl time.Duration) (Lease, bool, error) {
	held, err := validateHeld(held)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	renewed, err := renewScript.Run(ctx, m.client, []string{m.holdKey(held.TaskID)},
		holdValue(held.Owner, held.Token), ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("task lease renew: %w", err)
	}
	if renewed == 0 {
		return Lease{}, false, nil
	}
	held.ExpiresAt = time.Now().UTC().Add(ttl)
	return held, true, nil
}

func (m *RedisManager) Release(ctx context.Context, held Lease) error {
	held, err := validateHeld(held)
	if err != nil {
		return err
	}
	_, err = releaseScript.Run(ctx, m.client, []string{m.holdKey(held.TaskID)}, holdValue(held.Owner, held.Token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("task lease release: %w", err)
	}
	return nil
}

func (m *RedisManager) holdKey(taskID string) string {
	return m.prefix + ":task:" + taskID
}

func (m *RedisManager) seqKey(taskID string) string {
	return m.prefix + ":seq:" + taskID
}

func holdValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
