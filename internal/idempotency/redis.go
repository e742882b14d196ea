package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares recorded responses between gateway replicas.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "autosolve:idempotency"
	}
	return &RedisStore{
		client: client,
		prefix: normalized,
	}
}

func (s *RedisStore) Lookup(ctx context.Context, key Key) (Response, bool, error) {
	compound, err := key.compound()
	if err != nil {
		return Response{}, false, err
	}
	raw, err := s.client.Get(ctx, s.responseKey(compound)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Response{}, false, nil
		}
		return Response{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decode recorded response: %w", err)
	}
	return resp, true, nil
}

func (s *RedisStore) Lock(ctx context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	compound, err := key.compound()
	if err != nil {
		return false, err
	}
	if owner, err = requireOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ok, err := s.client.SetNX(ctx, s.lockKey(compound), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency lock: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Record(ctx context.Context, key Key, resp Response, ttl time.Duration) error {
	compound, err := key.compound()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if resp.RecordedAt.IsZero() {
		resp.RecordedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode recorded response: %w", err)
	}
	if err := s.client.Set(ctx, s.responseKey(compound), raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Unlock(ctx context.Context, key Key, owner string) error {
	compound, err := key.compound()
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}
	_, err = unlockScript.Run(ctx, s.client, []string{s.lockKey(compound)}, owner).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency unlock: %w", err)
	}
	return nil
}

func (s *RedisStore) responseKey(compound string) string {
	return s.prefix + ":resp:" + compound
}

func (s *RedisStore) lockKey(compound string) string {
	return s.prefix + ":lock:" + compound
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
