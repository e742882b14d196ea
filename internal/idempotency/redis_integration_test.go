package idempotency

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreLockRecordLookupUnlock(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at TEST_REDIS_ADDR=%s: %v", addr, err)
	}

	store := NewRedisStore(client, "autosolve:test:"+uuid.NewString())
	key := Key{Scope: "solve", APIKey: "key-a", Value: "retry-1"}

	locked, err := store.Lock(ctx, key, "owner-1", time.Second)
	require.NoError(t, err)
	require.True(t, locked)
	locked, err = store.Lock(ctx, key, "owner-2", time.Second)
	require.NoError(t, err)
	assert.False(t, locked)

	_, ok, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Record(ctx, key, Response{StatusCode: 200, Body: []byte(`{"taskId":"T1"}`)}, time.Minute))
	got, ok, err := store.Lookup(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 200, got.StatusCode)
	assert.JSONEq(t, `{"taskId":"T1"}`, string(got.Body))

	require.NoError(t, store.Unlock(ctx, key, "owner-1"))
	locked, err = store.Lock(ctx, key, "owner-2", time.Second)
	require.NoError(t, err)
	assert.True(t, locked)
}
