package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryManagerAcquireRelease(t *testing.T) {
	t.Parallel()

	manager := NewInMemoryManager()
	ctx := context.Background()

	first, ok, err := manager.Acquire(ctx, "T1", "replica-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, first.Token)
	assert.Equal(t, "T1", first.TaskID)

	_, ok, err = manager.Acquire(ctx, "T1", "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not get a held task id")

	stale := first
	stale.Owner = "replica-b"
	require.NoError(t, manager.Release(ctx, stale))
	_, ok, _ = manager.Acquire(ctx, "T1", "replica-b", time.Minute)
	assert.False(t, ok, "release by a different owner is a no-op")

	require.NoError(t, manager.Release(ctx, first))
	second, ok, err := manager.Acquire(ctx, "T1", "replica-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, second.Token, first.Token)
}

func TestInMemoryManagerExpiryAndRenew(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	manager := NewInMemoryManager()
	manager.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	ctx := context.Background()

	held, ok, err := manager.Acquire(ctx, "T2", "replica-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	advance(800 * time.Millisecond)
	renewed, ok, err := manager.Renew(ctx, held, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, renewed.ExpiresAt.After(held.ExpiresAt))

	advance(800 * time.Millisecond)
	_, ok, _ = manager.Acquire(ctx, "T2", "replica-b", time.Second)
	assert.False(t, ok)

	advance(time.Second)
	_, ok, err = manager.Renew(ctx, renewed, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "expired lease cannot be renewed")

	_, ok, _ = manager.Acquire(ctx, "T2", "replica-b", time.Second)
	assert.True(t, ok)
}

func TestInMemoryManagerValidation(t *testing.T) {
	t.Parallel()

	manager := NewInMemoryManager()
	_, _, err := manager.Acquire(context.Background(), " ", "owner", time.Second)
	assert.Error(t, err)
	_, _, err = manager.Acquire(context.Background(), "T1", "", time.Second)
	assert.Error(t, err)
	assert.Error(t, manager.Release(context.Background(), Lease{TaskID: "T1", Owner: "o"}))
}

func TestHoldRenewsUntilReleased(t *testing.T) {
	t.Parallel()

	manager := NewInMemoryManager()
	logger, hook := test.NewNullLogger()
	ctx := context.Background()

	release, err := Hold(ctx, manager, "T3", "replica-a", 60*time.Millisecond, logger)
	require.NoError(t, err)

	_, err = Hold(ctx, manager, "T3", "replica-b", 60*time.Millisecond, logger)
	assert.True(t, errors.Is(err, ErrHeld))

	// Outlive the ttl several times over; renewals keep it held.
	time.Sleep(200 * time.Millisecond)
	_, ok, err := manager.Acquire(ctx, "T3", "replica-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release()

	_, ok, err = manager.Acquire(ctx, "T3", "replica-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, hook.Entries)
}
