package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/peleka/pkg/errkind"
	"github.com/cuemby/peleka/pkg/runtime"
	"github.com/cuemby/peleka/pkg/types"
)

func TestAcquireAndRelease(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	m := NewManager(adapter)

	h, err := m.Acquire(context.Background(), "web", "deploy-1", "host-a", 0)
	require.NoError(t, err)
	require.NotNil(t, h)

	require.NoError(t, h.Release(context.Background()))

	_, err = adapter.Inspect(context.Background(), h.containerID)
	assert.Error(t, err, "lock container should be removed after release")
}

func TestAcquireFailsWhenHeldByLiveHeartbeat(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	m := NewManager(adapter)

	h, err := m.Acquire(context.Background(), "web", "deploy-1", "host-a", 0)
	require.NoError(t, err)
	defer h.Release(context.Background())

	_, err = m.Acquire(context.Background(), "web", "deploy-2", "host-b", 0)
	require.Error(t, err)
	assert.Equal(t, errkind.KindLockHeld, errkind.Of(err))
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	m := NewManager(adapter).WithRefreshInterval(10 * time.Millisecond)

	stale, err := m.Acquire(context.Background(), "web", "deploy-1", "host-a", 0)
	require.NoError(t, err)
	stale.cancelHB()
	<-stale.hbDone

	// Force the lock's heartbeat label to look far in the past,
	// simulating an owner that crashed without releasing. The name
	// stays untouched, since that's the mutex.
	_, err = adapter.Relabel(context.Background(), stale.containerID, map[string]string{
		labelHeartbeatAt: time.Now().Add(-time.Hour).Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	h, err := m.Acquire(context.Background(), "web", "deploy-2", "host-b", 0)
	require.NoError(t, err)
	defer h.Release(context.Background())

	assert.NotEqual(t, stale.containerID, h.containerID)
}

func TestHeartbeatRefreshesHeartbeatLabel(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	m := NewManager(adapter).WithRefreshInterval(5 * time.Millisecond)

	h, err := m.Acquire(context.Background(), "web", "deploy-1", "host-a", 0)
	require.NoError(t, err)
	defer h.Release(context.Background())

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	first, ok := parseHeartbeatLabel(summaries[0].Labels)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	summaries, err = adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, summaries, 1, "the lock container's name must stay fixed across heartbeat refreshes")
	second, ok := parseHeartbeatLabel(summaries[0].Labels)
	require.True(t, ok)

	assert.True(t, second.After(first), "heartbeat refresh should advance the label's timestamp")
}

func TestReleaseRefusesMismatchedDeployID(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	m := NewManager(adapter)

	h, err := m.Acquire(context.Background(), "web", "deploy-1", "host-a", 0)
	require.NoError(t, err)

	// Simulate a stale-takeover race: another deploy-id now owns the
	// same container id's labels.
	_, err = adapter.Relabel(context.Background(), h.containerID, map[string]string{
		types.LabelDeployID: "deploy-2",
	})
	require.NoError(t, err)

	err = h.Release(context.Background())
	require.Error(t, err)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	adapter := runtime.NewFakeAdapter()
	m := NewManager(adapter)

	assert.Panics(t, func() {
		_ = WithLock(context.Background(), m, "web", "deploy-1", "host-a", 0, func(ctx context.Context) error {
			panic("boom")
		})
	})

	summaries, err := adapter.ListByLabel(context.Background(), "web")
	require.NoError(t, err)
	assert.Empty(t, summaries, "lock must be released even when fn panics")
}
