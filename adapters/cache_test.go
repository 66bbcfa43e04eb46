package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rtm/domain"
)

// countingStore wraps MemoryStore and counts GetTask calls, so tests can tell
// whether CachedStore actually served a request from cache.
type countingStore struct {
	*MemoryStore
	getTaskCalls int
}

func (c *countingStore) GetTask(ctx context.Context, taskID string) (domain.RequestedTask, error) {
	c.getTaskCalls++
	return c.MemoryStore.GetTask(ctx, taskID)
}

func TestCachedStoreServesCompletedTaskWithoutHittingBackingStore(t *testing.T) {
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, backing.CreateTask(ctx, domain.RequestedTask{TaskID: "task-1", Status: domain.TaskStatusFinished}))

	cached, err := NewCachedStore(backing, 0)
	require.NoError(t, err)

	_, err = cached.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, backing.getTaskCalls)

	_, err = cached.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, backing.getTaskCalls, "second read should be served from cache")
}

func TestCachedStoreDoesNotCacheActiveTasks(t *testing.T) {
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, backing.CreateTask(ctx, domain.RequestedTask{TaskID: "task-1", Status: domain.TaskStatusWaiting}))

	cached, err := NewCachedStore(backing, 0)
	require.NoError(t, err)

	_, err = cached.GetTask(ctx, "task-1")
	require.NoError(t, err)
	_, err = cached.GetTask(ctx, "task-1")
	require.NoError(t, err)

	require.Equal(t, 2, backing.getTaskCalls, "active task must always be re-read")
}

func TestCachedStoreSetTaskStatusInvalidatesCache(t *testing.T) {
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, backing.CreateTask(ctx, domain.RequestedTask{TaskID: "task-1", Status: domain.TaskStatusFinished}))

	cached, err := NewCachedStore(backing, 0)
	require.NoError(t, err)

	_, err = cached.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, backing.getTaskCalls)

	require.NoError(t, cached.SetTaskStatus(ctx, "task-1", domain.TaskStatusFinished))

	_, err = cached.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 2, backing.getTaskCalls, "invalidated entry must be re-read")
}
