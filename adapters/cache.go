package adapters

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"rtm/domain"
	"rtm/ports"
)

const defaultTaskCacheSize = 1024

// CachedStore wraps a ports.Store with an in-memory LRU cache of completed tasks,
// so a provider or poller hammering GetTask after a task has finished doesn't
// round-trip to the backing store on every call. Only completed tasks are cached:
// an active task's fields can still change on the next call, so caching it would
// serve stale answers.
type CachedStore struct {
	ports.Store
	finished *lru.Cache[string, domain.RequestedTask]
}

// NewCachedStore wraps store with an LRU of the given size (defaulted if <= 0).
func NewCachedStore(store ports.Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = defaultTaskCacheSize
	}
	cache, err := lru.New[string, domain.RequestedTask](size)
	if err != nil {
		return nil, fmt.Errorf("create task status cache: %w", err)
	}
	return &CachedStore{Store: store, finished: cache}, nil
}

// GetTask serves a completed task straight out of cache, skipping the backing
// store entirely once a task has reached a terminal status.
func (c *CachedStore) GetTask(ctx context.Context, taskID string) (domain.RequestedTask, error) {
	if task, ok := c.finished.Get(taskID); ok {
		return task, nil
	}
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return domain.RequestedTask{}, err
	}
	if task.Status.IsCompleted() {
		c.finished.Add(taskID, task)
	}
	return task, nil
}

// SetTaskStatus invalidates the cache entry before delegating, so a restarted or
// reused task id never serves a stale terminal status after a transition.
func (c *CachedStore) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	c.finished.Remove(taskID)
	return c.Store.SetTaskStatus(ctx, taskID, status)
}

var _ ports.Store = (*CachedStore)(nil)
