package adapters

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeTaskAPIServerDrivesFullSubtaskLoop(t *testing.T) {
	fake := NewFakeTaskAPIServer(nil)
	fake.Seed("task-1", 1)

	server := httptest.NewServer(fake.Handler())
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWSClient(ctx, wsURL(server))
	require.NoError(t, err)
	defer client.conn.Close()

	require.NoError(t, client.CreateTask(ctx, "task-1", 1, nil))

	pending, err := client.HasPendingSubtasks(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, pending)

	desc, err := client.NextSubtask(ctx, "task-1")
	require.NoError(t, err)
	require.NotEmpty(t, desc.SubtaskID)

	pending, err = client.HasPendingSubtasks(ctx, "task-1")
	require.NoError(t, err)
	require.False(t, pending)

	ok, err := client.Verify(ctx, "task-1", desc.SubtaskID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.Shutdown(ctx))
}

func TestFakeTaskAPIServerNextSubtaskErrorsWhenQueueEmpty(t *testing.T) {
	fake := NewFakeTaskAPIServer(nil)

	server := httptest.NewServer(fake.Handler())
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWSClient(ctx, wsURL(server))
	require.NoError(t, err)
	defer client.conn.Close()

	_, err = client.NextSubtask(ctx, "task-1")
	require.Error(t, err)
}
