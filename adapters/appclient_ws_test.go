package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// startFakeTaskAPIServer runs a minimal Task API service over a websocket: it
// echoes back a canned result per method so WSClient's call/dispatch plumbing
// can be exercised without a real provider-side process.
func startFakeTaskAPIServer(t *testing.T, handle func(req wsRequest) wsResponse) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			require.NoError(t, json.Unmarshal(raw, &req))
			resp := handle(req)
			resp.ID = req.ID
			out, err := json.Marshal(resp)
			require.NoError(t, err)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSClientHasPendingSubtasksRoundTrip(t *testing.T) {
	server := startFakeTaskAPIServer(t, func(req wsRequest) wsResponse {
		if req.Method != "has_pending_subtasks" {
			return wsResponse{Error: "unexpected method " + req.Method}
		}
		result, _ := json.Marshal(true)
		return wsResponse{Result: result}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWSClient(ctx, wsURL(server))
	require.NoError(t, err)
	defer client.conn.Close()

	pending, err := client.HasPendingSubtasks(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestWSClientNextSubtaskDecodesDescriptor(t *testing.T) {
	server := startFakeTaskAPIServer(t, func(req wsRequest) wsResponse {
		result, _ := json.Marshal(map[string]any{
			"SubtaskID": "sub-1",
			"Params":    json.RawMessage(`{"frame":1}`),
			"Resources": []string{"input.blend"},
		})
		return wsResponse{Result: result}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWSClient(ctx, wsURL(server))
	require.NoError(t, err)
	defer client.conn.Close()

	desc, err := client.NextSubtask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", desc.SubtaskID)
	require.Equal(t, []string{"input.blend"}, desc.Resources)
}

func TestWSClientCallPropagatesRemoteError(t *testing.T) {
	server := startFakeTaskAPIServer(t, func(req wsRequest) wsResponse {
		return wsResponse{Error: "provider exploded"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWSClient(ctx, wsURL(server))
	require.NoError(t, err)
	defer client.conn.Close()

	_, err = client.Verify(ctx, "task-1", "sub-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "provider exploded")
}

func TestWSClientCallTimesOutOnContextCancellation(t *testing.T) {
	server := startFakeTaskAPIServer(t, func(req wsRequest) wsResponse {
		time.Sleep(2 * time.Second) // outlives the call's own timeout below
		return wsResponse{}
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := DialWSClient(dialCtx, wsURL(server))
	require.NoError(t, err)
	defer client.conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer callCancel()
	_, err = client.HasPendingSubtasks(callCtx, "task-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
