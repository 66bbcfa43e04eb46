package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kaptinlin/jsonrepair"

	"rtm/ports"
)

const wsCallTimeout = 30 * time.Second

// wsRequest is the envelope sent for every outbound call.
type wsRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	TaskID string          `json:"task_id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wsResponse is the envelope every inbound frame is parsed into.
type wsResponse struct {
	ID     string          `json:"id"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// WSClient is a ports.AppClient backed by a single persistent WebSocket connection
// to a provider-side Task API, one connection per application. Calls are
// correlated by request id and block on a per-call channel, the same shape as a
// long-lived control-plane WebSocket client elsewhere in this codebase.
type WSClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	idSeq   atomic.Uint64

	pending sync.Map // id string -> chan wsResponse

	readDone chan struct{}
	closeErr atomic.Value // error
}

// DialWSClient dials url and starts the read loop. The returned client owns the
// connection; call Shutdown to close it.
func DialWSClient(ctx context.Context, url string) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial task api service %s: %w", url, err)
	}
	c := &WSClient{conn: conn, readDone: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.readDone)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.closeErr.Store(err)
			c.pending.Range(func(key, value any) bool {
				value.(chan wsResponse) <- wsResponse{Error: err.Error()}
				c.pending.Delete(key)
				return true
			})
			return
		}

		repaired, err := jsonrepair.JSONRepair(string(raw))
		if err != nil {
			repaired = string(raw)
		}
		var resp wsResponse
		if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
			continue
		}
		if ch, ok := c.pending.LoadAndDelete(resp.ID); ok {
			ch.(chan wsResponse) <- resp
		}
	}
}

func (c *WSClient) nextID() string {
	return fmt.Sprintf("rtm-%d", c.idSeq.Add(1))
}

func (c *WSClient) call(ctx context.Context, method, taskID string, params any) (json.RawMessage, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		paramsJSON = raw
	}

	id := c.nextID()
	ch := make(chan wsResponse, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	req := wsRequest{ID: id, Method: method, TaskID: taskID, Params: paramsJSON}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wsCallTimeout):
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	}
}

func (c *WSClient) CreateTask(ctx context.Context, taskID string, maxSubtasks int, appParams map[string]any) error {
	_, err := c.call(ctx, "create_task", taskID, map[string]any{
		"max_subtasks": maxSubtasks,
		"app_params":   appParams,
	})
	return err
}

func (c *WSClient) HasPendingSubtasks(ctx context.Context, taskID string) (bool, error) {
	result, err := c.call(ctx, "has_pending_subtasks", taskID, nil)
	if err != nil {
		return false, err
	}
	var pending bool
	if err := json.Unmarshal(result, &pending); err != nil {
		return false, fmt.Errorf("decode has_pending_subtasks result: %w", err)
	}
	return pending, nil
}

func (c *WSClient) NextSubtask(ctx context.Context, taskID string) (ports.SubtaskDescriptor, error) {
	result, err := c.call(ctx, "next_subtask", taskID, nil)
	if err != nil {
		return ports.SubtaskDescriptor{}, err
	}
	var desc ports.SubtaskDescriptor
	if err := json.Unmarshal(result, &desc); err != nil {
		return ports.SubtaskDescriptor{}, fmt.Errorf("decode next_subtask result: %w", err)
	}
	return desc, nil
}

func (c *WSClient) Verify(ctx context.Context, taskID, subtaskID string) (bool, error) {
	result, err := c.call(ctx, "verify", taskID, map[string]any{"subtask_id": subtaskID})
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return false, fmt.Errorf("decode verify result: %w", err)
	}
	return ok, nil
}

func (c *WSClient) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, "shutdown", "", nil)
	writeErr := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

var _ ports.AppClient = (*WSClient)(nil)
