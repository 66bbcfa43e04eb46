package adapters

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// FakeTaskAPIServer is a minimal stand-in for a provider-side Task API: enough of
// the WSClient protocol to drive the full create -> has-pending -> next -> verify
// loop locally, without a real per-application worker process. It hands out
// subtask descriptors from a fixed queue per task and always verifies
// successfully, which is sufficient for exercising RTM end to end in dev and in
// local integration tests.
type FakeTaskAPIServer struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string][]json.RawMessage // taskID -> pending subtask params, FIFO
}

// NewFakeTaskAPIServer constructs a server with an empty task queue set.
func NewFakeTaskAPIServer(logger *slog.Logger) *FakeTaskAPIServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FakeTaskAPIServer{logger: logger, queues: make(map[string][]json.RawMessage)}
}

// Seed enqueues count canned subtask params for taskID, to be handed out one per
// NextSubtask call.
func (f *FakeTaskAPIServer) Seed(taskID string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < count; i++ {
		raw, _ := json.Marshal(map[string]any{"index": i})
		f.queues[taskID] = append(f.queues[taskID], raw)
	}
}

// Handler returns an http.Handler that upgrades connections and serves the RPCs
// WSClient issues.
func (f *FakeTaskAPIServer) Handler() http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Error("fake task api: upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			resp := f.dispatch(req)
			out, err := json.Marshal(resp)
			if err != nil {
				f.logger.Error("fake task api: marshal response", "error", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	})
}

func (f *FakeTaskAPIServer) dispatch(req wsRequest) wsResponse {
	switch req.Method {
	case "create_task":
		return wsResponse{ID: req.ID, Result: mustMarshal(true)}
	case "has_pending_subtasks":
		f.mu.Lock()
		pending := len(f.queues[req.TaskID]) > 0
		f.mu.Unlock()
		return wsResponse{ID: req.ID, Result: mustMarshal(pending)}
	case "next_subtask":
		f.mu.Lock()
		queue := f.queues[req.TaskID]
		if len(queue) == 0 {
			f.mu.Unlock()
			return wsResponse{ID: req.ID, Error: "no pending subtasks"}
		}
		params := queue[0]
		f.queues[req.TaskID] = queue[1:]
		subtaskID := uuid.NewString()
		f.mu.Unlock()
		result, _ := json.Marshal(map[string]any{
			"SubtaskID": subtaskID,
			"Params":    params,
			"Resources": []string{},
		})
		return wsResponse{ID: req.ID, Result: result}
	case "verify":
		return wsResponse{ID: req.ID, Result: mustMarshal(true)}
	case "shutdown":
		return wsResponse{ID: req.ID, Result: mustMarshal(true)}
	default:
		return wsResponse{ID: req.ID, Error: "unknown method " + req.Method}
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
