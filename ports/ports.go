// Package ports declares the collaborator contracts the orchestration core
// depends on: persistence, directory resolution, environment lookup, the
// task API service factory, the per-application client, and compute timers.
// Concrete implementations live in package adapters.
package ports

import (
	"context"
	"encoding/json"
	"time"

	"rtm/domain"
)

// Store is the ACID-capable persistence port for tasks and subtasks.
type Store interface {
	// CreateTask inserts a new task row with the status it is given (the Manager
	// always passes creating).
	CreateTask(ctx context.Context, task domain.RequestedTask) error
	// GetTask loads a task by id. Returns domain.ErrTaskNotFound if absent.
	GetTask(ctx context.Context, taskID string) (domain.RequestedTask, error)
	// TaskExists is a pure existence check.
	TaskExists(ctx context.Context, taskID string) (bool, error)
	// SetTaskStatus persists an unconditional task status transition.
	SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error

	// CountUnfinishedSubtasks counts the given node's non-finished subtasks for a task.
	CountUnfinishedSubtasks(ctx context.Context, taskID, nodeID string) (int, error)
	// InsertSubtask re-checks CountUnfinishedSubtasks and inserts the new subtask row
	// within one serializable transaction, so two concurrent assignments for the same
	// (taskID, nodeID) pair cannot both succeed. On a lost race it returns a
	// *domain.AssignmentError with Reason domain.ReasonOutstandingSubtask.
	InsertSubtask(ctx context.Context, taskID string, node domain.ComputingNode, subtask domain.RequestedSubtask) (domain.RequestedSubtask, error)
	// GetSubtask loads a subtask scoped to its parent task.
	GetSubtask(ctx context.Context, taskID, subtaskID string) (domain.RequestedSubtask, error)
	// SetSubtaskStatus persists an unconditional subtask status transition.
	SetSubtaskStatus(ctx context.Context, taskID, subtaskID string, status domain.SubtaskStatus) error
	// FinishSubtask sets the subtask to finished or failure depending on success, and,
	// within the same serializable transaction, transitions the task to finished once
	// its finished-subtask count reaches maxSubtasks. Reports whether the task completed.
	FinishSubtask(ctx context.Context, taskID, subtaskID string, success bool) (taskCompleted bool, err error)
	// ActiveSubtasks returns the subtasks of a task currently in an active status.
	ActiveSubtasks(ctx context.Context, taskID string) ([]domain.RequestedSubtask, error)
	// CancelSubtask transitions a single subtask to cancelled.
	CancelSubtask(ctx context.Context, taskID, subtaskID string) error

	// CountActiveTasksForApp counts tasks of the given appId whose status is one of
	// sending, waiting, starting, computing — the App Client teardown predicate.
	CountActiveTasksForApp(ctx context.Context, appID string) (int, error)
}

// DirManager resolves filesystem paths for a task. Operations are idempotent and
// caller-scoped; none of them suspend.
type DirManager interface {
	NetworkResourcesDir(taskID string) string
	SubtasksOutputsDir(taskID string) string
	TemporaryDir(taskID string) string
	ClearTemporary(taskID string) error
}

// Environment describes an execution environment bound into a Task API Service.
type Environment struct {
	ID            domain.EnvID
	Prerequisites map[string]string
	SharedDir     string
}

// PayloadBuilder constructs App Client payloads for an environment.
type PayloadBuilder func(ctx context.Context, appParams map[string]any) (json.RawMessage, error)

// EnvManager is the read-only (from RTM's perspective) registry of environments.
type EnvManager interface {
	Enabled(envID domain.EnvID) bool
	Environment(envID domain.EnvID) (Environment, error)
	PayloadBuilder(envID domain.EnvID) (PayloadBuilder, error)
}

// TaskAPIService is the opaque object an App Client is constructed from: an
// environment, its payload builder and prerequisites, bound to a shared directory.
type TaskAPIService struct {
	Environment Environment
	Builder     PayloadBuilder
	SharedDir   string
}

// TaskAPIServiceFactory binds an environment, payload builder and shared directory
// into a TaskAPIService consumable by an AppClientFactory.
type TaskAPIServiceFactory interface {
	Build(ctx context.Context, env Environment, builder PayloadBuilder, sharedDir string) (TaskAPIService, error)
}

// SubtaskDescriptor is the raw assignment handed back by AppClient.NextSubtask.
type SubtaskDescriptor struct {
	SubtaskID string
	Params    json.RawMessage
	Resources []string
}

// AppClient is the per-application long-lived asynchronous backend. Shutdown is not
// assumed idempotent; callers must not invoke it twice on the same instance.
type AppClient interface {
	CreateTask(ctx context.Context, taskID string, maxSubtasks int, appParams map[string]any) error
	HasPendingSubtasks(ctx context.Context, taskID string) (bool, error)
	NextSubtask(ctx context.Context, taskID string) (SubtaskDescriptor, error)
	Verify(ctx context.Context, taskID, subtaskID string) (bool, error)
	Shutdown(ctx context.Context) error
}

// AppClientFactory constructs an AppClient bound to a TaskAPIService. Construction
// is async in the source system; here it is simply a call that may block or fail.
type AppClientFactory interface {
	Create(ctx context.Context, service TaskAPIService) (AppClient, error)
}

// ComputeTimers observes subtask compute wall-time. Not consulted by RTM logic.
type ComputeTimers interface {
	Start(subtaskID string)
	Finish(subtaskID string)
}

// TicketIssuer mints signed proof that a node was handed a given subtask by
// this requestor. Optional: a Manager built without one simply issues no
// tickets.
type TicketIssuer interface {
	Issue(taskID, subtaskID, nodeID string) (ticket string, expiresAt time.Time, err error)
}
