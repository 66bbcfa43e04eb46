// Package app holds the requested task manager's orchestration core: the
// admission and assignment protocol, the task/subtask state machine, and the
// lifecycle of per-application client connections. It depends only on the
// ports package, never on a concrete adapter.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rtm/domain"
	"rtm/ports"
)

// Manager is the Requested Task Manager. It is constructed with an Environment
// Manager, the requestor's public key, and a root path, and holds a mutable
// mapping appId -> AppClient.
type Manager struct {
	store          ports.Store
	dirs           ports.DirManager
	envs           ports.EnvManager
	serviceFactory ports.TaskAPIServiceFactory
	clientFactory  ports.AppClientFactory
	timers         ports.ComputeTimers
	tickets        ports.TicketIssuer
	logger         *slog.Logger

	publicKey string
	rootDir   string
	ids       *idGenerator

	mu         sync.Mutex
	appClients map[string]ports.AppClient
	creating   singleflight.Group
}

// Dependencies bundles the collaborators a Manager is built from.
type Dependencies struct {
	Store          ports.Store
	Dirs           ports.DirManager
	Envs           ports.EnvManager
	ServiceFactory ports.TaskAPIServiceFactory
	ClientFactory  ports.AppClientFactory
	Timers         ports.ComputeTimers
	// Tickets is optional: when nil, GetNextSubtask assigns subtasks without
	// minting a signed assignment ticket.
	Tickets   ports.TicketIssuer
	Logger    *slog.Logger
	PublicKey string
	RootDir   string
}

// NewManager constructs a Manager. Logger defaults to slog.Default() when nil.
func NewManager(deps Dependencies) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:          deps.Store,
		dirs:           deps.Dirs,
		envs:           deps.Envs,
		serviceFactory: deps.ServiceFactory,
		clientFactory:  deps.ClientFactory,
		timers:         deps.Timers,
		tickets:        deps.Tickets,
		logger:         logger,
		publicKey:      deps.PublicKey,
		rootDir:        deps.RootDir,
		ids:            newIDGenerator(deps.PublicKey),
		appClients:     make(map[string]ports.AppClient),
	}
}

// CreateTask generates a fresh taskId, inserts a RequestedTask row with status
// creating, and returns the id. It never contacts an App Client.
func (m *Manager) CreateTask(ctx context.Context, params domain.CreateTaskParams, appParams map[string]any) (string, error) {
	ctx, span := startSpan(ctx, "rtm.create_task", "")
	defer span.End()

	taskID := m.ids.next()
	task := domain.RequestedTask{
		TaskID:          taskID,
		Name:            params.Name,
		AppID:           params.AppID,
		Environment:     params.Environment,
		TaskTimeout:     params.TaskTimeout,
		SubtaskTimeout:  params.SubtaskTimeout,
		MaxSubtasks:     params.MaxSubtasks,
		MaxPricePerHour: params.MaxPricePerHour,
		OutputDirectory: params.OutputDirectory,
		Resources:       params.Resources,
		AppParams:       appParams,
		StartTime:       time.Now().UTC(),
		ConcentEnabled:  params.ConcentEnabled,
		Status:          domain.TaskStatusCreating,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		err = fmt.Errorf("create task: %w", err)
		markSpanResult(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String(traceAttrTaskID, taskID))
	markSpanResult(span, nil)
	m.logger.Debug("created task", "task_id", taskID, "app_id", task.AppID, "environment", task.Environment)
	return taskID, nil
}

// InitTask clears the task's temporary directory, acquires the App Client for
// its (appId, environment), and forwards createTask. On App Client failure the
// task's status is left at creating so a retry is possible.
func (m *Manager) InitTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("init task %s: %w", taskID, err)
	}
	if task.Status != domain.TaskStatusCreating {
		return fmt.Errorf("init task %s: %w", taskID, domain.ErrAlreadyInitialized)
	}
	if err := m.dirs.ClearTemporary(taskID); err != nil {
		return fmt.Errorf("init task %s: clear temporary dir: %w", taskID, err)
	}
	client, err := m.getAppClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return fmt.Errorf("init task %s: %w", taskID, err)
	}
	if err := client.CreateTask(ctx, taskID, task.MaxSubtasks, task.AppParams); err != nil {
		return fmt.Errorf("init task %s: app client create task: %w", taskID, err)
	}
	m.logger.Debug("initialized task", "task_id", taskID)
	return nil
}

// StartTask transitions a preparing task to waiting.
func (m *Manager) StartTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}
	if !task.Status.IsPreparing() {
		return fmt.Errorf("start task %s: %w", taskID, domain.ErrAlreadyStarted)
	}
	if err := m.store.SetTaskStatus(ctx, taskID, domain.TaskStatusWaiting); err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}
	m.logger.Debug("started task", "task_id", taskID)
	return nil
}

// TaskExists is a pure storage query.
func (m *Manager) TaskExists(ctx context.Context, taskID string) (bool, error) {
	exists, err := m.store.TaskExists(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("task exists %s: %w", taskID, err)
	}
	return exists, nil
}

// IsTaskFinished reports whether the task has reached a terminal status.
func (m *Manager) IsTaskFinished(ctx context.Context, taskID string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("is task finished %s: %w", taskID, err)
	}
	return task.Status.IsCompleted(), nil
}

// GetTaskNetworkResourcesDir delegates to the Directory Manager.
func (m *Manager) GetTaskNetworkResourcesDir(taskID string) string {
	return m.dirs.NetworkResourcesDir(taskID)
}

// GetSubtasksOutputsDir delegates to the Directory Manager.
func (m *Manager) GetSubtasksOutputsDir(taskID string) string {
	return m.dirs.SubtasksOutputsDir(taskID)
}

// HasPendingSubtasks forwards to the App Client. The App Client is the source of
// truth; RTM never caches this result, and the polarity may flip between calls.
func (m *Manager) HasPendingSubtasks(ctx context.Context, taskID string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("has pending subtasks %s: %w", taskID, err)
	}
	client, err := m.getAppClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return false, fmt.Errorf("has pending subtasks %s: %w", taskID, err)
	}
	pending, err := client.HasPendingSubtasks(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("has pending subtasks %s: app client: %w", taskID, err)
	}
	return pending, nil
}

// GetNextSubtask evaluates the admission rules in order and, on success, records a
// new subtask assignment.
func (m *Manager) GetNextSubtask(ctx context.Context, taskID string, node domain.ComputingNode) (domain.SubtaskDefinition, error) {
	ctx, span := startSpan(ctx, "rtm.get_next_subtask", taskID, attribute.String(traceAttrNodeID, node.NodeID))
	defer span.End()

	def, err := m.getNextSubtask(ctx, taskID, node)
	markSpanResult(span, err)
	return def, err
}

func (m *Manager) getNextSubtask(ctx context.Context, taskID string, node domain.ComputingNode) (domain.SubtaskDefinition, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return domain.SubtaskDefinition{}, &domain.AssignmentError{Reason: domain.ReasonTaskNotFound, TaskID: taskID, NodeID: node.NodeID}
		}
		return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: %w", taskID, err)
	}
	if node.NodeID == m.publicKey {
		return domain.SubtaskDefinition{}, &domain.AssignmentError{Reason: domain.ReasonSelfAssignment, TaskID: taskID, NodeID: node.NodeID}
	}
	if !task.Status.IsActive() {
		return domain.SubtaskDefinition{}, &domain.AssignmentError{Reason: domain.ReasonTaskNotActive, TaskID: taskID, NodeID: node.NodeID}
	}
	count, err := m.store.CountUnfinishedSubtasks(ctx, taskID, node.NodeID)
	if err != nil {
		return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: %w", taskID, err)
	}
	if count > 0 {
		return domain.SubtaskDefinition{}, &domain.AssignmentError{Reason: domain.ReasonOutstandingSubtask, TaskID: taskID, NodeID: node.NodeID}
	}

	client, err := m.getAppClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: %w", taskID, err)
	}
	pending, err := client.HasPendingSubtasks(ctx, taskID)
	if err != nil {
		return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: app client: %w", taskID, err)
	}
	if !pending {
		return domain.SubtaskDefinition{}, &domain.AssignmentError{Reason: domain.ReasonNoPendingSubtasks, TaskID: taskID, NodeID: node.NodeID}
	}

	descriptor, err := client.NextSubtask(ctx, taskID)
	if err != nil {
		return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: app client: %w", taskID, err)
	}

	startTime := time.Now().UTC()
	subtask := domain.RequestedSubtask{
		SubtaskID:     descriptor.SubtaskID,
		TaskID:        taskID,
		Payload:       descriptor.Params,
		Inputs:        descriptor.Resources,
		StartTime:     startTime,
		Price:         task.MaxPricePerHour,
		ComputingNode: node,
		Status:        domain.SubtaskStatusStarting,
	}
	inserted, err := m.store.InsertSubtask(ctx, taskID, node, subtask)
	if err != nil {
		return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: %w", taskID, err)
	}
	m.timers.Start(inserted.SubtaskID)

	var ticket string
	if m.tickets != nil {
		ticket, _, err = m.tickets.Issue(taskID, inserted.SubtaskID, node.NodeID)
		if err != nil {
			return domain.SubtaskDefinition{}, fmt.Errorf("get next subtask %s: issue ticket: %w", taskID, err)
		}
	}

	return domain.SubtaskDefinition{
		SubtaskID: inserted.SubtaskID,
		Resources: inserted.Inputs,
		Params:    inserted.Payload,
		Deadline:  startTime.Add(task.SubtaskTimeout),
		Ticket:    ticket,
	}, nil
}

// Verify forwards a result check to the App Client and records the outcome. An
// App Client error transitions the subtask to failure rather than leaving it
// stuck in verifying (Open Question 1).
func (m *Manager) Verify(ctx context.Context, taskID, subtaskID string) (bool, error) {
	ctx, span := startSpan(ctx, "rtm.verify", taskID, attribute.String(traceAttrSubtaskID, subtaskID))
	defer span.End()

	result, err := m.verify(ctx, taskID, subtaskID)
	markSpanResult(span, err)
	return result, err
}

func (m *Manager) verify(ctx context.Context, taskID, subtaskID string) (bool, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, err)
	}
	if !task.Status.IsActive() {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, domain.ErrTaskNotActive)
	}
	subtask, err := m.store.GetSubtask(ctx, taskID, subtaskID)
	if err != nil {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, err)
	}
	if subtask.TaskID != taskID {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, domain.ErrSubtaskNotFound)
	}

	if err := m.store.SetSubtaskStatus(ctx, taskID, subtaskID, domain.SubtaskStatusVerifying); err != nil {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, err)
	}

	client, err := m.getAppClient(ctx, task.AppID, task.Environment)
	if err != nil {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, err)
	}

	result, verifyErr := client.Verify(ctx, taskID, subtaskID)
	m.timers.Finish(subtaskID)
	if verifyErr != nil {
		if setErr := m.store.SetSubtaskStatus(ctx, taskID, subtaskID, domain.SubtaskStatusFailure); setErr != nil {
			m.logger.Error("verify: failed to mark subtask failure after app client error",
				"task_id", taskID, "subtask_id", subtaskID, "error", setErr)
		}
		return false, fmt.Errorf("verify %s/%s: app client: %w", taskID, subtaskID, verifyErr)
	}

	taskCompleted, err := m.store.FinishSubtask(ctx, taskID, subtaskID, result)
	if err != nil {
		return false, fmt.Errorf("verify %s/%s: %w", taskID, subtaskID, err)
	}
	if taskCompleted {
		m.logger.Debug("task reached max subtasks", "task_id", taskID)
		if err := m.shutdownAppClient(ctx, task.AppID); err != nil {
			m.logger.Error("verify: app client teardown sweep failed", "app_id", task.AppID, "error", err)
		}
	}
	return result, nil
}

// AbortTask transitions the task to aborted and cancels every active subtask.
func (m *Manager) AbortTask(ctx context.Context, taskID string) error {
	ctx, span := startSpan(ctx, "rtm.abort_task", taskID)
	defer span.End()
	err := m.abortTask(ctx, taskID)
	markSpanResult(span, err)
	return err
}

func (m *Manager) abortTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("abort task %s: %w", taskID, err)
	}
	if !task.Status.IsActive() {
		return fmt.Errorf("abort task %s: %w", taskID, domain.ErrTaskNotActive)
	}
	if err := m.store.SetTaskStatus(ctx, taskID, domain.TaskStatusAborted); err != nil {
		return fmt.Errorf("abort task %s: %w", taskID, err)
	}

	active, err := m.store.ActiveSubtasks(ctx, taskID)
	if err != nil {
		return fmt.Errorf("abort task %s: %w", taskID, err)
	}
	for _, st := range active {
		m.timers.Finish(st.SubtaskID)
		if err := m.store.CancelSubtask(ctx, taskID, st.SubtaskID); err != nil {
			return fmt.Errorf("abort task %s: cancel subtask %s: %w", taskID, st.SubtaskID, err)
		}
	}

	if err := m.shutdownAppClient(ctx, task.AppID); err != nil {
		return fmt.Errorf("abort task %s: %w", taskID, err)
	}
	return nil
}

// Quit shuts down every live App Client concurrently and waits for all of them to
// settle, tolerating individual failures rather than aborting on the first one
// (best effort; every failure is reported, none short-circuits the others). The
// map is left populated; quit is a terminal call, not a reset.
func (m *Manager) Quit(ctx context.Context) error {
	m.mu.Lock()
	clients := make(map[string]ports.AppClient, len(m.appClients))
	for appID, client := range m.appClients {
		clients[appID] = client
	}
	m.mu.Unlock()

	if len(clients) == 0 {
		return nil
	}

	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for appID, client := range clients {
		appID, client := appID, client
		g.Go(func() error {
			if err := client.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown app client %s: %w", appID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// getAppClient implements the RTM private _getAppClient: at-most-once creation per
// appId, guarded by a singleflight group so concurrent callers for the same appId
// observe exactly one construction and share its result.
func (m *Manager) getAppClient(ctx context.Context, appID string, envID domain.EnvID) (ports.AppClient, error) {
	m.mu.Lock()
	if client, ok := m.appClients[appID]; ok {
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	v, err, _ := m.creating.Do(appID, func() (any, error) {
		m.mu.Lock()
		if client, ok := m.appClients[appID]; ok {
			m.mu.Unlock()
			return client, nil
		}
		m.mu.Unlock()

		if !m.envs.Enabled(envID) {
			return nil, fmt.Errorf("app client for %s: %w", appID, domain.ErrEnvironmentDisabled)
		}
		env, err := m.envs.Environment(envID)
		if err != nil {
			return nil, fmt.Errorf("app client for %s: %w", appID, err)
		}
		builder, err := m.envs.PayloadBuilder(envID)
		if err != nil {
			return nil, fmt.Errorf("app client for %s: %w", appID, err)
		}
		service, err := m.serviceFactory.Build(ctx, env, builder, m.rootDir)
		if err != nil {
			return nil, fmt.Errorf("app client for %s: build task api service: %w", appID, err)
		}
		client, err := m.clientFactory.Create(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("app client for %s: create: %w", appID, err)
		}

		m.mu.Lock()
		m.appClients[appID] = client
		m.mu.Unlock()
		m.logger.Debug("created app client", "app_id", appID, "environment", envID)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ports.AppClient), nil
}

// shutdownAppClient implements the RTM private _shutdownAppClient: tear down the
// App Client for appId only if it has no active tasks left.
func (m *Manager) shutdownAppClient(ctx context.Context, appID string) error {
	count, err := m.store.CountActiveTasksForApp(ctx, appID)
	if err != nil {
		return fmt.Errorf("shutdown app client %s: %w", appID, err)
	}
	if count > 0 {
		return nil
	}

	m.mu.Lock()
	client, ok := m.appClients[appID]
	if ok {
		delete(m.appClients, appID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown app client %s: %w", appID, err)
	}
	m.logger.Debug("shut down app client", "app_id", appID)
	return nil
}
