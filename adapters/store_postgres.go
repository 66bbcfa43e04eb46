package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rtm/domain"
	"rtm/ports"
)

func millisToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// pgxPool is the subset of pgxpool.Pool's surface PostgresStore depends on. Coding
// against this instead of the concrete pool type lets tests substitute pgxmock.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a jackc/pgx/v5 pool-backed implementation of ports.Store.
// The admission-check-then-insert transaction in InsertSubtask and the finished-
// count-then-transition transaction in FinishSubtask lock the parent task row
// with SELECT ... FOR UPDATE so concurrent callers serialise on it.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore wraps an existing pool. EnsureSchema must be called once
// before first use.
func NewPostgresStore(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the rtm_tasks and rtm_subtasks tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS rtm_tasks (
			task_id            TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			app_id             TEXT NOT NULL,
			environment        TEXT NOT NULL,
			task_timeout_ms    BIGINT NOT NULL,
			subtask_timeout_ms BIGINT NOT NULL,
			max_subtasks       INTEGER NOT NULL,
			max_price_per_hour DOUBLE PRECISION NOT NULL,
			output_directory   TEXT NOT NULL,
			resources          JSONB,
			app_params         JSONB,
			start_time         TIMESTAMPTZ NOT NULL,
			concent_enabled    BOOLEAN NOT NULL DEFAULT false,
			status             TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rtm_subtasks (
			subtask_id TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL REFERENCES rtm_tasks(task_id),
			payload    JSONB,
			inputs     JSONB,
			start_time TIMESTAMPTZ NOT NULL,
			price      DOUBLE PRECISION NOT NULL,
			node_id    TEXT NOT NULL,
			node_name  TEXT NOT NULL,
			status     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rtm_subtasks_task_node
			ON rtm_subtasks (task_id, node_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_rtm_tasks_app_status
			ON rtm_tasks (app_id, status)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure rtm schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task domain.RequestedTask) error {
	resourcesJSON, err := json.Marshal(task.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	paramsJSON, err := json.Marshal(task.AppParams)
	if err != nil {
		return fmt.Errorf("marshal app params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rtm_tasks (task_id, name, app_id, environment, task_timeout_ms, subtask_timeout_ms,
			max_subtasks, max_price_per_hour, output_directory, resources, app_params, start_time,
			concent_enabled, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		task.TaskID, task.Name, task.AppID, string(task.Environment),
		task.TaskTimeout.Milliseconds(), task.SubtaskTimeout.Milliseconds(),
		task.MaxSubtasks, task.MaxPricePerHour, task.OutputDirectory,
		resourcesJSON, paramsJSON, task.StartTime, task.ConcentEnabled, string(task.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create task %s: %w", task.TaskID, domain.ErrTaskAlreadyExists)
		}
		return fmt.Errorf("create task %s: %w", task.TaskID, err)
	}
	return nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row taskRowScanner) (domain.RequestedTask, error) {
	var t domain.RequestedTask
	var env, status string
	var taskTimeoutMs, subtaskTimeoutMs int64
	var resourcesJSON, paramsJSON []byte
	err := row.Scan(
		&t.TaskID, &t.Name, &t.AppID, &env, &taskTimeoutMs, &subtaskTimeoutMs,
		&t.MaxSubtasks, &t.MaxPricePerHour, &t.OutputDirectory,
		&resourcesJSON, &paramsJSON, &t.StartTime, &t.ConcentEnabled, &status,
	)
	if err != nil {
		return domain.RequestedTask{}, err
	}
	t.Environment = domain.EnvID(env)
	t.Status = domain.TaskStatus(status)
	t.TaskTimeout = millisToDuration(taskTimeoutMs)
	t.SubtaskTimeout = millisToDuration(subtaskTimeoutMs)
	if len(resourcesJSON) > 0 {
		_ = json.Unmarshal(resourcesJSON, &t.Resources)
	}
	if len(paramsJSON) > 0 {
		_ = json.Unmarshal(paramsJSON, &t.AppParams)
	}
	return t, nil
}

const taskColumns = `task_id, name, app_id, environment, task_timeout_ms, subtask_timeout_ms,
			max_subtasks, max_price_per_hour, output_directory, resources, app_params, start_time,
			concent_enabled, status`

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (domain.RequestedTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM rtm_tasks WHERE task_id = $1`, taskID)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RequestedTask{}, domain.ErrTaskNotFound
		}
		return domain.RequestedTask{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

func (s *PostgresStore) TaskExists(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rtm_tasks WHERE task_id = $1)`, taskID).Scan(&exists); err != nil {
		return false, fmt.Errorf("task exists %s: %w", taskID, err)
	}
	return exists, nil
}

func (s *PostgresStore) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rtm_tasks SET status = $2 WHERE task_id = $1`, taskID, string(status))
	if err != nil {
		return fmt.Errorf("set task status %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) CountUnfinishedSubtasks(ctx context.Context, taskID, nodeID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM rtm_subtasks WHERE task_id = $1 AND node_id = $2 AND status <> $3`,
		taskID, nodeID, string(domain.SubtaskStatusFinished),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unfinished subtasks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertSubtask(ctx context.Context, taskID string, node domain.ComputingNode, subtask domain.RequestedSubtask) (domain.RequestedSubtask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.RequestedSubtask{}, fmt.Errorf("begin insert subtask tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var discard string
	if err := tx.QueryRow(ctx, `SELECT task_id FROM rtm_tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&discard); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RequestedSubtask{}, domain.ErrTaskNotFound
		}
		return domain.RequestedSubtask{}, fmt.Errorf("lock task %s: %w", taskID, err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM rtm_subtasks WHERE task_id = $1 AND node_id = $2 AND status <> $3`,
		taskID, node.NodeID, string(domain.SubtaskStatusFinished),
	).Scan(&count); err != nil {
		return domain.RequestedSubtask{}, fmt.Errorf("count unfinished subtasks: %w", err)
	}
	if count > 0 {
		return domain.RequestedSubtask{}, &domain.AssignmentError{Reason: domain.ReasonOutstandingSubtask, TaskID: taskID, NodeID: node.NodeID}
	}

	inputsJSON, err := json.Marshal(subtask.Inputs)
	if err != nil {
		return domain.RequestedSubtask{}, fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO rtm_subtasks (subtask_id, task_id, payload, inputs, start_time, price, node_id, node_name, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		subtask.SubtaskID, taskID, []byte(subtask.Payload), inputsJSON, subtask.StartTime,
		subtask.Price, node.NodeID, node.Name, string(domain.SubtaskStatusStarting),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.RequestedSubtask{}, fmt.Errorf("insert subtask %s: already exists: %w", subtask.SubtaskID, err)
		}
		return domain.RequestedSubtask{}, fmt.Errorf("insert subtask %s: %w", subtask.SubtaskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.RequestedSubtask{}, fmt.Errorf("commit insert subtask tx: %w", err)
	}

	subtask.TaskID = taskID
	subtask.ComputingNode = node
	subtask.Status = domain.SubtaskStatusStarting
	return subtask, nil
}

const subtaskColumns = `subtask_id, task_id, payload, inputs, start_time, price, node_id, node_name, status`

func scanSubtaskRow(row taskRowScanner) (domain.RequestedSubtask, error) {
	var st domain.RequestedSubtask
	var inputsJSON, payloadJSON []byte
	var status string
	err := row.Scan(&st.SubtaskID, &st.TaskID, &payloadJSON, &inputsJSON, &st.StartTime, &st.Price,
		&st.ComputingNode.NodeID, &st.ComputingNode.Name, &status)
	if err != nil {
		return domain.RequestedSubtask{}, err
	}
	st.Status = domain.SubtaskStatus(status)
	if len(payloadJSON) > 0 {
		st.Payload = json.RawMessage(payloadJSON)
	}
	if len(inputsJSON) > 0 {
		_ = json.Unmarshal(inputsJSON, &st.Inputs)
	}
	return st, nil
}

func (s *PostgresStore) GetSubtask(ctx context.Context, taskID, subtaskID string) (domain.RequestedSubtask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subtaskColumns+` FROM rtm_subtasks WHERE task_id = $1 AND subtask_id = $2`, taskID, subtaskID)
	st, err := scanSubtaskRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RequestedSubtask{}, domain.ErrSubtaskNotFound
		}
		return domain.RequestedSubtask{}, fmt.Errorf("get subtask %s/%s: %w", taskID, subtaskID, err)
	}
	return st, nil
}

func (s *PostgresStore) SetSubtaskStatus(ctx context.Context, taskID, subtaskID string, status domain.SubtaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rtm_subtasks SET status = $3 WHERE task_id = $1 AND subtask_id = $2`,
		taskID, subtaskID, string(status))
	if err != nil {
		return fmt.Errorf("set subtask status %s/%s: %w", taskID, subtaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubtaskNotFound
	}
	return nil
}

func (s *PostgresStore) FinishSubtask(ctx context.Context, taskID, subtaskID string, success bool) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin finish subtask tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var maxSubtasks int
	if err := tx.QueryRow(ctx, `SELECT max_subtasks FROM rtm_tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&maxSubtasks); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrTaskNotFound
		}
		return false, fmt.Errorf("lock task %s: %w", taskID, err)
	}

	newStatus := domain.SubtaskStatusFailure
	if success {
		newStatus = domain.SubtaskStatusFinished
	}
	tag, err := tx.Exec(ctx, `UPDATE rtm_subtasks SET status = $3 WHERE task_id = $1 AND subtask_id = $2`,
		taskID, subtaskID, string(newStatus))
	if err != nil {
		return false, fmt.Errorf("set subtask status %s/%s: %w", taskID, subtaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, domain.ErrSubtaskNotFound
	}

	if !success {
		return false, tx.Commit(ctx)
	}

	var finishedCount int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM rtm_subtasks WHERE task_id = $1 AND status = $2`,
		taskID, string(domain.SubtaskStatusFinished),
	).Scan(&finishedCount); err != nil {
		return false, fmt.Errorf("count finished subtasks: %w", err)
	}

	completed := finishedCount >= maxSubtasks
	if completed {
		if _, err := tx.Exec(ctx, `UPDATE rtm_tasks SET status = $2 WHERE task_id = $1`,
			taskID, string(domain.TaskStatusFinished)); err != nil {
			return false, fmt.Errorf("finish task %s: %w", taskID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit finish subtask tx: %w", err)
	}
	return completed, nil
}

func (s *PostgresStore) ActiveSubtasks(ctx context.Context, taskID string) ([]domain.RequestedSubtask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subtaskColumns+` FROM rtm_subtasks
		WHERE task_id = $1 AND status IN ($2, $3, $4)`,
		taskID, string(domain.SubtaskStatusStarting), string(domain.SubtaskStatusDownloading), string(domain.SubtaskStatusVerifying))
	if err != nil {
		return nil, fmt.Errorf("active subtasks %s: %w", taskID, err)
	}
	defer rows.Close()

	var active []domain.RequestedSubtask
	for rows.Next() {
		st, err := scanSubtaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		active = append(active, st)
	}
	return active, rows.Err()
}

func (s *PostgresStore) CancelSubtask(ctx context.Context, taskID, subtaskID string) error {
	return s.SetSubtaskStatus(ctx, taskID, subtaskID, domain.SubtaskStatusCancelled)
}

func (s *PostgresStore) CountActiveTasksForApp(ctx context.Context, appID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM rtm_tasks WHERE app_id = $1 AND status IN ($2, $3, $4, $5)`,
		appID, string(domain.TaskStatusSending), string(domain.TaskStatusWaiting),
		string(domain.TaskStatusStarting), string(domain.TaskStatusComputing),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active tasks for app %s: %w", appID, err)
	}
	return count, nil
}

var _ ports.Store = (*PostgresStore)(nil)
