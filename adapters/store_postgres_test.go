package adapters

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"rtm/domain"
)

func TestPostgresStoreCreateTaskInsertsRow(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)
	task := domain.RequestedTask{
		TaskID:      "task-1",
		AppID:       "app-a",
		Environment: domain.EnvID("blender"),
		MaxSubtasks: 2,
		StartTime:   time.Unix(100, 0).UTC(),
		Status:      domain.TaskStatusCreating,
	}

	pool.ExpectExec("INSERT INTO rtm_tasks").
		WithArgs(task.TaskID, task.Name, task.AppID, string(task.Environment),
			int64(0), int64(0), task.MaxSubtasks, task.MaxPricePerHour, task.OutputDirectory,
			pgxmock.AnyArg(), pgxmock.AnyArg(), task.StartTime, task.ConcentEnabled, string(task.Status)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresStoreCreateTaskMapsUniqueViolationToAlreadyExists(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)
	task := domain.RequestedTask{
		TaskID:      "task-1",
		AppID:       "app-a",
		Environment: domain.EnvID("blender"),
		StartTime:   time.Unix(100, 0).UTC(),
		Status:      domain.TaskStatusCreating,
	}

	pool.ExpectExec("INSERT INTO rtm_tasks").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = store.CreateTask(context.Background(), task)
	require.ErrorIs(t, err, domain.ErrTaskAlreadyExists)
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresStoreGetTaskNotFound(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)
	pool.ExpectQuery("SELECT .* FROM rtm_tasks").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"task_id", "name", "app_id", "environment", "task_timeout_ms", "subtask_timeout_ms",
			"max_subtasks", "max_price_per_hour", "output_directory", "resources", "app_params",
			"start_time", "concent_enabled", "status",
		}))

	_, err = store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresStoreInsertSubtaskLocksTaskAndChecksOutstanding(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)
	node := domain.ComputingNode{NodeID: "node-1", Name: "node-1-name"}
	subtask := domain.RequestedSubtask{
		SubtaskID: "sub-1",
		StartTime: time.Unix(200, 0).UTC(),
		Price:     1.5,
	}

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT task_id FROM rtm_tasks").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id"}).AddRow("task-1"))
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM rtm_subtasks").
		WithArgs("task-1", node.NodeID, string(domain.SubtaskStatusFinished)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	pool.ExpectExec("INSERT INTO rtm_subtasks").
		WithArgs(subtask.SubtaskID, "task-1", pgxmock.AnyArg(), pgxmock.AnyArg(), subtask.StartTime,
			subtask.Price, node.NodeID, node.Name, string(domain.SubtaskStatusStarting)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	inserted, err := store.InsertSubtask(context.Background(), "task-1", node, subtask)
	require.NoError(t, err)
	require.Equal(t, domain.SubtaskStatusStarting, inserted.Status)
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresStoreInsertSubtaskRefusesOutstandingSubtask(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)
	node := domain.ComputingNode{NodeID: "node-1"}

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT task_id FROM rtm_tasks").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id"}).AddRow("task-1"))
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM rtm_subtasks").
		WithArgs("task-1", node.NodeID, string(domain.SubtaskStatusFinished)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	pool.ExpectRollback()

	_, err = store.InsertSubtask(context.Background(), "task-1", node, domain.RequestedSubtask{SubtaskID: "sub-1"})
	require.True(t, domain.IsAssignmentRefused(err))
	require.NoError(t, pool.ExpectationsWereMet())
}

func TestPostgresStoreFinishSubtaskTransitionsTaskAtThreshold(t *testing.T) {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool)

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT max_subtasks FROM rtm_tasks").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"max_subtasks"}).AddRow(1))
	pool.ExpectExec("UPDATE rtm_subtasks SET status").
		WithArgs("task-1", "sub-1", string(domain.SubtaskStatusFinished)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectQuery("SELECT count\\(\\*\\) FROM rtm_subtasks").
		WithArgs("task-1", string(domain.SubtaskStatusFinished)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	pool.ExpectExec("UPDATE rtm_tasks SET status").
		WithArgs("task-1", string(domain.TaskStatusFinished)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	completed, err := store.FinishSubtask(context.Background(), "task-1", "sub-1", true)
	require.NoError(t, err)
	require.True(t, completed)
	require.NoError(t, pool.ExpectationsWereMet())
}
