package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/opengrid/requestor/internal/task/model"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenInMemory()
	assert.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func buildTask(id model.TaskID, status model.TaskStatus) *model.RequestedTask {
	return &model.RequestedTask{
		TaskID:          id,
		AppID:           "app-a",
		Name:            "render",
		Status:          status,
		Environment:     "docker",
		TaskTimeout:     60000,
		SubtaskTimeout:  1000,
		StartTime:       time.Now().UTC(),
		MaxPricePerHour: 100,
		MaxSubtasks:     2,
		Resources:       []string{"scene.blend"},
	}
}

func buildSubtask(id model.SubtaskID, taskID model.TaskID, nodeID string, status model.SubtaskStatus) *model.RequestedSubtask {
	return &model.RequestedSubtask{
		SubtaskID:       id,
		TaskID:          taskID,
		ComputingNodeID: nodeID,
		Status:          status,
		StartTime:       time.Now().UTC(),
		Price:           100,
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	task := buildTask("task-1", model.TaskStatusCreating)
	assert.NoError(t, s.CreateTask(ctx, task))

	t.Run("GetTask", func(t *testing.T) {
		got, err := s.GetTask(ctx, "task-1")
		assert.NoError(t, err)
		assert.Equal(t, model.AppID("app-a"), got.AppID)
		assert.Equal(t, model.TaskStatusCreating, got.Status)
		assert.Equal(t, []string{"scene.blend"}, got.Resources)
	})

	t.Run("TaskExists", func(t *testing.T) {
		exists, err := s.TaskExists(ctx, "task-1")
		assert.NoError(t, err)
		assert.True(t, exists)

		exists, err = s.TaskExists(ctx, "unknown-id")
		assert.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("GetTask Not Found", func(t *testing.T) {
		_, err := s.GetTask(ctx, "unknown-id")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("UpdateTaskStatus", func(t *testing.T) {
		assert.NoError(t, s.UpdateTaskStatus(ctx, "task-1", model.TaskStatusWaiting))
		got, err := s.GetTask(ctx, "task-1")
		assert.NoError(t, err)
		assert.Equal(t, model.TaskStatusWaiting, got.Status)
	})
}

func TestListTasks(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, id := range []model.TaskID{"t1", "t2", "t3"} {
		assert.NoError(t, s.CreateTask(ctx, buildTask(id, model.TaskStatusCreating)))
	}

	tasks, total, err := s.ListTasks(ctx, 0, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 2)

	tasks, total, err = s.ListTasks(ctx, 2, 2)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 1)
}

func TestCountActiveTasksForApp(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	waiting := buildTask("t-waiting", model.TaskStatusWaiting)
	creating := buildTask("t-creating", model.TaskStatusCreating)
	finished := buildTask("t-finished", model.TaskStatusFinished)
	otherApp := buildTask("t-other", model.TaskStatusWaiting)
	otherApp.AppID = "app-b"

	for _, task := range []*model.RequestedTask{waiting, creating, finished, otherApp} {
		assert.NoError(t, s.CreateTask(ctx, task))
	}

	count, err := s.CountActiveTasksForApp(ctx, "app-a")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.CountActiveTasksForApp(ctx, "app-b")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSubtaskQueries(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	assert.NoError(t, s.CreateTask(ctx, buildTask("task-1", model.TaskStatusWaiting)))
	assert.NoError(t, s.CreateSubtask(ctx, buildSubtask("s1", "task-1", "node-a", model.SubtaskStatusFinished)))
	assert.NoError(t, s.CreateSubtask(ctx, buildSubtask("s2", "task-1", "node-a", model.SubtaskStatusStarting)))
	assert.NoError(t, s.CreateSubtask(ctx, buildSubtask("s3", "task-1", "node-b", model.SubtaskStatusVerifying)))
	assert.NoError(t, s.CreateSubtask(ctx, buildSubtask("s4", "task-1", "node-b", model.SubtaskStatusFailure)))

	t.Run("CountUnfinishedForProvider", func(t *testing.T) {
		count, err := s.CountUnfinishedForProvider(ctx, "task-1", "node-a")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), count)

		// Failure also counts as unfinished; the provider stays blocked.
		count, err = s.CountUnfinishedForProvider(ctx, "task-1", "node-b")
		assert.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("CountFinishedSubtasks", func(t *testing.T) {
		count, err := s.CountFinishedSubtasks(ctx, "task-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("ListActiveSubtasks", func(t *testing.T) {
		active, err := s.ListActiveSubtasks(ctx, "task-1")
		assert.NoError(t, err)
		assert.Len(t, active, 2)
		for _, sub := range active {
			assert.True(t, sub.Status.IsActive())
		}
	})

	t.Run("GetSubtask", func(t *testing.T) {
		got, err := s.GetSubtask(ctx, "s2")
		assert.NoError(t, err)
		assert.Equal(t, model.TaskID("task-1"), got.TaskID)

		_, err = s.GetSubtask(ctx, "unknown")
		assert.ErrorIs(t, err, ErrSubtaskNotFound)
	})

	t.Run("UpdateSubtaskStatus", func(t *testing.T) {
		assert.NoError(t, s.UpdateSubtaskStatus(ctx, "s2", model.SubtaskStatusCancelled))
		got, err := s.GetSubtask(ctx, "s2")
		assert.NoError(t, err)
		assert.Equal(t, model.SubtaskStatusCancelled, got.Status)
	})
}

func TestUpsertComputingNode(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	node := &model.ComputingNode{NodeID: "node-a", Name: "alpha"}
	assert.NoError(t, s.UpsertComputingNode(ctx, node))

	renamed := &model.ComputingNode{NodeID: "node-a", Name: "alpha-2"}
	assert.NoError(t, s.UpsertComputingNode(ctx, renamed))

	var count int64
	assert.NoError(t, s.db.Model(&model.ComputingNode{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var got model.ComputingNode
	assert.NoError(t, s.db.First(&got, "node_id = ?", "node-a").Error)
	assert.Equal(t, "alpha-2", got.Name)
}

func TestSerializable(t *testing.T) {
	t.Run("Commits On Success", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()
		assert.NoError(t, s.CreateTask(ctx, buildTask("task-1", model.TaskStatusWaiting)))

		err := s.Serializable(ctx, func(tx *Store) error {
			count, err := tx.CountUnfinishedForProvider(ctx, "task-1", "node-a")
			if err != nil {
				return err
			}
			assert.Equal(t, int64(0), count)
			return tx.CreateSubtask(ctx, buildSubtask("s1", "task-1", "node-a", model.SubtaskStatusStarting))
		})
		assert.NoError(t, err)

		count, err := s.CountUnfinishedForProvider(ctx, "task-1", "node-a")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Rolls Back On Error", func(t *testing.T) {
		s := setupStore(t)
		ctx := context.Background()
		assert.NoError(t, s.CreateTask(ctx, buildTask("task-1", model.TaskStatusWaiting)))

		errRefused := errors.New("refused")
		err := s.Serializable(ctx, func(tx *Store) error {
			if err := tx.CreateSubtask(ctx, buildSubtask("s1", "task-1", "node-a", model.SubtaskStatusStarting)); err != nil {
				return err
			}
			return errRefused
		})
		assert.ErrorIs(t, err, errRefused)

		count, err := s.CountUnfinishedForProvider(ctx, "task-1", "node-a")
		assert.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}

func TestGetTaskStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	assert.NoError(t, err)

	s := &Store{db: gormDB}
	mock.ExpectQuery(`SELECT (.+) FROM "requested_tasks"`).
		WillReturnError(errors.New("connection reset"))

	_, err = s.GetTask(context.Background(), "task-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTaskNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}
